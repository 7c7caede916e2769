/*
router-watchdog - Keeps a home router online by power cycling it
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package sysclock is the engine clock backed by the kernel.
package sysclock

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const (
	timeError = 5    // TIME_ERROR
	staUnsync = 0x40 // STA_UNSYNC
)

// Clock reads uptime from CLOCK_BOOTTIME, so time spent suspended still
// counts, and trusts the wall clock once the kernel reports it synchronised.
type Clock struct {
	adjtimex func(*unix.Timex) (int, error)
}

func New() *Clock {
	return &Clock{adjtimex: unix.Adjtimex}
}

func (c *Clock) Now() watchdog.Millis {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return 0
	}
	return watchdog.Millis(uint32(ts.Nano() / int64(time.Millisecond)))
}

func (c *Clock) WallClock() (time.Time, bool) {
	return time.Now(), c.synchronised()
}

func (c *Clock) synchronised() bool {
	var tx unix.Timex
	state, err := c.adjtimex(&tx)
	if err != nil {
		return false
	}
	return state != timeError && tx.Status&staUnsync == 0
}

func (c *Clock) Sleep(d time.Duration) {
	time.Sleep(d)
}
