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

package watchdog

import "time"

// Millis is a reading of the monotonic clock in milliseconds. It wraps after
// about 49.7 days so readings must only be compared through Since and Before.
// Zero is used to mean "not set".
type Millis uint32

// Since returns how long ago earlier was, tolerating one wrap of the clock.
func (m Millis) Since(earlier Millis) time.Duration {
	return time.Duration(uint32(m-earlier)) * time.Millisecond
}

// Add returns the reading d after m.
func (m Millis) Add(d time.Duration) Millis {
	return m + Millis(uint32(d/time.Millisecond))
}

// Before reports whether m is earlier than o, assuming they are within half the
// wrap period of each other.
func (m Millis) Before(o Millis) bool {
	return int32(m-o) < 0
}

// anchor turns a reading into a value usable as a set anchor.
func anchor(m Millis) Millis {
	if m == 0 {
		return 1
	}
	return m
}

const (
	feedInterval = 100 * time.Millisecond
	pollInterval = time.Second
)

// WaitFeeding blocks for d, feeding the hardware watchdog at least every
// 100 ms. If until is not nil it is polled once a second and the wait ends
// early once it returns true.
func WaitFeeding(clock Clock, feeder Feeder, d time.Duration, until func() bool) {
	start := clock.Now()
	lastPoll := start
	for clock.Now().Since(start) < d {
		if err := feeder.Feed(); err != nil {
			log.Errorf("Failed to feed hardware watchdog: %v", err)
		}
		if until != nil && clock.Now().Since(lastPoll) >= pollInterval {
			lastPoll = clock.Now()
			if until() {
				return
			}
		}
		step := d - clock.Now().Since(start)
		if step > feedInterval {
			step = feedInterval
		}
		if step > 0 {
			clock.Sleep(step)
		}
	}
	if err := feeder.Feed(); err != nil {
		log.Errorf("Failed to feed hardware watchdog: %v", err)
	}
}
