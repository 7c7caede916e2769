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

// Package hwwatchdog feeds the Linux hardware watchdog device.
package hwwatchdog

import (
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	DefaultDevice     = "/dev/watchdog"
	DefaultBootStatus = "/sys/class/watchdog/watchdog0/bootstatus"

	// WDIOF_CARDRESET from linux/watchdog.h.
	cardReset = 0x0020
)

// Device keeps the watchdog device open. Once opened the board resets if
// Feed is not called within the device timeout.
type Device struct {
	w io.WriteCloser
}

func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &Device{w: f}, nil
}

func (d *Device) Feed() error {
	_, err := d.w.Write([]byte{0})
	return err
}

// Close disarms the watchdog with the magic close character before closing.
func (d *Device) Close() error {
	if _, err := d.w.Write([]byte("V")); err != nil {
		d.w.Close()
		return err
	}
	return d.w.Close()
}

// Nop is used when no watchdog device is configured.
type Nop struct{}

func (Nop) Feed() error { return nil }

// BootStatus reports whether the last reboot was caused by the watchdog.
// A missing file reads as false.
func BootStatus(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return parseBootStatus(string(raw))
}

func parseBootStatus(s string) (bool, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return false, err
	}
	return v&cardReset != 0, nil
}
