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

package leds

import (
	"fmt"
	"sync"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

// Config names the pins of an RGB status LED. An empty name leaves that
// colour out.
type Config struct {
	Red        string `yaml:"red-pin"`
	Green      string `yaml:"green-pin"`
	Blue       string `yaml:"blue-pin"`
	ActiveHigh bool   `yaml:"active-high"`
}

func (c Config) Enabled() bool {
	return c.Red != "" || c.Green != "" || c.Blue != ""
}

type Color struct {
	Red, Green, Blue bool
}

var (
	Off     = Color{}
	OK      = Color{Green: true}
	Fail    = Color{Red: true}
	APMode  = Color{Blue: true}
	Warning = Color{Red: true, Green: true}
)

// ForStatus picks the colour shown for a watchdog status.
func ForStatus(s watchdog.Status) Color {
	switch {
	case s.ConfigMode:
		return APMode
	case s.ResetState == watchdog.Healthy.String() && s.Counters.FailCount == 0:
		return OK
	}
	return Fail
}

// LEDs is safe to use from several goroutines. A nil *LEDs does nothing.
type LEDs struct {
	mu         sync.Mutex
	red        gpio.PinOut
	green      gpio.PinOut
	blue       gpio.PinOut
	activeHigh bool
	shown      Color
	warning    bool
	written    bool
}

// New looks up the configured pins. It returns nil when no pin is set.
// periph must already be initialised.
func New(conf Config) (*LEDs, error) {
	if !conf.Enabled() {
		return nil, nil
	}
	var pins [3]gpio.PinOut
	for i, name := range []string{conf.Red, conf.Green, conf.Blue} {
		if name == "" {
			continue
		}
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("failed to find GPIO pin '%s'", name)
		}
		pins[i] = p
	}
	return NewWithPins(pins[0], pins[1], pins[2], conf.ActiveHigh), nil
}

func NewWithPins(red, green, blue gpio.PinOut, activeHigh bool) *LEDs {
	return &LEDs{red: red, green: green, blue: blue, activeHigh: activeHigh}
}

// Show sets the LEDs from a status. It does nothing while a warning is up
// or when the colour has not changed.
func (l *LEDs) Show(s watchdog.Status) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.warning {
		return nil
	}
	return l.set(ForStatus(s))
}

// Warn holds the warning colour until it is called with false. The next Show
// puts the status colour back.
func (l *LEDs) Warn(on bool) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warning = on
	if on {
		return l.set(Warning)
	}
	return nil
}

// Release turns every LED off.
func (l *LEDs) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warning = false
	return l.set(Off)
}

func (l *LEDs) set(c Color) error {
	if l.written && c == l.shown {
		return nil
	}
	for _, led := range []struct {
		pin gpio.PinOut
		on  bool
	}{{l.red, c.Red}, {l.green, c.Green}, {l.blue, c.Blue}} {
		if led.pin == nil {
			continue
		}
		if err := led.pin.Out(gpio.Level(led.on == l.activeHigh)); err != nil {
			return fmt.Errorf("failed to set LED %s: %w", led.pin, err)
		}
	}
	l.shown = c
	l.written = true
	return nil
}
