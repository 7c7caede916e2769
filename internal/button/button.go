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

package button

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
)

const (
	debounce     = 50 * time.Millisecond
	pollInterval = 100 * time.Millisecond
	edgeWait     = time.Second

	ConfigHold  = 3 * time.Second
	FactoryHold = 10 * time.Second
)

// Action is what a press asks for, decided by how long it was held.
type Action int

const (
	None Action = iota
	ResetRouter
	ConfigMode
	FactoryReset
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case ResetRouter:
		return "router reset"
	case ConfigMode:
		return "config mode"
	case FactoryReset:
		return "factory reset"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Classify maps a hold time to an action.
func Classify(held time.Duration) Action {
	switch {
	case held <= 0:
		return None
	case held > FactoryHold:
		return FactoryReset
	case held > ConfigHold:
		return ConfigMode
	}
	return ResetRouter
}

// Button watches a push button wired between the pin and ground.
type Button struct {
	pin   gpio.PinIn
	now   func() time.Time
	sleep func(time.Duration)
}

// New looks up the pin by name and enables its pull up. periph must already
// be initialised.
func New(name string) (*Button, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("failed to find GPIO pin '%s'", name)
	}
	if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("failed to set up button pin: %w", err)
	}
	return NewWithPin(pin), nil
}

func NewWithPin(pin gpio.PinIn) *Button {
	return &Button{pin: pin, now: time.Now, sleep: time.Sleep}
}

// Run calls pressed after each completed press until ctx is done. warn is
// called once while a press is held past FactoryHold, and may be nil.
func (b *Button) Run(ctx context.Context, pressed func(Action), warn func()) {
	for ctx.Err() == nil {
		held, ok := b.press(ctx, warn)
		if !ok {
			continue
		}
		if a := Classify(held); a != None {
			pressed(a)
		}
	}
}

// press waits for the pin to go low and returns how long it stayed there.
// Presses shorter than the debounce time are ignored.
func (b *Button) press(ctx context.Context, warn func()) (time.Duration, bool) {
	if !b.pin.WaitForEdge(edgeWait) || b.pin.Read() != gpio.Low {
		return 0, false
	}
	b.sleep(debounce)
	if b.pin.Read() != gpio.Low {
		return 0, false
	}
	start := b.now()
	warned := false
	for b.pin.Read() == gpio.Low {
		if ctx.Err() != nil {
			return 0, false
		}
		if !warned && warn != nil && b.now().Sub(start) > FactoryHold {
			warn()
			warned = true
		}
		b.sleep(pollInterval)
	}
	return b.now().Sub(start), true
}
