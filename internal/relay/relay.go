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

package relay

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
)

// GPIO drives the primary and backup relays from two output pins.
type GPIO struct {
	primary    gpio.PinOut
	backup     gpio.PinOut
	activeHigh bool
}

// New looks up the pins by name. An empty backup name means there is no
// backup relay fitted. periph must already be initialised.
func New(primaryPin, backupPin string, activeHigh bool) (*GPIO, error) {
	primary := gpioreg.ByName(primaryPin)
	if primary == nil {
		return nil, fmt.Errorf("failed to find GPIO pin '%s'", primaryPin)
	}
	var backup gpio.PinOut
	if backupPin != "" {
		p := gpioreg.ByName(backupPin)
		if p == nil {
			return nil, fmt.Errorf("failed to find GPIO pin '%s'", backupPin)
		}
		backup = p
	}
	return NewWithPins(primary, backup, activeHigh), nil
}

func NewWithPins(primary, backup gpio.PinOut, activeHigh bool) *GPIO {
	return &GPIO{primary: primary, backup: backup, activeHigh: activeHigh}
}

func (g *GPIO) level(energized bool) gpio.Level {
	return gpio.Level(energized == g.activeHigh)
}

func (g *GPIO) SetPrimaryRelay(energized bool) error {
	if err := g.primary.Out(g.level(energized)); err != nil {
		return fmt.Errorf("failed to set primary relay: %w", err)
	}
	return nil
}

func (g *GPIO) SetBackupRelay(energized bool) error {
	if g.backup == nil {
		return nil
	}
	if err := g.backup.Out(g.level(energized)); err != nil {
		return fmt.Errorf("failed to set backup relay: %w", err)
	}
	return nil
}

// Release de-energizes both relays.
func (g *GPIO) Release() error {
	if err := g.SetPrimaryRelay(false); err != nil {
		return err
	}
	return g.SetBackupRelay(false)
}
