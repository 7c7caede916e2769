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

import (
	"fmt"
	"time"
)

// detectBootLoop records unplanned restarts and enters safe mode when
// bootLoopSlots of them happen inside the boot loop window.
func (e *Engine) detectBootLoop(cause RestartCause, warm *WarmState, now Millis) {
	st := &e.st
	if warm == nil || warm.Magic != WarmMagic {
		st.BootLoop = BootLoopState{}
		st.SafeMode = false
		return
	}
	st.BootLoop = warm.BootLoop
	if cause.Planned() {
		log.Infof("Planned restart (%s), not counted as a boot loop", cause)
		return
	}

	bl := &st.BootLoop
	copy(bl.Times[1:], bl.Times[:bootLoopSlots-1])
	bl.Times[0] = anchor(now)
	bl.Count++
	log.Infof("Unplanned restart (%s), %d in window", cause, bl.Count)
	if bl.Count < bootLoopSlots {
		return
	}
	span := bl.Times[0].Since(bl.Times[bootLoopSlots-1])
	if span >= e.settings.BootLoopWindow {
		bl.Count = 1
		return
	}

	st.SafeMode = true
	e.moveTo(SafeMode)
	if err := e.d.Relay.SetPrimaryRelay(false); err != nil {
		e.fault("Failed to release router relay for safe mode", err)
	}
	e.saveSafeMode(true)
	e.record(EventSafeMode, fmt.Sprintf("Boot loop detected, %d unplanned restarts in %s, entering safe mode",
		bl.Count, span.Round(time.Second)), map[string]interface{}{"cause": cause.String()})
}
