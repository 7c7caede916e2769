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

// EstimateNow returns the wall clock time. Without a trusted clock it is
// estimated from the last trusted sync plus the monotonic time since then.
// The second result is false when no estimate is possible.
func (e *Engine) EstimateNow(now Millis) (time.Time, bool) {
	sc := &e.st.Schedule
	wall, trusted := e.d.Clock.WallClock()
	if trusted {
		first := !e.syncSaved
		regained := sc.SyncLost
		sc.LastTrustedSync = wall
		sc.SyncMonotonic = anchor(now)
		sc.SyncLost = false
		if regained {
			e.record(EventTimeSync, "Time sync back", nil)
		}
		if first || regained {
			e.syncSaved = true
			e.saveSchedule()
		}
		return wall, true
	}
	if sc.LastTrustedSync.IsZero() || sc.SyncMonotonic == 0 {
		return time.Time{}, false
	}
	if !sc.SyncLost {
		sc.SyncLost = true
		e.record(EventTimeSync, "Time sync lost, using offline estimate", nil)
		e.saveSchedule()
	}
	return sc.LastTrustedSync.Add(now.Since(sc.SyncMonotonic)), true
}

// ShouldFire reports whether t matches a configured reset time that has not
// already fired in that minute.
func (e *Engine) ShouldFire(t time.Time) bool {
	s := e.settings
	if !s.ScheduledResetsEnabled {
		return false
	}
	local := t.In(e.loc)
	times := s.ScheduledResetTimes
	if len(times) > MaxScheduledResets {
		times = times[:MaxScheduledResets]
	}
	for _, hhmm := range times {
		h, m, err := ParseTimeOfDay(hhmm)
		if err != nil || h != local.Hour() || m != local.Minute() {
			continue
		}
		last := e.st.Schedule.LastFire
		if last.IsZero() {
			return true
		}
		last = last.In(e.loc)
		sameMinute := last.Year() == local.Year() && last.YearDay() == local.YearDay() &&
			last.Hour() == h && last.Minute() == m
		return !sameMinute
	}
	return false
}

// evaluateSchedule records the fire and reports whether a scheduled reset is
// due now.
func (e *Engine) evaluateSchedule(now Millis) bool {
	est, ok := e.EstimateNow(now)
	if !ok || !e.ShouldFire(est) {
		return false
	}
	_, trusted := e.d.Clock.WallClock()
	source := "offline estimate"
	if trusted {
		source = "trusted clock"
	}
	e.st.Schedule.LastFire = est
	e.saveSchedule()
	e.record(EventScheduledReset, fmt.Sprintf("Scheduled reset at %s (%s)", est.In(e.loc).Format("15:04"), source), nil)
	return true
}
