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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRestartRequested = errors.New("restart requested after router reset")
	ErrSafeMode         = errors.New("router resets are disabled in safe mode")
	ErrRateLimited      = errors.New("too many router resets in the last hour")
	ErrLifetimeLimit    = errors.New("lifetime router reset limit reached")
	ErrProviderLockout  = errors.New("reset limit for this outage reached, waiting for the provider")
	ErrResetRunning     = errors.New("a router reset is already running")
	ErrRelay            = errors.New("failed to drive the router relay")
)

type ResetReason string

const (
	ReasonInternet   ResetReason = "internet"
	ReasonGateway    ResetReason = "gateway"
	ReasonNoLink     ResetReason = "no-link"
	ReasonNoAddress  ResetReason = "no-address"
	ReasonConfigMode ResetReason = "config-mode"
	ReasonScheduled  ResetReason = "scheduled"
	ReasonManual     ResetReason = "manual"
)

const relayRetries = 3

// PerformReset power cycles the router unless safe mode, a rate ceiling or the
// provider lockout forbids it. Refusals are returned as errors and leave the
// counters untouched.
func (e *Engine) PerformReset(ctx context.Context, reason ResetReason) error {
	st := &e.st
	c := &st.Counters
	s := e.settings
	now := e.d.Clock.Now()

	if st.SafeMode {
		e.refuse("safe-mode", "Safe mode: router reset blocked")
		return ErrSafeMode
	}
	if st.ResetInProgress {
		return ErrResetRunning
	}
	e.pruneRecentResets(now)
	if len(st.RecentResets) >= resetsPerWindow {
		e.refuse("rate", fmt.Sprintf("Resets stopped, %d already in the last hour", len(st.RecentResets)))
		return ErrRateLimited
	}
	if c.TotalResetsEver >= s.MaxTotalResetsEver {
		e.refuse("lifetime", fmt.Sprintf("Resets stopped, lifetime limit of %d reached", s.MaxTotalResetsEver))
		return ErrLifetimeLimit
	}
	if c.TotalResets >= s.ProviderFailureLimit {
		e.moveTo(ProviderLockout)
		e.setMessage("Provider outage, waiting for the connection to come back")
		if !st.ProviderFailureNotified {
			st.ProviderFailureNotified = true
			e.record(EventProviderOutage, fmt.Sprintf("Provider outage after %d resets, no more resets", c.TotalResets),
				map[string]interface{}{"totalResets": c.TotalResets})
			e.flushWarm()
		}
		return ErrProviderLockout
	}

	st.Refusal = ""
	st.ResetInProgress = true
	defer func() { st.ResetInProgress = false }()
	prev := st.Reset
	e.moveTo(Resetting)
	if st.Episode == "" {
		st.Episode = uuid.NewString()
	}
	simulated := st.Sim.Active()
	e.setMessage("Router reset in progress")

	if err := e.cyclePower(); err != nil {
		if prev == PostResetBackoff {
			e.moveTo(PostResetBackoff)
		} else {
			e.moveTo(Healthy)
		}
		e.setMessage("Router reset failed, relay fault")
		return err
	}

	c.TotalResets++
	c.TotalResetsEver++
	c.RouterResetCount++
	c.NextResetDelay += resetDelayStep
	if c.NextResetDelay > maxResetDelay {
		c.NextResetDelay = maxResetDelay
	}
	if c.FirstResetTime == 0 {
		c.FirstResetTime = anchor(now)
	}
	st.RecentResets = append(st.RecentResets, anchor(now))
	e.record(EventRouterReset, fmt.Sprintf("Router reset (%s, total %d)", reason, c.TotalResets), map[string]interface{}{
		"reason":          string(reason),
		"totalResets":     c.TotalResets,
		"totalResetsEver": c.TotalResetsEver,
		"simulated":       simulated,
	})

	if simulated {
		st.Sim.Resets++
		if st.Sim.Resets >= maxSimulatedResets {
			st.Sim = Simulation{}
			e.record(EventSimulation, fmt.Sprintf("Simulation turned off after %d resets", maxSimulatedResets), nil)
		}
	}

	e.setMessage("Waiting for the router to start")
	WaitFeeding(e.d.Clock, e.d.Feeder, s.BaseBootTime, func() bool { return e.linkConnected(ctx) })

	done := anchor(e.d.Clock.Now())
	st.RouterBootStart = done
	c.LastResetTime = done
	c.FailCount = 0
	c.LagCount = 0
	c.NoLinkStart = 0
	st.GatewayFailCount = 0
	st.LastProbe = 0
	e.saveCounters()
	e.moveTo(PostResetBackoff)
	e.flushWarm()

	if simulated {
		log.Info("Simulation, not restarting after reset.")
		return nil
	}
	if s.RestartAfterReset {
		return ErrRestartRequested
	}
	if !st.Backup.Active() && !e.linkConnected(ctx) {
		e.join(ctx, PrimaryOnly)
	}
	return nil
}

// cyclePower cuts power to the router for the configured time. If power
// cannot be cut the relay is released and the reset abandoned. The router
// is never left unpowered on purpose.
func (e *Engine) cyclePower() error {
	relay := e.d.Relay
	if err := relay.SetPrimaryRelay(true); err != nil {
		e.fault("Failed to cut router power", err)
		e.releasePrimary()
		return fmt.Errorf("%w: %v", ErrRelay, err)
	}
	WaitFeeding(e.d.Clock, e.d.Feeder, e.settings.RouterOffTime, nil)
	e.releasePrimary()
	return nil
}

func (e *Engine) releasePrimary() {
	var err error
	for i := 0; i < relayRetries; i++ {
		if err = e.d.Relay.SetPrimaryRelay(false); err == nil {
			return
		}
		WaitFeeding(e.d.Clock, e.d.Feeder, feedInterval, nil)
	}
	e.fault("Failed to restore router power, router may be off", err)
}

// backoffRemaining is how long threshold escalations from the monitor are
// held off after the last reset of an outage.
func (e *Engine) backoffRemaining(now Millis) time.Duration {
	c := e.st.Counters
	if c.TotalResets == 0 || c.LastResetTime == 0 {
		return 0
	}
	elapsed := now.Since(c.LastResetTime)
	if elapsed >= c.NextResetDelay {
		return 0
	}
	return c.NextResetDelay - elapsed
}

// escalate asks for a reset from the monitor. Refusals are already logged so
// only a restart request is passed on.
func (e *Engine) escalate(ctx context.Context, now Millis, reason ResetReason) error {
	if wait := e.backoffRemaining(now); wait > 0 {
		e.setMessage(fmt.Sprintf("Backoff, next reset allowed in %s", wait.Round(time.Second)))
		return nil
	}
	err := e.PerformReset(ctx, reason)
	if errors.Is(err, ErrRestartRequested) {
		return err
	}
	return nil
}

func (e *Engine) pruneRecentResets(now Millis) {
	kept := e.st.RecentResets[:0]
	for _, t := range e.st.RecentResets {
		if now.Since(t) < resetWindow {
			kept = append(kept, t)
		}
	}
	e.st.RecentResets = kept
}

func (e *Engine) refuse(kind, msg string) {
	e.setMessage(msg)
	if e.st.Refusal == kind {
		return
	}
	e.st.Refusal = kind
	e.record(EventResetRefused, msg, map[string]interface{}{"refusal": kind})
}
