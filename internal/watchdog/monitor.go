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
	"net"
	"time"
)

func (e *Engine) tick(ctx context.Context, now Millis) error {
	st := &e.st
	c := &st.Counters
	if st.LastTick != 0 && c.TotalResets > 0 {
		c.AccumulatedFailure += now.Since(st.LastTick)
	}
	st.LastTick = anchor(now)

	if st.SafeMode {
		if !st.ConfigMode {
			e.enterConfigMode(ctx, now, "safe mode")
		}
		e.setMessage("Safe mode: testing and resets disabled")
		return nil
	}
	if !e.settings.WatchdogEnabled {
		e.setMessage("Watchdog disabled")
		return nil
	}

	e.evaluateBackup(ctx, now)

	if st.ResetInProgress {
		return nil
	}

	if e.evaluateSchedule(now) {
		err := e.PerformReset(ctx, ReasonScheduled)
		if errors.Is(err, ErrRestartRequested) {
			return err
		}
		return nil
	}

	if h := e.settings.AutoResetCountersHours; h > 0 && c.AccumulatedFailure >= time.Duration(h)*time.Hour {
		e.cleanSlate(ctx, now, fmt.Sprintf("Counters reset after %dh of failures", h))
	}

	if st.ConfigMode {
		if !st.Backup.Active() {
			return e.tickConfigMode(ctx, now)
		}
		// The backup network has to reconnect on its own.
		e.leaveConfigMode(ctx)
	}
	return e.tickConnected(ctx, now)
}

func (e *Engine) tickConfigMode(ctx context.Context, now Millis) error {
	st := &e.st
	c := &st.Counters
	s := e.settings

	if e.d.Networks.Len() == 0 {
		c.APModeAttempts = 0
		e.setMessage("Config mode, no networks registered")
		return nil
	}
	if c.APModeBackoffUntil != 0 {
		if now.Before(c.APModeBackoffUntil) {
			e.setMessage(fmt.Sprintf("Config mode backoff, next attempt in %s",
				c.APModeBackoffUntil.Since(now).Round(time.Minute)))
			return nil
		}
		c.APModeBackoffUntil = 0
		c.APModeAttempts = 0
	}
	if now.Since(st.ConfigModeStart) < s.APConfigTimeout {
		return nil
	}

	c.APModeAttempts++
	e.record(EventConfigMode, fmt.Sprintf("Trying to leave config mode, attempt %d", c.APModeAttempts), nil)
	entry, err := e.connector.ConnectAll(ctx, AnyRole)
	if err == nil {
		e.record(EventConfigMode, fmt.Sprintf("Left config mode, connected to %s", entry.SSID), nil)
		st.ConfigMode = false
		st.ConfigModeStart = 0
		c.APModeAttempts = 0
		st.LastProbe = 0
		e.setMessage(fmt.Sprintf("Connected to %s", entry.SSID))
		return nil
	}
	e.diagnoseLink(ctx, c.APModeAttempts)
	st.ConfigModeStart = anchor(e.d.Clock.Now())

	if c.APModeAttempts >= s.APMaxAttempts {
		e.record(EventConfigMode, fmt.Sprintf("Config mode did not end after %d attempts, resetting router with %s backoff",
			c.APModeAttempts, s.APBackoff), nil)
		c.APModeBackoffUntil = anchor(now.Add(s.APBackoff))
		e.saveCounters()
		err := e.PerformReset(ctx, ReasonConfigMode)
		if errors.Is(err, ErrRestartRequested) {
			return err
		}
	}
	return nil
}

// diagnoseLink records why a connection attempt failed.
func (e *Engine) diagnoseLink(ctx context.Context, attempt int) {
	status, err := e.d.Radio.Status(ctx)
	var reason string
	switch {
	case err != nil:
		reason = fmt.Sprintf("radio error: %v", err)
	case status == LinkNoSSID:
		reason = "network not found"
	case status == LinkConnectFailed:
		reason = "connection rejected"
	case status != LinkConnected:
		reason = fmt.Sprintf("no link (%s)", status)
	default:
		if ip, err := e.d.Radio.LocalAddress(); err != nil || ip == nil {
			reason = "no IP address, DHCP problem"
		}
	}
	if reason == "" {
		reason = "internet not reachable"
	}
	e.record(EventConfigMode, fmt.Sprintf("Attempt %d failed: %s", attempt, reason),
		map[string]interface{}{"attempt": attempt, "reason": reason})
}

func (e *Engine) linkConnected(ctx context.Context) bool {
	if e.st.Sim.NoLink {
		return false
	}
	status, err := e.d.Radio.Status(ctx)
	return err == nil && status == LinkConnected
}

func (e *Engine) hasAddress() bool {
	ip, err := e.d.Radio.LocalAddress()
	return err == nil && ip != nil && !ip.IsUnspecified()
}

func (e *Engine) noLinkTimeout(associated bool) time.Duration {
	s := e.settings
	if e.st.Sim.NoLink {
		return simulatedNoLinkTimeout
	}
	if associated {
		return s.DHCPTimeout
	}
	timeout := s.NoWiFiTimeout
	if s.NoWiFiBackoff && e.st.Counters.TotalResets > 0 {
		extra := time.Duration(e.st.Counters.TotalResets) * resetDelayStep
		if extra > maxNoLinkExtra {
			extra = maxNoLinkExtra
		}
		timeout += extra
	}
	return timeout
}

func (e *Engine) tickConnected(ctx context.Context, now Millis) error {
	st := &e.st
	c := &st.Counters

	associated := e.linkConnected(ctx)
	if !associated || !e.hasAddress() {
		c.FailCount = 0
		if c.NoLinkStart == 0 {
			c.NoLinkStart = anchor(now)
			if associated {
				e.record(EventLinkLost, "Connected but no IP address", nil)
			} else {
				e.record(EventLinkLost, "WiFi link lost", nil)
			}
		}
		timeout := e.noLinkTimeout(associated)
		down := now.Since(c.NoLinkStart)
		e.setMessage(fmt.Sprintf("No WiFi link for %s of %s", down.Round(time.Second), timeout))
		if down <= timeout {
			return nil
		}
		if st.Backup.Active() {
			e.setMessage("No link on the backup network")
			return nil
		}
		reason := ReasonNoLink
		if associated {
			reason = ReasonNoAddress
		}
		return e.escalate(ctx, now, reason)
	}
	if c.NoLinkStart != 0 {
		e.record(EventLinkRestored, fmt.Sprintf("WiFi link back after %s", now.Since(c.NoLinkStart).Round(time.Second)), nil)
		c.NoLinkStart = 0
	}

	if e.inGrace(now) {
		return nil
	}
	if st.LastProbe != 0 && now.Since(st.LastProbe) < e.settings.PingInterval {
		return nil
	}
	st.LastProbe = anchor(now)
	return e.probe(ctx, now)
}

// inGrace reports whether a router is still starting after power up.
func (e *Engine) inGrace(now Millis) bool {
	st := &e.st
	start := &st.RouterBootStart
	label := "Router"
	if st.Backup.Active() && st.Backup.BootStart != 0 {
		start = &st.Backup.BootStart
		label = "Backup router"
	}
	if *start == 0 {
		return false
	}
	if elapsed := now.Since(*start); elapsed < e.settings.BaseBootTime {
		e.setMessage(fmt.Sprintf("%s starting, grace period %s left", label,
			(e.settings.BaseBootTime - elapsed).Round(time.Second)))
		return true
	}
	*start = 0
	return false
}

func (e *Engine) gateway(ctx context.Context) net.IP {
	if e.settings.UseGatewayOverride {
		return net.ParseIP(e.settings.GatewayOverride)
	}
	ip, err := e.d.Radio.GatewayAddress(ctx)
	if err != nil {
		log.Debugf("Failed to get gateway: %v", err)
		return nil
	}
	return ip
}

func (e *Engine) probe(ctx context.Context, now Millis) error {
	st := &e.st
	c := &st.Counters
	s := e.settings

	gw := e.gateway(ctx)
	if gw == nil || gw.IsUnspecified() || !e.d.Pinger.Ping(ctx, gw.String()).Success {
		st.GatewayFailCount++
		if st.Backup.Active() {
			// The primary router relay cannot help the backup network.
			c.FailCount++
			e.setMessage(fmt.Sprintf("Backup gateway not responding (%d)", st.GatewayFailCount))
			return nil
		}
		c.FailCount = 0
		e.setMessage(fmt.Sprintf("Gateway not responding (%d/%d)", st.GatewayFailCount, s.FailLimit))
		if st.GatewayFailCount == 1 || st.GatewayFailCount == s.FailLimit {
			e.record(EventGatewayFail, fmt.Sprintf("Gateway %v not responding %d/%d", gw, st.GatewayFailCount, s.FailLimit), nil)
		}
		if st.GatewayFailCount < s.FailLimit {
			return nil
		}
		if e.backoffRemaining(now) > 0 {
			return e.escalate(ctx, now, ReasonGateway)
		}
		if st.LastGatewayFailReset && c.TotalResets > 0 {
			e.record(EventGatewayFail, fmt.Sprintf("Gateway did not return after reset, likely provider outage (resets %d)", c.TotalResets), nil)
			st.LastGatewayFailReset = false
		} else {
			e.record(EventGatewayFail, "Router looks hung, resetting", nil)
			st.LastGatewayFailReset = true
		}
		return e.escalate(ctx, now, ReasonGateway)
	}
	st.GatewayFailCount = 0
	st.LastGatewayFailReset = false

	if e.internetReachable(ctx) {
		e.internetOK()
		return nil
	}

	c.FailCount++
	e.setMessage(fmt.Sprintf("Internet check failed (%d/%d)", c.FailCount, s.FailLimit))
	if c.FailCount == 1 || c.FailCount == s.FailLimit {
		e.record(EventInternetFail, fmt.Sprintf("Internet check failed %d/%d", c.FailCount, s.FailLimit), nil)
	}
	if c.FailCount < s.FailLimit || st.Backup.Active() {
		return nil
	}
	return e.escalate(ctx, now, ReasonInternet)
}

func (e *Engine) internetOK() {
	st := &e.st
	c := &st.Counters
	if c.FailCount > 0 {
		log.Infof("Internet OK after %d failures", c.FailCount)
	}
	c.FailCount = 0
	c.LagCount = 0
	e.setMessage("Internet OK")
	if c.TotalResets == 0 {
		return
	}
	e.record(EventOutageEnd, fmt.Sprintf("Internet back after outage (resets %d)", c.TotalResets),
		map[string]interface{}{"totalResets": c.TotalResets})
	c.clearOutage()
	st.ProviderFailureNotified = false
	st.LastGatewayFailReset = false
	st.Refusal = ""
	st.Sim.Resets = 0
	st.Episode = ""
	e.moveTo(Healthy)
	e.saveCounters()
	e.flushWarm()
}

// internetReachable pings the two echo hosts. A reply slower than the
// latency limit is a spike, and LagRetries spikes in a row count as a failure.
func (e *Engine) internetReachable(ctx context.Context) bool {
	st := &e.st
	c := &st.Counters
	s := e.settings
	if st.Sim.PingFail {
		return false
	}
	retries := s.LagRetries
	if retries <= 0 {
		retries = 3
	}
	for attempt := 1; attempt <= retries; attempt++ {
		res := e.d.Pinger.Ping(ctx, s.Host1)
		if !res.Success {
			res = e.d.Pinger.Ping(ctx, s.Host2)
		}
		if !res.Success {
			return false
		}
		rtt := res.RoundTrip
		if st.Sim.HighLatency {
			rtt = s.MaxPing + 100*time.Millisecond
		}
		st.LastPing = rtt

		if rtt <= s.MaxPing {
			if c.LagCount > 0 {
				e.record(EventLag, fmt.Sprintf("Latency back to %dms after %d spikes", rtt.Milliseconds(), c.LagCount), nil)
				c.LagCount = 0
			}
			return true
		}
		if c.LagCount >= retries {
			// Still lagging since the last confirmed failure.
			e.record(EventLag, fmt.Sprintf("Latency still high: ping %dms over %dms",
				rtt.Milliseconds(), s.MaxPing.Milliseconds()), nil)
			return false
		}
		c.LagCount++
		e.record(EventLag, fmt.Sprintf("Spike %d/%d: ping %dms over %dms", c.LagCount, retries,
			rtt.Milliseconds(), s.MaxPing.Milliseconds()), nil)
		if c.LagCount >= retries {
			e.record(EventLag, fmt.Sprintf("Lag confirmed after %d spikes in a row", retries), nil)
			return false
		}
		WaitFeeding(e.d.Clock, e.d.Feeder, lagRetryDelay, nil)
	}
	return false
}

// cleanSlate drops all outage and backoff state and returns to the primary
// network.
func (e *Engine) cleanSlate(ctx context.Context, now Millis, msg string) {
	st := &e.st
	e.record(EventCountersReset, msg, map[string]interface{}{
		"accumulatedFailureSeconds": int64(st.Counters.AccumulatedFailure / time.Second),
	})
	st.Counters.clearOutage()
	st.ProviderFailureNotified = false
	st.LastGatewayFailReset = false
	st.GatewayFailCount = 0
	st.Refusal = ""
	st.Episode = ""
	if !st.SafeMode {
		e.moveTo(Healthy)
	}
	if st.Backup.Active() && e.settings.EnableBackupNetwork {
		e.returnToPrimary(ctx, now, "counters reset")
	}
	e.saveCounters()
	e.flushWarm()
}
