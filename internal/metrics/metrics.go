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

// Package metrics exports the watchdog state to prometheus and serves it,
// with a JSON status view, on a local HTTP port.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const namespace = "router_watchdog"

var resetStates = []watchdog.ResetState{
	watchdog.Healthy,
	watchdog.Resetting,
	watchdog.PostResetBackoff,
	watchdog.ProviderLockout,
	watchdog.SafeMode,
}

// Collectors holds every exported metric on its own registry.
type Collectors struct {
	Registry *prometheus.Registry

	failCount       prometheus.Gauge
	totalResets     prometheus.Gauge
	totalResetsEver prometheus.Gauge
	routerResets    prometheus.Gauge
	gatewayFails    prometheus.Gauge
	lagCount        prometheus.Gauge
	lastPing        prometheus.Gauge
	failureSeconds  prometheus.Gauge
	uptime          prometheus.Gauge
	safeMode        prometheus.Gauge
	configMode      prometheus.Gauge
	backupActive    prometheus.Gauge
	networks        prometheus.Gauge
	backupNetworks  prometheus.Gauge
	resetState      *prometheus.GaugeVec
	events          *prometheus.CounterVec
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

func NewCollectors() *Collectors {
	c := &Collectors{
		Registry:        prometheus.NewRegistry(),
		failCount:       gauge("fail_count", "Consecutive failed connectivity checks."),
		totalResets:     gauge("outage_resets", "Router resets in the current outage."),
		totalResetsEver: gauge("resets_total", "Router resets since the counters were last cleared."),
		routerResets:    gauge("router_resets_lifetime", "Router resets over the life of the device."),
		gatewayFails:    gauge("gateway_fails", "Consecutive gateway echo failures."),
		lagCount:        gauge("lag_count", "Consecutive high latency checks."),
		lastPing:        gauge("last_ping_seconds", "Round trip of the last successful echo."),
		failureSeconds:  gauge("outage_failure_seconds", "Failure time accumulated in the current outage."),
		uptime:          gauge("uptime_seconds", "Monotonic uptime of the device."),
		safeMode:        gauge("safe_mode", "1 while resets are disabled after a boot loop."),
		configMode:      gauge("config_mode", "1 while the access point is up."),
		backupActive:    gauge("backup_active", "1 while running on the backup network."),
		networks:        gauge("networks", "Networks in the registry."),
		backupNetworks:  gauge("backup_networks", "Backup networks in the registry."),
		resetState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reset_state",
			Help:      "1 for the current state of the reset controller.",
		}, []string{"state"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Audited events by type.",
		}, []string{"type"}),
	}
	c.Registry.MustRegister(
		c.failCount, c.totalResets, c.totalResetsEver, c.routerResets,
		c.gatewayFails, c.lagCount, c.lastPing, c.failureSeconds, c.uptime,
		c.safeMode, c.configMode, c.backupActive, c.networks, c.backupNetworks,
		c.resetState, c.events,
	)
	return c
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Update sets the gauges from a status snapshot.
func (c *Collectors) Update(s watchdog.Status) {
	c.failCount.Set(float64(s.Counters.FailCount))
	c.totalResets.Set(float64(s.Counters.TotalResets))
	c.totalResetsEver.Set(float64(s.Counters.TotalResetsEver))
	c.routerResets.Set(float64(s.Counters.RouterResetCount))
	c.gatewayFails.Set(float64(s.GatewayFails))
	c.lagCount.Set(float64(s.Counters.LagCount))
	c.lastPing.Set(float64(s.LastPingMs) / 1000)
	c.failureSeconds.Set(s.Counters.AccumulatedFailure.Seconds())
	c.uptime.Set(float64(s.UptimeSeconds))
	c.safeMode.Set(boolValue(s.SafeMode))
	c.configMode.Set(boolValue(s.ConfigMode))
	c.backupActive.Set(boolValue(s.Backup.Active()))
	c.networks.Set(float64(s.Networks))
	c.backupNetworks.Set(float64(s.BackupNetworks))
	for _, rs := range resetStates {
		c.resetState.WithLabelValues(rs.String()).Set(boolValue(rs.String() == s.ResetState))
	}
}

// PublishEvent counts the event by type.
func (c *Collectors) PublishEvent(e watchdog.Event, _ string) {
	c.events.WithLabelValues(e.Type).Inc()
}
