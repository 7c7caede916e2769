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
	"net"
	"time"
)

// Clock gives the engine its notion of time.
type Clock interface {
	// Now returns the monotonic uptime reading.
	Now() Millis
	// WallClock returns the current time and whether it comes from a trusted
	// source such as NTP.
	WallClock() (time.Time, bool)
	Sleep(d time.Duration)
}

// Relay drives the power relays. Energizing the primary relay cuts power to the
// router, energizing the backup relay switches over to the backup network.
// Polarity is handled by the implementation.
type Relay interface {
	SetPrimaryRelay(energized bool) error
	SetBackupRelay(energized bool) error
}

// Feeder is the hardware watchdog.
type Feeder interface {
	Feed() error
}

type LinkStatus int

const (
	LinkIdle LinkStatus = iota
	LinkConnected
	LinkDisconnected
	LinkNoSSID
	LinkConnectFailed
	LinkScanning
)

func (s LinkStatus) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkNoSSID:
		return "ssid not found"
	case LinkConnectFailed:
		return "connection rejected"
	case LinkScanning:
		return "scanning"
	}
	return "idle"
}

// Radio is the wireless interface.
type Radio interface {
	Connect(ctx context.Context, ssid, passphrase string) error
	Status(ctx context.Context) (LinkStatus, error)
	LocalAddress() (net.IP, error)
	GatewayAddress(ctx context.Context) (net.IP, error)
	StartAccessPoint(ctx context.Context) error
	StopAccessPoint(ctx context.Context) error
}

type PingResult struct {
	Success   bool
	RoundTrip time.Duration
}

// Pinger sends a single echo request to a host.
type Pinger interface {
	Ping(ctx context.Context, host string) PingResult
}

// Persister saves state that must survive a power loss.
type Persister interface {
	SaveCounters(Counters) error
	SaveSettings(Settings) error
	SaveSchedule(ScheduleState) error
	SaveBackup(BackupNetworkState) error
	SaveSafeMode(bool) error
}

// WarmRegion holds state that survives a restart of the daemon but not a
// power loss.
type WarmRegion interface {
	SaveWarm(WarmState) error
}

type Event struct {
	Type    string
	Message string
	Details map[string]interface{}
}

// EventSink receives the audited events.
type EventSink interface {
	Record(Event)
}
