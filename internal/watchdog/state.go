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

const (
	baseResetDelay = 5 * time.Minute
	resetDelayStep = 5 * time.Minute
	maxResetDelay  = time.Hour
	maxNoLinkExtra = time.Hour

	resetsPerWindow = 5
	resetWindow     = time.Hour

	simulatedNoLinkTimeout = time.Minute
	maxSimulatedResets     = 3
	lagRetryDelay          = 500 * time.Millisecond

	bootLoopSlots = 5

	// Backup fail rounds tolerated before the return to primary is held back.
	backupReturnFailLimit = 2
	// Backup fail rounds after which both networks are reported down.
	bothNetworksDownLimit = 5
)

// WarmMagic marks a valid warm restart region.
const WarmMagic uint32 = 0x5744474d

// Counters are the outage counters. They are mirrored to the warm region and
// persisted on state changes.
type Counters struct {
	FailCount          int           `json:"failCount"`
	TotalResets        int           `json:"totalResets"`
	TotalResetsEver    int           `json:"totalResetsEver"`
	RouterResetCount   int           `json:"routerResetCount"`
	NextResetDelay     time.Duration `json:"nextResetDelay"`
	NoLinkStart        Millis        `json:"noLinkStart"`
	FirstResetTime     Millis        `json:"firstResetTime"`
	LastResetTime      Millis        `json:"lastResetTime"`
	LagCount           int           `json:"lagCount"`
	APModeAttempts     int           `json:"apModeAttempts"`
	APModeBackoffUntil Millis        `json:"apModeBackoffUntil"`
	AccumulatedFailure time.Duration `json:"accumulatedFailure"`
}

// clearOutage returns the outage and backoff counters to baseline. The
// lifetime counters are kept.
func (c *Counters) clearOutage() {
	c.FailCount = 0
	c.TotalResets = 0
	c.NextResetDelay = baseResetDelay
	c.NoLinkStart = 0
	c.FirstResetTime = 0
	c.LastResetTime = 0
	c.LagCount = 0
	c.APModeAttempts = 0
	c.APModeBackoffUntil = 0
	c.AccumulatedFailure = 0
}

// BootLoopState lives in the warm region only.
type BootLoopState struct {
	Times [bootLoopSlots]Millis `json:"times"`
	Count int                   `json:"count"`
}

// BackupMode says which router the device is using.
type BackupMode int

const (
	OnPrimary BackupMode = iota
	OnBackup
)

func (m BackupMode) String() string {
	switch m {
	case OnPrimary:
		return "primary"
	case OnBackup:
		return "backup"
	}
	return fmt.Sprintf("BackupMode(%d)", int(m))
}

func (m BackupMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *BackupMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "primary":
		*m = OnPrimary
	case "backup":
		*m = OnBackup
	default:
		return fmt.Errorf("unknown backup mode '%s'", b)
	}
	return nil
}

type BackupNetworkState struct {
	Mode      BackupMode `json:"mode"`
	FailCount int        `json:"failCount"`
	SwitchAt  Millis     `json:"switchAt"`
	RetryAt   Millis     `json:"retryAt"`
	// BootStart anchors the grace period of the backup router.
	BootStart        Millis `json:"bootStart"`
	BothDownNotified bool   `json:"bothDownNotified"`
}

func (b BackupNetworkState) Active() bool {
	return b.Mode == OnBackup
}

type ScheduleState struct {
	LastFire        time.Time `json:"lastFire"`
	LastTrustedSync time.Time `json:"lastTrustedSync"`
	// SyncMonotonic is the clock reading at LastTrustedSync. It is only
	// meaningful within one power cycle.
	SyncMonotonic Millis `json:"syncMonotonic"`
	SyncLost      bool   `json:"syncLost"`
}

// WarmState is what gets written to the warm restart region.
type WarmState struct {
	Magic    uint32             `json:"magic"`
	BootLoop BootLoopState      `json:"bootLoop"`
	Counters Counters           `json:"counters"`
	Schedule ScheduleState      `json:"schedule"`
	Backup   BackupNetworkState `json:"backup"`
	SafeMode bool               `json:"safeMode"`
	Exit     ExitReason         `json:"exit"`

	RouterBootStart Millis   `json:"routerBootStart"`
	RecentResets    []Millis `json:"recentResets"`
	Episode         string   `json:"episode"`
}

// ResetState is the state of the reset controller.
type ResetState int

const (
	Healthy ResetState = iota
	Resetting
	PostResetBackoff
	ProviderLockout
	SafeMode
)

func (s ResetState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Resetting:
		return "resetting"
	case PostResetBackoff:
		return "post-reset-backoff"
	case ProviderLockout:
		return "provider-lockout"
	case SafeMode:
		return "safe-mode"
	}
	return fmt.Sprintf("ResetState(%d)", int(s))
}

// resetTransitions lists the legal moves of the reset controller. Any state
// may move to SafeMode, which only an operator can leave.
var resetTransitions = map[ResetState][]ResetState{
	Healthy:          {Resetting, ProviderLockout, SafeMode},
	Resetting:        {PostResetBackoff, Healthy, SafeMode},
	PostResetBackoff: {Healthy, Resetting, ProviderLockout, SafeMode},
	ProviderLockout:  {Healthy, SafeMode},
	SafeMode:         {Healthy},
}

func (s ResetState) CanMoveTo(to ResetState) bool {
	if s == to {
		return true
	}
	for _, t := range resetTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// RestartCause is why the daemon is starting.
type RestartCause int

const (
	CausePowerOn RestartCause = iota
	CauseOperator
	CauseExternal
	CausePostReset
	CauseHardwareWatchdog
	CauseSoftwareWatchdog
	CauseException
)

func (c RestartCause) String() string {
	switch c {
	case CausePowerOn:
		return "power-on"
	case CauseOperator:
		return "operator"
	case CauseExternal:
		return "external"
	case CausePostReset:
		return "post-reset"
	case CauseHardwareWatchdog:
		return "hardware-watchdog"
	case CauseSoftwareWatchdog:
		return "software-watchdog"
	case CauseException:
		return "exception"
	}
	return "unknown"
}

// Planned restarts never count towards a boot loop.
func (c RestartCause) Planned() bool {
	switch c {
	case CausePowerOn, CauseOperator, CauseExternal, CausePostReset:
		return true
	}
	return false
}

// ExitReason is written to the warm region when the daemon stops cleanly.
type ExitReason string

const (
	ExitNone      ExitReason = ""
	ExitOperator  ExitReason = "operator"
	ExitPostReset ExitReason = "post-reset"
	ExitExternal  ExitReason = "external"
	ExitWatchdog  ExitReason = "software-watchdog"
)

// CauseFromWarm derives the restart cause from what the previous run left in
// the warm region. hwWatchdog reports whether the board came back from a
// hardware watchdog reset.
func CauseFromWarm(w *WarmState, hwWatchdog bool) RestartCause {
	if w == nil || w.Magic != WarmMagic {
		return CausePowerOn
	}
	switch w.Exit {
	case ExitOperator:
		return CauseOperator
	case ExitPostReset:
		return CausePostReset
	case ExitExternal:
		return CauseExternal
	case ExitWatchdog:
		return CauseSoftwareWatchdog
	}
	if hwWatchdog {
		return CauseHardwareWatchdog
	}
	return CauseException
}

type Simulation struct {
	NoLink      bool `json:"noLink"`
	PingFail    bool `json:"pingFail"`
	HighLatency bool `json:"highLatency"`
	Resets      int  `json:"resets"`
}

func (s Simulation) Active() bool {
	return s.NoLink || s.PingFail || s.HighLatency
}

// EngineState holds every piece of mutable engine state.
type EngineState struct {
	Counters Counters
	Reset    ResetState
	Backup   BackupNetworkState
	Schedule ScheduleState
	BootLoop BootLoopState
	Sim      Simulation

	ResetInProgress         bool
	ProviderFailureNotified bool
	LastGatewayFailReset    bool
	SafeMode                bool

	GatewayFailCount int
	RouterBootStart  Millis
	LastProbe        Millis
	LastTick         Millis
	LastPing         time.Duration

	ConfigMode      bool
	ConfigModeStart Millis

	// Times of the resets performed in the last hour.
	RecentResets []Millis
	// Which refusal has already been logged, so it is logged once.
	Refusal string

	// Episode identifies the current outage in events.
	Episode string
	Message string
}

// Status is a read only view of the engine.
type Status struct {
	Message        string             `json:"message" yaml:"message"`
	ResetState     string             `json:"resetState" yaml:"reset-state"`
	SafeMode       bool               `json:"safeMode" yaml:"safe-mode"`
	ConfigMode     bool               `json:"configMode" yaml:"config-mode"`
	ResetRunning   bool               `json:"resetRunning" yaml:"reset-running"`
	Counters       Counters           `json:"counters" yaml:"counters"`
	GatewayFails   int                `json:"gatewayFails" yaml:"gateway-fails"`
	LastPingMs     int64              `json:"lastPingMs" yaml:"last-ping-ms"`
	Backup         BackupNetworkState `json:"backup" yaml:"backup"`
	Simulation     Simulation         `json:"simulation" yaml:"simulation"`
	Networks       int                `json:"networks" yaml:"networks"`
	BackupNetworks int                `json:"backupNetworks" yaml:"backup-networks"`
	LastScheduled  time.Time          `json:"lastScheduled" yaml:"last-scheduled"`
	LastTimeSync   time.Time          `json:"lastTimeSync" yaml:"last-time-sync"`
	Episode        string             `json:"episode,omitempty" yaml:"episode,omitempty"`
	UptimeSeconds  int64              `json:"uptimeSeconds" yaml:"uptime-seconds"`
	WatchdogActive bool               `json:"watchdogActive" yaml:"watchdog-active"`
}
