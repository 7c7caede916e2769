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

// Package watchdog is the connectivity watchdog and recovery engine. All of
// its methods are expected to be called from a single goroutine.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"

	"github.com/TheCacophonyProject/router-watchdog/internal/registry"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

// Event types.
const (
	EventStart          = "routerWatchdogStart"
	EventRouterReset    = "routerReset"
	EventResetRefused   = "routerResetRefused"
	EventOutageEnd      = "internetRestored"
	EventInternetFail   = "internetCheckFailed"
	EventGatewayFail    = "gatewayNotResponding"
	EventLag            = "highLatency"
	EventLinkLost       = "wifiLinkLost"
	EventLinkRestored   = "wifiLinkRestored"
	EventProviderOutage = "providerOutage"
	EventSafeMode       = "safeMode"
	EventConfigMode     = "configMode"
	EventBackupSwitch   = "backupNetworkSwitch"
	EventBackupReturn   = "backupNetworkReturn"
	EventBothDown       = "bothNetworksDown"
	EventScheduledReset = "scheduledReset"
	EventTimeSync       = "timeSync"
	EventCountersReset  = "countersReset"
	EventSettings       = "settingsChanged"
	EventSimulation     = "simulation"
	EventButton         = "buttonPressed"
	EventFault          = "routerWatchdogFault"
)

type Deps struct {
	Clock     Clock
	Relay     Relay
	Feeder    Feeder
	Radio     Radio
	Pinger    Pinger
	Networks  *registry.Registry
	Persister Persister
	Warm      WarmRegion
	Events    EventSink
}

// Restored is the state loaded from the persistent store at start up.
type Restored struct {
	Counters *Counters
	Schedule *ScheduleState
	Backup   *BackupNetworkState
	SafeMode bool
}

type Engine struct {
	d         Deps
	settings  Settings
	loc       *time.Location
	connector *Connector
	st        EngineState

	syncSaved bool
}

// New returns an engine using the given settings. Invalid settings are
// rejected.
func New(d Deps, settings Settings) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	loc, _ := settings.Location()
	e := &Engine{
		d:        d,
		settings: settings,
		loc:      loc,
	}
	e.connector = &Connector{
		radio:    d.Radio,
		clock:    d.Clock,
		feeder:   d.Feeder,
		networks: d.Networks,
		timeout:  func() time.Duration { return e.settings.ConnectTimeout },
	}
	e.st.Counters.NextResetDelay = baseResetDelay
	return e, nil
}

// Boot runs once at start up, before any network activity. It restores state,
// runs the boot loop detector and then joins a network or enters config mode.
func (e *Engine) Boot(ctx context.Context, cause RestartCause, warm *WarmState, saved Restored) {
	now := e.d.Clock.Now()
	st := &e.st
	isWarm := warm != nil && warm.Magic == WarmMagic

	switch {
	case isWarm:
		st.Counters = warm.Counters
		st.Schedule = warm.Schedule
		st.Backup = warm.Backup
		st.SafeMode = warm.SafeMode
		st.RouterBootStart = warm.RouterBootStart
		st.RecentResets = append([]Millis(nil), warm.RecentResets...)
		st.Episode = warm.Episode
	default:
		if saved.Counters != nil {
			st.Counters = *saved.Counters
		}
		if saved.Schedule != nil {
			st.Schedule = *saved.Schedule
		}
		if b := saved.Backup; b != nil && b.Active() {
			st.Backup = BackupNetworkState{
				Mode:             OnBackup,
				FailCount:        b.FailCount,
				BothDownNotified: b.BothDownNotified,
				SwitchAt:         anchor(now),
				BootStart:        anchor(now),
			}
		}
		// Monotonic readings from before a power loss mean nothing now.
		st.Counters.NoLinkStart = 0
		st.Counters.FirstResetTime = 0
		st.Counters.LastResetTime = 0
		st.Counters.APModeBackoffUntil = 0
		st.Schedule.SyncMonotonic = 0
	}
	if st.Counters.NextResetDelay == 0 {
		st.Counters.NextResetDelay = baseResetDelay
	}

	e.record(EventStart, fmt.Sprintf("Starting (%s)", cause), map[string]interface{}{"cause": cause.String()})
	e.detectBootLoop(cause, warm, now)

	if !isWarm && saved.SafeMode {
		e.record(EventSafeMode, "Safe mode cleared by power cycle", nil)
		e.saveSafeMode(false)
	}

	switch cause {
	case CausePowerOn, CauseOperator, CauseExternal:
		log.Info("Fresh start, clearing outage counters.")
		st.Counters.clearOutage()
		st.ProviderFailureNotified = false
		st.LastGatewayFailReset = false
		st.Episode = ""
		e.saveCounters()
	}

	if err := e.d.Relay.SetPrimaryRelay(false); err != nil {
		e.fault("Failed to power router on start", err)
	}
	if err := e.d.Relay.SetBackupRelay(st.Backup.Active() && e.settings.EnableBackupNetwork); err != nil {
		e.fault("Failed to set backup relay on start", err)
	}

	switch {
	case st.SafeMode:
		e.moveTo(SafeMode)
		e.enterConfigMode(ctx, now, "safe mode")
	case st.Counters.TotalResets > 0:
		// Restored, not a transition.
		st.Reset = PostResetBackoff
	}
	st.LastTick = now
	e.flushWarm()

	if st.SafeMode {
		return
	}
	filter := AnyRole
	if st.Backup.Active() && e.settings.EnableBackupNetwork {
		filter = BackupOnly
	}
	e.join(ctx, filter)
}

// Tick runs one pass of the connectivity monitor. It returns
// ErrRestartRequested when the daemon should restart itself.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.d.Clock.Now()
	return e.tick(ctx, now)
}

// TriggerManualReset power cycles the router now, ignoring the post reset
// backoff. Safe mode and the reset ceilings still apply.
func (e *Engine) TriggerManualReset(ctx context.Context) error {
	log.Info("Manual router reset requested.")
	return e.PerformReset(ctx, ReasonManual)
}

// EnterConfigMode switches the radio to access point mode.
func (e *Engine) EnterConfigMode(ctx context.Context) {
	e.enterConfigMode(ctx, e.d.Clock.Now(), "operator request")
}

// ClearCounters gives the engine a clean slate, the same as the automatic
// counter reset.
func (e *Engine) ClearCounters(ctx context.Context) {
	e.cleanSlate(ctx, e.d.Clock.Now(), "Counters cleared by operator")
}

func (e *Engine) AddNetwork(entry registry.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := e.d.Networks.Add(entry); err != nil {
		e.fault("Failed to save networks", err)
	}
	log.Infof("Added %s network '%s'", entry.Role, entry.SSID)
	return nil
}

// RemoveNetwork reports whether the network was known.
func (e *Engine) RemoveNetwork(ssid string) bool {
	ok, err := e.d.Networks.Remove(ssid)
	if err != nil {
		e.fault("Failed to save networks", err)
	}
	return ok
}

func (e *Engine) Networks() []registry.Entry {
	return e.d.Networks.Entries()
}

func (e *Engine) Settings() Settings {
	s := e.settings
	s.ScheduledResetTimes = append([]string(nil), s.ScheduledResetTimes...)
	return s
}

// UpdateSettings validates and applies new settings, then saves them.
func (e *Engine) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	loc, _ := s.Location()
	e.settings = s
	e.loc = loc
	if err := e.d.Persister.SaveSettings(s); err != nil {
		e.fault("Failed to save settings", err)
	}
	e.record(EventSettings, "Settings updated", nil)
	return nil
}

// SetSetting changes one setting by name.
func (e *Engine) SetSetting(key, value string) error {
	s, err := e.settings.With(key, value)
	if err != nil {
		return err
	}
	return e.UpdateSettings(s)
}

type SimulationKind string

const (
	SimNoLink      SimulationKind = "no-link"
	SimPingFail    SimulationKind = "ping-fail"
	SimHighLatency SimulationKind = "high-latency"
)

func (e *Engine) SetSimulation(kind SimulationKind, on bool) error {
	sim := &e.st.Sim
	switch kind {
	case SimNoLink:
		sim.NoLink = on
	case SimPingFail:
		sim.PingFail = on
	case SimHighLatency:
		sim.HighLatency = on
	default:
		return fmt.Errorf("unknown simulation '%s'", kind)
	}
	if !sim.Active() {
		sim.Resets = 0
	}
	state := "off"
	if on {
		state = "on"
	}
	e.record(EventSimulation, fmt.Sprintf("Simulation %s %s", kind, state), nil)
	return nil
}

// AcknowledgeSafeMode leaves safe mode and resumes normal operation.
func (e *Engine) AcknowledgeSafeMode(ctx context.Context) {
	if !e.st.SafeMode {
		return
	}
	e.st.SafeMode = false
	e.st.BootLoop = BootLoopState{}
	e.moveTo(Healthy)
	e.saveSafeMode(false)
	e.record(EventSafeMode, "Safe mode acknowledged by operator", nil)
	e.flushWarm()
	e.join(ctx, AnyRole)
}

// FactoryReset forgets networks, settings and every counter.
func (e *Engine) FactoryReset(ctx context.Context) {
	if err := e.d.Networks.Clear(); err != nil {
		e.fault("Failed to clear networks", err)
	}
	e.settings = DefaultSettings()
	e.loc, _ = e.settings.Location()
	if err := e.d.Persister.SaveSettings(e.settings); err != nil {
		e.fault("Failed to save settings", err)
	}
	if err := e.d.Relay.SetBackupRelay(false); err != nil {
		e.fault("Failed to release backup relay", err)
	}
	e.st = EngineState{LastTick: e.d.Clock.Now()}
	e.st.Counters.NextResetDelay = baseResetDelay
	e.saveCounters()
	e.saveSafeMode(false)
	e.saveBackup()
	e.saveSchedule()
	e.record(EventCountersReset, "Factory reset", nil)
	e.flushWarm()
	e.enterConfigMode(ctx, e.d.Clock.Now(), "factory reset")
}

// Status returns a snapshot for display.
func (e *Engine) Status() Status {
	st := e.st
	uptime := e.d.Clock.Now()
	return Status{
		Message:        st.Message,
		ResetState:     st.Reset.String(),
		SafeMode:       st.SafeMode,
		ConfigMode:     st.ConfigMode,
		ResetRunning:   st.ResetInProgress,
		Counters:       st.Counters,
		GatewayFails:   st.GatewayFailCount,
		LastPingMs:     st.LastPing.Milliseconds(),
		Backup:         st.Backup,
		Simulation:     st.Sim,
		Networks:       e.d.Networks.Len(),
		BackupNetworks: e.d.Networks.Count(registry.Backup),
		LastScheduled:  st.Schedule.LastFire,
		LastTimeSync:   st.Schedule.LastTrustedSync,
		Episode:        st.Episode,
		UptimeSeconds:  int64(uptime) / 1000,
		WatchdogActive: e.settings.WatchdogEnabled,
	}
}

// State returns a copy of the full engine state.
func (e *Engine) State() EngineState {
	st := e.st
	st.RecentResets = append([]Millis(nil), e.st.RecentResets...)
	return st
}

// WarmState returns what should be kept in the warm restart region.
func (e *Engine) WarmState() WarmState {
	return WarmState{
		Magic:           WarmMagic,
		BootLoop:        e.st.BootLoop,
		Counters:        e.st.Counters,
		Schedule:        e.st.Schedule,
		Backup:          e.st.Backup,
		SafeMode:        e.st.SafeMode,
		RouterBootStart: e.st.RouterBootStart,
		RecentResets:    append([]Millis(nil), e.st.RecentResets...),
		Episode:         e.st.Episode,
	}
}

func (e *Engine) join(ctx context.Context, filter RoleFilter) {
	if e.d.Networks.Len() == 0 {
		e.enterConfigMode(ctx, e.d.Clock.Now(), "no networks registered")
		return
	}
	entry, err := e.connector.ConnectAll(ctx, filter)
	if err != nil {
		log.Errorf("Failed to join a network: %v", err)
		e.markConfigMode(e.d.Clock.Now(), "no known network reachable")
		return
	}
	e.st.ConfigMode = false
	e.setMessage(fmt.Sprintf("Connected to %s", entry.SSID))
}

func (e *Engine) enterConfigMode(ctx context.Context, now Millis, why string) {
	if err := e.d.Radio.StartAccessPoint(ctx); err != nil {
		e.fault("Failed to start access point", err)
	}
	e.markConfigMode(now, why)
}

func (e *Engine) markConfigMode(now Millis, why string) {
	if !e.st.ConfigMode {
		e.record(EventConfigMode, fmt.Sprintf("Entering config mode: %s", why), nil)
	}
	e.st.ConfigMode = true
	e.st.ConfigModeStart = anchor(now)
	e.st.Counters.FailCount = 0
	e.setMessage("Config mode")
}

func (e *Engine) leaveConfigMode(ctx context.Context) {
	if !e.st.ConfigMode {
		return
	}
	if err := e.d.Radio.StopAccessPoint(ctx); err != nil {
		e.fault("Failed to stop access point", err)
	}
	e.st.ConfigMode = false
	e.st.ConfigModeStart = 0
}

func (e *Engine) moveTo(s ResetState) {
	if e.st.Reset == s {
		return
	}
	if !e.st.Reset.CanMoveTo(s) {
		log.Errorf("Ignoring reset state change from %s to %s", e.st.Reset, s)
		return
	}
	log.Debugf("Reset state %s -> %s", e.st.Reset, s)
	e.st.Reset = s
}

func (e *Engine) setMessage(m string) {
	if m != e.st.Message {
		log.Debug(m)
	}
	e.st.Message = m
}

func (e *Engine) record(kind, msg string, details map[string]interface{}) {
	log.Info(msg)
	if e.d.Events == nil {
		return
	}
	if e.st.Episode != "" {
		if details == nil {
			details = map[string]interface{}{}
		}
		details["episode"] = e.st.Episode
	}
	e.d.Events.Record(Event{Type: kind, Message: msg, Details: details})
}

// fault logs a structural problem. The engine carries on in memory.
func (e *Engine) fault(msg string, err error) {
	log.Errorf("%s: %v", msg, err)
	if e.d.Events != nil {
		e.d.Events.Record(Event{
			Type:    EventFault,
			Message: msg,
			Details: map[string]interface{}{"error": err.Error()},
		})
	}
}

func (e *Engine) saveCounters() {
	if err := e.d.Persister.SaveCounters(e.st.Counters); err != nil {
		e.fault("Failed to save counters", err)
	}
}

func (e *Engine) saveSafeMode(on bool) {
	if err := e.d.Persister.SaveSafeMode(on); err != nil {
		e.fault("Failed to save safe mode flag", err)
	}
}

func (e *Engine) saveBackup() {
	if err := e.d.Persister.SaveBackup(e.st.Backup); err != nil {
		e.fault("Failed to save backup network state", err)
	}
}

func (e *Engine) saveSchedule() {
	if err := e.d.Persister.SaveSchedule(e.st.Schedule); err != nil {
		e.fault("Failed to save schedule state", err)
	}
}

func (e *Engine) flushWarm() {
	if e.d.Warm == nil {
		return
	}
	if err := e.d.Warm.SaveWarm(e.WarmState()); err != nil {
		log.Errorf("Failed to write warm restart state: %v", err)
	}
}
