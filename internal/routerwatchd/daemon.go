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

package routerwatchd

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/TheCacophonyProject/router-watchdog/internal/button"
	"github.com/TheCacophonyProject/router-watchdog/internal/eventlog"
	"github.com/TheCacophonyProject/router-watchdog/internal/hwwatchdog"
	"github.com/TheCacophonyProject/router-watchdog/internal/leds"
	"github.com/TheCacophonyProject/router-watchdog/internal/metrics"
	"github.com/TheCacophonyProject/router-watchdog/internal/mqttstatus"
	"github.com/TheCacophonyProject/router-watchdog/internal/probe"
	"github.com/TheCacophonyProject/router-watchdog/internal/radio"
	"github.com/TheCacophonyProject/router-watchdog/internal/registry"
	"github.com/TheCacophonyProject/router-watchdog/internal/relay"
	"github.com/TheCacophonyProject/router-watchdog/internal/store"
	"github.com/TheCacophonyProject/router-watchdog/internal/sysclock"
	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const (
	tickInterval       = time.Second
	warmFlushInterval  = 10 * time.Second
	mqttStatusInterval = time.Minute
	// The loop is considered hung when it has not come round for this long.
	// A full reset with the longest settings stays well below it.
	stallTimeout = 30 * time.Minute
)

type daemon struct {
	conf       *Config
	clock      *sysclock.Clock
	relay      *relay.GPIO
	button     *button.Button
	leds       *leds.LEDs
	feeder     watchdog.Feeder
	persistent *store.Persistent
	warm       *store.Warm
	prevWarm   *watchdog.WarmState
	cause      watchdog.RestartCause
	engine     *watchdog.Engine
	events     *eventlog.Log
	metrics    *metrics.Collectors
	mqtt       *mqttstatus.Publisher
	queue      *commandQueue
	snapshot   *snapshot

	booted         bool
	lastFlush      time.Time
	lastMQTTStatus time.Time
}

func newDaemon(conf *Config) (*daemon, error) {
	d := &daemon{
		conf:     conf,
		clock:    sysclock.New(),
		feeder:   hwwatchdog.Nop{},
		metrics:  metrics.NewCollectors(),
		queue:    newCommandQueue(20),
		snapshot: &snapshot{},
	}

	var err error
	d.relay, err = relay.New(conf.PrimaryRelayPin, conf.BackupRelayPin, conf.RelayActiveHigh)
	if err != nil {
		return nil, err
	}
	if conf.ButtonPin != "" {
		if d.button, err = button.New(conf.ButtonPin); err != nil {
			log.Errorf("Running without button: %v", err)
		}
	}
	if d.leds, err = leds.New(conf.LEDs); err != nil {
		log.Errorf("Running without status LEDs: %v", err)
	}
	if d.persistent, err = store.OpenPersistent(conf.StatePath); err != nil {
		return nil, err
	}
	if d.warm, err = store.OpenWarm(conf.WarmPath); err != nil {
		d.persistent.Close()
		return nil, err
	}

	if d.prevWarm, err = d.warm.Load(); err != nil {
		log.Errorf("Failed to read warm restart state: %v", err)
	}
	hwReset, err := hwwatchdog.BootStatus(conf.WatchdogBootStatus)
	if err != nil {
		log.Errorf("Failed to read watchdog boot status: %v", err)
	}
	d.cause = restartCause(d.prevWarm, hwReset)

	settings := d.startSettings()
	loc, _ := settings.Location()

	networks, err := registry.New(registry.FileStore{Dir: conf.NetworksDir})
	if err != nil {
		log.Errorf("Failed to load networks: %v", err)
	}
	if d.events, err = eventlog.New(d.clock, d.persistent, loc); err != nil {
		log.Error(err)
	}
	d.events.AddPublisher(d.metrics)
	if conf.MQTT.Enabled {
		d.mqtt = mqttstatus.Connect(conf.MQTT)
		d.events.AddPublisher(d.mqtt)
	}

	if conf.WatchdogDevice != "" {
		dev, err := hwwatchdog.Open(conf.WatchdogDevice)
		if err != nil {
			log.Errorf("Running without hardware watchdog: %v", err)
		} else {
			d.feeder = dev
		}
	}

	d.engine, err = watchdog.New(watchdog.Deps{
		Clock:     d.clock,
		Relay:     d.relay,
		Feeder:    d.feeder,
		Radio:     radio.New(conf.Interface, conf.APStart, conf.APStop),
		Pinger:    probe.New(conf.Interface, conf.PingTimeout),
		Networks:  networks,
		Persister: d.persistent,
		Warm:      d.warm,
		Events:    d.events,
	}, settings)
	if err != nil {
		d.close(watchdog.ExitNone)
		return nil, err
	}
	return d, nil
}

// startSettings prefers what the operator saved over the config file.
func (d *daemon) startSettings() watchdog.Settings {
	stored, err := d.persistent.LoadSettings()
	if err != nil {
		log.Errorf("Failed to load saved settings: %v", err)
	}
	if stored == nil {
		return d.conf.Settings
	}
	if err := stored.Validate(); err != nil {
		log.Errorf("Ignoring invalid saved settings: %v", err)
		return d.conf.Settings
	}
	return *stored
}

// restartCause works out why the daemon is starting. The warm region does not
// survive a reboot, so a watchdog reset of the board only shows up as a
// missing region together with the boot status flag.
func restartCause(prev *watchdog.WarmState, hwReset bool) watchdog.RestartCause {
	if prev == nil {
		if hwReset {
			return watchdog.CauseHardwareWatchdog
		}
		return watchdog.CausePowerOn
	}
	return watchdog.CauseFromWarm(prev, false)
}

func (d *daemon) boot(ctx context.Context) {
	log.Infof("Start cause: %s", d.cause)
	restored, err := d.persistent.Restored()
	if err != nil {
		log.Errorf("Failed to restore saved state: %v", err)
	}
	d.engine.Boot(ctx, d.cause, d.prevWarm, restored)
	d.booted = true
	d.publish()
}

// loop owns the engine. Ticks and dbus requests are run one at a time.
func (d *daemon) loop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-d.queue.requests:
			if err := d.queue.process(ctx, d.engine, req); errors.Is(err, watchdog.ErrRestartRequested) {
				return err
			}
		case <-ticker.C:
			if err := d.feeder.Feed(); err != nil {
				log.Errorf("Failed to feed hardware watchdog: %v", err)
			}
			if err := d.engine.Tick(ctx); errors.Is(err, watchdog.ErrRestartRequested) {
				return err
			} else if err != nil {
				log.Errorf("Tick failed: %v", err)
			}
		}
		d.publish()
	}
}

func (d *daemon) publish() {
	now := time.Now()
	status := d.engine.Status()
	d.metrics.Update(status)
	if err := d.leds.Show(status); err != nil {
		log.Errorf("Failed to set status LEDs: %v", err)
	}

	prev := d.snapshot.Status()
	var warm *watchdog.WarmState
	if now.Sub(d.lastFlush) >= warmFlushInterval {
		w := d.engine.WarmState()
		if err := d.warm.SaveWarm(w); err != nil {
			log.Errorf("Failed to write warm restart state: %v", err)
		}
		warm = &w
		d.lastFlush = now
	}
	d.snapshot.set(status, warm, now)

	if d.mqtt != nil && (now.Sub(d.lastMQTTStatus) >= mqttStatusInterval ||
		prev.ResetState != status.ResetState || prev.Message != status.Message) {
		if err := d.mqtt.PublishStatus(status); err != nil {
			log.Debugf("Failed to publish status: %v", err)
		}
		d.lastMQTTStatus = now
	}
}

// buttonPressed runs a button action on the control loop and waits for it,
// so presses made during a reset are not stacked up.
func (d *daemon) buttonPressed(a button.Action) {
	if err := d.leds.Warn(false); err != nil {
		log.Errorf("Failed to clear LED warning: %v", err)
	}
	log.Infof("Button pressed: %s", a)
	_, err := d.queue.request(func(ctx context.Context, e *watchdog.Engine) (interface{}, error) {
		if a == button.FactoryReset {
			d.events.Clear()
		}
		d.events.Record(watchdog.Event{
			Type:    watchdog.EventButton,
			Message: "Button: " + a.String(),
			Details: map[string]interface{}{"action": a.String()},
		})
		err := pressButton(ctx, e, a)
		if a == button.FactoryReset {
			d.settingsChanged(e.Settings())
		}
		return nil, err
	}, requestTimeout)
	if err != nil && !errors.Is(err, ErrReplyTimeout) && !errors.Is(err, watchdog.ErrRestartRequested) {
		log.Errorf("Button %s failed: %v", a, err)
	}
}

func (d *daemon) buttonWarning() {
	if err := d.leds.Warn(true); err != nil {
		log.Errorf("Failed to show LED warning: %v", err)
	}
}

type buttonTarget interface {
	TriggerManualReset(ctx context.Context) error
	EnterConfigMode(ctx context.Context)
	FactoryReset(ctx context.Context)
}

func pressButton(ctx context.Context, e buttonTarget, a button.Action) error {
	switch a {
	case button.ResetRouter:
		return e.TriggerManualReset(ctx)
	case button.ConfigMode:
		e.EnterConfigMode(ctx)
	case button.FactoryReset:
		e.FactoryReset(ctx)
	}
	return nil
}

func (d *daemon) settingsChanged(s watchdog.Settings) {
	if loc, err := s.Location(); err == nil {
		d.events.SetLocation(loc)
	}
}

// watchStall stops the process when the loop hangs, leaving a marker so the
// next start counts it towards a boot loop.
func (d *daemon) watchStall(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			warm, beat := d.snapshot.lastBeat()
			if time.Since(beat) < stallTimeout {
				continue
			}
			log.Errorf("Control loop has not run since %s, exiting.", beat.Format(time.RFC3339))
			if err := d.warm.MarkExit(warm, watchdog.ExitWatchdog); err != nil {
				log.Errorf("Failed to write exit reason: %v", err)
			}
			os.Exit(1)
		}
	}
}

// close puts the relays in their rest position and writes the exit reason.
// The warm region is left alone if the engine never booted.
func (d *daemon) close(reason watchdog.ExitReason) {
	if d.relay != nil {
		if err := d.relay.Release(); err != nil {
			log.Errorf("Failed to release relays: %v", err)
		}
	}
	if err := d.leds.Release(); err != nil {
		log.Errorf("Failed to turn off LEDs: %v", err)
	}
	if d.booted {
		if err := d.warm.MarkExit(d.engine.WarmState(), reason); err != nil {
			log.Errorf("Failed to write exit reason: %v", err)
		}
	}
	if dev, ok := d.feeder.(*hwwatchdog.Device); ok {
		if err := dev.Close(); err != nil {
			log.Errorf("Failed to close hardware watchdog: %v", err)
		}
	}
	if d.mqtt != nil {
		d.mqtt.Close()
	}
	if d.warm != nil {
		d.warm.Close()
	}
	if d.persistent != nil {
		d.persistent.Close()
	}
}

// snapshot is what other goroutines may read of the engine.
type snapshot struct {
	mu     sync.Mutex
	status watchdog.Status
	warm   watchdog.WarmState
	beat   time.Time
}

func (s *snapshot) set(status watchdog.Status, warm *watchdog.WarmState, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if warm != nil {
		s.warm = *warm
	}
	s.beat = now
}

func (s *snapshot) Status() watchdog.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *snapshot) lastBeat() (watchdog.WarmState, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warm, s.beat
}
