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
	"encoding/json"
	"errors"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	yaml "gopkg.in/yaml.v2"

	"github.com/TheCacophonyProject/router-watchdog/internal/registry"
	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const (
	dbusName = "org.cacophony.routerwatch"
	dbusPath = "/org/cacophony/routerwatch"

	requestTimeout = 20 * time.Second
	// A reset runs for minutes, only refusals are waited for.
	resetReplyWait = 2 * time.Second
)

type service struct {
	d *daemon
}

// Network is how a registry entry is sent over dbus. Passphrases are never
// sent.
type Network struct {
	SSID string
	Role string
}

func startService(d *daemon) (*dbus.Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.New("name already taken")
	}

	s := &service{d: d}
	if err := conn.Export(s, dbusPath, dbusName); err != nil {
		return nil, err
	}
	if err := conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, err
	}
	return conn, nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
			Signals: []introspect.Signal{
				{Name: "RouterReset", Args: []introspect.Arg{{Name: "message", Type: "s"}}},
				{Name: "StateChanged", Args: []introspect.Arg{
					{Name: "type", Type: "s"},
					{Name: "message", Type: "s"},
				}},
			},
		}},
	}
	return introspect.NewIntrospectable(node)
}

func (s service) run(name string, fn commandFunc) (interface{}, *dbus.Error) {
	v, err := s.d.queue.request(fn, requestTimeout)
	if err != nil {
		return nil, makeDbusError(name, err)
	}
	return v, nil
}

// GetStatus returns the status as JSON.
func (s service) GetStatus() (string, *dbus.Error) {
	raw, err := json.Marshal(s.d.snapshot.Status())
	if err != nil {
		return "", makeDbusError("GetStatus", err)
	}
	return string(raw), nil
}

func (s service) GetEvents() ([]string, *dbus.Error) {
	return s.d.events.Lines(), nil
}

func (s service) ListNetworks() ([]Network, *dbus.Error) {
	v, dbusErr := s.run("ListNetworks", func(_ context.Context, e *watchdog.Engine) (interface{}, error) {
		return e.Networks(), nil
	})
	if dbusErr != nil {
		return nil, dbusErr
	}
	networks := []Network{}
	for _, n := range v.([]registry.Entry) {
		networks = append(networks, Network{SSID: n.SSID, Role: n.Role.String()})
	}
	return networks, nil
}

func (s service) ResetRouter() *dbus.Error {
	log.Println("Router reset requested over dbus.")
	_, err := s.d.queue.request(func(ctx context.Context, e *watchdog.Engine) (interface{}, error) {
		return nil, e.TriggerManualReset(ctx)
	}, resetReplyWait)
	if errors.Is(err, ErrReplyTimeout) || errors.Is(err, watchdog.ErrRestartRequested) {
		return nil
	}
	if err != nil {
		return makeDbusError("ResetRouter", err)
	}
	return nil
}

func (s service) EnterConfigMode() *dbus.Error {
	_, err := s.run("EnterConfigMode", func(ctx context.Context, e *watchdog.Engine) (interface{}, error) {
		e.EnterConfigMode(ctx)
		return nil, nil
	})
	return err
}

func (s service) ClearCounters() *dbus.Error {
	_, err := s.run("ClearCounters", func(ctx context.Context, e *watchdog.Engine) (interface{}, error) {
		e.ClearCounters(ctx)
		return nil, nil
	})
	return err
}

func (s service) AddNetwork(ssid, passphrase, role string) *dbus.Error {
	r, err := registry.ParseRole(role)
	if err != nil {
		return makeDbusError("AddNetwork", err)
	}
	_, dbusErr := s.run("AddNetwork", func(_ context.Context, e *watchdog.Engine) (interface{}, error) {
		return nil, e.AddNetwork(registry.Entry{SSID: ssid, Passphrase: passphrase, Role: r})
	})
	return dbusErr
}

func (s service) RemoveNetwork(ssid string) (bool, *dbus.Error) {
	v, err := s.run("RemoveNetwork", func(_ context.Context, e *watchdog.Engine) (interface{}, error) {
		return e.RemoveNetwork(ssid), nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s service) SetSetting(key, value string) *dbus.Error {
	log.Printf("Setting %s to '%s'", key, value)
	_, err := s.run("SetSetting", func(_ context.Context, e *watchdog.Engine) (interface{}, error) {
		if err := e.SetSetting(key, value); err != nil {
			return nil, err
		}
		s.d.settingsChanged(e.Settings())
		return nil, nil
	})
	return err
}

// GetSettings returns the settings as yaml.
func (s service) GetSettings() (string, *dbus.Error) {
	v, dbusErr := s.run("GetSettings", func(_ context.Context, e *watchdog.Engine) (interface{}, error) {
		return e.Settings(), nil
	})
	if dbusErr != nil {
		return "", dbusErr
	}
	raw, err := yaml.Marshal(v.(watchdog.Settings))
	if err != nil {
		return "", makeDbusError("GetSettings", err)
	}
	return string(raw), nil
}

func (s service) SetSimulation(kind string, on bool) *dbus.Error {
	_, err := s.run("SetSimulation", func(_ context.Context, e *watchdog.Engine) (interface{}, error) {
		return nil, e.SetSimulation(watchdog.SimulationKind(kind), on)
	})
	return err
}

func (s service) AcknowledgeSafeMode() *dbus.Error {
	_, err := s.run("AcknowledgeSafeMode", func(ctx context.Context, e *watchdog.Engine) (interface{}, error) {
		e.AcknowledgeSafeMode(ctx)
		return nil, nil
	})
	return err
}

func (s service) FactoryReset() *dbus.Error {
	log.Println("Factory reset requested over dbus.")
	_, err := s.run("FactoryReset", func(ctx context.Context, e *watchdog.Engine) (interface{}, error) {
		s.d.events.Clear()
		e.FactoryReset(ctx)
		s.d.settingsChanged(e.Settings())
		return nil, nil
	})
	return err
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + "." + name,
		Body: []interface{}{err.Error()},
	}
}

// Events that are sent as a StateChanged signal.
var stateEvents = map[string]bool{
	watchdog.EventSafeMode:       true,
	watchdog.EventConfigMode:     true,
	watchdog.EventBackupSwitch:   true,
	watchdog.EventBackupReturn:   true,
	watchdog.EventBothDown:       true,
	watchdog.EventProviderOutage: true,
	watchdog.EventOutageEnd:      true,
	watchdog.EventLinkLost:       true,
	watchdog.EventLinkRestored:   true,
}

type emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// signals turns events into dbus signals.
type signals struct {
	conn emitter
}

func (s signals) PublishEvent(e watchdog.Event, _ string) {
	var err error
	switch {
	case e.Type == watchdog.EventRouterReset:
		err = s.conn.Emit(dbusPath, dbusName+".RouterReset", e.Message)
	case stateEvents[e.Type]:
		err = s.conn.Emit(dbusPath, dbusName+".StateChanged", e.Type, e.Message)
	default:
		return
	}
	if err != nil {
		log.Errorf("Failed to emit signal for '%s': %v", e.Type, err)
	}
}
