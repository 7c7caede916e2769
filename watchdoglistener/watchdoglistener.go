package watchdoglistener

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	DBusPath      = "/org/cacophony/routerwatch"
	DBusInterface = "org.cacophony.routerwatch"
)

// StateChange is sent for safe mode, config mode, failover and outage events.
type StateChange struct {
	Type    string
	Message string
}

// Listener receives the signals of the router watchdog.
type Listener struct {
	RouterResets chan string
	StateChanges chan StateChange
}

// Listen subscribes to the watchdog signals on the system bus. Signals are
// dropped while the channels are full.
func Listen() (*Listener, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}

	rule := fmt.Sprintf("type='signal',interface='%s',path='%s'", DBusInterface, DBusPath)
	call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
	if call.Err != nil {
		return nil, call.Err
	}

	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)

	l := &Listener{
		RouterResets: make(chan string, 10),
		StateChanges: make(chan StateChange, 10),
	}
	go l.dispatch(signals)
	return l, nil
}

func (l *Listener) dispatch(signals chan *dbus.Signal) {
	for v := range signals {
		if msg, ok := routerReset(v); ok {
			select {
			case l.RouterResets <- msg:
			default:
			}
		} else if sc, ok := stateChange(v); ok {
			select {
			case l.StateChanges <- sc:
			default:
			}
		}
	}
}

func routerReset(v *dbus.Signal) (string, bool) {
	if v.Path != dbus.ObjectPath(DBusPath) || v.Name != DBusInterface+".RouterReset" || len(v.Body) != 1 {
		return "", false
	}
	msg, ok := v.Body[0].(string)
	return msg, ok
}

func stateChange(v *dbus.Signal) (StateChange, bool) {
	if v.Path != dbus.ObjectPath(DBusPath) || v.Name != DBusInterface+".StateChanged" || len(v.Body) != 2 {
		return StateChange{}, false
	}
	kind, ok1 := v.Body[0].(string)
	msg, ok2 := v.Body[1].(string)
	return StateChange{Type: kind, Message: msg}, ok1 && ok2
}
