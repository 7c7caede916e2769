package routerwatchcontroller

import (
	"encoding/json"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	dbusPath   = "/org/cacophony/routerwatch"
	dbusDest   = "org.cacophony.routerwatch"
	methodBase = "org.cacophony.routerwatch"
)

// Network is a known network as reported by the daemon.
type Network struct {
	SSID string
	Role string
}

// GetStatus returns the daemon status decoded from its JSON form.
func GetStatus() (map[string]interface{}, error) {
	obj, err := getDbusObj()
	if err != nil {
		return nil, err
	}
	var raw string
	if err := obj.Call(methodBase+".GetStatus", 0).Store(&raw); err != nil {
		return nil, err
	}
	return decodeStatus(raw)
}

func decodeStatus(raw string) (map[string]interface{}, error) {
	status := make(map[string]interface{})
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}

func GetEvents() ([]string, error) {
	obj, err := getDbusObj()
	if err != nil {
		return nil, err
	}
	var events []string
	err = obj.Call(methodBase+".GetEvents", 0).Store(&events)
	return events, err
}

func ListNetworks() ([]Network, error) {
	obj, err := getDbusObj()
	if err != nil {
		return nil, err
	}
	var networks []Network
	err = obj.Call(methodBase+".ListNetworks", 0).Store(&networks)
	return networks, err
}

func AddNetwork(ssid, passphrase, role string) error {
	return call("AddNetwork", ssid, passphrase, role)
}

// RemoveNetwork reports whether the network was known.
func RemoveNetwork(ssid string) (bool, error) {
	obj, err := getDbusObj()
	if err != nil {
		return false, err
	}
	var removed bool
	err = obj.Call(methodBase+".RemoveNetwork", 0, ssid).Store(&removed)
	return removed, err
}

// ResetRouter asks for a power cycle. It returns once the reset has started
// or been refused.
func ResetRouter() error {
	return call("ResetRouter")
}

func EnterConfigMode() error {
	return call("EnterConfigMode")
}

func ClearCounters() error {
	return call("ClearCounters")
}

func SetSetting(key, value string) error {
	return call("SetSetting", key, value)
}

// GetSettings returns the settings as yaml.
func GetSettings() (string, error) {
	obj, err := getDbusObj()
	if err != nil {
		return "", err
	}
	var settings string
	err = obj.Call(methodBase+".GetSettings", 0).Store(&settings)
	return settings, err
}

func SetSimulation(kind string, on bool) error {
	return call("SetSimulation", kind, on)
}

func AcknowledgeSafeMode() error {
	return call("AcknowledgeSafeMode")
}

func FactoryReset() error {
	return call("FactoryReset")
}

func call(method string, args ...interface{}) error {
	obj, err := getDbusObj()
	if err != nil {
		return err
	}
	return obj.Call(methodBase+"."+method, 0, args...).Store()
}

func getDbusObj() (dbus.BusObject, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(dbusDest, dbusPath)
	return obj, nil
}
