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

	"github.com/TheCacophonyProject/router-watchdog/internal/registry"
)

var (
	ErrNoNetwork      = errors.New("could not connect to any known network")
	ErrConnectTimeout = errors.New("timed out waiting for the network")
)

const connectPollInterval = 500 * time.Millisecond

type RoleFilter int

const (
	AnyRole RoleFilter = iota
	PrimaryOnly
	BackupOnly
)

func (f RoleFilter) matches(r registry.Role) bool {
	switch f {
	case PrimaryOnly:
		return r == registry.Primary
	case BackupOnly:
		return r == registry.Backup
	}
	return true
}

// Connector joins networks from the registry.
type Connector struct {
	radio    Radio
	clock    Clock
	feeder   Feeder
	networks *registry.Registry
	timeout  func() time.Duration
}

// ConnectAll tries each matching network in registry order. The network that
// works is promoted to the front of the registry. If none work the radio is
// put into access point mode and ErrNoNetwork is returned.
func (c *Connector) ConnectAll(ctx context.Context, filter RoleFilter) (registry.Entry, error) {
	if err := c.radio.StopAccessPoint(ctx); err != nil {
		log.Errorf("Failed to stop access point: %v", err)
	}
	for _, e := range c.networks.Entries() {
		if !filter.matches(e.Role) {
			continue
		}
		log.Infof("Trying to connect to '%s'", e.SSID)
		if err := c.ConnectEntry(ctx, e); err != nil {
			log.Infof("Failed to connect to '%s': %v", e.SSID, err)
			continue
		}
		log.Infof("Connected to '%s'", e.SSID)
		if err := c.networks.Promote(e.SSID); err != nil {
			log.Errorf("Failed to promote network: %v", err)
		}
		return e, nil
	}
	log.Info("No known network available, starting access point.")
	if err := c.radio.StartAccessPoint(ctx); err != nil {
		return registry.Entry{}, fmt.Errorf("%w, and failed to start access point: %v", ErrNoNetwork, err)
	}
	return registry.Entry{}, ErrNoNetwork
}

// ConnectEntry makes one bounded association attempt with a network.
func (c *Connector) ConnectEntry(ctx context.Context, e registry.Entry) error {
	if err := c.radio.Connect(ctx, e.SSID, e.Passphrase); err != nil {
		return err
	}
	start := c.clock.Now()
	timeout := c.timeout()
	for c.clock.Now().Since(start) < timeout {
		if err := c.feeder.Feed(); err != nil {
			log.Errorf("Failed to feed hardware watchdog: %v", err)
		}
		status, err := c.radio.Status(ctx)
		if err == nil && status == LinkConnected {
			return nil
		}
		c.clock.Sleep(connectPollInterval)
	}
	return ErrConnectTimeout
}
