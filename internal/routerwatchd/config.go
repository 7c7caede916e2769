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
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/TheCacophonyProject/go-config"
	yaml "gopkg.in/yaml.v2"

	"github.com/TheCacophonyProject/router-watchdog/internal/hwwatchdog"
	"github.com/TheCacophonyProject/router-watchdog/internal/leds"
	"github.com/TheCacophonyProject/router-watchdog/internal/metrics"
	"github.com/TheCacophonyProject/router-watchdog/internal/mqttstatus"
	"github.com/TheCacophonyProject/router-watchdog/internal/probe"
	"github.com/TheCacophonyProject/router-watchdog/internal/store"
	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const ConfigFileName = "router-watchdog.yaml"

type Config struct {
	Interface       string   `yaml:"interface"`
	PrimaryRelayPin string   `yaml:"primary-relay-pin"`
	BackupRelayPin  string   `yaml:"backup-relay-pin"`
	RelayActiveHigh bool     `yaml:"relay-active-high"`
	APStart         []string `yaml:"ap-start"`
	APStop          []string `yaml:"ap-stop"`

	// ButtonPin is left empty when no button is fitted.
	ButtonPin string      `yaml:"button-pin"`
	LEDs      leds.Config `yaml:"leds"`

	// WatchdogDevice is left empty to run without a hardware watchdog.
	WatchdogDevice     string `yaml:"watchdog-device"`
	WatchdogBootStatus string `yaml:"watchdog-boot-status"`

	StatePath   string        `yaml:"state-path"`
	WarmPath    string        `yaml:"warm-path"`
	NetworksDir string        `yaml:"networks-dir"`
	HTTPAddress string        `yaml:"http-address"`
	PingTimeout time.Duration `yaml:"ping-timeout"`

	MQTT     mqttstatus.Config `yaml:"mqtt"`
	Settings watchdog.Settings `yaml:"settings"`
}

func DefaultConfig() Config {
	return Config{
		Interface:          "wlan0",
		PrimaryRelayPin:    "GPIO17",
		APStart:            []string{"systemctl", "start", "hostapd"},
		APStop:             []string{"systemctl", "stop", "hostapd"},
		WatchdogDevice:     hwwatchdog.DefaultDevice,
		WatchdogBootStatus: hwwatchdog.DefaultBootStatus,
		StatePath:          store.DefaultPersistentPath,
		WarmPath:           store.DefaultWarmPath,
		NetworksDir:        "/var/lib/router-watchdog",
		HTTPAddress:        metrics.DefaultAddress,
		PingTimeout:        probe.DefaultTimeout,
		MQTT:               mqttstatus.DefaultConfig(),
		Settings:           watchdog.DefaultSettings(),
	}
}

// LoadConfig builds the daemon config from the defaults, the shared test-hosts
// section and then the yaml file in configDir.
func LoadConfig(configDir string) (*Config, error) {
	conf := DefaultConfig()

	c, err := config.New(configDir)
	if err != nil {
		log.Infof("Using default test hosts: %v", err)
	} else {
		testHosts := config.DefaultTestHosts()
		if err := c.Unmarshal(config.TestHostsKey, &testHosts); err != nil {
			return nil, err
		}
		applyTestHosts(&conf.Settings, testHosts.URLs)
	}

	if err := parseConfigFile(filepath.Join(configDir, ConfigFileName), &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// applyTestHosts takes the first two test hosts that are IP addresses. Pings
// need addresses, so names are skipped and the defaults kept.
func applyTestHosts(s *watchdog.Settings, urls []string) {
	var hosts []string
	for _, u := range urls {
		if net.ParseIP(u) == nil {
			if u != "" {
				log.Infof("Ignoring test host '%s', not an IP address", u)
			}
			continue
		}
		if len(hosts) == 0 || hosts[0] != u {
			hosts = append(hosts, u)
		}
	}
	switch {
	case len(hosts) >= 2:
		s.Host1, s.Host2 = hosts[0], hosts[1]
	case len(hosts) == 1 && hosts[0] == s.Host2:
		s.Host1, s.Host2 = hosts[0], s.Host1
	case len(hosts) == 1:
		s.Host1 = hosts[0]
	}
}

// parseConfigFile fills conf from a yaml file. Missing keys keep their current
// values and a missing file is not an error.
func parseConfigFile(path string, conf *Config) error {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("No config file at '%s', using defaults", path)
		return nil
	} else if err != nil {
		return err
	}
	if err := yaml.Unmarshal(buf, conf); err != nil {
		return fmt.Errorf("failed to parse '%s': %w", path, err)
	}
	if conf.PrimaryRelayPin == "" {
		return fmt.Errorf("no primary-relay-pin set in '%s'", path)
	}
	return nil
}
