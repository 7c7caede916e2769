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
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxScheduledResets is the number of time of day resets that can be configured.
const MaxScheduledResets = 5

// Settings are the operator tunables.
type Settings struct {
	WatchdogEnabled bool `yaml:"watchdog-enabled" json:"watchdogEnabled"`

	PingInterval         time.Duration `yaml:"ping-interval" json:"pingInterval"`
	FailLimit            int           `yaml:"fail-limit" json:"failLimit"`
	ProviderFailureLimit int           `yaml:"provider-failure-limit" json:"providerFailureLimit"`
	MaxTotalResetsEver   int           `yaml:"max-total-resets-ever" json:"maxTotalResetsEver"`

	RouterOffTime   time.Duration `yaml:"router-off-time" json:"routerOffTime"`
	BaseBootTime    time.Duration `yaml:"base-boot-time" json:"baseBootTime"`
	NoWiFiTimeout   time.Duration `yaml:"no-wifi-timeout" json:"noWiFiTimeout"`
	NoWiFiBackoff   bool          `yaml:"no-wifi-backoff" json:"noWiFiBackoff"`
	DHCPTimeout     time.Duration `yaml:"dhcp-timeout" json:"dhcpTimeout"`
	ConnectTimeout  time.Duration `yaml:"connect-timeout" json:"connectTimeout"`
	APConfigTimeout time.Duration `yaml:"ap-config-timeout" json:"apConfigTimeout"`
	APMaxAttempts   int           `yaml:"ap-max-attempts" json:"apMaxAttempts"`
	APBackoff       time.Duration `yaml:"ap-backoff" json:"apBackoff"`

	MaxPing    time.Duration `yaml:"max-ping" json:"maxPing"`
	LagRetries int           `yaml:"lag-retries" json:"lagRetries"`

	BootLoopWindow time.Duration `yaml:"boot-loop-window" json:"bootLoopWindow"`

	EnableBackupNetwork        bool          `yaml:"enable-backup-network" json:"enableBackupNetwork"`
	BackupNetworkFailLimit     int           `yaml:"backup-network-fail-limit" json:"backupNetworkFailLimit"`
	BackupNetworkRetryInterval time.Duration `yaml:"backup-network-retry-interval" json:"backupNetworkRetryInterval"`

	ScheduledResetsEnabled bool     `yaml:"scheduled-resets-enabled" json:"scheduledResetsEnabled"`
	ScheduledResetTimes    []string `yaml:"scheduled-reset-times" json:"scheduledResetTimes"`
	TimeZone               string   `yaml:"time-zone" json:"timeZone"`

	AutoResetCountersHours int `yaml:"auto-reset-counters-hours" json:"autoResetCountersHours"`

	Host1              string `yaml:"host1" json:"host1"`
	Host2              string `yaml:"host2" json:"host2"`
	UseGatewayOverride bool   `yaml:"use-gateway-override" json:"useGatewayOverride"`
	GatewayOverride    string `yaml:"gateway-override" json:"gatewayOverride"`

	// RestartAfterReset makes the daemon restart itself once a router power
	// cycle completes, so the next start is classified as PostReset.
	RestartAfterReset bool `yaml:"restart-after-reset" json:"restartAfterReset"`
}

func DefaultSettings() Settings {
	return Settings{
		WatchdogEnabled:            true,
		PingInterval:               time.Minute,
		FailLimit:                  3,
		ProviderFailureLimit:       5,
		MaxTotalResetsEver:         20,
		RouterOffTime:              time.Minute,
		BaseBootTime:               150 * time.Second,
		NoWiFiTimeout:              10 * time.Minute,
		DHCPTimeout:                5 * time.Minute,
		ConnectTimeout:             10 * time.Second,
		APConfigTimeout:            10 * time.Minute,
		APMaxAttempts:              4,
		APBackoff:                  time.Hour,
		MaxPing:                    2 * time.Second,
		LagRetries:                 3,
		BootLoopWindow:             20 * time.Minute,
		BackupNetworkFailLimit:     5,
		BackupNetworkRetryInterval: 10 * time.Minute,
		TimeZone:                   "Local",
		Host1:                      "8.8.8.8",
		Host2:                      "1.1.1.1",
	}
}

// Validate returns every problem found, joined.
func (s Settings) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positiveDur := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positiveDur("ping-interval", s.PingInterval)
	positive("fail-limit", s.FailLimit)
	positive("provider-failure-limit", s.ProviderFailureLimit)
	positive("max-total-resets-ever", s.MaxTotalResetsEver)
	positiveDur("router-off-time", s.RouterOffTime)
	positiveDur("base-boot-time", s.BaseBootTime)
	positiveDur("no-wifi-timeout", s.NoWiFiTimeout)
	positiveDur("dhcp-timeout", s.DHCPTimeout)
	positiveDur("connect-timeout", s.ConnectTimeout)
	positiveDur("ap-config-timeout", s.APConfigTimeout)
	positive("ap-max-attempts", s.APMaxAttempts)
	positiveDur("max-ping", s.MaxPing)
	positive("lag-retries", s.LagRetries)
	positive("backup-network-fail-limit", s.BackupNetworkFailLimit)
	positiveDur("backup-network-retry-interval", s.BackupNetworkRetryInterval)
	if s.APBackoff < 0 {
		errs = append(errs, errors.New("ap-backoff cannot be negative"))
	}
	if s.AutoResetCountersHours < 0 {
		errs = append(errs, errors.New("auto-reset-counters-hours cannot be negative"))
	}
	if s.BootLoopWindow < time.Minute {
		errs = append(errs, errors.New("boot-loop-window must be at least 60 seconds"))
	}
	if s.ProviderFailureLimit < s.FailLimit {
		errs = append(errs, errors.New("provider-failure-limit cannot be less than fail-limit"))
	}
	if s.MaxTotalResetsEver < s.ProviderFailureLimit {
		errs = append(errs, errors.New("max-total-resets-ever cannot be less than provider-failure-limit"))
	}
	h1, h2 := net.ParseIP(s.Host1), net.ParseIP(s.Host2)
	if h1 == nil {
		errs = append(errs, fmt.Errorf("host1 '%s' is not an IP address", s.Host1))
	}
	if h2 == nil {
		errs = append(errs, fmt.Errorf("host2 '%s' is not an IP address", s.Host2))
	}
	if h1 != nil && h2 != nil && h1.Equal(h2) {
		errs = append(errs, errors.New("host1 and host2 must be different"))
	}
	if s.UseGatewayOverride && net.ParseIP(s.GatewayOverride) == nil {
		errs = append(errs, fmt.Errorf("gateway-override '%s' is not an IP address", s.GatewayOverride))
	}
	if len(s.ScheduledResetTimes) > MaxScheduledResets {
		errs = append(errs, fmt.Errorf("at most %d scheduled reset times can be set", MaxScheduledResets))
	}
	for _, t := range s.ScheduledResetTimes {
		if _, _, err := ParseTimeOfDay(t); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := s.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid time-zone: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the time zone scheduled resets are evaluated in.
func (s Settings) Location() (*time.Location, error) {
	if s.TimeZone == "" || s.TimeZone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(s.TimeZone)
}

// ParseTimeOfDay parses an "HH:MM" string.
func ParseTimeOfDay(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("scheduled time '%s' is not in HH:MM format", s)
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("scheduled time '%s' is not in HH:MM format", s)
	}
	return h, m, nil
}

type setter func(s *Settings, v string) error

func intSetter(f func(*Settings) *int) setter {
	return func(s *Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(s) = n
		return nil
	}
}

func boolSetter(f func(*Settings) *bool) setter {
	return func(s *Settings, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*f(s) = b
		return nil
	}
}

func durationSetter(f func(*Settings) *time.Duration) setter {
	return func(s *Settings, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*f(s) = d
		return nil
	}
}

func stringSetter(f func(*Settings) *string) setter {
	return func(s *Settings, v string) error {
		*f(s) = strings.TrimSpace(v)
		return nil
	}
}

var setters = map[string]setter{
	"watchdog-enabled":              boolSetter(func(s *Settings) *bool { return &s.WatchdogEnabled }),
	"ping-interval":                 durationSetter(func(s *Settings) *time.Duration { return &s.PingInterval }),
	"fail-limit":                    intSetter(func(s *Settings) *int { return &s.FailLimit }),
	"provider-failure-limit":        intSetter(func(s *Settings) *int { return &s.ProviderFailureLimit }),
	"max-total-resets-ever":         intSetter(func(s *Settings) *int { return &s.MaxTotalResetsEver }),
	"router-off-time":               durationSetter(func(s *Settings) *time.Duration { return &s.RouterOffTime }),
	"base-boot-time":                durationSetter(func(s *Settings) *time.Duration { return &s.BaseBootTime }),
	"no-wifi-timeout":               durationSetter(func(s *Settings) *time.Duration { return &s.NoWiFiTimeout }),
	"no-wifi-backoff":               boolSetter(func(s *Settings) *bool { return &s.NoWiFiBackoff }),
	"dhcp-timeout":                  durationSetter(func(s *Settings) *time.Duration { return &s.DHCPTimeout }),
	"connect-timeout":               durationSetter(func(s *Settings) *time.Duration { return &s.ConnectTimeout }),
	"ap-config-timeout":             durationSetter(func(s *Settings) *time.Duration { return &s.APConfigTimeout }),
	"ap-max-attempts":               intSetter(func(s *Settings) *int { return &s.APMaxAttempts }),
	"ap-backoff":                    durationSetter(func(s *Settings) *time.Duration { return &s.APBackoff }),
	"max-ping":                      durationSetter(func(s *Settings) *time.Duration { return &s.MaxPing }),
	"lag-retries":                   intSetter(func(s *Settings) *int { return &s.LagRetries }),
	"boot-loop-window":              durationSetter(func(s *Settings) *time.Duration { return &s.BootLoopWindow }),
	"enable-backup-network":         boolSetter(func(s *Settings) *bool { return &s.EnableBackupNetwork }),
	"backup-network-fail-limit":     intSetter(func(s *Settings) *int { return &s.BackupNetworkFailLimit }),
	"backup-network-retry-interval": durationSetter(func(s *Settings) *time.Duration { return &s.BackupNetworkRetryInterval }),
	"scheduled-resets-enabled":      boolSetter(func(s *Settings) *bool { return &s.ScheduledResetsEnabled }),
	"time-zone":                     stringSetter(func(s *Settings) *string { return &s.TimeZone }),
	"auto-reset-counters-hours":     intSetter(func(s *Settings) *int { return &s.AutoResetCountersHours }),
	"host1":                         stringSetter(func(s *Settings) *string { return &s.Host1 }),
	"host2":                         stringSetter(func(s *Settings) *string { return &s.Host2 }),
	"use-gateway-override":          boolSetter(func(s *Settings) *bool { return &s.UseGatewayOverride }),
	"gateway-override":              stringSetter(func(s *Settings) *string { return &s.GatewayOverride }),
	"restart-after-reset":           boolSetter(func(s *Settings) *bool { return &s.RestartAfterReset }),
	"scheduled-reset-times": func(s *Settings, v string) error {
		s.ScheduledResetTimes = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				s.ScheduledResetTimes = append(s.ScheduledResetTimes, t)
			}
		}
		return nil
	},
}

// SettingKeys lists the keys accepted by With.
func SettingKeys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of the settings with one value changed. The result is
// not validated.
func (s Settings) With(key, value string) (Settings, error) {
	set, ok := setters[key]
	if !ok {
		return s, fmt.Errorf("unknown setting '%s'", key)
	}
	out := s
	out.ScheduledResetTimes = append([]string(nil), s.ScheduledResetTimes...)
	if err := set(&out, value); err != nil {
		return s, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return out, nil
}
