package routerwatchd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(`
interface: wlan1
primary-relay-pin: GPIO23
backup-relay-pin: GPIO24
relay-active-high: true
button-pin: GPIO22
leds:
  green-pin: GPIO6
  blue-pin: GPIO13
watchdog-device: ""
mqtt:
  enabled: true
  broker: tcp://10.0.0.5:1883
settings:
  ping-interval: 30s
  fail-limit: 5
  scheduled-resets-enabled: true
  scheduled-reset-times: ["04:00", "16:30"]
`), 0o644))

	conf := DefaultConfig()
	require.NoError(t, parseConfigFile(path, &conf))

	assert.Equal(t, "wlan1", conf.Interface)
	assert.Equal(t, "GPIO23", conf.PrimaryRelayPin)
	assert.Equal(t, "GPIO24", conf.BackupRelayPin)
	assert.True(t, conf.RelayActiveHigh)
	assert.Equal(t, "GPIO22", conf.ButtonPin)
	assert.Equal(t, "", conf.LEDs.Red)
	assert.Equal(t, "GPIO6", conf.LEDs.Green)
	assert.Equal(t, "GPIO13", conf.LEDs.Blue)
	assert.True(t, conf.LEDs.Enabled())
	assert.Equal(t, "", conf.WatchdogDevice)
	assert.True(t, conf.MQTT.Enabled)
	assert.Equal(t, "tcp://10.0.0.5:1883", conf.MQTT.Broker)
	assert.Equal(t, "router-watchdog", conf.MQTT.TopicPrefix)

	s := conf.Settings
	assert.Equal(t, 30*time.Second, s.PingInterval)
	assert.Equal(t, 5, s.FailLimit)
	assert.Equal(t, []string{"04:00", "16:30"}, s.ScheduledResetTimes)
	// Untouched values keep their defaults.
	assert.Equal(t, watchdog.DefaultSettings().BaseBootTime, s.BaseBootTime)
	assert.NoError(t, s.Validate())
}

func TestParseConfigFileMissing(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, parseConfigFile(filepath.Join(t.TempDir(), ConfigFileName), &conf))
	assert.Equal(t, DefaultConfig(), conf)
}

func TestParseConfigFileInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	require.NoError(t, os.WriteFile(path, []byte("settings: [1, 2"), 0o644))
	conf := DefaultConfig()
	assert.Error(t, parseConfigFile(path, &conf))

	require.NoError(t, os.WriteFile(path, []byte(`primary-relay-pin: ""`), 0o644))
	conf = DefaultConfig()
	assert.Error(t, parseConfigFile(path, &conf))
}

func TestApplyTestHosts(t *testing.T) {
	s := watchdog.DefaultSettings()
	applyTestHosts(&s, []string{"9.9.9.9"})
	assert.Equal(t, "9.9.9.9", s.Host1)
	assert.Equal(t, "1.1.1.1", s.Host2)

	applyTestHosts(&s, []string{"8.8.4.4", "208.67.222.222", "ignored"})
	assert.Equal(t, "8.8.4.4", s.Host1)
	assert.Equal(t, "208.67.222.222", s.Host2)
}

func TestApplyTestHostsSkipsNames(t *testing.T) {
	s := watchdog.DefaultSettings()
	applyTestHosts(&s, []string{"google.com", "https://example.org", ""})
	assert.Equal(t, "8.8.8.8", s.Host1)
	assert.Equal(t, "1.1.1.1", s.Host2)
	assert.NoError(t, s.Validate())

	applyTestHosts(&s, []string{"cacophony.org.nz", "9.9.9.9"})
	assert.Equal(t, "9.9.9.9", s.Host1)
	assert.Equal(t, "1.1.1.1", s.Host2)
	assert.NoError(t, s.Validate())

	s = watchdog.DefaultSettings()
	applyTestHosts(&s, []string{"1.1.1.1", "1.1.1.1"})
	assert.Equal(t, "1.1.1.1", s.Host1)
	assert.Equal(t, "8.8.8.8", s.Host2)
	assert.NoError(t, s.Validate())
}
