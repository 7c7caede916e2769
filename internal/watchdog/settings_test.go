package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsValid(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	s.Host2 = s.Host1
	assert.ErrorContains(t, s.Validate(), "must be different")

	s = DefaultSettings()
	s.ScheduledResetTimes = []string{"25:00"}
	assert.ErrorContains(t, s.Validate(), "HH:MM")

	s = DefaultSettings()
	s.BootLoopWindow = 30 * time.Second
	assert.ErrorContains(t, s.Validate(), "boot-loop-window")

	s = DefaultSettings()
	s.FailLimit = 6
	assert.ErrorContains(t, s.Validate(), "provider-failure-limit")

	s = DefaultSettings()
	s.UseGatewayOverride = true
	s.GatewayOverride = "router"
	assert.ErrorContains(t, s.Validate(), "gateway-override")

	s = DefaultSettings()
	s.ScheduledResetTimes = []string{"01:00", "02:00", "03:00", "04:00", "05:00", "06:00"}
	assert.Error(t, s.Validate())
}

func TestSettingsWith(t *testing.T) {
	s := DefaultSettings()

	out, err := s.With("fail-limit", "4")
	require.NoError(t, err)
	assert.Equal(t, 4, out.FailLimit)
	assert.Equal(t, 3, s.FailLimit)

	out, err = s.With("scheduled-reset-times", "08:30, 20:00")
	require.NoError(t, err)
	assert.Equal(t, []string{"08:30", "20:00"}, out.ScheduledResetTimes)

	out, err = s.With("router-off-time", "90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, out.RouterOffTime)

	_, err = s.With("fail-limit", "abc")
	assert.Error(t, err)
	_, err = s.With("no-such-setting", "1")
	assert.ErrorContains(t, err, "unknown setting")
}

func TestSettingKeysSorted(t *testing.T) {
	keys := SettingKeys()
	assert.Contains(t, keys, "watchdog-enabled")
	assert.IsIncreasing(t, keys)
}

func TestParseTimeOfDay(t *testing.T) {
	h, m, err := ParseTimeOfDay(" 08:30 ")
	require.NoError(t, err)
	assert.Equal(t, 8, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"8", "24:00", "12:60", "ab:cd", ""} {
		_, _, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}
