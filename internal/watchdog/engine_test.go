package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/router-watchdog/internal/registry"
)

func TestNewRejectsInvalidSettings(t *testing.T) {
	r := newRig(t)
	r.settings.FailLimit = 0
	_, err := New(Deps{}, r.settings)
	assert.Error(t, err)
}

func TestBootJoinsNetwork(t *testing.T) {
	r := newRig(t)
	e := r.boot(t)

	st := e.State()
	assert.False(t, st.ConfigMode)
	assert.Equal(t, []string{"home"}, r.radio.connects)
	assert.False(t, r.relay.primary)
	assert.Equal(t, 1, r.events.count(EventStart))
	assert.Equal(t, WarmMagic, r.warm.last.Magic)
}

func bootWith(t *testing.T, r *rig, cause RestartCause, warm *WarmState, saved Restored) *Engine {
	e := r.engine(t)
	e.Boot(context.Background(), cause, warm, saved)
	return e
}

func TestBootAfterResetKeepsOutage(t *testing.T) {
	r := newRig(t)
	warm := &WarmState{
		Magic: WarmMagic,
		Counters: Counters{
			TotalResets:     2,
			TotalResetsEver: 7,
			NextResetDelay:  15 * time.Minute,
		},
	}
	e := bootWith(t, r, CausePostReset, warm, Restored{})
	st := e.State()
	assert.Equal(t, 2, st.Counters.TotalResets)
	assert.Equal(t, 15*time.Minute, st.Counters.NextResetDelay)
	assert.Equal(t, PostResetBackoff, st.Reset)
}

func TestFreshStartClearsOutage(t *testing.T) {
	for _, cause := range []RestartCause{CausePowerOn, CauseOperator, CauseExternal} {
		r := newRig(t)
		warm := &WarmState{
			Magic:    WarmMagic,
			Counters: Counters{TotalResets: 2, TotalResetsEver: 7, FailCount: 2},
		}
		e := bootWith(t, r, cause, warm, Restored{})
		st := e.State()
		assert.Equal(t, 0, st.Counters.TotalResets, cause.String())
		assert.Equal(t, 0, st.Counters.FailCount, cause.String())
		assert.Equal(t, 7, st.Counters.TotalResetsEver, cause.String())
		assert.Equal(t, Healthy, st.Reset, cause.String())
	}
}

func TestColdStartUsesSavedCounters(t *testing.T) {
	r := newRig(t)
	saved := Restored{Counters: &Counters{
		TotalResets:     3,
		TotalResetsEver: 9,
		LastResetTime:   123456,
	}}
	e := bootWith(t, r, CauseException, nil, saved)
	st := e.State()
	assert.Equal(t, 3, st.Counters.TotalResets)
	assert.Equal(t, 9, st.Counters.TotalResetsEver)
	assert.Equal(t, Millis(0), st.Counters.LastResetTime)
	assert.Equal(t, baseResetDelay, st.Counters.NextResetDelay)
}

func TestColdStartClearsSafeMode(t *testing.T) {
	r := newRig(t)
	r.persister.safeMode = true
	e := bootWith(t, r, CausePowerOn, nil, Restored{SafeMode: true})

	assert.False(t, e.State().SafeMode)
	assert.False(t, r.persister.safeMode)
	assert.True(t, r.events.has("Safe mode cleared by power cycle"))
}

func bootLoop(t *testing.T, r *rig, cause RestartCause, gap time.Duration, n int) *Engine {
	warm := &WarmState{Magic: WarmMagic}
	var e *Engine
	for i := 0; i < n; i++ {
		e = bootWith(t, r, cause, warm, Restored{})
		w := e.WarmState()
		warm = &w
		r.clock.advance(gap)
	}
	return e
}

func TestBootLoopEntersSafeMode(t *testing.T) {
	r := newRig(t)
	e := bootLoop(t, r, CauseSoftwareWatchdog, time.Minute, bootLoopSlots)

	st := e.State()
	assert.True(t, st.SafeMode)
	assert.Equal(t, SafeMode, st.Reset)
	assert.True(t, st.ConfigMode)
	assert.True(t, r.persister.safeMode)
	assert.True(t, r.radio.apOn)
	assert.Equal(t, 1, r.events.count(EventSafeMode))

	// Nothing is tested or reset until an operator acknowledges safe mode.
	r.pinger.fn = failInternet
	r.tickEvery(t, e, time.Minute, 10)
	assert.Equal(t, 0, r.relay.cuts)
	assert.Empty(t, r.pinger.calls)
	assert.ErrorIs(t, e.TriggerManualReset(context.Background()), ErrSafeMode)

	e.AcknowledgeSafeMode(context.Background())
	st = e.State()
	assert.False(t, st.SafeMode)
	assert.Equal(t, Healthy, st.Reset)
	assert.False(t, st.ConfigMode)
	assert.False(t, r.persister.safeMode)
	assert.Equal(t, BootLoopState{}, st.BootLoop)
}

func TestRestartsOutsideWindowAreNotALoop(t *testing.T) {
	r := newRig(t)
	e := bootLoop(t, r, CauseHardwareWatchdog, 6*time.Minute, bootLoopSlots)

	st := e.State()
	assert.False(t, st.SafeMode)
	assert.Equal(t, 1, st.BootLoop.Count)
}

func TestPlannedRestartsAreNotALoop(t *testing.T) {
	r := newRig(t)
	e := bootLoop(t, r, CausePostReset, time.Second, 10)

	st := e.State()
	assert.False(t, st.SafeMode)
	assert.Equal(t, 0, st.BootLoop.Count)
}

func TestNetworkManagement(t *testing.T) {
	r := newRig(t)
	e := r.boot(t)

	assert.ErrorIs(t, e.AddNetwork(registry.Entry{SSID: "", Passphrase: "password1"}), registry.ErrEmptySSID)
	require.NoError(t, e.AddNetwork(registry.Entry{SSID: "lte", Passphrase: "password2", Role: registry.Backup}))
	assert.Len(t, e.Networks(), 2)
	assert.Equal(t, "lte", e.Networks()[0].SSID)

	assert.True(t, e.RemoveNetwork("lte"))
	assert.False(t, e.RemoveNetwork("lte"))
	assert.Len(t, e.Networks(), 1)
}

func TestSetSetting(t *testing.T) {
	r := newRig(t)
	e := r.boot(t)

	require.NoError(t, e.SetSetting("fail-limit", "4"))
	assert.Equal(t, 4, e.Settings().FailLimit)
	require.NotNil(t, r.persister.settings)
	assert.Equal(t, 4, r.persister.settings.FailLimit)

	assert.Error(t, e.SetSetting("fail-limit", "0"))
	assert.Equal(t, 4, e.Settings().FailLimit)
	assert.Error(t, e.SetSetting("host2", r.settings.Host1))
}

func TestClearCounters(t *testing.T) {
	r := newRig(t)
	e := r.boot(t)
	e.st.Counters.TotalResets = 3
	e.st.Counters.TotalResetsEver = 8
	e.st.Reset = ProviderLockout

	e.ClearCounters(context.Background())
	st := e.State()
	assert.Equal(t, 0, st.Counters.TotalResets)
	assert.Equal(t, 8, st.Counters.TotalResetsEver)
	assert.Equal(t, Healthy, st.Reset)
	assert.Equal(t, 0, r.persister.counters.TotalResets)
}

func TestFactoryReset(t *testing.T) {
	r := newRig(t)
	e := r.boot(t)
	require.NoError(t, e.SetSetting("fail-limit", "4"))
	e.st.Counters.TotalResetsEver = 8

	e.FactoryReset(context.Background())
	assert.Empty(t, e.Networks())
	assert.Equal(t, DefaultSettings().FailLimit, e.Settings().FailLimit)
	assert.Equal(t, 0, e.State().Counters.TotalResetsEver)
	assert.True(t, e.State().ConfigMode)
	assert.True(t, r.radio.apOn)
}

func TestStatus(t *testing.T) {
	r := newRig(t)
	e := r.boot(t)

	s := e.Status()
	assert.Equal(t, "healthy", s.ResetState)
	assert.Equal(t, 1, s.Networks)
	assert.Equal(t, 0, s.BackupNetworks)
	assert.True(t, s.WatchdogActive)
	assert.Equal(t, "Connected to home", s.Message)

	require.NoError(t, e.AddNetwork(registry.Entry{SSID: "lte", Passphrase: "password2", Role: registry.Backup}))
	s = e.Status()
	assert.Equal(t, 2, s.Networks)
	assert.Equal(t, 1, s.BackupNetworks)
}
