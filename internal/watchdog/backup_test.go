package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/router-watchdog/internal/registry"
)

func backupRig(t *testing.T) *rig {
	r := newRig(t)
	r.settings.EnableBackupNetwork = true
	require.NoError(t, r.networks.Add(registry.Entry{SSID: "lte", Passphrase: "password2", Role: registry.Backup}))
	require.NoError(t, r.networks.Promote("home"))
	r.radio.reachable["lte"] = true
	return r
}

func TestBackupSwitchHappensOnce(t *testing.T) {
	r := backupRig(t)
	r.pinger.fn = failInternet
	e := r.boot(t)
	// The provider reset budget for this outage is already spent.
	e.st.Counters.TotalResets = r.settings.ProviderFailureLimit

	r.tickEvery(t, e, time.Minute, 5)
	assert.Equal(t, 5, e.State().Counters.FailCount)
	assert.Equal(t, 0, r.events.count(EventBackupSwitch))
	assert.Equal(t, 0, r.relay.cuts)

	r.tickEvery(t, e, time.Minute, 1)
	st := e.State()
	assert.True(t, st.Backup.Active())
	assert.True(t, r.relay.backup)
	assert.Equal(t, "lte", r.radio.connects[len(r.radio.connects)-1])
	assert.Equal(t, 1, r.events.count(EventBackupSwitch))
	assert.True(t, r.persister.backup.Active())

	r.tickEvery(t, e, time.Minute, 5)
	assert.Equal(t, 1, r.events.count(EventBackupSwitch))
	assert.Equal(t, 0, r.relay.cuts)
	// Switching does not reorder the registry.
	assert.Equal(t, "home", r.networks.Entries()[0].SSID)
}

func TestBackupReturnsToPrimary(t *testing.T) {
	r := backupRig(t)
	r.pinger.fn = failInternet
	e := r.boot(t)
	e.st.Counters.TotalResets = r.settings.ProviderFailureLimit
	r.tickEvery(t, e, time.Minute, 6)
	require.True(t, e.State().Backup.Active())

	r.pinger.fn = okPing
	r.tickEvery(t, e, time.Minute, 9)
	assert.True(t, e.State().Backup.Active())

	r.tickEvery(t, e, time.Minute, 1)
	st := e.State()
	assert.False(t, st.Backup.Active())
	assert.False(t, r.relay.backup)
	assert.Equal(t, "home", r.radio.connects[len(r.radio.connects)-1])
	assert.Equal(t, 1, r.events.count(EventBackupReturn))
}

func TestNoSwitchWithoutBackupEntry(t *testing.T) {
	r := newRig(t)
	r.settings.EnableBackupNetwork = true
	r.pinger.fn = failInternet
	e := r.boot(t)
	e.st.Counters.TotalResets = r.settings.ProviderFailureLimit

	r.tickEvery(t, e, time.Minute, 10)
	assert.False(t, e.State().Backup.Active())
	assert.False(t, r.relay.backup)
}

func TestNoSwitchBeforeResetsExhausted(t *testing.T) {
	r := backupRig(t)
	r.pinger.fn = failInternet
	e := r.boot(t)

	// Resets are still allowed for this outage.
	r.tickEvery(t, e, time.Minute, 8)
	assert.False(t, e.State().Backup.Active())
	assert.Equal(t, 1, r.relay.cuts)
}

func TestBackupSwitchAfterConfigModeExhausted(t *testing.T) {
	r := backupRig(t)
	// No network can be joined until the router has been power cycled.
	r.radio.joinable = func(string) bool { return r.relay.cuts > 0 }
	r.pinger.fn = failInternet
	e := r.boot(t)
	require.True(t, e.State().ConfigMode)

	for i := 0; i < 120 && r.relay.cuts == 0; i++ {
		r.tickEvery(t, e, time.Minute, 1)
	}
	require.Equal(t, 1, r.relay.cuts)
	st := e.State()
	assert.False(t, st.ConfigMode)
	assert.Equal(t, r.settings.APMaxAttempts, st.Counters.APModeAttempts)
	assert.Less(t, st.Counters.TotalResets, r.settings.ProviderFailureLimit)
	assert.False(t, st.Backup.Active())

	// Internet failures pile up while the post reset backoff holds off
	// another reset.
	r.tickEvery(t, e, time.Minute, 7)
	assert.Equal(t, r.settings.BackupNetworkFailLimit, e.State().Counters.FailCount)
	assert.Equal(t, 0, r.events.count(EventBackupSwitch))

	r.tickEvery(t, e, time.Minute, 1)
	assert.True(t, e.State().Backup.Active())
	assert.True(t, r.relay.backup)
	assert.Equal(t, "lte", r.radio.connects[len(r.radio.connects)-1])
	assert.Equal(t, 1, r.events.count(EventBackupSwitch))

	r.tickEvery(t, e, time.Minute, 5)
	assert.Equal(t, 1, r.events.count(EventBackupSwitch))
	assert.Equal(t, 1, r.relay.cuts)
}

func TestBackupDisabledReleasesRelay(t *testing.T) {
	r := backupRig(t)
	r.settings.EnableBackupNetwork = false
	e := r.boot(t)
	e.st.Backup.Mode = OnBackup
	r.relay.backup = true

	r.tickEvery(t, e, time.Minute, 1)
	assert.False(t, r.relay.backup)
	assert.False(t, e.State().Backup.Active())
}

func TestBootOnBackupJoinsBackupOnly(t *testing.T) {
	r := backupRig(t)
	warm := &WarmState{
		Magic:    WarmMagic,
		Counters: Counters{TotalResets: 5},
		Backup:   BackupNetworkState{Mode: OnBackup, SwitchAt: 1},
	}
	bootWith(t, r, CausePostReset, warm, Restored{})

	assert.True(t, r.relay.backup)
	assert.Equal(t, []string{"lte"}, r.radio.connects)
}

func TestColdBootRestoresBackup(t *testing.T) {
	r := backupRig(t)
	saved := Restored{Backup: &BackupNetworkState{Mode: OnBackup, FailCount: 1, SwitchAt: 99}}
	e := bootWith(t, r, CauseException, nil, saved)

	st := e.State()
	assert.True(t, st.Backup.Active())
	assert.Equal(t, 1, st.Backup.FailCount)
	assert.Equal(t, anchor(r.clock.Now()), st.Backup.SwitchAt)
	assert.True(t, r.relay.backup)
	assert.Equal(t, []string{"lte"}, r.radio.connects)
}
