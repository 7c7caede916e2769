package routerwatchd

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/router-watchdog/internal/button"
	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

func TestRestartCause(t *testing.T) {
	assert.Equal(t, watchdog.CausePowerOn, restartCause(nil, false))
	assert.Equal(t, watchdog.CauseHardwareWatchdog, restartCause(nil, true))

	warm := &watchdog.WarmState{Magic: watchdog.WarmMagic, Exit: watchdog.ExitPostReset}
	assert.Equal(t, watchdog.CausePostReset, restartCause(warm, true))

	warm.Exit = watchdog.ExitNone
	assert.Equal(t, watchdog.CauseException, restartCause(warm, true))

	warm.Exit = watchdog.ExitWatchdog
	assert.Equal(t, watchdog.CauseSoftwareWatchdog, restartCause(warm, false))
}

func TestExitReasonFor(t *testing.T) {
	assert.Equal(t, watchdog.ExitOperator, exitReasonFor(syscall.SIGINT))
	assert.Equal(t, watchdog.ExitExternal, exitReasonFor(syscall.SIGTERM))
}

func TestSnapshot(t *testing.T) {
	s := &snapshot{}
	now := time.Now()
	warm := watchdog.WarmState{Magic: watchdog.WarmMagic, SafeMode: true}
	s.set(watchdog.Status{Message: "Connected"}, &warm, now)
	s.set(watchdog.Status{Message: "Internet check failed"}, nil, now.Add(time.Second))

	assert.Equal(t, "Internet check failed", s.Status().Message)
	gotWarm, beat := s.lastBeat()
	assert.True(t, gotWarm.SafeMode)
	assert.Equal(t, now.Add(time.Second), beat)
}

type emitted struct {
	name   string
	values []interface{}
}

type fakeEmitter struct {
	sent []emitted
}

func (f *fakeEmitter) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	if path != dbusPath {
		return nil
	}
	f.sent = append(f.sent, emitted{name, values})
	return nil
}

func TestSignals(t *testing.T) {
	em := &fakeEmitter{}
	s := signals{conn: em}

	s.PublishEvent(watchdog.Event{Type: watchdog.EventRouterReset, Message: "Router reset (internet, total 1)"}, "")
	s.PublishEvent(watchdog.Event{Type: watchdog.EventLag, Message: "High latency"}, "")
	s.PublishEvent(watchdog.Event{Type: watchdog.EventBackupSwitch, Message: "Switched to backup network"}, "")

	require.Len(t, em.sent, 2)
	assert.Equal(t, dbusName+".RouterReset", em.sent[0].name)
	assert.Equal(t, []interface{}{"Router reset (internet, total 1)"}, em.sent[0].values)
	assert.Equal(t, dbusName+".StateChanged", em.sent[1].name)
	assert.Equal(t, []interface{}{watchdog.EventBackupSwitch, "Switched to backup network"}, em.sent[1].values)
}

func TestMakeDbusError(t *testing.T) {
	err := makeDbusError("ResetRouter", watchdog.ErrRateLimited)
	assert.Equal(t, "org.cacophony.routerwatch.ResetRouter", err.Name)
	assert.Equal(t, []interface{}{watchdog.ErrRateLimited.Error()}, err.Body)
}

type buttonEngine struct {
	calls []string
}

func (b *buttonEngine) TriggerManualReset(context.Context) error {
	b.calls = append(b.calls, "reset")
	return watchdog.ErrRestartRequested
}

func (b *buttonEngine) EnterConfigMode(context.Context) { b.calls = append(b.calls, "config") }
func (b *buttonEngine) FactoryReset(context.Context)    { b.calls = append(b.calls, "factory") }

func TestPressButton(t *testing.T) {
	e := &buttonEngine{}
	ctx := context.Background()
	assert.ErrorIs(t, pressButton(ctx, e, button.ResetRouter), watchdog.ErrRestartRequested)
	assert.NoError(t, pressButton(ctx, e, button.ConfigMode))
	assert.NoError(t, pressButton(ctx, e, button.FactoryReset))
	assert.NoError(t, pressButton(ctx, e, button.None))
	assert.Equal(t, []string{"reset", "config", "factory"}, e.calls)
}

func TestButtonGoesThroughQueue(t *testing.T) {
	d := &daemon{queue: newCommandQueue(5)}
	done := make(chan struct{})
	go func() {
		d.buttonPressed(button.ConfigMode)
		close(done)
	}()

	req := <-d.queue.requests
	select {
	case <-done:
		t.Fatal("button returned before the control loop replied")
	case <-time.After(10 * time.Millisecond):
	}
	req.reply <- result{}
	<-done
}
