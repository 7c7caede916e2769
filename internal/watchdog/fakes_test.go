package watchdog

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/router-watchdog/internal/registry"
)

type fakeClock struct {
	now     Millis
	wall    time.Time
	trusted bool
}

func (c *fakeClock) Now() Millis { return c.now }

func (c *fakeClock) WallClock() (time.Time, bool) {
	if !c.trusted {
		return time.Time{}, false
	}
	return c.wall, true
}

func (c *fakeClock) Sleep(d time.Duration) { c.advance(d) }

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
	c.wall = c.wall.Add(d)
}

type fakeFeeder struct {
	feeds int
}

func (f *fakeFeeder) Feed() error {
	f.feeds++
	return nil
}

type fakeRelay struct {
	primary bool
	backup  bool
	cuts    int
	cutErr  error
}

func (r *fakeRelay) SetPrimaryRelay(energized bool) error {
	if energized && r.cutErr != nil {
		return r.cutErr
	}
	if energized && !r.primary {
		r.cuts++
	}
	r.primary = energized
	return nil
}

func (r *fakeRelay) SetBackupRelay(energized bool) error {
	r.backup = energized
	return nil
}

type fakeRadio struct {
	status    LinkStatus
	ip        net.IP
	gw        net.IP
	reachable map[string]bool
	connects  []string
	apOn      bool
	apStarts  int
	// joinable overrides reachable when set.
	joinable func(ssid string) bool
}

func (r *fakeRadio) Connect(_ context.Context, ssid, _ string) error {
	r.connects = append(r.connects, ssid)
	ok := r.reachable[ssid]
	if r.joinable != nil {
		ok = r.joinable(ssid)
	}
	if ok {
		r.status = LinkConnected
	} else {
		r.status = LinkNoSSID
	}
	return nil
}

func (r *fakeRadio) Status(context.Context) (LinkStatus, error) { return r.status, nil }

func (r *fakeRadio) LocalAddress() (net.IP, error) { return r.ip, nil }

func (r *fakeRadio) GatewayAddress(context.Context) (net.IP, error) {
	if r.gw == nil {
		return nil, errors.New("no default route")
	}
	return r.gw, nil
}

func (r *fakeRadio) StartAccessPoint(context.Context) error {
	r.apOn = true
	r.apStarts++
	return nil
}

func (r *fakeRadio) StopAccessPoint(context.Context) error {
	r.apOn = false
	return nil
}

type fakePinger struct {
	fn    func(host string) PingResult
	calls map[string]int
}

func (p *fakePinger) Ping(_ context.Context, host string) PingResult {
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[host]++
	return p.fn(host)
}

func okPing(string) PingResult { return PingResult{Success: true, RoundTrip: 20 * time.Millisecond} }

type fakePersister struct {
	counters    Counters
	saves       int
	settings    *Settings
	schedule    ScheduleState
	backup      BackupNetworkState
	safeMode    bool
	safeModeSet int
}

func (p *fakePersister) SaveCounters(c Counters) error {
	p.counters = c
	p.saves++
	return nil
}

func (p *fakePersister) SaveSettings(s Settings) error {
	p.settings = &s
	return nil
}

func (p *fakePersister) SaveSchedule(s ScheduleState) error {
	p.schedule = s
	return nil
}

func (p *fakePersister) SaveBackup(b BackupNetworkState) error {
	p.backup = b
	return nil
}

func (p *fakePersister) SaveSafeMode(on bool) error {
	p.safeMode = on
	p.safeModeSet++
	return nil
}

type fakeWarm struct {
	last  WarmState
	saves int
}

func (w *fakeWarm) SaveWarm(s WarmState) error {
	w.last = s
	w.saves++
	return nil
}

type fakeEvents struct {
	events []Event
}

func (f *fakeEvents) Record(e Event) { f.events = append(f.events, e) }

func (f *fakeEvents) count(kind string) int {
	n := 0
	for _, e := range f.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func (f *fakeEvents) has(msg string) bool {
	for _, e := range f.events {
		if e.Message == msg {
			return true
		}
	}
	return false
}

const (
	gatewayIP = "192.168.1.1"
	host1IP   = "8.8.8.8"
	host2IP   = "1.1.1.1"
)

type rig struct {
	clock     *fakeClock
	feeder    *fakeFeeder
	relay     *fakeRelay
	radio     *fakeRadio
	pinger    *fakePinger
	networks  *registry.Registry
	persister *fakePersister
	warm      *fakeWarm
	events    *fakeEvents
	settings  Settings
}

func newRig(t *testing.T) *rig {
	networks, err := registry.New(nil)
	require.NoError(t, err)
	require.NoError(t, networks.Add(registry.Entry{SSID: "home", Passphrase: "password1"}))

	settings := DefaultSettings()
	settings.TimeZone = "UTC"
	return &rig{
		clock: &fakeClock{
			now:     1000,
			wall:    time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
			trusted: true,
		},
		feeder: &fakeFeeder{},
		relay:  &fakeRelay{},
		radio: &fakeRadio{
			status:    LinkConnected,
			ip:        net.ParseIP("192.168.1.50"),
			gw:        net.ParseIP(gatewayIP),
			reachable: map[string]bool{"home": true},
		},
		pinger:    &fakePinger{fn: okPing},
		networks:  networks,
		persister: &fakePersister{},
		warm:      &fakeWarm{},
		events:    &fakeEvents{},
		settings:  settings,
	}
}

func (r *rig) engine(t *testing.T) *Engine {
	e, err := New(Deps{
		Clock:     r.clock,
		Relay:     r.relay,
		Feeder:    r.feeder,
		Radio:     r.radio,
		Pinger:    r.pinger,
		Networks:  r.networks,
		Persister: r.persister,
		Warm:      r.warm,
		Events:    r.events,
	}, r.settings)
	require.NoError(t, err)
	return e
}

// boot returns an engine started from power on.
func (r *rig) boot(t *testing.T) *Engine {
	e := r.engine(t)
	e.Boot(context.Background(), CausePowerOn, nil, Restored{})
	return e
}

// tickEvery advances the clock by d before each of n ticks.
func (r *rig) tickEvery(t *testing.T, e *Engine, d time.Duration, n int) {
	for i := 0; i < n; i++ {
		r.clock.advance(d)
		require.NoError(t, e.Tick(context.Background()))
	}
}

func failInternet(host string) PingResult {
	if host == gatewayIP {
		return okPing(host)
	}
	return PingResult{}
}
