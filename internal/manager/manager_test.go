package manager_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunfleet/internal/device"
	"tunfleet/internal/device/devicetest"
	"tunfleet/internal/logger"
	"tunfleet/internal/manager"
	"tunfleet/internal/model"
	"tunfleet/internal/reconnect"
	"tunfleet/internal/tunnel"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After never fires; tests drive cycles with PollOnce.
func (c *manualClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const cooldown = 30 * time.Second

type harness struct {
	m     *manager.Manager
	fleet *devicetest.Fleet
	clock *manualClock
	cfg   tunnel.Config
}

func identity(_ context.Context, host string) (string, error) { return host, nil }

func newHarness(t *testing.T, opts ...func(*manager.Options)) *harness {
	t.Helper()

	cfg := tunnel.DefaultConfig()
	cfg.UpAttempts = 3
	cfg.UpInterval = time.Millisecond
	cfg.PushDelay = time.Millisecond
	cfg.CommandTimeout = time.Second

	fleet := devicetest.NewFleet()
	clk := newManualClock()
	o := manager.Options{
		Connector:    fleet,
		Tunnel:       cfg,
		Resolver:     identity,
		Policy:       reconnect.Policy{Base: 10 * time.Second, Max: 300 * time.Second, MaxAttempts: 3},
		PollInterval: 50 * time.Millisecond,
		BootCooldown: cooldown,
		BulkTimeout:  300 * time.Millisecond,
		Clock:        clk,
		Logger:       logger.NewTestLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	m := manager.New(o)
	t.Cleanup(func() { m.Stop() })
	return &harness{m: m, fleet: fleet, clock: clk, cfg: cfg}
}

func (h *harness) add(name, address string) (model.DeviceHandle, *devicetest.Fake) {
	dev := model.DeviceHandle{Name: name, Address: address}
	fake := h.fleet.Add(address)
	h.m.Track(dev)
	return dev, fake
}

// warmUp passes the boot cooldown for every tracked device.
func (h *harness) warmUp() {
	h.m.PollOnce(context.Background())
	h.clock.Advance(cooldown)
}

func drain(ch <-chan model.Event) []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func reasons(evs []model.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Reason)
	}
	return out
}

func countReason(evs []model.Event, reason string) int {
	n := 0
	for _, ev := range evs {
		if ev.Reason == reason {
			n++
		}
	}
	return n
}

func hasBlackhole(f *devicetest.Fake) bool {
	for _, r := range f.Routes() {
		if r.Type == "blackhole" {
			return true
		}
	}
	return false
}

var proxyA = model.ProxyEndpoint{Server: "198.51.100.7", Port: 1080, Username: "u", Password: "p"}

func TestApplyCachesReconnectingAndEmits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, _ := h.add("pixel-1", "127.0.0.1:5555")
	events, cancel := h.m.Subscribe(16)
	defer cancel()

	res := h.m.Apply(context.Background(), dev, proxyA)
	require.True(t, res.OK, res.Error)

	st := h.m.Status(dev.Name)
	require.Equal(t, model.StateReconnecting, st.State)
	require.Equal(t, "198.51.100.7:1080", st.Server)
	require.Equal(t, h.clock.Now(), st.UpdatedAt)

	evs := drain(events)
	require.Len(t, evs, 1)
	require.Equal(t, "applied", evs[0].Reason)
	require.Equal(t, model.StateUnknown, evs[0].Previous.State)
}

func TestApplyFailureLeavesCacheAlone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	fake.Refuse(proxyA.Addr())

	res := h.m.Apply(context.Background(), dev, proxyA)
	require.False(t, res.OK)
	require.Contains(t, res.Error, "daemon failed to start")
	require.Equal(t, model.StateUnknown, h.m.Status(dev.Name).State)
}

func TestBootGateWaitsForCooldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	fake.Booted = false
	ctx := context.Background()

	h.m.PollOnce(ctx)
	require.Equal(t, 0, fake.CountCommands("kill -0"))

	fake.Booted = true
	h.m.PollOnce(ctx) // first seen ready
	h.clock.Advance(cooldown - time.Second)
	h.m.PollOnce(ctx)
	require.Equal(t, model.StateUnknown, h.m.Status(dev.Name).State)

	h.clock.Advance(time.Second)
	h.m.PollOnce(ctx)
	require.Equal(t, model.StateStopped, h.m.Status(dev.Name).State)

	// A reboot restarts the cooldown.
	fake.Booted = false
	h.m.PollOnce(ctx)
	fake.Booted = true
	h.m.PollOnce(ctx)
	h.clock.Advance(time.Second)
	reads := fake.CountCommands("head -n 1")
	h.m.PollOnce(ctx)
	require.Equal(t, reads, fake.CountCommands("head -n 1"))
}

func TestPollErrorCachesUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *manager.Options) { o.Readiness = alwaysReady{} })
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	h.warmUp()
	h.m.PollOnce(context.Background())
	require.Equal(t, model.StateStopped, h.m.Status(dev.Name).State)

	events, cancel := h.m.Subscribe(16)
	defer cancel()
	fake.SetUnreachable(true)
	h.m.PollOnce(context.Background())

	st := h.m.Status(dev.Name)
	require.Equal(t, model.StateUnknown, st.State)
	require.Contains(t, st.Error, "device unreachable")
	require.Equal(t, []string{"poll error"}, reasons(drain(events)))

	// Unchanged status does not re-emit.
	h.m.PollOnce(context.Background())
	require.Empty(t, drain(events))
}

type alwaysReady struct{}

func (alwaysReady) Ready(context.Context, model.DeviceHandle) (bool, error) { return true, nil }

// Scenario: an always-on device whose daemon dies is brought back by the
// poll loop, and the retry counter is cleared.
func TestAlwaysOnReconnectsDroppedTunnel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	ctx := context.Background()

	require.True(t, h.m.Apply(ctx, dev, proxyA).OK)
	ep := proxyA
	h.m.SetAlwaysOn(dev.Name, &ep)
	h.warmUp()
	h.m.PollOnce(ctx)
	require.Equal(t, model.StateConnected, h.m.Status(dev.Name).State)

	events, cancel := h.m.Subscribe(16)
	defer cancel()
	fake.KillDaemon()
	h.m.PollOnce(ctx)

	require.True(t, fake.DaemonAlive())
	require.Equal(t, model.StateReconnecting, h.m.Status(dev.Name).State)
	state, ok := h.m.ReconnectState(dev.Name)
	require.True(t, ok)
	require.Equal(t, reconnect.State{}, state)

	h.m.PollOnce(ctx)
	require.Equal(t, model.StateConnected, h.m.Status(dev.Name).State)
	_, ok = h.m.ReconnectState(dev.Name)
	require.False(t, ok)

	got := drain(events)
	require.Equal(t, []string{"", "reconnected", ""}, reasons(got))
	require.Equal(t, model.StateStopped, got[0].Current.State)
	require.Equal(t, model.StateConnected, got[2].Current.State)
}

// Scenario: a proxy that keeps refusing is retried with growing delays
// until the ceiling, then given up on with a single event.
func TestAlwaysOnBacksOffAndGivesUpOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	fake.Refuse(proxyA.Addr())
	ep := proxyA
	h.m.SetAlwaysOn(dev.Name, &ep)
	h.warmUp()
	events, cancel := h.m.Subscribe(64)
	defer cancel()
	ctx := context.Background()

	attempts := func() int { return fake.CountCommands("base64 -d") }

	h.m.PollOnce(ctx)
	require.Equal(t, 1, attempts())

	// Delay after one attempt is 20s.
	h.clock.Advance(10 * time.Second)
	h.m.PollOnce(ctx)
	require.Equal(t, 1, attempts())
	h.clock.Advance(10 * time.Second)
	h.m.PollOnce(ctx)
	require.Equal(t, 2, attempts())

	h.clock.Advance(39 * time.Second)
	h.m.PollOnce(ctx)
	require.Equal(t, 2, attempts())
	h.clock.Advance(time.Second)
	h.m.PollOnce(ctx)
	require.Equal(t, 3, attempts())

	for i := 0; i < 3; i++ {
		h.clock.Advance(10 * time.Minute)
		h.m.PollOnce(ctx)
	}
	require.Equal(t, 3, attempts())
	require.Equal(t, 1, countReason(drain(events), "reconnect given up"))

	// An explicit reset allows a fresh round.
	require.True(t, h.m.ResetReconnect(dev.Name))
	h.m.PollOnce(ctx)
	require.Equal(t, 4, attempts())
}

func TestSetAlwaysOnResetsCounter(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	fake.Refuse(proxyA.Addr())
	ep := proxyA
	h.m.SetAlwaysOn(dev.Name, &ep)
	h.warmUp()
	h.m.PollOnce(context.Background())

	state, ok := h.m.ReconnectState(dev.Name)
	require.True(t, ok)
	require.Equal(t, 1, state.Attempts)

	h.m.SetAlwaysOn(dev.Name, &ep)
	_, ok = h.m.ReconnectState(dev.Name)
	require.False(t, ok)

	h.m.SetAlwaysOn(dev.Name, nil)
	require.Empty(t, h.m.AlwaysOn())
	require.False(t, h.m.ResetReconnect(dev.Name))
}

func TestDisconnectCancelsAlwaysOnAndKillSwitch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	ctx := context.Background()

	require.True(t, h.m.Apply(ctx, dev, proxyA).OK)
	ep := proxyA
	h.m.SetAlwaysOn(dev.Name, &ep)
	require.NoError(t, h.m.SetKillSwitch(ctx, dev, true))

	res := h.m.Disconnect(ctx, dev)
	require.True(t, res.OK, res.Error)
	require.Empty(t, h.m.AlwaysOn())
	require.Empty(t, h.m.KillSwitches())
	require.Equal(t, model.StateStopped, h.m.Status(dev.Name).State)
	require.False(t, fake.DaemonAlive())
	require.False(t, hasBlackhole(fake))
	_, ok := fake.File(h.cfg.ConfigPath)
	require.False(t, ok)

	h.warmUp()
	applies := fake.CountCommands("base64 -d")
	for i := 0; i < 10; i++ {
		h.m.PollOnce(ctx)
		h.clock.Advance(5 * time.Minute)
	}
	require.Equal(t, applies, fake.CountCommands("base64 -d"))
	require.False(t, hasBlackhole(fake))
	_, ok = h.m.ReconnectState(dev.Name)
	require.False(t, ok)
}

func TestDisconnectUnreachableReportsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	ep := proxyA
	h.m.SetAlwaysOn(dev.Name, &ep)
	fake.SetUnreachable(true)

	res := h.m.Disconnect(context.Background(), dev)
	require.False(t, res.OK)
	require.Empty(t, h.m.AlwaysOn())
	require.Equal(t, model.StateUnknown, h.m.Status(dev.Name).State)
}

func TestKillSwitchEngagesWhileDownAndLiftsOnApply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	ctx := context.Background()

	require.True(t, h.m.Apply(ctx, dev, proxyA).OK)
	require.NoError(t, h.m.SetKillSwitch(ctx, dev, true))
	require.False(t, hasBlackhole(fake), "connected tunnel must not be blackholed")
	require.Equal(t, []string{dev.Name}, h.m.KillSwitches())

	h.warmUp()
	fake.KillDaemon()
	h.m.PollOnce(ctx)
	require.True(t, hasBlackhole(fake))
	engages := fake.CountCommands("route replace blackhole")

	// Engaged once, not on every cycle.
	h.m.PollOnce(ctx)
	require.Equal(t, engages, fake.CountCommands("route replace blackhole"))

	require.True(t, h.m.Apply(ctx, dev, proxyA).OK)
	require.False(t, hasBlackhole(fake))
	h.m.PollOnce(ctx)
	require.Equal(t, model.StateConnected, h.m.Status(dev.Name).State)
	require.False(t, hasBlackhole(fake))
}

func TestKillSwitchEngagesWhenInterfaceDrops(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	ctx := context.Background()

	require.True(t, h.m.Apply(ctx, dev, proxyA).OK)
	require.NoError(t, h.m.SetKillSwitch(ctx, dev, true))
	h.warmUp()

	// The daemon keeps running but tun0 and its routes are gone.
	fake.DropTunnel()
	h.m.PollOnce(ctx)
	require.Equal(t, model.StateReconnecting, h.m.Status(dev.Name).State)
	require.True(t, hasBlackhole(fake), "egress must not fall back to the default route")
	engages := fake.CountCommands("route replace blackhole")

	h.m.PollOnce(ctx)
	require.Equal(t, engages, fake.CountCommands("route replace blackhole"))

	require.True(t, h.m.Apply(ctx, dev, proxyA).OK)
	h.m.PollOnce(ctx)
	require.Equal(t, model.StateConnected, h.m.Status(dev.Name).State)
	require.False(t, hasBlackhole(fake))
}

func TestLateInterfaceGetsSplitRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	ctx := context.Background()

	// Three probes during apply, two more before the interface shows up.
	fake.TunLag = 5
	res := h.m.Apply(ctx, dev, proxyA)
	require.True(t, res.OK, res.Error)
	require.Equal(t, model.StateReconnecting, h.m.Status(dev.Name).State)

	h.warmUp()
	for i := 0; i < 3 && h.m.Status(dev.Name).State != model.StateConnected; i++ {
		h.m.PollOnce(ctx)
	}
	require.Equal(t, model.StateConnected, h.m.Status(dev.Name).State)

	var split int
	for _, r := range fake.Routes() {
		if (r.Dest == "0.0.0.0/1" || r.Dest == "128.0.0.0/1") && r.Dev == "tun0" {
			split++
		}
	}
	require.Equal(t, 2, split)
}

func TestKillSwitchLiftsWhenDaemonRecovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	ctx := context.Background()

	require.True(t, h.m.Apply(ctx, dev, proxyA).OK)
	require.NoError(t, h.m.SetKillSwitch(ctx, dev, true))
	h.warmUp()
	fake.KillDaemon()
	h.m.PollOnce(ctx)
	require.True(t, hasBlackhole(fake))

	// The daemon comes back without going through Apply.
	ch := h.fleet.Connect(dev)
	_, err := ch.Shell(ctx, device.Cmd(h.cfg.BinaryRemote, h.cfg.ConfigPath).Detach(), time.Second)
	require.NoError(t, err)
	h.m.PollOnce(ctx)

	require.Equal(t, model.StateConnected, h.m.Status(dev.Name).State)
	require.False(t, hasBlackhole(fake))
	var split int
	for _, r := range fake.Routes() {
		if (r.Dest == "0.0.0.0/1" || r.Dest == "128.0.0.0/1") && r.Dev == "tun0" {
			split++
		}
	}
	require.Equal(t, 2, split)
}

func TestSetKillSwitchDisableReleases(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev, fake := h.add("pixel-1", "127.0.0.1:5555")
	ctx := context.Background()

	require.NoError(t, h.m.SetKillSwitch(ctx, dev, true))
	require.True(t, hasBlackhole(fake))
	require.NoError(t, h.m.SetKillSwitch(ctx, dev, false))
	require.False(t, hasBlackhole(fake))
	require.Empty(t, h.m.KillSwitches())
}

// Scenario: one hung device in a batch of five costs only the bulk timeout.
func TestApplyBulkContainsHungDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var assignments []model.Assignment
	var hung *devicetest.Fake
	for i, addr := range []string{"10.0.0.1:5555", "10.0.0.2:5555", "10.0.0.3:5555", "10.0.0.4:5555", "10.0.0.5:5555"} {
		dev, fake := h.add("dev-"+string(rune('a'+i)), addr)
		if i == 2 {
			hung = fake
		}
		assignments = append(assignments, model.Assignment{Device: dev, Endpoint: proxyA})
	}
	hung.Hang()
	t.Cleanup(hung.Unhang)

	start := time.Now()
	results := h.m.ApplyBulk(context.Background(), assignments)
	elapsed := time.Since(start)

	require.Len(t, results, 5)
	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	assert.Equal(t, 4, ok)
	assert.False(t, results["dev-c"].OK)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestApplyBulkReportsTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *manager.Options) { o.BulkTimeout = 50 * time.Millisecond })
	dev, fake := h.add("slow", "10.0.0.9:5555")
	fake.Hang()
	t.Cleanup(fake.Unhang)

	results := h.m.ApplyBulk(context.Background(), []model.Assignment{{Device: dev, Endpoint: proxyA}})
	require.Len(t, results, 1)
	require.False(t, results["slow"].OK)
	require.NotEmpty(t, results["slow"].Error)
}

func TestDisconnectAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a, fa := h.add("a", "10.0.0.1:5555")
	b, _ := h.add("b", "10.0.0.2:5555")
	ctx := context.Background()
	require.True(t, h.m.Apply(ctx, a, proxyA).OK)

	results := h.m.DisconnectAll(ctx, []model.DeviceHandle{a, b})
	require.Len(t, results, 2)
	require.True(t, results["a"].OK, results["a"].Error)
	require.True(t, results["b"].OK, results["b"].Error)
	require.False(t, fa.DaemonAlive())
}

func TestTrackMergesByName(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.m.Track(
		model.DeviceHandle{Name: "a", Address: "10.0.0.1:5555"},
		model.DeviceHandle{Name: "b", Address: "10.0.0.2:5555"},
	)
	h.m.Track(model.DeviceHandle{Name: "a", Address: "10.0.0.3:5555"})

	got := h.m.Tracked()
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Name)
	require.Equal(t, "10.0.0.3:5555", got[0].Address)

	h.m.Untrack("a")
	h.m.Untrack("missing")
	require.Equal(t, []model.DeviceHandle{{Name: "b", Address: "10.0.0.2:5555"}}, h.m.Tracked())
}

func TestRefreshAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a, _ := h.add("a", "10.0.0.1:5555")
	h.m.Track(model.DeviceHandle{Name: "ghost", Address: "10.9.9.9:5555"})
	require.True(t, h.m.Apply(context.Background(), a, proxyA).OK)

	got := h.m.RefreshAll(context.Background())
	require.Len(t, got, 2)
	require.Equal(t, model.StateConnected, got["a"].State)
	require.Equal(t, "198.51.100.7:1080", got["a"].Server)
	require.Equal(t, model.StateUnknown, got["ghost"].State)
	require.True(t, strings.Contains(got["ghost"].Error, "unreachable"))
	require.Equal(t, got, h.m.Statuses())
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.m.Start(ctx)
	h.m.Start(ctx)
	require.True(t, h.m.Running())
	require.True(t, h.m.Stop())
	require.False(t, h.m.Running())
	require.True(t, h.m.Stop())
}

func TestLoopPollsWithRealClock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *manager.Options) {
		o.Clock = nil
		o.BootCooldown = -1
		o.PollInterval = 10 * time.Millisecond
	})
	dev, _ := h.add("pixel-1", "127.0.0.1:5555")

	h.m.Start(context.Background())
	require.Eventually(t, func() bool {
		return h.m.Status(dev.Name).State == model.StateStopped
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.m.Stop())
}
