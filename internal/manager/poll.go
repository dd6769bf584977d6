package manager

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"tunfleet/internal/model"
	"tunfleet/internal/reconnect"
)

// Start launches the poll loop. It is a no-op while a loop is running.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.log.Info().Dur("interval", m.pollInterval).Msg("poll loop started")
}

// Stop signals the poll loop and waits up to one poll interval plus two
// seconds for it to exit. It reports whether the loop exited in time.
func (m *Manager) Stop() bool {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()

	timer := time.NewTimer(m.pollInterval + 2*time.Second)
	defer timer.Stop()
	select {
	case <-done:
		m.log.Info().Msg("poll loop stopped")
		return true
	case <-timer.C:
		m.log.Warn().Msg("poll loop did not stop in time")
		return false
	}
}

// Running reports whether the poll loop is active.
func (m *Manager) Running() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.cancel != nil
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		m.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.pollInterval):
		}
	}
}

// PollOnce runs one poll cycle over every tracked device. Cancellation is
// observed between devices.
func (m *Manager) PollOnce(ctx context.Context) {
	for _, dev := range m.Tracked() {
		if ctx.Err() != nil {
			return
		}
		m.pollDevice(ctx, dev)
	}
}

func (m *Manager) pollDevice(ctx context.Context, dev model.DeviceHandle) {
	log := m.log.With().Str("device", dev.Name).Logger()

	if !m.bootGate(ctx, dev) {
		return
	}

	st, err := m.reader.Read(ctx, dev)
	if err != nil {
		log.Debug().Err(err).Msg("status read failed")
		m.record(dev.Name, model.Status{State: model.StateUnknown, Error: err.Error()}, "poll error")
		return
	}
	prev := m.Status(dev.Name)
	st = m.record(dev.Name, st, "")

	switch st.State {
	case model.StateStopped:
		if m.maybeReconnect(ctx, dev) {
			// Fresh tunnel routing is in place; enforcement resumes next cycle.
			return
		}
	case model.StateConnected:
		m.mu.Lock()
		delete(m.recon, dev.Name)
		engaged := m.engaged[dev.Name]
		m.mu.Unlock()
		// An interface that came up after apply gave up waiting has no split
		// routes yet. Engaged kill switches hand the slots back below.
		if prev.State != model.StateConnected && !engaged {
			if err := m.life.Router().RestoreSplitRoutes(ctx, dev); err != nil {
				log.Warn().Err(err).Msg("split routes not restored")
			}
		}
	}

	if err := m.enforceKillSwitch(ctx, dev, st); err != nil {
		log.Warn().Err(err).Msg("kill switch enforcement failed")
	}
}

// bootGate reports whether dev finished booting at least one cooldown ago.
func (m *Manager) bootGate(ctx context.Context, dev model.DeviceHandle) bool {
	ready, err := m.ready.Ready(ctx, dev)
	if err != nil || !ready {
		m.mu.Lock()
		delete(m.bootReady, dev.Name)
		m.mu.Unlock()
		return false
	}

	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	since, seen := m.bootReady[dev.Name]
	if !seen {
		m.bootReady[dev.Name] = now
		m.log.Debug().Str("device", dev.Name).Dur("cooldown", m.bootCooldown).Msg("device booted, waiting for cooldown")
		return false
	}
	return now.Sub(since) >= m.bootCooldown
}

// maybeReconnect re-applies the always-on endpoint when the policy allows.
// It reports whether an attempt succeeded.
func (m *Manager) maybeReconnect(ctx context.Context, dev model.DeviceHandle) bool {
	now := m.clock.Now()

	m.mu.Lock()
	ep, ok := m.alwaysOn[dev.Name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	d := m.policy.Decide(m.recon[dev.Name], now)
	m.recon[dev.Name] = d.State
	m.mu.Unlock()

	log := m.log.With().Str("device", dev.Name).Str("server", ep.Addr()).Int("attempt", d.State.Attempts).Logger()
	if d.GaveUp {
		log.Warn().Msg("reconnect given up")
		cur := m.Status(dev.Name)
		m.bus.Publish(model.Event{Time: now, Device: dev.Name, Previous: cur, Current: cur, Reason: "reconnect given up"})
		return false
	}
	if !d.Attempt {
		return false
	}

	log.Info().Msg("reconnecting")
	res := m.apply(ctx, dev, ep, "reconnected")
	if !res.OK {
		log.Warn().Str("error", res.Error).Msg("reconnect failed")
		return false
	}

	m.mu.Lock()
	// A disconnect that raced with the attempt already discarded the state.
	if _, still := m.alwaysOn[dev.Name]; still {
		m.recon[dev.Name] = reconnect.State{}
	}
	m.mu.Unlock()
	return true
}

// RefreshAll reads every tracked device concurrently and returns the fresh
// statuses. Devices whose read failed are cached as unknown.
func (m *Manager) RefreshAll(ctx context.Context) map[string]model.Status {
	devs := m.Tracked()
	out := make([]model.Status, len(devs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.refreshLimit)
	for i, dev := range devs {
		g.Go(func() error {
			st, _ := m.Refresh(gctx, dev)
			out[i] = st
			return nil
		})
	}
	_ = g.Wait()

	res := make(map[string]model.Status, len(devs))
	for i, dev := range devs {
		res[dev.Name] = out[i]
	}
	return res
}
