// Package manager orchestrates tunnels across the device fleet: one poll
// loop watches health and reconnects always-on devices, while single and
// bulk operations apply or tear down tunnels on demand.
package manager

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tunfleet/internal/addrutil"
	"tunfleet/internal/device"
	"tunfleet/internal/events"
	"tunfleet/internal/model"
	"tunfleet/internal/reconnect"
	"tunfleet/internal/tunnel"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBootCooldown = 30 * time.Second
	DefaultBulkTimeout  = 30 * time.Second
	DefaultRefreshLimit = 8
)

type Options struct {
	Connector device.Connector
	Tunnel    tunnel.Config
	// Resolver defaults to addrutil.ResolveIPv4.
	Resolver tunnel.Resolver
	// Readiness defaults to BootReadiness over Connector.
	Readiness    Readiness
	Policy       reconnect.Policy
	PollInterval time.Duration
	BootCooldown time.Duration
	BulkTimeout  time.Duration
	RefreshLimit int
	Clock        Clock
	// Bus defaults to a new bus owned by the manager.
	Bus    *events.Bus
	Logger zerolog.Logger
}

// Manager owns every piece of per-device state. Device commands always run
// outside mu.
type Manager struct {
	life    *tunnel.Lifecycle
	resolve tunnel.Resolver
	reader  *tunnel.Reader
	ks      *tunnel.KillSwitch
	ready   Readiness
	policy  reconnect.Policy
	clock   Clock
	bus     *events.Bus
	log     zerolog.Logger

	pollInterval time.Duration
	bootCooldown time.Duration
	bulkTimeout  time.Duration
	refreshLimit int

	mu         sync.Mutex
	devices    map[string]model.DeviceHandle
	order      []string
	statuses   map[string]model.Status
	alwaysOn   map[string]model.ProxyEndpoint
	recon      map[string]reconnect.State
	killSwitch map[string]bool
	engaged    map[string]bool
	bootReady  map[string]time.Time

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BootCooldown < 0 {
		opts.BootCooldown = 0
	} else if opts.BootCooldown == 0 {
		opts.BootCooldown = DefaultBootCooldown
	}
	if opts.BulkTimeout <= 0 {
		opts.BulkTimeout = DefaultBulkTimeout
	}
	if opts.RefreshLimit <= 0 {
		opts.RefreshLimit = DefaultRefreshLimit
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Policy == (reconnect.Policy{}) {
		opts.Policy = reconnect.DefaultPolicy()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Readiness == nil {
		opts.Readiness = BootReadiness{Connector: opts.Connector, Timeout: 4 * time.Second}
	}

	life := tunnel.NewLifecycle(tunnel.LifecycleOptions{
		Config:    opts.Tunnel,
		Connector: opts.Connector,
		Resolver:  opts.Resolver,
		Logger:    opts.Logger,
	})
	resolve := opts.Resolver
	if resolve == nil {
		resolve = addrutil.ResolveIPv4
	}
	return &Manager{
		life:         life,
		resolve:      resolve,
		reader:       tunnel.NewReader(opts.Tunnel, opts.Connector, opts.Logger),
		ks:           tunnel.NewKillSwitch(opts.Tunnel, opts.Connector, opts.Logger),
		ready:        opts.Readiness,
		policy:       opts.Policy,
		clock:        opts.Clock,
		bus:          opts.Bus,
		log:          opts.Logger,
		pollInterval: opts.PollInterval,
		bootCooldown: opts.BootCooldown,
		bulkTimeout:  opts.BulkTimeout,
		refreshLimit: opts.RefreshLimit,
		devices:      make(map[string]model.DeviceHandle),
		statuses:     make(map[string]model.Status),
		alwaysOn:     make(map[string]model.ProxyEndpoint),
		recon:        make(map[string]reconnect.State),
		killSwitch:   make(map[string]bool),
		engaged:      make(map[string]bool),
		bootReady:    make(map[string]time.Time),
	}
}

// Apply brings up a tunnel through ep on dev, replacing any existing one.
func (m *Manager) Apply(ctx context.Context, dev model.DeviceHandle, ep model.ProxyEndpoint) model.Result {
	return m.apply(ctx, dev, ep, "applied")
}

func (m *Manager) apply(ctx context.Context, dev model.DeviceHandle, ep model.ProxyEndpoint, reason string) model.Result {
	// Any apply tears down routing, including kill switch blackholes.
	m.mu.Lock()
	delete(m.engaged, dev.Name)
	m.mu.Unlock()

	if err := m.life.Apply(ctx, dev, ep); err != nil {
		m.log.Warn().Err(err).Str("device", dev.Name).Str("server", ep.Addr()).Msg("apply failed")
		return model.Failed(err)
	}
	m.record(dev.Name, model.Status{State: model.StateReconnecting, Server: ep.Addr()}, reason)
	return model.OK()
}

// Disconnect tears the tunnel down and drops the device from the always-on
// and kill switch registries, so the poll loop will not bring it back.
func (m *Manager) Disconnect(ctx context.Context, dev model.DeviceHandle) model.Result {
	m.mu.Lock()
	delete(m.alwaysOn, dev.Name)
	delete(m.recon, dev.Name)
	hadKillSwitch := m.killSwitch[dev.Name]
	delete(m.killSwitch, dev.Name)
	delete(m.engaged, dev.Name)
	m.mu.Unlock()

	err := m.life.Stop(ctx, dev)
	if hadKillSwitch && !device.IsTransport(err) {
		if kerr := m.ks.Release(ctx, dev); kerr != nil {
			m.log.Warn().Err(kerr).Str("device", dev.Name).Msg("kill switch release failed")
			err = errors.Join(err, kerr)
		}
	}
	if err != nil {
		m.log.Warn().Err(err).Str("device", dev.Name).Msg("disconnect failed")
		if device.IsTransport(err) {
			m.record(dev.Name, model.Status{State: model.StateUnknown, Error: err.Error()}, "disconnect failed")
			return model.Failed(err)
		}
	}
	m.record(dev.Name, model.Status{State: model.StateStopped}, "disconnected")
	if err != nil {
		return model.Failed(err)
	}
	return model.OK()
}

// SetAlwaysOn registers ep for automatic reconnects, or removes the
// registration when ep is nil. Either way the retry counter starts over.
func (m *Manager) SetAlwaysOn(name string, ep *model.ProxyEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recon, name)
	if ep == nil {
		delete(m.alwaysOn, name)
		m.log.Info().Str("device", name).Msg("always-on disabled")
		return
	}
	m.alwaysOn[name] = *ep
	m.log.Info().Str("device", name).Str("server", ep.Addr()).Msg("always-on enabled")
}

// ResetReconnect clears a device's retry counter, including one that gave
// up. It reports whether there was anything to clear.
func (m *Manager) ResetReconnect(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recon[name]
	delete(m.recon, name)
	return ok
}

// SetKillSwitch toggles egress blocking while dev's tunnel is down. Enabling
// engages at once unless the tunnel is connected.
func (m *Manager) SetKillSwitch(ctx context.Context, dev model.DeviceHandle, enabled bool) error {
	if !enabled {
		m.mu.Lock()
		delete(m.killSwitch, dev.Name)
		delete(m.engaged, dev.Name)
		m.mu.Unlock()
		return m.ks.Release(ctx, dev)
	}

	m.mu.Lock()
	m.killSwitch[dev.Name] = true
	m.mu.Unlock()

	st, err := m.Refresh(ctx, dev)
	if err != nil {
		return err
	}
	return m.enforceKillSwitch(ctx, dev, st)
}

// Track merges devices into the poll set, keyed by name.
func (m *Manager) Track(devices ...model.DeviceHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range devices {
		if _, ok := m.devices[d.Name]; !ok {
			m.order = append(m.order, d.Name)
		} else if m.devices[d.Name].Address != d.Address {
			delete(m.bootReady, d.Name)
		}
		m.devices[d.Name] = d
	}
}

// Untrack removes a device from the poll set. Its registrations stay.
func (m *Manager) Untrack(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[name]; !ok {
		return
	}
	delete(m.devices, name)
	delete(m.bootReady, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Tracked returns the poll set in insertion order.
func (m *Manager) Tracked() []model.DeviceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeviceHandle, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.devices[n])
	}
	return out
}

// Device looks up a tracked device by name.
func (m *Manager) Device(name string) (model.DeviceHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[name]
	return d, ok
}

// Status returns the cached status; unknown when the device was never seen.
func (m *Manager) Status(name string) model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[name]; ok {
		return st
	}
	return model.Status{State: model.StateUnknown}
}

func (m *Manager) Statuses() map[string]model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Status, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// AlwaysOn returns a copy of the always-on registrations.
func (m *Manager) AlwaysOn() map[string]model.ProxyEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.ProxyEndpoint, len(m.alwaysOn))
	for k, v := range m.alwaysOn {
		out[k] = v
	}
	return out
}

// KillSwitches returns the devices with the kill switch requested, sorted.
func (m *Manager) KillSwitches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.killSwitch))
	for k := range m.killSwitch {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ReconnectState returns the retry bookkeeping for name, if any.
func (m *Manager) ReconnectState(name string) (reconnect.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.recon[name]
	return s, ok
}

// Refresh reads dev's status now and updates the cache.
func (m *Manager) Refresh(ctx context.Context, dev model.DeviceHandle) (model.Status, error) {
	st, err := m.reader.Read(ctx, dev)
	reason := ""
	if err != nil {
		st = model.Status{State: model.StateUnknown, Error: err.Error()}
		reason = "status read failed"
	}
	return m.record(dev.Name, st, reason), err
}

// Endpoint returns the endpoint configured on the device.
func (m *Manager) Endpoint(ctx context.Context, dev model.DeviceHandle) (model.ProxyEndpoint, error) {
	return m.reader.Endpoint(ctx, dev)
}

// ExitIP returns the public address the device's traffic leaves from.
func (m *Manager) ExitIP(ctx context.Context, dev model.DeviceHandle) (string, error) {
	return m.reader.ExitIP(ctx, dev)
}

// Subscribe returns a queue of status change events. Call cancel when done.
func (m *Manager) Subscribe(buffer int) (<-chan model.Event, func()) {
	return m.bus.Subscribe(buffer)
}

func (m *Manager) Bus() *events.Bus { return m.bus }

// record caches st and publishes an event when it differs from the
// previous status. It returns the stamped status.
func (m *Manager) record(name string, st model.Status, reason string) model.Status {
	now := m.clock.Now()
	st.UpdatedAt = now

	m.mu.Lock()
	prev, had := m.statuses[name]
	m.statuses[name] = st
	m.mu.Unlock()
	if !had {
		prev = model.Status{State: model.StateUnknown}
	}

	if !had || !prev.Same(st) {
		m.bus.Publish(model.Event{Time: now, Device: name, Previous: prev, Current: st, Reason: reason})
	}
	return st
}

// enforceKillSwitch engages blackholing for a requested device whose tunnel
// is down or has lost its interface, and restores tunnel routing once it is
// connected again.
func (m *Manager) enforceKillSwitch(ctx context.Context, dev model.DeviceHandle, st model.Status) error {
	m.mu.Lock()
	requested := m.killSwitch[dev.Name]
	engaged := m.engaged[dev.Name]
	m.mu.Unlock()
	if !requested {
		return nil
	}

	switch st.State {
	case model.StateStopped, model.StateReconnecting:
		if engaged {
			return nil
		}
		if err := m.ks.Engage(ctx, dev); err != nil {
			return err
		}
		m.mu.Lock()
		if m.killSwitch[dev.Name] {
			m.engaged[dev.Name] = true
		}
		m.mu.Unlock()
	case model.StateConnected:
		if !engaged {
			return nil
		}
		// The daemon recovered on its own: hand the split slots back.
		if err := m.ks.Release(ctx, dev); err != nil {
			return err
		}
		host, ok := m.life.Router().HostRoute(dev.Name)
		if !ok {
			h, _, err := net.SplitHostPort(st.Server)
			if err != nil {
				return err
			}
			if host, err = m.resolve(ctx, h); err != nil {
				host = h
			}
		}
		if err := m.life.Router().Install(ctx, dev, host); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.engaged, dev.Name)
		m.mu.Unlock()
	}
	return nil
}
