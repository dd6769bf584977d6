// Package agent runs the long-lived fleet daemon: the poll loop, the
// control API, the event sinks and the config watcher.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"tunfleet/internal/api"
	"tunfleet/internal/config"
	"tunfleet/internal/device"
	"tunfleet/internal/events"
	"tunfleet/internal/manager"
	"tunfleet/internal/metrics"
	"tunfleet/internal/model"
	"tunfleet/internal/provider"
	"tunfleet/internal/store"
)

type Options struct {
	Config config.Config
	// ConfigPath is watched for device list changes when set.
	ConfigPath string
	// Connector defaults to adb as configured.
	Connector device.Connector
	// Serve runs the control API on Config.API.Listen.
	Serve  bool
	Logger zerolog.Logger
}

// Agent wires one manager to its persistent state and sinks.
type Agent struct {
	cfg     config.Config
	path    string
	serve   bool
	mgr     *manager.Manager
	state   *store.File
	journal *metrics.Journal
	log     zerolog.Logger
}

// NewManager builds a manager from the config sections.
func NewManager(cfg config.Config, conn device.Connector, log zerolog.Logger) *manager.Manager {
	if conn == nil {
		conn = device.NewADB(cfg.ADBConfig(), nil, log.With().Str("component", "adb").Logger())
	}
	m := manager.New(manager.Options{
		Connector:    conn,
		Tunnel:       cfg.TunnelConfig(),
		Policy:       cfg.Policy(),
		PollInterval: cfg.Manager.PollInterval,
		BootCooldown: cfg.Manager.BootCooldown,
		BulkTimeout:  cfg.Manager.BulkTimeout,
		Logger:       log.With().Str("component", "manager").Logger(),
	})
	m.Track(cfg.Devices...)
	return m
}

func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return &Agent{
		cfg:     cfg,
		path:    opts.ConfigPath,
		serve:   opts.Serve,
		mgr:     NewManager(cfg, opts.Connector, opts.Logger),
		state:   store.NewFile(cfg.StatePath),
		journal: metrics.NewJournal(cfg.JournalPath, opts.Logger),
		log:     opts.Logger.With().Str("component", "agent").Logger(),
	}, nil
}

func (a *Agent) Manager() *manager.Manager { return a.mgr }

// Run restores persisted registrations, starts polling and blocks until ctx
// ends. A canceled context is a clean exit.
func (a *Agent) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.sink(ctx, &wg, "journal", a.journal.Handle)
	a.sink(ctx, &wg, "log", a.logEvent)

	if a.cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(a.cfg.NATS.URL, a.log)
		if err != nil {
			return err
		}
		defer nc.Close()
		a.sink(ctx, &wg, "nats", events.NewNATSSink(nc, a.cfg.NATS.Subject, a.log).Handle)
		defer flushNATS(nc, a.log)
	}

	a.restore(ctx)
	a.mgr.Start(ctx)
	defer a.mgr.Stop()

	if a.path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := WatchConfig(ctx, a.path, DefaultDebounce, a.reload, a.log); err != nil {
				a.log.Warn().Err(err).Str("path", a.path).Msg("config watch disabled")
			}
		}()
	}

	a.log.Info().
		Int("devices", len(a.mgr.Tracked())).
		Dur("poll_interval", a.cfg.Manager.PollInterval).
		Msg("agent running")

	if !a.serve {
		<-ctx.Done()
		return nil
	}

	srv, err := a.server()
	if err != nil {
		return err
	}
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Agent) server() (*api.Server, error) {
	var prov *provider.Client
	if a.cfg.Provider.Enabled() {
		var err error
		prov, err = provider.NewClient(provider.Options{
			BaseURL:     a.cfg.Provider.BaseURL,
			Email:       a.cfg.Provider.Email,
			Password:    a.cfg.Provider.Password,
			DefaultPort: a.cfg.Provider.DefaultPort,
			Logger:      a.log,
		})
		if err != nil {
			return nil, fmt.Errorf("provider: %w", err)
		}
	}
	return api.NewServer(api.Options{
		Manager:     a.mgr,
		Provider:    prov,
		State:       a.state,
		Listen:      a.cfg.API.Listen,
		DefaultPort: a.cfg.Provider.DefaultPort,
		EventBuffer: a.cfg.Manager.EventBuffer,
		Logger:      a.log,
	}), nil
}

// sink subscribes handle to the manager's events until ctx ends.
func (a *Agent) sink(ctx context.Context, wg *sync.WaitGroup, name string, handle func(model.Event)) {
	ch, unsubscribe := a.mgr.Subscribe(a.cfg.Manager.EventBuffer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		events.Pump(ctx, ch, handle)
		a.log.Debug().Str("sink", name).Msg("sink stopped")
	}()
}

func (a *Agent) logEvent(ev model.Event) {
	e := a.log.Info()
	if ev.Current.State == model.StateUnknown && ev.Current.Error != "" {
		e = a.log.Warn().Str("error", ev.Current.Error)
	}
	e.Str("device", ev.Device).
		Str("from", string(ev.Previous.State)).
		Str("state", string(ev.Current.State)).
		Str("server", ev.Current.Server).
		Str("reason", ev.Reason).
		Msg("tunnel status changed")
}

// restore re-registers always-on assignments and kill switch requests from
// the state file.
func (a *Agent) restore(ctx context.Context) {
	st, err := a.state.Load()
	if err != nil {
		a.log.Error().Err(err).Str("path", a.state.Path()).Msg("state load failed")
		return
	}
	if names := store.RestoreAlwaysOn(st, a.mgr); len(names) > 0 {
		a.log.Info().Strs("devices", names).Msg("always-on restored")
	}
	for _, name := range st.KillSwitch {
		dev, ok := a.mgr.Device(name)
		if !ok {
			a.log.Warn().Str("device", name).Msg("kill switch for untracked device skipped")
			continue
		}
		if err := a.mgr.SetKillSwitch(ctx, dev, true); err != nil {
			a.log.Warn().Err(err).Str("device", name).Msg("kill switch restore failed")
		}
	}
}

// reload merges the device list of a changed config file into the poll set.
// Other sections take effect on restart.
func (a *Agent) reload(cfg config.Config) {
	added, removed := Reconcile(a.mgr, cfg.Devices)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	a.log.Info().Strs("added", added).Strs("removed", removed).Msg("device list reloaded")
}

// Reconcile makes the manager's poll set match devices. It returns the
// names added and removed; address changes count as neither.
func Reconcile(m *manager.Manager, devices []model.DeviceHandle) (added, removed []string) {
	want := make(map[string]bool, len(devices))
	for _, d := range devices {
		want[d.Name] = true
		if _, ok := m.Device(d.Name); !ok {
			added = append(added, d.Name)
		}
	}
	for _, d := range m.Tracked() {
		if !want[d.Name] {
			m.Untrack(d.Name)
			removed = append(removed, d.Name)
		}
	}
	m.Track(devices...)
	return added, removed
}

func flushNATS(nc *nats.Conn, log zerolog.Logger) {
	if err := nc.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		log.Debug().Err(err).Msg("nats flush")
	}
}
