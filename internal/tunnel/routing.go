package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"tunfleet/internal/device"
	"tunfleet/internal/model"
)

var splitRoutes = []string{"0.0.0.0/1", "128.0.0.0/1"}

// Router installs and removes the routing that funnels device traffic into
// the tunnel interface.
type Router struct {
	cfg  Config
	conn device.Connector
	log  zerolog.Logger

	mu    sync.Mutex
	hosts map[string]string
}

func NewRouter(cfg Config, conn device.Connector, log zerolog.Logger) *Router {
	return &Router{
		cfg:   cfg.withDefaults(),
		conn:  conn,
		log:   log,
		hosts: make(map[string]string),
	}
}

// Install adds the proxy host route via the original gateway, the split
// default routes through the tunnel and the two policy rules. Entries that
// already exist count as installed. While the tunnel interface is missing
// the split routes are skipped; RestoreSplitRoutes adds them once it is up.
func (r *Router) Install(ctx context.Context, dev model.DeviceHandle, proxyIP string) error {
	ch := r.conn.Connect(dev)

	// Record first so a partial install is still torn down.
	r.mu.Lock()
	r.hosts[dev.Name] = proxyIP
	r.mu.Unlock()

	host := device.Cmd("ip", "route", "replace", proxyIP+"/32", "via", r.cfg.Gateway, "dev", r.cfg.GatewayIface)
	if err := r.add(ctx, ch, dev, host); err != nil {
		return err
	}
	if err := r.addSplitRoutes(ctx, ch, dev); err != nil {
		if !errors.Is(err, ErrInterfaceMissing) {
			return err
		}
		r.log.Warn().Str("device", dev.Name).Str("interface", r.cfg.Interface).Msg("tunnel interface missing, split routes deferred")
	}

	mark := strconv.Itoa(r.cfg.Mark)
	for _, cmd := range []device.Command{
		device.Cmd("ip", "rule", "add", "fwmark", mark, "lookup", r.cfg.GatewayIface, "pref", strconv.Itoa(r.cfg.RulePrefBypass)),
		device.Cmd("ip", "rule", "add", "lookup", "main", "pref", strconv.Itoa(r.cfg.RulePrefMain)),
	} {
		if err := r.add(ctx, ch, dev, cmd); err != nil {
			return err
		}
	}
	return nil
}

// RestoreSplitRoutes adds the split default routes through the tunnel
// interface. Routes already present are left alone.
func (r *Router) RestoreSplitRoutes(ctx context.Context, dev model.DeviceHandle) error {
	return r.addSplitRoutes(ctx, r.conn.Connect(dev), dev)
}

func (r *Router) addSplitRoutes(ctx context.Context, ch device.Channel, dev model.DeviceHandle) error {
	for _, dst := range splitRoutes {
		if err := r.add(ctx, ch, dev, device.Cmd("ip", "route", "add", dst, "dev", r.cfg.Interface)); err != nil {
			return err
		}
	}
	return nil
}

// add runs an ip(8) add command. An existing entry is success.
func (r *Router) add(ctx context.Context, ch device.Channel, dev model.DeviceHandle, cmd device.Command) error {
	out, err := ch.Shell(ctx, cmd, r.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if out.Success() {
		return nil
	}
	switch err := classify(out.Stderr); {
	case errors.Is(err, ErrRoutingConflict):
		r.log.Debug().Str("device", dev.Name).Str("cmd", cmd.String()).Msg("routing entry already present")
		return nil
	case err != nil:
		return fmt.Errorf("%s: %w", cmd.String(), err)
	}
	return fmt.Errorf("%s: %s", cmd.String(), firstLine(out.Stderr))
}

// Teardown removes everything Install adds plus rules and the table left by
// older releases. Missing entries are skipped, so it is safe to call at any
// time and repeatedly.
func (r *Router) Teardown(ctx context.Context, dev model.DeviceHandle) error {
	ch := r.conn.Connect(dev)
	mark := strconv.Itoa(r.cfg.Mark)
	legacy := strconv.Itoa(LegacyTable)

	var cmds []device.Command
	for _, dst := range splitRoutes {
		// No dev qualifier: a kill switch blackhole in the same slot goes too.
		cmds = append(cmds, device.Cmd("ip", "route", "del", dst))
	}
	cmds = append(cmds,
		device.Cmd("ip", "rule", "del", "fwmark", mark, "lookup", r.cfg.GatewayIface, "pref", strconv.Itoa(r.cfg.RulePrefBypass)),
		device.Cmd("ip", "rule", "del", "lookup", "main", "pref", strconv.Itoa(r.cfg.RulePrefMain)),
		device.Cmd("ip", "rule", "del", "lookup", legacy, "pref", strconv.Itoa(LegacyRulePref)),
		device.Cmd("ip", "rule", "del", "lookup", legacy, "pref", strconv.Itoa(LegacyRulePrefHigh)),
		device.Cmd("ip", "rule", "del", "fwmark", mark, "lookup", "main", "pref", strconv.Itoa(LegacyMarkRulePref)),
		device.Cmd("ip", "route", "flush", "table", legacy),
	)

	var errs []error
	for _, cmd := range cmds {
		if err := r.remove(ctx, ch, cmd); err != nil {
			if device.IsTransport(err) {
				return err
			}
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	host, ok := r.hosts[dev.Name]
	r.mu.Unlock()
	if ok {
		if err := r.RemoveHostRoute(ctx, dev, host); err != nil {
			if device.IsTransport(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveHostRoute deletes the proxy host route for ip and forgets it.
func (r *Router) RemoveHostRoute(ctx context.Context, dev model.DeviceHandle, ip string) error {
	if ip == "" {
		return nil
	}
	ch := r.conn.Connect(dev)
	cmd := device.Cmd("ip", "route", "del", ip+"/32", "via", r.cfg.Gateway, "dev", r.cfg.GatewayIface)
	if err := r.remove(ctx, ch, cmd); err != nil {
		return err
	}
	r.mu.Lock()
	if r.hosts[dev.Name] == ip {
		delete(r.hosts, dev.Name)
	}
	r.mu.Unlock()
	return nil
}

// HostRoute returns the proxy IP recorded by the last Install for dev.
func (r *Router) HostRoute(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.hosts[name]
	return ip, ok
}

func (r *Router) remove(ctx context.Context, ch device.Channel, cmd device.Command) error {
	out, err := ch.Shell(ctx, cmd, r.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if out.Success() || isAbsent(out.Stderr) || out.Stderr == "" {
		return nil
	}
	return fmt.Errorf("%s: %s", cmd.String(), firstLine(out.Stderr))
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
