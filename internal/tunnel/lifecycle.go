// Package tunnel drives the hev-socks5-tunnel daemon and the device routing
// around it through a device.Channel.
package tunnel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"tunfleet/internal/addrutil"
	"tunfleet/internal/device"
	"tunfleet/internal/model"
)

// Resolver maps a proxy host to the IPv4 address the host route pins.
type Resolver func(ctx context.Context, host string) (string, error)

type LifecycleOptions struct {
	Config    Config
	Connector device.Connector
	// Router defaults to a new Router over Connector.
	Router *Router
	// Resolver defaults to addrutil.ResolveIPv4.
	Resolver Resolver
	Logger   zerolog.Logger
}

// Lifecycle brings a tunnel up on a device and takes it down again.
type Lifecycle struct {
	cfg     Config
	conn    device.Connector
	router  *Router
	resolve Resolver
	log     zerolog.Logger
}

func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	cfg := opts.Config.withDefaults()
	router := opts.Router
	if router == nil {
		router = NewRouter(cfg, opts.Connector, opts.Logger)
	}
	resolve := opts.Resolver
	if resolve == nil {
		resolve = addrutil.ResolveIPv4
	}
	return &Lifecycle{
		cfg:     cfg,
		conn:    opts.Connector,
		router:  router,
		resolve: resolve,
		log:     opts.Logger,
	}
}

func (l *Lifecycle) Router() *Router { return l.router }

// Apply replaces whatever tunnel the device runs with one through ep. On
// failure the device is left without tunnel routing.
func (l *Lifecycle) Apply(ctx context.Context, dev model.DeviceHandle, ep model.ProxyEndpoint) error {
	log := l.log.With().Str("device", dev.Name).Str("server", ep.Addr()).Logger()
	ch := l.conn.Connect(dev)

	// Resolve on the host while DNS still works outside the tunnel.
	proxyIP, err := l.resolve(ctx, ep.Server)
	if err != nil {
		log.Warn().Err(err).Msg("proxy host did not resolve, using it literally")
		proxyIP = ep.Server
	}
	resolved := ep
	resolved.Server = proxyIP
	text, err := BuildDescriptor(resolved, l.cfg.descriptorOptions())
	if err != nil {
		return err
	}

	if err := l.ensureBinary(ctx, ch, log); err != nil {
		return err
	}
	if err := l.stopDaemon(ctx, ch); err != nil {
		return err
	}
	if err := l.tolerate(ctx, ch, device.Cmd("ip", "link", "delete", l.cfg.Interface)); err != nil {
		return err
	}
	if err := l.router.Teardown(ctx, dev); err != nil {
		if device.IsTransport(err) {
			return err
		}
		log.Warn().Err(err).Msg("routing teardown incomplete")
	}
	// The router only remembers hosts it installed itself; the descriptor
	// still names the proxy a previous process routed around.
	if err := l.removePreviousHostRoute(ctx, ch, dev, log); err != nil {
		return err
	}
	if err := l.tolerate(ctx, ch, device.Cmd("ip", "route", "add", "default", "via", l.cfg.Gateway, "dev", l.cfg.GatewayIface)); err != nil {
		return err
	}

	// The descriptor travels base64 encoded so credentials never reach a
	// shell command line.
	b64 := base64.StdEncoding.EncodeToString([]byte(text))
	out, err := ch.Shell(ctx, device.Cmd("echo", b64).Pipe("base64", "-d").WriteTo(l.cfg.ConfigPath), l.cfg.CommandTimeout+4*time.Second)
	if err == nil && !out.Success() {
		err = fmt.Errorf("%w: failed to write tunnel config: %s", ErrConfig, firstLine(firstNonEmpty(out.Stderr, "exit "+strconv.Itoa(out.ExitCode))))
	}
	if err != nil {
		l.cleanup(ctx, dev, log)
		return err
	}

	if err := l.tolerate(ctx, ch, device.Cmd("sysctl", "-w", "net.ipv4.conf.all.rp_filter=0")); err != nil {
		return err
	}
	if _, err := ch.Shell(ctx, device.Cmd(l.cfg.BinaryRemote, l.cfg.ConfigPath).Detach(), l.cfg.CommandTimeout); err != nil {
		return err
	}

	up, err := l.waitInterface(ctx, ch)
	if err != nil {
		return err
	}
	if !up {
		alive, err := daemonAlive(ctx, ch, l.cfg)
		if err != nil {
			return err
		}
		if !alive {
			l.cleanup(ctx, dev, log)
			return fmt.Errorf("%w: check proxy credentials", ErrDaemonStart)
		}
		log.Warn().Int("attempts", l.cfg.UpAttempts).Msg("tunnel interface not up yet, proceeding")
	}

	if err := l.tolerate(ctx, ch, device.Cmd("sysctl", "-w", "net.ipv4.conf."+l.cfg.Interface+".rp_filter=0")); err != nil {
		return err
	}
	if err := l.router.Install(ctx, dev, proxyIP); err != nil {
		l.cleanup(ctx, dev, log)
		_ = l.stopDaemon(ctx, ch)
		return fmt.Errorf("install routing: %w", err)
	}

	if err := sleep(ctx, l.cfg.UpInterval); err != nil {
		return err
	}
	alive, err := daemonAlive(ctx, ch, l.cfg)
	if err != nil {
		return err
	}
	if !alive {
		l.cleanup(ctx, dev, log)
		return fmt.Errorf("%w: check proxy credentials", ErrDaemonStart)
	}

	log.Info().Str("proxy_ip", proxyIP).Bool("tun_seen", up).Msg("tunnel up")
	return nil
}

// Stop removes the tunnel routing, the proxy host route, the daemon and its
// files.
func (l *Lifecycle) Stop(ctx context.Context, dev model.DeviceHandle) error {
	ch := l.conn.Connect(dev)

	ep, err := readEndpoint(ctx, ch, l.cfg)
	if err != nil && device.IsTransport(err) {
		return err
	}

	var errs []error
	if err := l.router.Teardown(ctx, dev); err != nil {
		if device.IsTransport(err) {
			return err
		}
		errs = append(errs, err)
	}
	if ep.Server != "" {
		if err := l.router.RemoveHostRoute(ctx, dev, ep.Server); err != nil {
			if device.IsTransport(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	if err := l.stopDaemon(ctx, ch); err != nil {
		return err
	}
	if err := l.tolerate(ctx, ch, device.Cmd("rm", "-f", l.cfg.PIDPath, l.cfg.ConfigPath)); err != nil {
		return err
	}
	l.log.Info().Str("device", dev.Name).Msg("tunnel stopped")
	return errors.Join(errs...)
}

func (l *Lifecycle) ensureBinary(ctx context.Context, ch device.Channel, log zerolog.Logger) error {
	out, err := ch.Shell(ctx, device.Cmd("test", "-x", l.cfg.BinaryRemote), l.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if out.Success() {
		return nil
	}

	log.Info().Str("binary", l.cfg.BinaryRemote).Msg("pushing tunnel binary")
	err = retry.Do(
		func() error { return ch.Push(ctx, l.cfg.BinaryLocal, l.cfg.BinaryRemote) },
		retry.Context(ctx),
		retry.Attempts(uint(l.cfg.PushAttempts)),
		retry.Delay(l.cfg.PushDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Uint("attempt", n+1).Err(err).Msg("binary push failed")
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to push tunnel binary: %w", ErrConfig, err)
	}

	out, err = ch.Shell(ctx, device.Cmd("chmod", "755", l.cfg.BinaryRemote), l.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("%w: failed to push tunnel binary: chmod: %s", ErrConfig, firstLine(out.Stderr))
	}
	return nil
}

// removePreviousHostRoute deletes the host route of the proxy named in the
// descriptor currently on the device. Only transport failures are returned.
func (l *Lifecycle) removePreviousHostRoute(ctx context.Context, ch device.Channel, dev model.DeviceHandle, log zerolog.Logger) error {
	prev, err := readEndpoint(ctx, ch, l.cfg)
	if err != nil {
		if device.IsTransport(err) {
			return err
		}
		return nil
	}
	if net.ParseIP(prev.Server) == nil {
		return nil
	}
	if err := l.router.RemoveHostRoute(ctx, dev, prev.Server); err != nil {
		if device.IsTransport(err) {
			return err
		}
		log.Warn().Err(err).Str("previous", prev.Server).Msg("previous proxy host route not removed")
	}
	return nil
}

// stopDaemon kills the daemon by PID file, then any stray instance by name.
func (l *Lifecycle) stopDaemon(ctx context.Context, ch device.Channel) error {
	pid, err := readPID(ctx, ch, l.cfg)
	if err != nil {
		return err
	}
	if pid > 0 {
		if err := l.tolerate(ctx, ch, device.Cmd("kill", strconv.Itoa(pid))); err != nil {
			return err
		}
	}
	if err := l.tolerate(ctx, ch, device.Cmd("pkill", "-9", l.cfg.processName())); err != nil {
		return err
	}
	return l.tolerate(ctx, ch, device.Cmd("rm", "-f", l.cfg.PIDPath))
}

func (l *Lifecycle) waitInterface(ctx context.Context, ch device.Channel) (bool, error) {
	for i := 0; i < l.cfg.UpAttempts; i++ {
		up, err := linkUp(ctx, ch, l.cfg)
		if err != nil || up {
			return up, err
		}
		if i < l.cfg.UpAttempts-1 {
			if err := sleep(ctx, l.cfg.UpInterval); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// cleanup is the best-effort routing rollback after a failed apply.
func (l *Lifecycle) cleanup(ctx context.Context, dev model.DeviceHandle, log zerolog.Logger) {
	if err := l.router.Teardown(ctx, dev); err != nil {
		log.Warn().Err(err).Msg("routing rollback incomplete")
	}
}

// tolerate runs a command whose exit status does not matter. Only transport
// failures are reported.
func (l *Lifecycle) tolerate(ctx context.Context, ch device.Channel, cmd device.Command) error {
	_, err := ch.Shell(ctx, cmd.Quiet().Tolerant(), l.cfg.CommandTimeout)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
