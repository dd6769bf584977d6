package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tunfleet/internal/device"
	"tunfleet/internal/model"
)

// ExitIPURL answers with the caller's public address as plain text.
const ExitIPURL = "https://api.ipify.org"

// Reader derives tunnel health from daemon liveness and interface presence.
type Reader struct {
	cfg  Config
	conn device.Connector
	log  zerolog.Logger
}

func NewReader(cfg Config, conn device.Connector, log zerolog.Logger) *Reader {
	return &Reader{cfg: cfg.withDefaults(), conn: conn, log: log}
}

// Read returns the device's tunnel state and the configured endpoint. A
// transport failure yields StateUnknown together with the error.
func (r *Reader) Read(ctx context.Context, dev model.DeviceHandle) (model.Status, error) {
	ch := r.conn.Connect(dev)

	alive, err := daemonAlive(ctx, ch, r.cfg)
	if err != nil {
		return model.Status{State: model.StateUnknown, Error: err.Error()}, err
	}

	st := model.Status{State: model.StateStopped}
	if alive {
		up, err := linkUp(ctx, ch, r.cfg)
		if err != nil {
			return model.Status{State: model.StateUnknown, Error: err.Error()}, err
		}
		st.State = model.StateReconnecting
		if up {
			st.State = model.StateConnected
		}
	}

	if ep, err := readEndpoint(ctx, ch, r.cfg); err == nil {
		st.Server = ep.Addr()
	} else if device.IsTransport(err) {
		return model.Status{State: model.StateUnknown, Error: err.Error()}, err
	}
	return st, nil
}

// Endpoint returns the endpoint recorded in the device's descriptor.
func (r *Reader) Endpoint(ctx context.Context, dev model.DeviceHandle) (model.ProxyEndpoint, error) {
	return readEndpoint(ctx, r.conn.Connect(dev), r.cfg)
}

// ExitIP fetches the public address the device's traffic leaves from.
func (r *Reader) ExitIP(ctx context.Context, dev model.DeviceHandle) (string, error) {
	ch := r.conn.Connect(dev)
	out, err := ch.Shell(ctx, device.Cmd("curl", "-s", "--max-time", "8", ExitIPURL), r.cfg.CommandTimeout+4*time.Second)
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(out.Stdout)
	if !out.Success() || net.ParseIP(ip) == nil {
		return "", fmt.Errorf("exit ip fetch failed (exit %d): %s", out.ExitCode, firstLine(firstNonEmpty(out.Stderr, ip)))
	}
	return ip, nil
}

func readPID(ctx context.Context, ch device.Channel, cfg Config) (int, error) {
	out, err := ch.Shell(ctx, device.Cmd("head", "-n", "1", cfg.PIDPath).Quiet(), cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	if !out.Success() {
		return 0, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out.Stdout))
	if err != nil || pid <= 0 {
		return 0, nil
	}
	return pid, nil
}

func daemonAlive(ctx context.Context, ch device.Channel, cfg Config) (bool, error) {
	pid, err := readPID(ctx, ch, cfg)
	if err != nil || pid == 0 {
		return false, err
	}
	out, err := ch.Shell(ctx, device.Cmd("kill", "-0", strconv.Itoa(pid)).Quiet(), cfg.CommandTimeout)
	if err != nil {
		return false, err
	}
	return out.Success(), nil
}

func linkUp(ctx context.Context, ch device.Channel, cfg Config) (bool, error) {
	out, err := ch.Shell(ctx, device.Cmd("ip", "link", "show", cfg.Interface).Quiet(), cfg.CommandTimeout)
	if err != nil {
		return false, err
	}
	return out.Success() && out.Contains(cfg.Interface), nil
}

func readEndpoint(ctx context.Context, ch device.Channel, cfg Config) (model.ProxyEndpoint, error) {
	out, err := ch.Shell(ctx, device.Cmd("cat", cfg.ConfigPath).Quiet(), cfg.CommandTimeout)
	if err != nil {
		return model.ProxyEndpoint{}, err
	}
	if !out.Success() || strings.TrimSpace(out.Stdout) == "" {
		return model.ProxyEndpoint{}, fmt.Errorf("no descriptor at %s", cfg.ConfigPath)
	}
	return ParseDescriptor(out.Stdout)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
