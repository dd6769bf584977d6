package tunnel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tunfleet/internal/device"
	"tunfleet/internal/model"
)

// KillSwitch stops device egress while its tunnel is down by putting
// blackhole routes into the split-default slots. The local subnet route the
// command channel depends on stays untouched.
type KillSwitch struct {
	cfg  Config
	conn device.Connector
	log  zerolog.Logger
}

func NewKillSwitch(cfg Config, conn device.Connector, log zerolog.Logger) *KillSwitch {
	return &KillSwitch{cfg: cfg.withDefaults(), conn: conn, log: log}
}

// Engage installs the blackhole routes, replacing any split route there.
func (k *KillSwitch) Engage(ctx context.Context, dev model.DeviceHandle) error {
	ch := k.conn.Connect(dev)
	for _, dst := range splitRoutes {
		cmd := device.Cmd("ip", "route", "replace", "blackhole", dst)
		out, err := ch.Shell(ctx, cmd, k.cfg.CommandTimeout)
		if err != nil {
			return err
		}
		if !out.Success() {
			return fmt.Errorf("%s: %s", cmd.String(), firstLine(out.Stderr))
		}
	}
	k.log.Info().Str("device", dev.Name).Msg("kill switch engaged")
	return nil
}

// Release removes the blackhole routes and the firewall chain older
// releases installed. Missing entries are fine.
func (k *KillSwitch) Release(ctx context.Context, dev model.DeviceHandle) error {
	ch := k.conn.Connect(dev)
	for _, dst := range splitRoutes {
		cmd := device.Cmd("ip", "route", "del", "blackhole", dst)
		out, err := ch.Shell(ctx, cmd, k.cfg.CommandTimeout)
		if err != nil {
			return err
		}
		if !out.Success() && !isAbsent(out.Stderr) && out.Stderr != "" {
			return fmt.Errorf("%s: %s", cmd.String(), firstLine(out.Stderr))
		}
	}
	for _, cmd := range []device.Command{
		device.Cmd("iptables", "-D", "OUTPUT", "-j", LegacyChain),
		device.Cmd("iptables", "-F", LegacyChain),
		device.Cmd("iptables", "-X", LegacyChain),
	} {
		if _, err := ch.Shell(ctx, cmd.Quiet().Tolerant(), k.cfg.CommandTimeout); err != nil {
			return err
		}
	}
	return nil
}
