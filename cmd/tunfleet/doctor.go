package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"tunfleet/internal/addrutil"
	"tunfleet/internal/device"
	"tunfleet/internal/model"
	"tunfleet/internal/stunutil"
)

// check is one doctor finding.
type check struct {
	name   string
	ok     bool
	detail string
}

func handleDoctor(args []string) {
	fs, c := newFlagSet("doctor")
	name := fs.StringP("device", "d", "", "device name")
	target := fs.String("target", "1.1.1.1:443", "host:port dialed through the proxy")
	timeout := fs.Duration("timeout", 8*time.Second, "per-check timeout")
	stunServers := fs.StringSlice("stun", nil, "STUN servers (default: config stun_servers)")
	_ = fs.Parse(args)

	if *c.server != "" {
		fatal(fmt.Errorf("doctor talks to the device directly; drop --server"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	s := c.session()
	dev := s.device(*name)
	servers := *stunServers
	if len(servers) == 0 {
		servers = s.cfg.STUNServers
	}

	var checks []check
	add := func(name string, err error, detail string) bool {
		ch := check{name: name, ok: err == nil, detail: detail}
		if err != nil {
			ch.detail = err.Error()
		}
		checks = append(checks, ch)
		return err == nil
	}

	fmt.Fprintf(os.Stdout, "device=%s address=%s\n", dev.Name, dev.Address)

	booted, err := device.BootCompleted(ctx, s.conn.Connect(dev), *timeout)
	if err == nil && !booted {
		err = fmt.Errorf("sys.boot_completed is not 1")
	}
	if !add("adb", err, "reachable and booted") {
		printChecks(checks)
		return
	}

	st, err := s.mgr.Refresh(ctx, dev)
	add("tunnel", err, describeStatus(st))

	ep, epErr := s.mgr.Endpoint(ctx, dev)
	if epErr != nil {
		if saved, err := s.state.Load(); err == nil {
			if assigned, ok := saved.Endpoint(dev.Name); ok {
				ep, epErr = assigned, nil
			}
		}
	}
	if add("endpoint", epErr, ep.Addr()) {
		err := addrutil.ProbeSOCKS5(ctx, ep, *target, *timeout)
		add("socks5", err, fmt.Sprintf("handshake via %s to %s", ep.Addr(), *target))
	}

	if host, nat, err := stunutil.Probe(ctx, orDefault(servers), *timeout); err == nil {
		add("stun", nil, fmt.Sprintf("host mapped %s nat=%s", host, nat))
	} else {
		add("stun", err, "")
	}

	if st.State == model.StateConnected {
		report, err := stunutil.CheckLeak(ctx, servers, *timeout, func(ctx context.Context) (string, error) {
			return s.mgr.ExitIP(ctx, dev)
		})
		if err == nil && report.Leak {
			err = fmt.Errorf("exit %s equals host address: %s", report.ExitIP, report.Detail)
		}
		add("leak", err, fmt.Sprintf("host %s exit %s", report.HostIP, report.ExitIP))
	}

	printChecks(checks)
}

func describeStatus(st model.Status) string {
	if st.Server == "" {
		return string(st.State)
	}
	return fmt.Sprintf("%s via %s", st.State, st.Server)
}

func orDefault(servers []string) []string {
	if len(servers) == 0 {
		return stunutil.DefaultServers
	}
	return servers
}

func printChecks(checks []check) {
	failed := false
	for _, ch := range checks {
		mark := "ok  "
		if !ch.ok {
			mark = "FAIL"
			failed = true
		}
		fmt.Fprintf(os.Stdout, "%s  %-8s  %s\n", mark, ch.name, ch.detail)
	}
	if failed {
		os.Exit(1)
	}
}
