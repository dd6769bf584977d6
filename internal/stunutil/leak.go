package stunutil

import (
	"context"
	"net"
	"strings"
	"time"
)

// LeakReport compares the host's public address with a device's exit
// address. Traffic leaving a tunnelled device from the host's own address
// means it bypassed the proxy.
type LeakReport struct {
	HostIP string `json:"host_ip"`
	ExitIP string `json:"exit_ip"`
	Leak   bool   `json:"leak"`
	Detail string `json:"detail,omitempty"`
}

// Compare builds a report from already known addresses.
func Compare(hostIP, exitIP string) LeakReport {
	r := LeakReport{HostIP: strings.TrimSpace(hostIP), ExitIP: strings.TrimSpace(exitIP)}
	host, exit := net.ParseIP(r.HostIP), net.ParseIP(r.ExitIP)
	switch {
	case exit == nil:
		r.Detail = "device exit address unavailable"
	case host == nil:
		r.Detail = "host public address unavailable"
	case host.Equal(exit):
		r.Leak = true
		r.Detail = "device traffic exits from the host address"
	}
	return r
}

// ExitIPFunc fetches the public address a device's traffic leaves from.
type ExitIPFunc func(ctx context.Context) (string, error)

// CheckLeak probes the host over STUN and the device through exitIP, then
// compares the two. Probe failures end up in the report's Detail and the
// returned error.
func CheckLeak(ctx context.Context, servers []string, timeout time.Duration, exitIP ExitIPFunc) (LeakReport, error) {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	exit, err := exitIP(ctx)
	if err != nil {
		r := Compare("", "")
		r.Detail = "device exit address: " + err.Error()
		return r, err
	}
	host, err := PublicIP(ctx, servers, timeout)
	if err != nil {
		r := Compare("", exit)
		r.Detail = "host public address: " + err.Error()
		return r, err
	}
	return Compare(host, exit), nil
}
