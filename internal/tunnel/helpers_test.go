package tunnel_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"tunfleet/internal/device/devicetest"
	"tunfleet/internal/logger"
	"tunfleet/internal/model"
	"tunfleet/internal/tunnel"
)

type testEnv struct {
	fleet  *devicetest.Fleet
	fake   *devicetest.Fake
	dev    model.DeviceHandle
	cfg    tunnel.Config
	life   *tunnel.Lifecycle
	reader *tunnel.Reader
	ks     *tunnel.KillSwitch
}

func identity(_ context.Context, host string) (string, error) { return host, nil }

func testConfig() tunnel.Config {
	cfg := tunnel.DefaultConfig()
	cfg.UpAttempts = 3
	cfg.UpInterval = time.Millisecond
	cfg.PushDelay = time.Millisecond
	cfg.CommandTimeout = time.Second
	return cfg
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	fleet := devicetest.NewFleet()
	dev := model.DeviceHandle{Name: "pixel-1", Address: "127.0.0.1:5555"}
	fake := fleet.Add(dev.Address)
	cfg := testConfig()
	log := logger.NewTestLogger()

	return &testEnv{
		fleet: fleet,
		fake:  fake,
		dev:   dev,
		cfg:   cfg,
		life: tunnel.NewLifecycle(tunnel.LifecycleOptions{
			Config:    cfg,
			Connector: fleet,
			Resolver:  identity,
			Logger:    log,
		}),
		reader: tunnel.NewReader(cfg, fleet, log),
		ks:     tunnel.NewKillSwitch(cfg, fleet, log),
	}
}

// tunnelRoutes returns routes that are not part of a fresh device.
func tunnelRoutes(f *devicetest.Fake) []devicetest.Route {
	base := devicetest.NewFake().Routes()
	var out []devicetest.Route
	for _, r := range f.Routes() {
		seen := false
		for _, b := range base {
			if r == b {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, r)
		}
	}
	return out
}

func routeStrings(routes []devicetest.Route) string {
	parts := make([]string, len(routes))
	for i, r := range routes {
		parts[i] = r.String()
	}
	return strings.Join(parts, "; ")
}

func countDest(routes []devicetest.Route, dest string) int {
	n := 0
	for _, r := range routes {
		if r.Dest == dest {
			n++
		}
	}
	return n
}

func modelEndpoint(server string, port int) model.ProxyEndpoint {
	return model.ProxyEndpoint{Server: server, Port: port}
}

func envDevice() model.DeviceHandle {
	return model.DeviceHandle{Name: "pixel-1", Address: "127.0.0.1:5555"}
}
