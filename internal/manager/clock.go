package manager

import (
	"context"
	"time"

	"tunfleet/internal/device"
	"tunfleet/internal/model"
)

// Clock is the time source of the poll loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Readiness tells the poll loop whether a device may receive tunnel
// commands yet.
type Readiness interface {
	Ready(ctx context.Context, dev model.DeviceHandle) (bool, error)
}

// BootReadiness treats a device as ready once sys.boot_completed is 1.
type BootReadiness struct {
	Connector device.Connector
	Timeout   time.Duration
}

func (r BootReadiness) Ready(ctx context.Context, dev model.DeviceHandle) (bool, error) {
	return device.BootCompleted(ctx, r.Connector.Connect(dev), r.Timeout)
}
