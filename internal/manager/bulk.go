package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tunfleet/internal/model"
)

type bulkResult struct {
	name string
	res  model.Result
}

// ApplyBulk applies every assignment concurrently. The returned map has an
// entry per device; devices that did not answer within the bulk timeout
// are reported as timed out while their workers finish in the background.
func (m *Manager) ApplyBulk(ctx context.Context, assignments []model.Assignment) map[string]model.Result {
	jobs := make(map[string]func(context.Context) model.Result, len(assignments))
	for _, a := range assignments {
		jobs[a.Device.Name] = func(ctx context.Context) model.Result {
			return m.Apply(ctx, a.Device, a.Endpoint)
		}
	}
	return m.fanOut(ctx, "apply", jobs)
}

// DisconnectAll disconnects every device concurrently with the same
// timeout semantics as ApplyBulk.
func (m *Manager) DisconnectAll(ctx context.Context, devices []model.DeviceHandle) map[string]model.Result {
	jobs := make(map[string]func(context.Context) model.Result, len(devices))
	for _, d := range devices {
		jobs[d.Name] = func(ctx context.Context) model.Result {
			return m.Disconnect(ctx, d)
		}
	}
	return m.fanOut(ctx, "disconnect", jobs)
}

func (m *Manager) fanOut(ctx context.Context, op string, jobs map[string]func(context.Context) model.Result) map[string]model.Result {
	batch := uuid.NewString()
	log := m.log.With().Str("batch_id", batch).Str("op", op).Logger()
	log.Info().Int("devices", len(jobs)).Msg("bulk operation started")
	start := time.Now()

	// Buffered so late workers never block after the deadline.
	results := make(chan bulkResult, len(jobs))
	for name, job := range jobs {
		go func() {
			jctx, cancel := context.WithTimeout(ctx, m.bulkTimeout)
			defer cancel()
			results <- bulkResult{name: name, res: job(jctx)}
		}()
	}

	out := make(map[string]model.Result, len(jobs))
	deadline := time.NewTimer(m.bulkTimeout)
	defer deadline.Stop()
wait:
	for len(out) < len(jobs) {
		select {
		case r := <-results:
			out[r.name] = r.res
		case <-deadline.C:
			break wait
		}
	}

	failed := 0
	for name := range jobs {
		r, ok := out[name]
		if !ok {
			r = model.Result{Error: fmt.Sprintf("timed out after %s", m.bulkTimeout)}
			out[name] = r
			log.Warn().Str("device", name).Msg("bulk worker timed out")
		}
		if !r.OK {
			failed++
		}
	}
	log.Info().Int("failed", failed).Dur("elapsed", time.Since(start)).Msg("bulk operation finished")
	return out
}
