package metrics

import (
	"math"
	"sort"
	"time"

	"tunfleet/internal/model"
)

// Summary is a per-device statistics snapshot over a time window.
type Summary struct {
	Device         string
	Transitions    int
	Reconnects     int
	GiveUps        int
	Errors         int
	From           time.Time
	To             time.Time
	Connected      time.Duration
	Observed       time.Duration
	ConnectedRatio float64
	// Outages are spans spent outside connected that ended in connected.
	Outages     int
	P95Outage   time.Duration
	MaxOutage   time.Duration
	LastState   model.TunnelState
	LastChanged time.Time
}

// Summarize computes per-device summaries for transitions in [since, until],
// sorted by device name. The state at since is taken from the last earlier
// transition; devices first seen inside the window are observed from then.
func Summarize(items []model.Transition, since, until time.Time) []Summary {
	byDevice := make(map[string][]model.Transition)
	for _, t := range items {
		byDevice[t.Device] = append(byDevice[t.Device], t)
	}

	out := make([]Summary, 0, len(byDevice))
	for dev, ts := range byDevice {
		sort.SliceStable(ts, func(i, j int) bool { return ts[i].Timestamp.Before(ts[j].Timestamp) })
		if s, ok := summarizeDevice(dev, ts, since, until); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

func summarizeDevice(dev string, ts []model.Transition, since, until time.Time) (Summary, bool) {
	s := Summary{Device: dev}

	var (
		state    model.TunnelState
		cursor   time.Time
		known    bool
		downFrom time.Time
		outages  []float64
	)
	for _, t := range ts {
		if t.Timestamp.Before(since) {
			state, cursor, known = t.To, since, true
			continue
		}
		if t.Timestamp.After(until) {
			break
		}
		if !known {
			state, cursor, known = t.From, t.Timestamp, true
		}
		if s.From.IsZero() {
			s.From = cursor
		}
		if downFrom.IsZero() && state != model.StateConnected {
			downFrom = cursor
		}

		s.accumulate(state, t.Timestamp.Sub(cursor))
		prev := state
		state, cursor = t.To, t.Timestamp

		s.Transitions++
		s.To = t.Timestamp
		switch t.Reason {
		case "reconnected":
			s.Reconnects++
		case "reconnect given up":
			s.GiveUps++
		case "poll error", "status read failed":
			s.Errors++
		}

		if prev == model.StateConnected && state != model.StateConnected {
			downFrom = t.Timestamp
		}
		if prev != model.StateConnected && state == model.StateConnected {
			if d := t.Timestamp.Sub(downFrom); !downFrom.IsZero() && d > 0 {
				outages = append(outages, float64(d))
			}
			downFrom = time.Time{}
		}
	}
	if !known {
		return Summary{}, false
	}
	if s.From.IsZero() {
		s.From = since
	}
	s.accumulate(state, until.Sub(cursor))
	s.LastState = state
	s.LastChanged = s.To

	if s.Observed > 0 {
		s.ConnectedRatio = float64(s.Connected) / float64(s.Observed)
	}
	s.Outages = len(outages)
	if len(outages) > 0 {
		sort.Float64s(outages)
		s.P95Outage = time.Duration(percentile(outages, 0.95))
		s.MaxOutage = time.Duration(outages[len(outages)-1])
	}
	return s, true
}

func (s *Summary) accumulate(state model.TunnelState, d time.Duration) {
	if d <= 0 {
		return
	}
	s.Observed += d
	if state == model.StateConnected {
		s.Connected += d
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
