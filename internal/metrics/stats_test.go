package metrics

import (
	"testing"
	"time"

	"tunfleet/internal/model"
)

func TestSummarize_ConnectedRatioAndOutages(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	at := func(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }
	items := []model.Transition{
		// Before the window: establishes connected at the window start.
		{Timestamp: at(-5), Device: "a", From: model.StateUnknown, To: model.StateConnected},
		{Timestamp: at(10), Device: "a", From: model.StateConnected, To: model.StateStopped},
		{Timestamp: at(12), Device: "a", From: model.StateStopped, To: model.StateReconnecting, Reason: "reconnected"},
		{Timestamp: at(20), Device: "a", From: model.StateReconnecting, To: model.StateConnected},
		// After the window.
		{Timestamp: at(90), Device: "a", From: model.StateConnected, To: model.StateStopped},
		{Timestamp: at(30), Device: "b", From: model.StateUnknown, To: model.StateStopped, Reason: "poll error"},
	}

	got := Summarize(items, at(0), at(60))
	if len(got) != 2 {
		t.Fatalf("summaries=%d", len(got))
	}

	a := got[0]
	if a.Device != "a" || a.Transitions != 3 || a.Reconnects != 1 {
		t.Fatalf("a=%+v", a)
	}
	if a.Observed != 60*time.Minute || a.Connected != 50*time.Minute {
		t.Fatalf("observed=%s connected=%s", a.Observed, a.Connected)
	}
	if a.ConnectedRatio < 0.83 || a.ConnectedRatio > 0.84 {
		t.Fatalf("ratio=%.3f", a.ConnectedRatio)
	}
	if a.Outages != 1 || a.MaxOutage != 10*time.Minute || a.P95Outage != 10*time.Minute {
		t.Fatalf("outages=%d max=%s p95=%s", a.Outages, a.MaxOutage, a.P95Outage)
	}
	if a.LastState != model.StateConnected || !a.From.Equal(at(0)) {
		t.Fatalf("last=%s from=%s", a.LastState, a.From)
	}

	b := got[1]
	if b.Device != "b" || b.Errors != 1 || b.Observed != 30*time.Minute || b.Connected != 0 {
		t.Fatalf("b=%+v", b)
	}
	if !b.From.Equal(at(30)) {
		t.Fatalf("b.from=%s", b.From)
	}
}

func TestSummarize_IgnoresDevicesOutsideWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []model.Transition{
		{Timestamp: base.Add(2 * time.Hour), Device: "late", From: model.StateUnknown, To: model.StateConnected},
	}
	if got := Summarize(items, base, base.Add(time.Hour)); len(got) != 0 {
		t.Fatalf("got=%+v", got)
	}
	if got := Summarize(nil, base, base.Add(time.Hour)); len(got) != 0 {
		t.Fatalf("got=%+v", got)
	}
}

func TestSummarize_GiveUps(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []model.Transition{
		{Timestamp: base.Add(time.Minute), Device: "a", From: model.StateStopped, To: model.StateStopped, Reason: "reconnect given up"},
	}
	got := Summarize(items, base, base.Add(time.Hour))
	if len(got) != 1 || got[0].GiveUps != 1 || got[0].Connected != 0 {
		t.Fatalf("got=%+v", got)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
	if got := percentile(values, 0.5); got != 2 {
		t.Fatalf("p50=%v", got)
	}
}
