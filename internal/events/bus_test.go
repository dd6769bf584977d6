package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunfleet/internal/logger"
	"tunfleet/internal/model"
)

func TestBusDeliversAndStampsIDs(t *testing.T) {
	t.Parallel()

	b := NewBus(logger.NewTestLogger())
	ch, cancel := b.Subscribe(4)
	defer cancel()

	sent := b.Publish(model.Event{Device: "a", Current: model.Status{State: model.StateConnected}})
	require.NotEmpty(t, sent.ID)

	select {
	case got := <-ch:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "a", got.Device)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := NewBus(logger.NewTestLogger())
	slow, cancelSlow := b.Subscribe(2)
	defer cancelSlow()
	fast, cancelFast := b.Subscribe(16)
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(model.Event{Device: "a"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	require.Len(t, slow, 2)
	require.Len(t, fast, 10)
	require.Equal(t, uint64(8), b.Dropped())
}

func TestBusCancelAndClose(t *testing.T) {
	t.Parallel()

	b := NewBus(logger.NewTestLogger())
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)

	ch2, _ := b.Subscribe(1)
	b.Close()
	_, ok = <-ch2
	require.False(t, ok)

	// Publishing after close is a no-op.
	b.Publish(model.Event{Device: "a"})
	ch3, _ := b.Subscribe(1)
	_, ok = <-ch3
	require.False(t, ok)
}

func TestPumpStopsOnClose(t *testing.T) {
	t.Parallel()

	b := NewBus(logger.NewTestLogger())
	ch, cancel := b.Subscribe(4)

	var got []string
	finished := make(chan struct{})
	go func() {
		Pump(context.Background(), ch, func(ev model.Event) { got = append(got, ev.Device) })
		close(finished)
	}()

	b.Publish(model.Event{Device: "a"})
	b.Publish(model.Event{Device: "b"})
	// Give the pump a chance to drain before closing.
	require.Eventually(t, func() bool { return len(ch) == 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
	require.Equal(t, []string{"a", "b"}, got)
}

type recordPublisher struct {
	mu   sync.Mutex
	subj []string
	data [][]byte
	err  error
}

func (p *recordPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subj = append(p.subj, subject)
	p.data = append(p.data, data)
	return p.err
}

func TestNATSSinkSubjectsAndPayload(t *testing.T) {
	t.Parallel()

	pub := &recordPublisher{}
	sink := NewNATSSink(pub, "", logger.NewTestLogger())
	sink.Handle(model.Event{ID: "e1", Device: "pixel.1 b", Current: model.Status{State: model.StateStopped}})

	require.Equal(t, []string{"tunfleet.status.pixel_1_b"}, pub.subj)
	var ev model.Event
	require.NoError(t, json.Unmarshal(pub.data[0], &ev))
	require.Equal(t, "e1", ev.ID)
	require.Equal(t, model.StateStopped, ev.Current.State)

	pub.err = errors.New("nats: connection closed")
	sink.Handle(model.Event{Device: "x"})
	require.Len(t, pub.subj, 2)
}
