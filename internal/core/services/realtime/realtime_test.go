package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sideseat/internal/core/domain/topic"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroadcaster is an in-process topic.Broadcaster good enough to drive
// Hub.Serve in tests: Publish fans out synchronously to every live
// Subscribe channel for that topic.
type fakeBroadcaster struct {
	mu   sync.Mutex
	subs map[string][]chan topic.Message
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{subs: make(map[string][]chan topic.Message)}
}

func (f *fakeBroadcaster) Publish(ctx context.Context, t string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[t] {
		select {
		case ch <- topic.Message{Payload: payload, Timestamp: time.Now()}:
		default:
		}
	}
	return nil
}

func (f *fakeBroadcaster) Subscribe(ctx context.Context, t string, bufferSize int) (<-chan topic.Message, <-chan error, func()) {
	ch := make(chan topic.Message, bufferSize)
	f.mu.Lock()
	f.subs[t] = append(f.subs[t], ch)
	f.mu.Unlock()
	errs := make(chan error)
	cancel := func() {}
	return ch, errs, cancel
}

func publishEvent(t *testing.T, b *fakeBroadcaster, topicName string, ev wireEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), topicName, data))
}

func TestHubServeForwardsMatchingEvents(t *testing.T) {
	b := newFakeBroadcaster()
	hub := &Hub{Broadcaster: b, Log: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 16)

	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx, "sse_spans:proj1", Filter{}, out) }()

	time.Sleep(10 * time.Millisecond) // let Subscribe register
	publishEvent(t, b, "sse_spans:proj1", wireEvent{ProjectID: "proj1", TraceID: "trace-a", SpanID: "span-1"})

	select {
	case ev := <-out:
		require.Equal(t, EventSpan, ev.Kind)
		var decoded wireEvent
		require.NoError(t, json.Unmarshal(ev.Data, &decoded))
		require.Equal(t, "trace-a", decoded.TraceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for span event")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHubServeEmitsTerminateOnShutdown(t *testing.T) {
	b := newFakeBroadcaster()
	hub := &Hub{Broadcaster: b, Log: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 4)
	go func() { _ = hub.Serve(ctx, "sse_spans:proj1", Filter{}, out) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ev := <-out:
		require.Equal(t, EventTerminate, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminate event")
	}
}

func TestHubServeFiltersByTraceID(t *testing.T) {
	b := newFakeBroadcaster()
	hub := &Hub{Broadcaster: b, Log: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event, 16)
	go func() { _ = hub.Serve(ctx, "sse_spans:proj1", Filter{TraceID: strPtr("wanted")}, out) }()

	time.Sleep(10 * time.Millisecond)
	publishEvent(t, b, "sse_spans:proj1", wireEvent{ProjectID: "proj1", TraceID: "other", SpanID: "span-1"})
	publishEvent(t, b, "sse_spans:proj1", wireEvent{ProjectID: "proj1", TraceID: "wanted", SpanID: "span-2"})

	select {
	case ev := <-out:
		var decoded wireEvent
		require.NoError(t, json.Unmarshal(ev.Data, &decoded))
		require.Equal(t, "wanted", decoded.TraceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case ev := <-out:
		t.Fatalf("unexpected second event delivered: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubServeRateLimitsExcessEvents(t *testing.T) {
	b := newFakeBroadcaster()
	hub := &Hub{Broadcaster: b, Log: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event, 128)
	go func() { _ = hub.Serve(ctx, "sse_spans:proj1", Filter{}, out) }()

	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 50; i++ {
		publishEvent(t, b, "sse_spans:proj1", wireEvent{ProjectID: "proj1", TraceID: "t", SpanID: "s"})
	}

	time.Sleep(200 * time.Millisecond)
	received := 0
	for {
		select {
		case ev := <-out:
			if ev.Kind == EventSpan {
				received++
			}
		default:
			require.LessOrEqual(t, received, EventsPerSecond+1) // burst allowance
			return
		}
	}
}

func TestFilterMatches(t *testing.T) {
	f := Filter{SessionID: strPtr("sess-1")}
	require.True(t, f.Matches(wireEvent{SessionID: strPtr("sess-1")}))
	require.False(t, f.Matches(wireEvent{SessionID: strPtr("sess-2")}))
	require.False(t, f.Matches(wireEvent{SessionID: nil}))
}

func strPtr(s string) *string { return &s }
