// Package realtime implements the SSE fan-out hub (§4.H): one goroutine
// per connection subscribes to a project's broadcast topic, applies
// server-side trace/span/session filters and a fixed per-connection rate
// limit, and forwards surviving events to the caller's output channel.
// Grounded on the teacher's pkg/realtime/broadcaster.go (per-subscriber
// goroutine, select-driven event/cleanup loop, Clone-before-publish
// idiom) generalized from the teacher's in-process channel fan-out to
// this package's pluggable topic.Broadcaster.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/domain/topicerr"
)

// EventsPerSecond (also used as the limiter's burst) bounds each
// connection's delivery rate per
// §4.H: "rate-limited to at most 10 events per second per connection;
// excess events are dropped (not buffered)".
const EventsPerSecond = 10

// KeepAliveInterval is the idle heartbeat period per §4.H.
const KeepAliveInterval = 30 * time.Second

// dropLogInterval batches drop-count logging to once a second instead of
// once per dropped event, per §4.H's "debug log of the drop count every
// second".
const dropLogInterval = time.Second

// subscribeBufferSize is the broadcaster-side channel depth; a full
// buffer here means the consuming goroutine isn't draining fast enough,
// distinct from (and in addition to) this package's own rate limiting.
const subscribeBufferSize = 256

// EventKind labels the three SSE event types a connection can emit.
type EventKind string

const (
	EventSpan      EventKind = "span"
	EventKeepAlive EventKind = "keepalive"
	EventTerminate EventKind = "terminate"
)

// Event is one message handed to the caller's output channel; Data is
// the raw JSON payload for EventSpan and nil otherwise.
type Event struct {
	Kind EventKind
	Data []byte
}

// Filter applies the server-side trace_id/span_id/session_id query
// parameters named in §4.H; a nil field matches everything.
type Filter struct {
	TraceID   *string
	SpanID    *string
	SessionID *string
}

// Matches reports whether ev satisfies every non-nil filter field.
func (f Filter) Matches(ev wireEvent) bool {
	if f.TraceID != nil && ev.TraceID != *f.TraceID {
		return false
	}
	if f.SpanID != nil && ev.SpanID != *f.SpanID {
		return false
	}
	if f.SessionID != nil && (ev.SessionID == nil || *ev.SessionID != *f.SessionID) {
		return false
	}
	return true
}

// wireEvent mirrors ingest.SpanArrivedEvent's JSON shape without
// importing the ingest package, keeping the two service packages
// decoupled — the caller (the HTTP/SSE transport) is what knows the
// topic name (ingest.SSETopic) and wires the two together.
type wireEvent struct {
	ProjectID string  `json:"project_id"`
	TraceID   string  `json:"trace_id"`
	SpanID    string  `json:"span_id"`
	SessionID *string `json:"session_id,omitempty"`
}

// Hub drives one SSE connection's subscription against a topic.Broadcaster.
type Hub struct {
	Broadcaster topic.Broadcaster
	Log         *slog.Logger
}

// Serve subscribes to topicName and streams filtered, rate-limited
// events to out until ctx is canceled, at which point it emits a
// terminate event and returns. Serve owns the subscription lifecycle; it
// never closes out (the caller does, once Serve returns).
func (h *Hub) Serve(ctx context.Context, topicName string, filter Filter, out chan<- Event) error {
	msgs, errs, cancel := h.Broadcaster.Subscribe(ctx, topicName, subscribeBufferSize)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(EventsPerSecond), EventsPerSecond)

	keepalive := time.NewTicker(KeepAliveInterval)
	defer keepalive.Stop()
	dropLog := time.NewTicker(dropLogInterval)
	defer dropLog.Stop()

	dropped := 0
	emit := func(ev Event) {
		select {
		case out <- ev:
		default:
			// The caller's output channel (HTTP flush loop) isn't keeping
			// up; treat it the same as an events-per-second overrun.
			dropped++
		}
	}

	for {
		select {
		case <-ctx.Done():
			emit(Event{Kind: EventTerminate})
			return nil

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			var topicErr *topicerr.Error
			if errors.As(err, &topicErr) && topicErr.Kind == topicerr.KindLagged {
				h.Log.Warn("sse: subscriber lagged, some events were dropped upstream",
					"topic", topicName, "count", topicErr.Count)
				continue
			}
			return err

		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev wireEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			if !filter.Matches(ev) {
				continue
			}
			if !limiter.Allow() {
				dropped++
				continue
			}
			emit(Event{Kind: EventSpan, Data: msg.Payload})

		case <-keepalive.C:
			emit(Event{Kind: EventKeepAlive})

		case <-dropLog.C:
			if dropped > 0 {
				h.Log.Debug("sse: rate limit dropped events", "topic", topicName, "count", dropped)
				dropped = 0
			}
		}
	}
}
