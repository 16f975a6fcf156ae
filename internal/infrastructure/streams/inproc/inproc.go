// Package inproc implements topic.Broadcaster and topic.Stream entirely
// in-process, the default backend for single-node/embedded deployments
// (§4.B: "two variants of the same channel abstraction"). Broadcast is
// built on buffered per-subscriber channels that Publish fills directly,
// dropping on overflow (the teacher's
// pkg/realtime/broadcaster.go shape, generalized from a single hub to a
// per-topic registry); Stream is a bounded ring buffer with per-group
// delivery cursors and an explicit pending-ack set, since Go's stdlib
// has nothing resembling a consumer-group log and no third-party
// library in the pack models one in-process.
package inproc

import (
	"context"
	"sync"
	"time"

	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/domain/topicerr"
)

// Broadcaster is the in-process fire-and-forget backend.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]*broadcastTopic
}

type broadcastTopic struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	ch      chan topic.Message
	errCh   chan error
	dropped uint64
}

// NewBroadcaster constructs an empty in-process broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{topics: make(map[string]*broadcastTopic)}
}

func (b *Broadcaster) topicFor(name string) *broadcastTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &broadcastTopic{subs: make(map[int]*subscriber)}
		b.topics[name] = t
	}
	return t
}

func (b *Broadcaster) Publish(ctx context.Context, name string, payload []byte) error {
	t := b.topicFor(name)
	msg := topic.Message{Payload: payload, Timestamp: time.Now()}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		select {
		case sub.ch <- msg:
		default:
			// buffer full: drop for this subscriber and surface it as a
			// Lagged signal so the consumer can react (§4.B), instead of
			// blocking the publisher on a slow reader.
			sub.dropped++
			select {
			case sub.errCh <- topicerr.Lagged(sub.dropped):
			default:
			}
		}
	}
	return nil
}

// Subscribe returns a message channel, an error channel carrying
// topicerr.Lagged when this subscriber's buffer overflows, and a cancel
// func that unregisters the subscriber.
func (b *Broadcaster) Subscribe(ctx context.Context, name string, bufferSize int) (<-chan topic.Message, <-chan error, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	t := b.topicFor(name)
	sub := &subscriber{ch: make(chan topic.Message, bufferSize), errCh: make(chan error, 1)}

	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = sub
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return sub.ch, sub.errCh, cancel
}

// Stream is the in-process durable, at-least-once backend: a bounded
// ring buffer of published messages plus a per-group delivery cursor and
// pending-ack set, modeling Redis Streams' XADD/XREADGROUP/XACK/XCLAIM
// semantics without an external process.
type Stream struct {
	mu         sync.Mutex
	topics     map[string]*streamTopic
	maxLen     int
	nextSeq    uint64
}

type streamTopic struct {
	mu       sync.Mutex
	messages []topic.Message // append-only, trimmed to maxLen
	groups   map[string]*consumerGroup
}

type consumerGroup struct {
	cursor  int // index into messages already delivered to some consumer
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	msg         topic.Message
	consumer    string
	deliveredAt time.Time
}

// NewStream constructs an in-process stream backend. maxLen bounds the
// ring buffer per topic (0 means unbounded, not recommended in prod).
func NewStream(maxLen int) *Stream {
	return &Stream{topics: make(map[string]*streamTopic), maxLen: maxLen}
}

func (s *Stream) topicFor(name string) *streamTopic {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		t = &streamTopic{groups: make(map[string]*consumerGroup)}
		s.topics[name] = t
	}
	return t
}

func (s *Stream) nextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return formatID(s.nextSeq)
}

func (s *Stream) Publish(ctx context.Context, name string, payload []byte) (string, error) {
	ids, err := s.PublishBatch(ctx, name, [][]byte{payload})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (s *Stream) PublishBatch(ctx context.Context, name string, payloads [][]byte) ([]string, error) {
	t := s.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, len(payloads))
	for i, p := range payloads {
		id := s.nextID()
		t.messages = append(t.messages, topic.Message{ID: id, Payload: p, Timestamp: time.Now()})
		ids[i] = id
	}
	if s.maxLen > 0 && len(t.messages) > s.maxLen {
		trim := len(t.messages) - s.maxLen
		t.messages = t.messages[trim:]
		for _, g := range t.groups {
			g.cursor -= trim
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	return ids, nil
}

func (s *Stream) groupFor(t *streamTopic, group string) *consumerGroup {
	g, ok := t.groups[group]
	if !ok {
		g = &consumerGroup{pending: make(map[string]*pendingEntry)}
		t.groups[group] = g
	}
	return g
}

// Read returns up to count undelivered messages for id's group,
// blocking up to block if none are yet available — a poll loop since
// this backend has no native blocking-wait primitive beyond a channel
// the publisher doesn't know about; this keeps Stream's read behavior
// indistinguishable from the Redis backend's XREADGROUP BLOCK to callers.
func (s *Stream) Read(ctx context.Context, name string, id topic.ConsumerIdentity, count int, block time.Duration) ([]topic.Message, error) {
	deadline := time.Now().Add(block)
	for {
		msgs := s.tryRead(name, id, count)
		if len(msgs) > 0 {
			return msgs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (s *Stream) tryRead(name string, id topic.ConsumerIdentity, count int) []topic.Message {
	t := s.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	g := s.groupFor(t, id.Group)
	if g.cursor >= len(t.messages) {
		return nil
	}
	end := g.cursor + count
	if end > len(t.messages) {
		end = len(t.messages)
	}
	batch := t.messages[g.cursor:end]
	out := make([]topic.Message, len(batch))
	for i, m := range batch {
		out[i] = m
		g.pending[m.ID] = &pendingEntry{msg: m, consumer: id.Consumer, deliveredAt: time.Now()}
	}
	g.cursor = end
	return out
}

func (s *Stream) Ack(ctx context.Context, name string, id topic.ConsumerIdentity, messageIDs ...string) error {
	t := s.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	g := s.groupFor(t, id.Group)
	for _, mid := range messageIDs {
		delete(g.pending, mid)
	}
	return nil
}

func (s *Stream) ListPending(ctx context.Context, name string, group string, minIdle time.Duration, count int) ([]topic.PendingMessage, error) {
	t := s.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	g := s.groupFor(t, group)
	var out []topic.PendingMessage
	now := time.Now()
	for _, p := range g.pending {
		idle := now.Sub(p.deliveredAt)
		if idle < minIdle {
			continue
		}
		out = append(out, topic.PendingMessage{Message: p.msg, DeliveredTo: p.consumer, IdleDuration: idle})
		if len(out) >= count {
			break
		}
	}
	return out, nil
}

func (s *Stream) Claim(ctx context.Context, name string, id topic.ConsumerIdentity, messageIDs []string, minIdle time.Duration) ([]topic.Message, error) {
	t := s.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	g := s.groupFor(t, id.Group)
	var out []topic.Message
	now := time.Now()
	for _, mid := range messageIDs {
		p, ok := g.pending[mid]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = id.Consumer
		p.deliveredAt = now
		out = append(out, p.msg)
	}
	return out, nil
}

func (s *Stream) Len(ctx context.Context, name string) (int64, error) {
	t := s.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.messages)), nil
}

func formatID(seq uint64) string {
	const digits = "0123456789"
	if seq == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for seq > 0 {
		i--
		buf[i] = digits[seq%10]
		seq /= 10
	}
	return string(buf[i:])
}
