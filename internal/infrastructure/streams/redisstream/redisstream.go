// Package redisstream implements topic.Broadcaster and topic.Stream on
// top of Redis, the external key-value/stream store backend named in
// §4.B. Broadcast uses Redis Pub/Sub directly with a per-topic
// background bridge task; Stream uses Redis Streams (XADD/XREADGROUP/
// XACK/XPENDING/XCLAIM), generalizing the teacher's
// infrastructure/streams/telemetry_stream.go (project-keyed XAdd/XReadGroup
// idiom) from one hardcoded telemetry shape to any topic name.
package redisstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/domain/topicerr"
)

// Broadcaster bridges Redis Pub/Sub into local per-subscriber channels.
// One background goroutine per topic forwards messages from Redis to
// every local subscriber; when the last subscriber for a topic
// unsubscribes, the bridge is torn down after a short grace delay (§4.B).
type Broadcaster struct {
	client *redis.Client
	log    *slog.Logger

	mu      sync.Mutex
	bridges map[string]*bridge
}

type bridge struct {
	cancel  context.CancelFunc
	mu      sync.Mutex
	subs    map[int]*subscriber
	next    int
	refs    int
}

type subscriber struct {
	ch      chan topic.Message
	errCh   chan error
	dropped uint64
}

// BridgeGraceDelay is how long a topic bridge lingers with zero
// subscribers before it shuts its Redis Pub/Sub connection down.
const BridgeGraceDelay = 5 * time.Second

func NewBroadcaster(client *redis.Client, log *slog.Logger) *Broadcaster {
	return &Broadcaster{client: client, log: log, bridges: make(map[string]*bridge)}
}

func (b *Broadcaster) Publish(ctx context.Context, name string, payload []byte) error {
	if err := b.client.Publish(ctx, channelKey(name), payload).Err(); err != nil {
		return topicerr.Backend("redis publish", err)
	}
	return nil
}

func (b *Broadcaster) Subscribe(ctx context.Context, name string, bufferSize int) (<-chan topic.Message, <-chan error, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	br := b.bridgeFor(name)
	sub := &subscriber{ch: make(chan topic.Message, bufferSize), errCh: make(chan error, 1)}

	br.mu.Lock()
	id := br.next
	br.next++
	br.subs[id] = sub
	br.refs++
	br.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.unsubscribe(name, br, id) })
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.ch, sub.errCh, cancel
}

func (b *Broadcaster) bridgeFor(name string) *bridge {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.bridges[name]; ok {
		return br
	}
	br := &bridge{subs: make(map[int]*subscriber)}
	b.bridges[name] = br
	bctx, cancel := context.WithCancel(context.Background())
	br.cancel = cancel
	go b.runBridge(bctx, name, br)
	return br
}

// runBridge is the single background task per topic forwarding Redis
// Pub/Sub messages into every local subscriber's channel.
func (b *Broadcaster) runBridge(ctx context.Context, name string, br *bridge) {
	ps := b.client.Subscribe(ctx, channelKey(name))
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			out := topic.Message{Payload: []byte(msg.Payload), Timestamp: time.Now()}
			br.mu.Lock()
			for _, sub := range br.subs {
				select {
				case sub.ch <- out:
				default:
					sub.dropped++
					select {
					case sub.errCh <- topicerr.Lagged(sub.dropped):
					default:
					}
				}
			}
			br.mu.Unlock()
		}
	}
}

func (b *Broadcaster) unsubscribe(name string, br *bridge, id int) {
	br.mu.Lock()
	delete(br.subs, id)
	br.refs--
	remaining := br.refs
	br.mu.Unlock()
	if remaining > 0 {
		return
	}
	// grace delay: a reconnecting client (e.g. SSE retry) often
	// resubscribes within seconds; avoid tearing down and rebuilding the
	// Redis connection for that common case.
	time.AfterFunc(BridgeGraceDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cur, ok := b.bridges[name]
		if !ok || cur != br {
			return
		}
		cur.mu.Lock()
		stillEmpty := cur.refs == 0
		cur.mu.Unlock()
		if stillEmpty {
			cur.cancel()
			delete(b.bridges, name)
		}
	})
}

func channelKey(name string) string { return "broadcast:" + name }

// Stream implements topic.Stream on Redis Streams.
type Stream struct {
	client *redis.Client
}

func NewStream(client *redis.Client) *Stream {
	return &Stream{client: client}
}

func streamKey(name string) string { return "stream:" + name }

func (s *Stream) Publish(ctx context.Context, name string, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(name),
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", topicerr.Backend("xadd", err)
	}
	return id, nil
}

func (s *Stream) PublishBatch(ctx context.Context, name string, payloads [][]byte) ([]string, error) {
	ids := make([]string, len(payloads))
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(payloads))
	for i, p := range payloads {
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(name), Values: map[string]any{"payload": p}})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, topicerr.Backend("xadd pipeline", err)
	}
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}
	return ids, nil
}

// ensureGroup creates the consumer group at the beginning of the stream
// ($=tail would miss messages published before the group existed; 0
// replays the whole history, matching Redis's own MKSTREAM convention
// for a brand new stream/group pair).
func (s *Stream) ensureGroup(ctx context.Context, name, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, streamKey(name), group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means it already exists, which is the common case.
		if isBusyGroup(err) {
			return nil
		}
		return topicerr.Backend("xgroup create", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (s *Stream) Read(ctx context.Context, name string, id topic.ConsumerIdentity, count int, block time.Duration) ([]topic.Message, error) {
	if err := s.ensureGroup(ctx, name, id.Group); err != nil {
		return nil, err
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    id.Group,
		Consumer: id.Consumer,
		Streams:  []string{streamKey(name), ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, topicerr.Backend("xreadgroup", err)
	}
	var out []topic.Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toMessage(m))
		}
	}
	return out, nil
}

func toMessage(m redis.XMessage) topic.Message {
	payload, _ := m.Values["payload"].(string)
	return topic.Message{ID: m.ID, Payload: []byte(payload)}
}

func (s *Stream) Ack(ctx context.Context, name string, id topic.ConsumerIdentity, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, streamKey(name), id.Group, messageIDs...).Err(); err != nil {
		return topicerr.Backend("xack", err)
	}
	return nil
}

func (s *Stream) ListPending(ctx context.Context, name string, group string, minIdle time.Duration, count int) ([]topic.PendingMessage, error) {
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(name),
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, topicerr.Backend("xpending", err)
	}
	out := make([]topic.PendingMessage, 0, len(res))
	for _, p := range res {
		out = append(out, topic.PendingMessage{
			Message:      topic.Message{ID: p.ID},
			DeliveredTo:  p.Consumer,
			IdleDuration: p.Idle,
		})
	}
	return out, nil
}

func (s *Stream) Claim(ctx context.Context, name string, id topic.ConsumerIdentity, messageIDs []string, minIdle time.Duration) ([]topic.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	res, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamKey(name),
		Group:    id.Group,
		Consumer: id.Consumer,
		MinIdle:  minIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, topicerr.Backend("xclaim", err)
	}
	out := make([]topic.Message, len(res))
	for i, m := range res {
		out[i] = toMessage(m)
	}
	return out, nil
}

func (s *Stream) Len(ctx context.Context, name string) (int64, error) {
	n, err := s.client.XLen(ctx, streamKey(name)).Result()
	if err != nil {
		return 0, topicerr.Backend("xlen", err)
	}
	return n, nil
}
