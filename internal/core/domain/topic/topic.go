// Package topic defines the trait-style interfaces the topic service
// exposes over a single pluggable backend (§4.B): fire-and-forget
// Broadcast and durable at-least-once Stream semantics.
package topic

import (
	"context"
	"time"

	"sideseat/internal/core/domain/topicerr"
)

// Message is an opaque payload published to a topic. Producers encode
// their own wire format (the ingest pipeline publishes OTLP batches,
// realtime publishes span-arrived events); the topic layer never
// interprets the bytes.
type Message struct {
	ID        string // producer-assigned or backend-assigned monotonic ID (streams only)
	Payload   []byte
	Timestamp time.Time
}

// Broadcaster is fire-and-forget pub/sub: no persistence, no replay.
// Subscribe returns a channel of Messages, a channel of errors and a
// cancel func. When a slow subscriber's buffer overflows, the message is
// dropped for that subscriber and a topicerr.Lagged error carrying its
// running drop count is placed on its error channel (capacity one) if
// that channel is empty, rather than blocking the publisher (§4.B).
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, bufferSize int) (<-chan Message, <-chan error, func())
}

// ConsumerIdentity names a stream consumer as {group, consumer}. Per
// §9's decision, the consumer component is `{random_uuid}:{process_id}`
// so a process restart joins its group as a new consumer and claims any
// work the crashed instance left pending.
type ConsumerIdentity struct {
	Group    string
	Consumer string
}

// PendingMessage is a stream message that has been delivered but not yet
// acknowledged, returned by the claim loop's pending scan.
type PendingMessage struct {
	Message
	DeliveredTo  string
	IdleDuration time.Duration
}

// Stream is durable, at-least-once, consumer-group based delivery.
// Published messages get a monotonic ID; unacknowledged messages older
// than an idle threshold are claimable by any consumer in the group
// (§4.B, §4.E claim loop).
type Stream interface {
	Publish(ctx context.Context, topic string, payload []byte) (id string, err error)
	PublishBatch(ctx context.Context, topic string, payloads [][]byte) (ids []string, err error)

	// Read blocks (respecting ctx) for up to block for new messages
	// delivered to this consumer identity, returning at most count.
	Read(ctx context.Context, topic string, id ConsumerIdentity, count int, block time.Duration) ([]Message, error)

	Ack(ctx context.Context, topic string, id ConsumerIdentity, messageIDs ...string) error

	// ListPending returns messages delivered to the group but not acked,
	// idle for at least minIdle — the claim loop's input (§4.E).
	ListPending(ctx context.Context, topic string, group string, minIdle time.Duration, count int) ([]PendingMessage, error)

	// Claim reassigns the named pending messages to id, returning their
	// payloads so the new consumer can process them.
	Claim(ctx context.Context, topic string, id ConsumerIdentity, messageIDs []string, minIdle time.Duration) ([]Message, error)

	Len(ctx context.Context, topic string) (int64, error)
}

// ClaimLoopConfig carries the constants named in original_source's
// pipeline.rs, reused verbatim (§4.E claim loop).
type ClaimLoopConfig struct {
	Interval time.Duration
	MinIdle  time.Duration
	MaxCount int
}

// DefaultClaimLoopConfig matches pipeline.rs's CLAIM_INTERVAL_SECS=30,
// CLAIM_MIN_IDLE_MS=60_000, CLAIM_MAX_COUNT=100.
func DefaultClaimLoopConfig() ClaimLoopConfig {
	return ClaimLoopConfig{
		Interval: 30 * time.Second,
		MinIdle:  60 * time.Second,
		MaxCount: 100,
	}
}

// NewConsumerIdentity builds the {random_uuid}:{process_id} identity
// described in §9; callers supply both halves so the domain package stays
// free of uuid/os imports.
func NewConsumerIdentity(group, uuidPart string, pid int) ConsumerIdentity {
	return ConsumerIdentity{Group: group, Consumer: formatConsumer(uuidPart, pid)}
}

func formatConsumer(uuidPart string, pid int) string {
	return uuidPart + ":" + itoa(pid)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// wrapBackendErr is a small helper re-exported so infrastructure backends
// build topicerr values without importing the subpackage twice in call
// sites that already import topic.
func wrapBackendErr(detail string, cause error) error { return topicerr.Backend(detail, cause) }
