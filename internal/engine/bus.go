// Package engine implements the actor-style coordination layer: the
// model supervisor, the twin worker, the message protocol between them,
// and the admission/backpressure/cleanup policies that bound their
// concurrency (spec.md 1).
//
// The actor mailbox itself is built on watermill's in-process
// gochannel.GoChannel pub/sub: one topic per actor (one per
// ModelSupervisor, one per TwinWorker), each consumed FIFO by a single
// goroutine. This is the same message-envelope shape the teacher uses
// for its AMQP handler pipeline (internal/handler/amqp/bind.go,
// internal/adapter/pubsub/dispatcher.go) -- JSON payload, a typed
// generic Bind helper, panic recovery -- generalized from "route an AMQP
// event to a domain handler" to "route a protocol message to an actor".
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const metaKind = "kind"

// Bus is the shared mailbox transport. A single Bus instance backs every
// actor in a process; each actor owns one topic.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

// NewBus builds a Bus whose per-topic buffer is at least mailboxSize
// (spec.md 4.1: "Mailbox capacity must be large (>= 32k)").
func NewBus(logger *slog.Logger, mailboxSize int) *Bus {
	if mailboxSize < DefaultMailboxSize {
		mailboxSize = DefaultMailboxSize
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(mailboxSize),
	}, watermill.NewSlogLogger(logger))

	return &Bus{pubsub: pubsub, logger: logger}
}

// Close shuts the underlying pub/sub down; every actor's Subscribe
// channel closes.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Send self-sends or cross-sends a typed message to topic, tagging it
// with kind so the receiving actor's dispatch table can decode it.
func (b *Bus) Send(topic, kind string, payload any) error {
	msg, err := envelope(kind, payload)
	if err != nil {
		return err
	}
	return b.pubsub.Publish(topic, msg)
}

// SendAfter re-publishes payload to topic after delay, implementing the
// "notify_later" admission-deferral primitive (spec.md 4.1
// AdmissionDeferred): the caller's handler returns immediately and a new
// message is queued once the delay elapses.
func (b *Bus) SendAfter(delay time.Duration, topic, kind string, payload any) {
	time.AfterFunc(delay, func() {
		if err := b.Send(topic, kind, payload); err != nil {
			b.logger.Error("bus: delayed send failed", "topic", topic, "kind", kind, "err", err)
		}
	})
}

// Subscribe returns the FIFO mailbox channel for topic. Each topic must
// only ever be subscribed by one consumer goroutine to preserve the
// single-consumer-per-actor guarantee (spec.md 5).
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

func envelope(kind string, payload any) (*message.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal failure for %s: %w", kind, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(metaKind, kind)
	return msg, nil
}

// Decode unmarshals msg's payload into a fresh *T.
func Decode[T any](msg *message.Message) (*T, error) {
	payload := new(T)
	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		return nil, fmt.Errorf("bus: decode failure: %w", err)
	}
	return payload, nil
}

// dispatchFunc handles one decoded message kind for an actor.
type dispatchFunc func(msg *message.Message) error

// Bind wraps a typed handler into a dispatchFunc: decode, call, return
// the handler's error (a decode failure is logged and returns nil);
// handleOne Acks the message either way. Mirrors internal/handler/amqp/bind.go's generic
// Bind[T], minus the routing-key/locality concerns that package needed
// and this one does not (every message is already addressed to the
// right actor by its mailbox topic).
func Bind[T any](logger *slog.Logger, fn func(*T) error) dispatchFunc {
	return func(msg *message.Message) error {
		payload, err := Decode[T](msg)
		if err != nil {
			logger.Error("actor: decode failed", "err", err, "msg_id", msg.UUID)
			return nil
		}
		return fn(payload)
	}
}

// runActor drains sub FIFO, dispatching each message by its "kind"
// metadata to the matching entry in table. Unknown kinds are logged and
// Acked; panics are recovered so one bad message cannot kill the actor's
// mailbox loop (spec.md 5: handlers are non-blocking and must not take
// the actor down).
func runActor(logger *slog.Logger, sub <-chan *message.Message, table map[string]dispatchFunc) {
	for msg := range sub {
		handleOne(logger, msg, table)
	}
}

func handleOne(logger *slog.Logger, msg *message.Message, table map[string]dispatchFunc) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("actor: panic recovered", "err", r, "stack", string(debug.Stack()), "msg_id", msg.UUID)
			msg.Ack()
		}
	}()

	kind := msg.Metadata.Get(metaKind)
	fn, ok := table[kind]
	if !ok {
		logger.Warn("actor: no handler for message kind", "kind", kind, "msg_id", msg.UUID)
		msg.Ack()
		return
	}

	if err := fn(msg); err != nil {
		logger.Error("actor: handler failed", "kind", kind, "err", err, "msg_id", msg.UUID)
	}
	msg.Ack()
}
