// Package amqp is the reference engine.Connector: it consumes
// JSON-encoded engine.ConnectorData records from a durable AMQP queue
// and hands the buffered batch back on each GetData poll. Grounded on
// the teacher's internal/handler/amqp (watermill router/subscriber
// wiring) and internal/adapter/pubsub (subscriber construction),
// generalized from "dispatch an inbound delivery event" to "buffer
// inbound connector records for the next poll tick".
package amqp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/iotic-labs/connector-engine/internal/engine"
)

// Config is the subset of connection settings the reference connector
// needs.
type Config struct {
	URL   string
	Queue string
}

// Connector subscribes to Config.Queue at construction time and buffers
// every decoded record until GetData drains them.
type Connector struct {
	logger *slog.Logger
	sub    message.Subscriber
	queue  string
	buffer chan engine.ConnectorData
}

// New dials the AMQP broker and starts consuming Config.Queue. Messages
// that fail to decode are logged and Acked (never redelivered, the same
// choice the teacher's Bind[T] makes for a bad payload).
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Connector, error) {
	amqpConfig := wmamqp.NewDurableQueueConfig(cfg.URL)

	sub, err := wmamqp.NewSubscriber(amqpConfig, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, err
	}

	messages, err := sub.Subscribe(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}

	c := &Connector{
		logger: logger,
		sub:    sub,
		queue:  cfg.Queue,
		buffer: make(chan engine.ConnectorData, engine.DefaultMailboxSize),
	}

	go c.consume(messages)

	return c, nil
}

func (c *Connector) consume(messages <-chan *message.Message) {
	for msg := range messages {
		var data engine.ConnectorData
		if err := json.Unmarshal(msg.Payload, &data); err != nil {
			c.logger.Error("amqp connector: decode failed", "err", err, "msg_id", msg.UUID)
			msg.Ack()
			continue
		}

		select {
		case c.buffer <- data:
			msg.Ack()
		default:
			c.logger.Warn("amqp connector: buffer full, redelivering", "queue", c.queue)
			msg.Nack()
		}
	}
}

// GetData drains everything currently buffered, non-blocking: an empty
// queue yields an empty (not nil-error) result, matching the poll
// semantics of spec.md 4.1's GetData message.
func (c *Connector) GetData(ctx context.Context) ([]engine.ConnectorData, error) {
	var out []engine.ConnectorData
	for {
		select {
		case data := <-c.buffer:
			out = append(out, data)
		default:
			return out, nil
		}
	}
}

// Close stops consuming and releases the subscriber connection.
func (c *Connector) Close() error {
	return c.sub.Close()
}
