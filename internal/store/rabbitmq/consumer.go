package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/csSone/LlamacppServer/internal/chat"
	"github.com/csSone/LlamacppServer/internal/logger"
)

const (
	attemptHeader = "x-attempt"
	maxAttempts   = 3
)

// EventHandler processes one consumed domain event.
type EventHandler func(ctx context.Context, ev chat.Event) error

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Consumer settles deliveries from the events queue. A failed event goes to
// the .retry queue, whose TTL dead-letters it back to the main queue; after
// maxAttempts it is rejected into the .dlq.
type Consumer struct {
	ch         publisher
	queue      string
	handle     EventHandler
	log        *slog.Logger
	RetryDelay time.Duration
}

func NewConsumer(ch *amqp.Channel, queue string, handle EventHandler, log *slog.Logger) *Consumer {
	return &Consumer{ch: ch, queue: queue, handle: handle, log: logger.OrDefault(log), RetryDelay: 5 * time.Second}
}

// DecodeEvent parses a delivery published by Publisher.
func DecodeEvent(d amqp.Delivery) (chat.Event, error) {
	var ev chat.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return ev, err
	}
	if ev.Kind == "" {
		ev.Kind = chat.EventKind(d.Type)
	}
	if ev.Kind == "" {
		return ev, errors.New("event kind missing")
	}
	return ev, nil
}

func attempts(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Handle processes and settles d. It never returns an error; the outcome is
// expressed by ack, retry or reject.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	ev, err := DecodeEvent(d)
	if err != nil {
		c.log.Warn("bad event message", "err", err, "type", d.Type)
		_ = d.Nack(false, false)
		return
	}

	if err := c.handle(ctx, ev); err != nil {
		c.retry(ctx, d, ev, err)
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Warn("ack failed", "kind", ev.Kind, "err", err)
	}
}

func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, ev chat.Event, cause error) {
	n := attempts(d.Headers) + 1
	if n >= maxAttempts {
		c.log.Warn("event dead-lettered", "kind", ev.Kind, "completion", ev.CompletionID, "attempts", n, "err", cause)
		_ = d.Nack(false, false)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptHeader] = int32(n)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := c.ch.PublishWithContext(pctx, "", c.queue+".retry", false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Type:         d.Type,
		Headers:      headers,
		Expiration:   strconv.FormatInt(c.RetryDelay.Milliseconds(), 10),
		Body:         d.Body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		c.log.Warn("retry publish failed", "kind", ev.Kind, "err", err)
		_ = d.Nack(false, false)
		return
	}
	c.log.Info("event scheduled for retry", "kind", ev.Kind, "attempt", n, "err", cause)
	_ = d.Ack(false)
}
