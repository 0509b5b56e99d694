package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/csSone/LlamacppServer/internal/chat"
)

// Publisher is a chat.EventSink that puts domain events on a durable queue.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	kinds map[chat.EventKind]bool
}

// DefaultKinds leaves out per-delta message updates.
var DefaultKinds = []chat.EventKind{
	chat.EventToolStatusChanged,
	chat.EventTopicSwitched,
	chat.EventStatusChanged,
	chat.EventSaveStateChanged,
}

func NewPublisher(url, queue string, kinds ...chat.EventKind) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	set := make(map[chat.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &Publisher{conn: conn, ch: ch, queue: queue, kinds: set}, nil
}

// DeclareQueues declares queue plus its .retry and .dlq companions. The
// consumer declares the same topology.
func DeclareQueues(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	// DLQ
	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	)
	return err
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Wants reports whether events of kind k are published.
func (p *Publisher) Wants(k chat.EventKind) bool { return p.kinds[k] }

func (p *Publisher) HandleEvent(ctx context.Context, ev chat.Event) error {
	if !p.Wants(ev.Kind) {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         string(ev.Kind),
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
