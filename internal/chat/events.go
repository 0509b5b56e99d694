package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type EventKind string

const (
	EventMessageUpdated    EventKind = "message_updated"
	EventToolStatusChanged EventKind = "tool_status_changed"
	EventTopicSwitched     EventKind = "topic_switched"
	EventStatusChanged     EventKind = "status_changed"
	EventSaveStateChanged  EventKind = "save_state_changed"
)

// Event is a domain change. Message is set for message and tool events;
// Status carries the new session or save state.
type Event struct {
	Kind         EventKind `json:"kind"`
	CompletionID string    `json:"completionId"`
	TopicID      string    `json:"topicId,omitempty"`
	Message      *Message  `json:"message,omitempty"`
	Status       string    `json:"status,omitempty"`
	TS           int64     `json:"ts"`
}

// EventSink receives domain events. Sinks are called synchronously on the
// goroutine that changed the state, after the change is in memory.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Bus fans events out to subscribers. A failing sink is logged and
// does not stop delivery to the others.
type Bus struct {
	mu    sync.RWMutex
	sinks []EventSink
	log   *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

func (b *Bus) Subscribe(s EventSink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}
	b.mu.RLock()
	sinks := append([]EventSink(nil), b.sinks...)
	b.mu.RUnlock()
	for _, s := range sinks {
		if err := s.HandleEvent(ctx, ev); err != nil {
			b.log.Warn("event sink failed", "kind", ev.Kind, "err", err)
		}
	}
}
