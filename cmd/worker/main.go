package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/csSone/LlamacppServer/internal/chat"
	"github.com/csSone/LlamacppServer/internal/config"
	"github.com/csSone/LlamacppServer/internal/logger"
	"github.com/csSone/LlamacppServer/internal/store/rabbitmq"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

// audit tallies consumed events per kind and logs the interesting ones.
type audit struct {
	log *slog.Logger

	mu     sync.Mutex
	counts map[chat.EventKind]int
}

func (a *audit) handle(_ context.Context, ev chat.Event) error {
	a.mu.Lock()
	a.counts[ev.Kind]++
	a.mu.Unlock()

	attrs := []any{"kind", ev.Kind, "completion", ev.CompletionID, "topic", ev.TopicID, "status", ev.Status}
	if ev.Message != nil {
		attrs = append(attrs, "message", ev.Message.ID, "role", ev.Message.Role)
		if ev.Message.ToolName != "" {
			attrs = append(attrs, "tool", ev.Message.ToolName)
		}
	}
	switch {
	case ev.Kind == chat.EventSaveStateChanged && ev.Status == "error":
		a.log.Warn("completion save failed", attrs...)
	case ev.Kind == chat.EventStatusChanged && ev.Status == string(chat.StateFailed):
		a.log.Warn("generation failed", attrs...)
	default:
		a.log.Info("event", attrs...)
	}
	return nil
}

func (a *audit) summary() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, n := range a.counts {
		a.log.Info("events consumed", "kind", k, "count", n)
	}
}

func main() {
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel)

	if cfg.RabbitURL == "" {
		log.Error("RABBIT_URL is required")
		os.Exit(1)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Error("rabbit dial", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Error("rabbit channel", "err", err)
		os.Exit(1)
	}
	defer ch.Close()

	queue := cfg.RabbitEventsQueue
	if err := rabbitmq.DeclareQueues(ch, queue); err != nil {
		log.Error("queue declare", "err", err)
		os.Exit(1)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Error("qos", "err", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		log.Error("consume", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &audit{log: log, counts: make(map[chat.EventKind]int)}
	consumer := rabbitmq.NewConsumer(ch, queue, a.handle, log)

	log.Info("worker started", "queue", queue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				start := time.Now()
				consumer.Handle(ctx, d)
				if cost := time.Since(start); cost > 500*time.Millisecond {
					log.Info("event_timing", "worker", workerID, "type", d.Type,
						"size", humanize.Bytes(uint64(len(d.Body))), "cost", cost)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			a.summary()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				a.summary()
				return
			}
			jobs <- d
		}
	}
}
