package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/csSone/LlamacppServer/internal/metrics"
)

// PayloadFunc builds the current payload. Debounced writes call it when
// the timer fires, so they always carry the latest state.
type PayloadFunc func() (*Completion, error)

// WriteResult reports a finished server write.
type WriteResult func(key string, c *Completion, err error)

// DurableWriter puts completions on one Remote, either coalesced behind a
// debounce or immediately.
type DurableWriter struct {
	remote  Remote
	delay   time.Duration
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]PayloadFunc
	onWrite WriteResult
}

func NewDurableWriter(remote Remote, delay time.Duration, log *slog.Logger) *DurableWriter {
	if log == nil {
		log = slog.Default()
	}
	return &DurableWriter{
		remote:  remote,
		delay:   delay,
		timeout: 30 * time.Second,
		log:     log,
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]PayloadFunc),
	}
}

func (w *DurableWriter) OnWrite(fn WriteResult) {
	w.mu.Lock()
	w.onWrite = fn
	w.mu.Unlock()
}

// ScheduleWrite (re)arms the debounce for key. Only the last payload
// scheduled before the timer fires is written.
func (w *DurableWriter) ScheduleWrite(key string, payload PayloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[key] = payload
	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.timers[key] = time.AfterFunc(w.delay, func() { w.fire(key) })
}

// WriteNow cancels any pending debounce for key and writes c.
func (w *DurableWriter) WriteNow(ctx context.Context, key string, c *Completion) error {
	w.Cancel(key)
	err := w.write(ctx, c)
	w.report(key, c, err)
	return err
}

// Cancel drops a pending debounced write.
func (w *DurableWriter) Cancel(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[key]; ok {
		t.Stop()
		delete(w.timers, key)
	}
	delete(w.pending, key)
}

// Close stops every timer without writing.
func (w *DurableWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, t := range w.timers {
		t.Stop()
		delete(w.timers, k)
	}
	w.pending = make(map[string]PayloadFunc)
}

func (w *DurableWriter) fire(key string) {
	w.mu.Lock()
	build, ok := w.pending[key]
	delete(w.pending, key)
	delete(w.timers, key)
	w.mu.Unlock()
	if !ok {
		return
	}

	c, err := build()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err = w.write(ctx, c)
		cancel()
	}
	w.report(key, c, err)
}

func (w *DurableWriter) write(ctx context.Context, c *Completion) error {
	start := time.Now()
	enc := c.Encode()
	err := w.remote.Save(ctx, &enc)
	metrics.Saves.WithLabelValues("server", metrics.Outcome(err, false)).Inc()
	w.log.Debug("completion write", "id", c.ID, "took_ms", time.Since(start).Milliseconds(), "err", err)
	return err
}

func (w *DurableWriter) report(key string, c *Completion, err error) {
	w.mu.Lock()
	fn := w.onWrite
	w.mu.Unlock()
	if fn != nil {
		fn(key, c, err)
	}
}
