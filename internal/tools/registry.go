package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/csSone/LlamacppServer/internal/ai"
	"github.com/csSone/LlamacppServer/internal/logger"
	"github.com/csSone/LlamacppServer/internal/metrics"
)

// Handler executes one tool server-side and returns its text output.
type Handler func(ctx context.Context, arguments, preparedQuery string) (string, error)

type entry struct {
	def     ai.ToolDef
	handler Handler
}

// Registry maps tool names to handlers. It is the in-process Executor used
// by the reference backend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	timeout time.Duration
	log     *slog.Logger
}

func NewRegistry(timeout time.Duration, log *slog.Logger) *Registry {
	return &Registry{entries: make(map[string]entry), timeout: timeout, log: logger.OrDefault(log)}
}

func (r *Registry) Register(def ai.ToolDef, h Handler) {
	name := strings.TrimSpace(def.Function.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{def: def, handler: h}
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.TrimSpace(name)]
	return e, ok
}

// Definitions lists every registered tool, sorted by name.
func (r *Registry) Definitions() []ai.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ai.ToolDef, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

// Execute never returns an error for tool failures; they come back as
// Success=false so the caller can report them to the model.
func (r *Registry) Execute(ctx context.Context, call Call) (*Response, error) {
	name := strings.TrimSpace(call.ToolName)
	if name == "" {
		return &Response{Success: false, Error: "tool_name is required"}, nil
	}
	e, ok := r.lookup(name)
	if !ok {
		return &Response{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := e.handler(ctx, call.Arguments, call.PreparedQuery)
	elapsed := time.Since(start)
	metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		r.log.Info("tool failed", "tool", name, "elapsed", elapsed.Round(time.Millisecond), "err", err)
		return &Response{Success: false, Error: err.Error()}, nil
	}
	r.log.Debug("tool done", "tool", name, "elapsed", elapsed.Round(time.Millisecond), "chars", len(out))
	return &Response{Success: true, Data: &ResponseData{Content: out}}, nil
}
