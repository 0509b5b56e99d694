package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/csSone/LlamacppServer/internal/ai"
	"github.com/csSone/LlamacppServer/internal/chat"
	"github.com/csSone/LlamacppServer/internal/config"
	"github.com/csSone/LlamacppServer/internal/logger"
	"github.com/csSone/LlamacppServer/internal/persist"
	"github.com/csSone/LlamacppServer/internal/store/backup"
	"github.com/csSone/LlamacppServer/internal/store/rabbitmq"
	"github.com/csSone/LlamacppServer/internal/store/redisstore"
	"github.com/csSone/LlamacppServer/internal/tools"
)

type closer func() error

// runtime is everything one command needs to talk to the backend and
// llama-server.
type runtime struct {
	cfg    config.Config
	log    *slog.Logger
	remote *persist.HTTPRemote

	closers []closer
}

func loadRuntime() *runtime {
	if configFile != "" {
		_ = os.Setenv("CONFIG_FILE", configFile)
	}
	cfg := config.Load()
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	// stdout carries the conversation
	log := logger.New(os.Stderr, level)
	slog.SetDefault(log)

	return &runtime{
		cfg:    cfg,
		log:    log,
		remote: persist.NewHTTPRemote(cfg.BackendBaseURL, cfg.ToolTimeout),
	}
}

func (rt *runtime) onClose(fn closer) { rt.closers = append(rt.closers, fn) }

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("close", "err", err)
		}
	}
	rt.closers = nil
}

type backupStore interface {
	persist.BackupStore
	Close() error
}

func (rt *runtime) openBackup(ctx context.Context) (backupStore, error) {
	switch rt.cfg.BackupDriver {
	case "redis":
		return redisstore.New(ctx, rt.cfg.RedisAddr, rt.cfg.RedisPassword, rt.cfg.RedisDB)
	default:
		return backup.Open(rt.cfg.BackupDir)
	}
}

// openSession wires a session for completion id and loads it.
func (rt *runtime) openSession(ctx context.Context, id string, out io.Writer) (*chat.Session, *persist.Reconciler, error) {
	cfg := rt.cfg

	store, err := rt.openBackup(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open backup (%s): %w", cfg.BackupDriver, err)
	}
	rt.onClose(store.Close)

	writer := persist.NewDurableWriter(rt.remote, cfg.SaveDebounce, rt.log)
	rec := persist.NewReconciler(rt.remote, store, writer, rt.log)
	rt.onClose(func() error { rec.Close(); return nil })

	queue := tools.NewQueue(0)
	rt.onClose(func() error { queue.Close(); return nil })

	exec := tools.NewHTTPExecutor(cfg.BackendBaseURL, cfg.ToolTimeout)
	catalog, err := exec.List(ctx)
	if err != nil {
		rt.log.Warn("tool catalog unavailable", "err", err)
	}

	client := ai.NewLlamaClient(cfg.LlamaBaseURL, cfg.LlamaModel, cfg.RequestHeaderTimeout, cfg.RequestRetries, rt.log)

	st := chat.DefaultSettings()
	st.Model = cfg.LlamaModel
	st.Stream = cfg.Stream
	if cfg.LlamaAPIMode == "completion" {
		st.Mode = ai.ModeCompletion
	}
	s := chat.NewSession(id, client, exec, queue, rec, chat.Options{
		Settings:      st,
		MaxToolRounds: cfg.MaxToolRounds,
		ContextBudget: cfg.ContextBudget,
		UIBudget:      cfg.UIBudget,
		Catalog:       catalog,
		Logger:        rt.log,
	})
	if err := s.Load(ctx); err != nil {
		return nil, nil, err
	}

	if out != nil {
		s.Subscribe(newPrinter(out))
	}
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitEventsQueue)
		if err != nil {
			rt.log.Warn("event publishing disabled", "err", err)
		} else {
			rt.onClose(pub.Close)
			s.Subscribe(pub)
		}
	}
	return s, rec, nil
}

// printer writes streamed assistant text and tool progress as it arrives.
type printer struct {
	out io.Writer

	mu      sync.Mutex
	printed map[string]int
	last    string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, printed: make(map[string]int)}
}

func (p *printer) HandleEvent(_ context.Context, ev chat.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case chat.EventMessageUpdated:
		m := ev.Message
		if m == nil || m.Role != chat.RoleAssistant {
			return nil
		}
		text := m.Display()
		n := p.printed[m.ID]
		if len(text) <= n || !utf8.ValidString(text[n:]) {
			return nil
		}
		if p.last != m.ID && n == 0 {
			fmt.Fprint(p.out, "\nassistant> ")
		}
		fmt.Fprint(p.out, text[n:])
		p.printed[m.ID] = len(text)
		p.last = m.ID
	case chat.EventToolStatusChanged:
		m := ev.Message
		if m == nil {
			return nil
		}
		status := string(m.ToolStatus)
		if m.IsError {
			status += " (error)"
		}
		fmt.Fprintf(p.out, "\n[tool %s %s] %s\n", m.ToolName, status, oneLine(m.ToolArguments, 80))
		p.last = ""
	case chat.EventStatusChanged:
		if ev.Status == string(chat.StateFailed) || ev.Status == string(chat.StateCancelled) {
			fmt.Fprintf(p.out, "\n(%s)\n", ev.Status)
			p.last = ""
		}
	case chat.EventSaveStateChanged:
		if ev.Status == string(persist.SaveFailed) {
			fmt.Fprintln(p.out, "\n(save failed, kept in local backup)")
		}
	}
	return nil
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}
