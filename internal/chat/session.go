package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/csSone/LlamacppServer/internal/ai"
	"github.com/csSone/LlamacppServer/internal/logger"
	"github.com/csSone/LlamacppServer/internal/persist"
	"github.com/csSone/LlamacppServer/internal/tools"
)

var (
	ErrBusy            = errors.New("chat: generation in progress")
	ErrEmptyMessage    = errors.New("chat: message is empty")
	ErrMessageNotFound = errors.New("chat: message not found")
	ErrNotRegenerable  = errors.New("chat: message cannot be regenerated")
)

type State string

const (
	StateIdle         State = "idle"
	StateRequesting   State = "requesting"
	StateStreaming    State = "streaming"
	StateToolsPending State = "tools_pending"
	StateExecuting    State = "executing"
	StateDone         State = "done"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Persister is what a Session needs from persistence.
type Persister interface {
	Bind(id string, build persist.PayloadFunc)
	OnState(fn func(persist.SaveState))
	Save(ctx context.Context, reason string) error
	Flush(ctx context.Context, reason string) error
	Load(ctx context.Context, id string) (*persist.Completion, bool, error)
}

// Options configures a Session. Zero values take the defaults.
type Options struct {
	Settings      Settings
	MaxToolRounds int
	ContextBudget int
	UIBudget      int
	// Catalog holds the MCP tool definitions that EnabledMCPTools picks from.
	Catalog []ai.ToolDef
	Logger  *slog.Logger
}

// Session is one open completion: its topics, its live conversation and
// the generation loop that drives it.
type Session struct {
	id       string
	provider ai.StreamProvider
	exec     tools.Executor
	queue    *tools.Queue
	persist  Persister
	bus      *Bus
	log      *slog.Logger

	maxRounds     int
	contextBudget int
	uiBudget      int
	catalog       []ai.ToolDef

	store  *MessageStore
	topics *TopicManager
	now    func() time.Time

	mu          sync.Mutex
	settings    Settings
	title       string
	createdAt   int64
	state       State
	busy        bool
	cancelReq   context.CancelFunc
	cancelTools context.CancelFunc
}

// NewSession builds a session for completion id with one empty topic. Call
// Load to fetch stored state.
func NewSession(id string, provider ai.StreamProvider, exec tools.Executor, queue *tools.Queue, p Persister, opts Options) *Session {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 3
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = DefaultBudget
	}
	if opts.UIBudget <= 0 {
		opts.UIBudget = DefaultBudget
	}
	if opts.Settings.Mode == "" {
		opts.Settings.Mode = ai.ModeChat
	}
	log := logger.OrDefault(opts.Logger).With("completion", id)

	store := NewMessageStore()
	s := &Session{
		id:            id,
		provider:      provider,
		exec:          exec,
		queue:         queue,
		persist:       p,
		bus:           NewBus(log),
		log:           log,
		maxRounds:     opts.MaxToolRounds,
		contextBudget: opts.ContextBudget,
		uiBudget:      opts.UIBudget,
		catalog:       append([]ai.ToolDef(nil), opts.Catalog...),
		store:         store,
		topics:        NewTopicManager(store),
		now:           time.Now,
		settings:      opts.Settings,
		createdAt:     time.Now().UnixMilli(),
		state:         StateIdle,
	}
	s.topics.Restore(nil, nil, "", TopicData{}, nil)
	if p != nil {
		p.Bind(id, s.payload)
		p.OnState(s.onSaveState)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Subscribe(sink EventSink) { s.bus.Subscribe(sink) }

func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) UpdateSettings(fn func(*Settings)) {
	s.mu.Lock()
	fn(&s.settings)
	s.mu.Unlock()
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.title = strings.TrimSpace(title)
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Messages is the visible conversation of the active topic, system logs
// merged in by order.
func (s *Session) Messages() []Message { return s.store.Visible() }

func (s *Session) Message(id string) (Message, bool) { return s.store.Find(id) }

func (s *Session) Timings(messageID string) (ai.Timings, bool) { return s.store.TimingsFor(messageID) }

func (s *Session) Topics() []Topic { return s.topics.List() }

func (s *Session) ActiveTopic() string { return s.topics.ActiveID() }

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		s.log.Debug("session state", "state", st)
		s.emit(Event{Kind: EventStatusChanged, Status: string(st)})
	}
}

func (s *Session) emit(ev Event) {
	ev.CompletionID = s.id
	if ev.TopicID == "" {
		ev.TopicID = s.topics.ActiveID()
	}
	s.bus.Emit(context.Background(), ev)
}

func (s *Session) emitMessage(m Message) {
	s.emit(Event{Kind: EventMessageUpdated, Message: &m})
}

func (s *Session) emitTool(m Message) {
	s.emit(Event{Kind: EventToolStatusChanged, Message: &m, Status: string(m.ToolStatus)})
	s.emitMessage(m)
}

func (s *Session) save(ctx context.Context, reason string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(ctx, reason); err != nil {
		s.log.Warn("schedule save failed", "reason", reason, "err", err)
	}
}

func (s *Session) flush(ctx context.Context, reason string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Flush(context.WithoutCancel(ctx), reason); err != nil {
		s.log.Warn("flush save failed", "reason", reason, "err", err)
	}
}

// onSaveState may run on a timer goroutine.
func (s *Session) onSaveState(st persist.SaveState) {
	if st.Status == persist.SaveFailed && st.HintChanged && st.Hint != "" {
		m := s.store.AddSystemLog("Save failed: "+st.Hint, true)
		s.emitMessage(m)
	}
	s.emit(Event{Kind: EventSaveStateChanged, Status: string(st.Status)})
}

// payload builds the stored form of the whole completion.
func (s *Session) payload() (*persist.Completion, error) {
	s.mu.Lock()
	st := s.settings
	title, created := s.title, s.createdAt
	s.mu.Unlock()

	params, err := BuildParamsJSON(st, s.topics)
	if err != nil {
		return nil, err
	}
	timings := s.store.TimingsLog()
	if timings == nil {
		timings = []TimingEntry{}
	}
	tj, err := json.Marshal(timings)
	if err != nil {
		return nil, err
	}
	return &persist.Completion{
		ID:           s.id,
		Title:        title,
		Prompt:       st.Prompt.RolePrompt,
		SystemPrompt: st.Prompt.SystemPrompt,
		ParamsJSON:   params,
		TimingsJSON:  string(tj),
		APIModel:     APIModel(st.Mode),
		CreatedAt:    created,
		UpdatedAt:    s.now().UnixMilli(),
	}, nil
}

// Load fetches the completion and installs it. A local backup newer than
// the server copy is applied and flushed back to the server.
func (s *Session) Load(ctx context.Context) error {
	if s.Busy() {
		return ErrBusy
	}
	if s.persist == nil {
		return errors.New("chat: session has no persister")
	}
	c, fromBackup, err := s.persist.Load(ctx, s.id)
	if err != nil {
		return err
	}
	s.Apply(c)
	if fromBackup {
		s.flush(ctx, "restore")
	}
	return nil
}

// Apply installs a decoded completion record.
func (s *Session) Apply(c *persist.Completion) {
	var timings []TimingEntry
	if strings.TrimSpace(c.TimingsJSON) != "" {
		if err := json.Unmarshal([]byte(c.TimingsJSON), &timings); err != nil {
			s.log.Warn("bad timings log", "err", err)
			timings = nil
		}
	}

	s.mu.Lock()
	st := s.settings
	st.Mode = ModeOf(c.APIModel)
	st.Prompt.SystemPrompt = c.SystemPrompt
	st.Prompt.RolePrompt = c.Prompt
	p, err := ApplyParamsJSON(c.ParamsJSON, &st)
	if err != nil {
		s.log.Warn("bad params payload", "err", err)
	}
	s.settings = st
	s.title = c.Title
	if c.CreatedAt > 0 {
		s.createdAt = c.CreatedAt
	}
	s.mu.Unlock()

	legacy := TopicData{History: p.History, SystemLogs: p.SystemLogs, TimingsLog: p.TimingsLog}
	s.topics.Restore(p.Topics, p.TopicData, p.ActiveTopicID, legacy, timings)
	s.emit(Event{Kind: EventTopicSwitched})
}

// Send appends a user message and generates the reply.
func (s *Session) Send(ctx context.Context, text string, attachments []Attachment) error {
	atts := normalizeAttachments(attachments)
	if strings.TrimSpace(text) == "" && len(atts) == 0 {
		return ErrEmptyMessage
	}
	return s.generate(ctx, func() (string, error) {
		m := s.store.Add(RoleUser, text, func(m *Message) { m.Attachments = atts })
		s.emitMessage(m)
		s.save(ctx, "send")
		return "", nil
	})
}

// Regenerate cuts the conversation at id and generates again from there.
func (s *Session) Regenerate(ctx context.Context, id string) error {
	err := s.generate(ctx, func() (string, error) {
		m, ok := s.store.Find(id)
		if !ok {
			return "", ErrMessageNotFound
		}
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return "", ErrNotRegenerable
		}
		switch {
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			s.store.TruncateAt(id, false)
		case m.Role == RoleAssistant:
			s.store.TruncateAt(id, true)
			cleared, _ := s.store.Update(id, func(m *Message) {
				m.Content, m.UIContent, m.Reasoning, m.Status = "", "", "", ""
				m.IsError = false
			})
			s.emitMessage(cleared)
			return id, nil
		default:
			s.store.TruncateAt(id, true)
		}
		return "", nil
	})
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrNotRegenerable) {
		return err
	}
	s.save(ctx, "regenerate")
	return err
}

// StopGeneration aborts the model request in flight.
func (s *Session) StopGeneration() {
	s.mu.Lock()
	cancel := s.cancelReq
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StopTools cancels tool calls that have not started yet. The one running
// is allowed to finish.
func (s *Session) StopTools() {
	s.mu.Lock()
	cancel := s.cancelTools
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) Stop() {
	s.StopGeneration()
	s.StopTools()
}

func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	if s.Busy() {
		return ErrBusy
	}
	if !s.store.Delete(id) {
		return ErrMessageNotFound
	}
	s.save(ctx, "delete message")
	return nil
}

func (s *Session) EditMessage(ctx context.Context, id, content string) error {
	if s.Busy() {
		return ErrBusy
	}
	m, ok := s.store.Update(id, func(m *Message) {
		m.Content = content
		m.UIContent = ""
	})
	if !ok {
		return ErrMessageNotFound
	}
	s.emitMessage(m)
	s.save(ctx, "edit message")
	return nil
}

// ClearChat empties the active topic's conversation and timings. System
// logs are kept.
func (s *Session) ClearChat(ctx context.Context) error {
	if s.Busy() {
		return ErrBusy
	}
	s.store.Clear()
	s.save(ctx, "clear")
	return nil
}

func (s *Session) SwitchTopic(ctx context.Context, id string) error {
	if s.Busy() {
		return ErrBusy
	}
	if err := s.topics.Switch(id, false); err != nil {
		return err
	}
	s.emit(Event{Kind: EventTopicSwitched, TopicID: id})
	s.save(ctx, "switch topic")
	return nil
}

func (s *Session) CreateTopic(ctx context.Context, title string) (Topic, error) {
	if s.Busy() {
		return Topic{}, ErrBusy
	}
	t := s.topics.Create(title)
	s.emit(Event{Kind: EventTopicSwitched, TopicID: t.ID})
	s.save(ctx, "new topic")
	return t, nil
}

func (s *Session) RenameTopic(ctx context.Context, id, title string) error {
	if err := s.topics.Rename(id, title); err != nil {
		return err
	}
	s.save(ctx, "rename topic")
	return nil
}

func (s *Session) DeleteTopic(ctx context.Context, id string) error {
	if s.Busy() {
		return ErrBusy
	}
	switched, err := s.topics.Delete(id)
	if err != nil {
		return err
	}
	if switched {
		s.emit(Event{Kind: EventTopicSwitched})
	}
	s.save(ctx, "delete topic")
	return nil
}
