package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/csSone/LlamacppServer/internal/ai"
	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/metrics"
	"github.com/csSone/LlamacppServer/internal/tools"
)

// begin marks the session busy and installs the two cancel functions.
func (s *Session) begin(cancelReq, cancelTools context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	s.cancelReq, s.cancelTools = cancelReq, cancelTools
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.cancelReq, s.cancelTools = nil, nil
	s.mu.Unlock()
}

// generate runs one user-visible generation: a model request, then up to
// maxRounds tool rounds each followed by another request. prepare runs once
// the session is marked busy and may change the conversation; it returns
// the assistant message to write into, "" for a new one.
func (s *Session) generate(parent context.Context, prepare func() (string, error)) error {
	reqCtx, cancelReq := context.WithCancel(parent)
	toolCtx, cancelTools := context.WithCancel(parent)
	defer cancelReq()
	defer cancelTools()
	if err := s.begin(cancelReq, cancelTools); err != nil {
		return err
	}
	defer s.end()

	target, err := prepare()
	if err != nil {
		return err
	}

	settings := s.Settings()
	isChat := settings.Mode != ai.ModeCompletion
	start := time.Now()

	var (
		rounds           int
		allowTools       = true
		includeNoContext bool
		stopAfter        bool
		followUpNoCtx    bool
		current          = target
	)

	for {
		req := s.buildRequest(settings, current, includeNoContext, allowTools && rounds < s.maxRounds)
		if current == "" {
			extra := func(m *Message) { m.NoContext = followUpNoCtx }
			var m Message
			if req.Stream {
				m = s.store.AddHidden(RoleAssistant, extra)
			} else {
				m = s.store.Add(RoleAssistant, "", extra)
				s.emitMessage(m)
			}
			current = m.ID
			followUpNoCtx = false
		}

		res, err := s.stream(reqCtx, req, current)
		if err != nil {
			return s.fail(parent, current, err)
		}
		if stopAfter {
			break
		}
		if !isChat || len(res.ToolCalls) == 0 || rounds >= s.maxRounds {
			break
		}

		failures, err := s.runToolRound(toolCtx, current, res.ToolCalls)
		if err != nil {
			return s.fail(parent, current, err)
		}
		s.save(parent, "tools")
		rounds++
		if len(failures) > 0 {
			log := s.store.AddSystemLog("Tool call failed: "+strings.Join(failures, "\n"), true)
			s.emitMessage(log)
			if m, ok := s.store.Update(current, func(m *Message) {
				m.UIContent = uiToolFail
				m.Content = ""
			}); ok {
				s.emitMessage(m)
			}
			allowTools = false
			includeNoContext = true
			stopAfter = true
			followUpNoCtx = true
		}
		current = ""
	}

	s.setState(StateDone)
	s.log.Info("generation done", "rounds", rounds, "took_ms", time.Since(start).Milliseconds())
	s.save(parent, "done")
	return nil
}

// buildRequest renders the conversation minus the message being generated.
func (s *Session) buildRequest(st Settings, exclude string, includeNoContext, offerTools bool) *ai.Request {
	var history []Message
	for _, m := range s.store.Messages() {
		if m.ID != exclude {
			history = append(history, m)
		}
	}

	params := st.Params
	if params.Stop == nil {
		params.Stop = DefaultStop(st.Mode, st.Prompt)
	}
	req := &ai.Request{
		Mode:               st.Mode,
		Model:              st.Model,
		Params:             params,
		EnableThinking:     st.EnableThinking,
		ChatTemplateKwargs: map[string]any{"enable_thinking": st.EnableThinking},
		Stream:             st.Stream,
	}
	if st.Mode == ai.ModeCompletion {
		req.Prompt = BuildPrompt(st.Prompt, history)
		return req
	}
	req.Messages = BuildChatMessages(st.Prompt, history, includeNoContext)
	if offerTools {
		if defs := s.toolDefs(st); len(defs) > 0 {
			req.Tools = defs
			req.ToolChoice = "auto"
			req.ParseToolCalls = true
		}
	}
	return req
}

// toolDefs is web search when enabled, then the enabled catalog tools in
// the order they were enabled.
func (s *Session) toolDefs(st Settings) []ai.ToolDef {
	var out []ai.ToolDef
	seen := make(map[string]bool)
	if st.EnableWebSearch {
		out = append(out, tools.WebSearchDef())
		seen[tools.WebSearchTool] = true
	}
	byName := make(map[string]ai.ToolDef, len(s.catalog))
	for _, d := range s.catalog {
		if n := strings.TrimSpace(d.Function.Name); n != "" {
			if _, dup := byName[n]; !dup {
				byName[n] = d
			}
		}
	}
	for _, n := range normalizeToolNames(st.EnabledMCPTools) {
		d, ok := byName[n]
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, d)
	}
	return out
}

// stream sends req and folds every delta into message id as it arrives.
// The message is revealed by the first useful delta.
func (s *Session) stream(ctx context.Context, req *ai.Request, id string) (*ai.Result, error) {
	s.setState(StateRequesting)
	chunks, errs := s.provider.StreamChat(ctx, req)

	res := &ai.Result{}
	for d := range chunks {
		s.setState(StateStreaming)
		res.Apply(d)
		if d.Timings != nil {
			s.store.UpsertTimings(id, *d.Timings)
		}
		if !d.Useful() {
			continue
		}
		calls := ai.CompactToolCalls(res.ToolCalls)
		if m, ok := s.store.Update(id, func(m *Message) {
			m.Content = res.Content
			m.Reasoning = res.Reasoning
			if len(calls) > 0 {
				m.ToolCalls = calls
			}
			m.Hidden = false
		}); ok {
			s.emitMessage(m)
		}
	}
	err := <-errs
	res.ToolCalls = ai.CompactToolCalls(res.ToolCalls)
	return res, err
}

// runToolRound executes the tool calls of one assistant message and
// returns the failure texts. A cancellation error is returned as-is after
// the unstarted calls are marked cancelled.
func (s *Session) runToolRound(ctx context.Context, assistantID string, calls []ai.ToolCall) ([]string, error) {
	s.setState(StateToolsPending)
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = "call_" + common.MustULID()
		}
	}

	names := make([]string, 0, len(calls))
	for _, c := range calls {
		if n := strings.TrimSpace(c.Function.Name); n != "" {
			names = append(names, n)
		}
	}
	if m, ok := s.store.Update(assistantID, func(m *Message) {
		m.ToolCalls = append([]ai.ToolCall(nil), calls...)
		m.Hidden = false
		if strings.TrimSpace(m.Content) == "" {
			m.UIContent = "Calling tools"
			if len(names) > 0 {
				m.UIContent += ": " + strings.Join(names, ", ")
			}
		}
	}); ok {
		s.emitMessage(m)
	}

	ids := make([]string, len(calls))
	for i, c := range calls {
		m := s.store.Add(RoleTool, "", func(m *Message) {
			m.ToolCallID = c.ID
			m.ToolName = c.Function.Name
			m.ToolArguments = c.Function.Arguments
			m.ToolStatus = ToolPending
			m.UIContent = uiRunning
		})
		ids[i] = m.ID
		s.emitTool(m)
	}
	s.flush(ctx, "tool request")

	s.setState(StateExecuting)
	preparedQuery := PreparedQuery(s.store.Messages())
	var failures []string
	for i, c := range calls {
		if err := ctx.Err(); err != nil {
			s.cancelToolMessages(ids[i:])
			return failures, common.Cancelled(err)
		}

		call := tools.Call{ToolName: c.Function.Name, Arguments: c.Function.Arguments, PreparedQuery: preparedQuery}
		var resp *tools.Response
		var execErr error
		started := time.Now()
		qerr := s.queue.Run(ctx, func(runCtx context.Context) error {
			resp, execErr = s.exec.Execute(runCtx, call)
			return nil
		})
		if qerr != nil {
			if common.IsCancellation(qerr) {
				metrics.ToolExecutions.WithLabelValues(call.ToolName, "cancelled").Inc()
				s.cancelToolMessages(ids[i:])
				return failures, qerr
			}
			execErr = qerr
		}
		if execErr == nil && resp != nil && !resp.Success {
			msg := resp.Error
			if strings.TrimSpace(msg) == "" {
				msg = "tool execution failed"
			}
			execErr = errors.New(msg)
		}
		if execErr == nil && resp == nil {
			execErr = errors.New("empty tool response")
		}

		if execErr != nil {
			terr := &common.ToolExecutionError{Tool: call.ToolName, Err: execErr}
			s.log.Warn("tool call failed", "err", terr, "took_ms", time.Since(started).Milliseconds())
			metrics.ToolExecutions.WithLabelValues(call.ToolName, "error").Inc()
			failures = append(failures, execErr.Error())
			text := toolFailureJSON(call.ToolName, execErr.Error())
			s.finishTool(ids[i], text, text, true)
			continue
		}

		metrics.ToolExecutions.WithLabelValues(call.ToolName, "ok").Inc()
		content := resp.Content()
		ui := content
		if strings.TrimSpace(ui) == "" {
			ui = resp.Marshal()
		}
		s.finishTool(ids[i], content, ui, false)
	}

	if len(failures) > 0 {
		for _, id := range ids {
			s.store.Update(id, func(m *Message) { m.NoContext = true })
		}
	}
	return failures, nil
}

func toolFailureJSON(tool, errText string) string {
	b, _ := json.Marshal(struct {
		Success  bool   `json:"success"`
		ToolName string `json:"tool_name"`
		Error    string `json:"error"`
	}{false, tool, errText})
	return string(b)
}

// finishTool stores both texts of a completed call, each truncated to its
// own budget.
func (s *Session) finishTool(id, content, ui string, isError bool) {
	m, ok := s.store.Update(id, func(m *Message) {
		m.Content = Truncate(content, s.contextBudget)
		m.UIContent = Truncate(ui, s.uiBudget)
		m.ToolStatus = ToolDone
		m.IsError = isError
	})
	if ok {
		s.emitTool(m)
	}
}

func (s *Session) cancelToolMessages(ids []string) {
	for _, id := range ids {
		m, ok := s.store.Update(id, func(m *Message) {
			m.ToolStatus = ToolCancelled
			m.NoContext = true
			m.UIContent = uiCancelled
			m.Content = ""
		})
		if ok {
			s.emitTool(m)
		}
	}
}

// fail ends a generation that returned err. Cancellation marks the
// assistant stopped; anything else is logged into the conversation.
func (s *Session) fail(ctx context.Context, current string, err error) error {
	if m, ok := s.store.Find(current); ok && m.Role == RoleAssistant && m.Hidden && m.blank() {
		s.store.Remove(current)
		current = ""
	}

	if common.IsCancellation(err) {
		if current != "" {
			if m, ok := s.store.Update(current, func(m *Message) { m.Status = StatusStopped }); ok {
				s.emitMessage(m)
			}
		}
		s.setState(StateCancelled)
		s.log.Info("generation stopped")
		s.flush(ctx, "stop")
		return common.Cancelled(err)
	}

	log := s.store.AddSystemLog("Generation failed: "+failureText(err), false)
	s.emitMessage(log)
	s.setState(StateFailed)
	s.log.Warn("generation failed", "err", err)
	s.flush(ctx, "failed")
	return err
}

func failureText(err error) string {
	var se *common.StreamError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
