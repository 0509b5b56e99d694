package chat

import (
	"strings"

	"github.com/csSone/LlamacppServer/internal/ai"
	"github.com/csSone/LlamacppServer/internal/common"
)

const startMarker = "[Start a new Chat]"

// PromptSettings are the per-completion prompt pieces.
type PromptSettings struct {
	SystemPrompt string `json:"systemPrompt"`
	RolePrompt   string `json:"prompt"`

	UserName        string `json:"userName"`
	AssistantName   string `json:"assistantName"`
	UserPrefix      string `json:"userPrefix"`
	UserSuffix      string `json:"userSuffix"`
	AssistantPrefix string `json:"assistantPrefix"`
	AssistantSuffix string `json:"assistantSuffix"`
}

func (p PromptSettings) userName() string {
	if n := strings.TrimSpace(p.UserName); n != "" {
		return n
	}
	return "User"
}

func (p PromptSettings) assistantName() string {
	if n := strings.TrimSpace(p.AssistantName); n != "" {
		return n
	}
	return "Assistant"
}

// DefaultStop is used when no stop words are configured.
func DefaultStop(mode ai.Mode, p PromptSettings) []string {
	if mode == ai.ModeCompletion {
		return []string{"\n" + p.userName(), "\n***"}
	}
	return []string{"<|endoftext|>"}
}

// BuildChatMessages renders history into the chat request message list.
// NoContext messages are skipped unless includeNoContext is set.
func BuildChatMessages(p PromptSettings, history []Message, includeNoContext bool) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(history)+3)
	pushText := func(role Role, text string) {
		if text != "" {
			out = append(out, ai.ChatMessage{Role: string(role), Content: text})
		}
	}

	if sys := strings.TrimSpace(p.SystemPrompt); sys != "" {
		out = append(out, ai.ChatMessage{Role: string(RoleSystem), Content: sys})
	}
	if rp := strings.TrimSpace(p.RolePrompt); rp != "" {
		out = append(out, ai.ChatMessage{Role: string(RoleSystem), Content: rp})
	}
	out = append(out, ai.ChatMessage{Role: string(RoleSystem), Content: startMarker})

	for _, m := range history {
		if m.NoContext && !includeNoContext {
			continue
		}
		switch m.Role {
		case RoleUser:
			pushText(RoleUser, p.UserPrefix)
			out = append(out, ai.ChatMessage{Role: string(RoleUser), Content: userContent(m)})
			pushText(RoleUser, p.UserSuffix)
		case RoleAssistant:
			if len(m.ToolCalls) > 0 {
				out = append(out, ai.ChatMessage{Role: string(RoleAssistant), Content: m.Content, ToolCalls: ai.CompactToolCalls(m.ToolCalls)})
			} else if strings.TrimSpace(m.Content) != "" {
				pushText(RoleAssistant, p.AssistantPrefix)
				out = append(out, ai.ChatMessage{Role: string(RoleAssistant), Content: m.Content})
				pushText(RoleAssistant, p.AssistantSuffix)
			}
		case RoleTool:
			out = append(out, ai.ChatMessage{Role: string(RoleTool), Content: m.Content, ToolCallID: m.ToolCallID})
		}
	}
	return out
}

func userContent(m Message) any {
	if len(m.Attachments) == 0 {
		return m.Content
	}
	parts := make([]ai.ContentPart, 0, len(m.Attachments)+1)
	if m.Content != "" {
		parts = append(parts, ai.ContentPart{Type: "text", Text: m.Content})
	}
	for _, a := range m.Attachments {
		if a.URL != "" {
			parts = append(parts, ai.ContentPart{Type: "file", Text: a.URL})
		}
	}
	if len(parts) == 0 {
		return m.Content
	}
	return parts
}

// BuildPrompt renders history as a plain-text transcript for
// /v1/completions, ending with an open assistant turn.
func BuildPrompt(p PromptSettings, history []Message) string {
	var lines []string
	if sys := strings.TrimSpace(p.SystemPrompt); sys != "" {
		lines = append(lines, "System: "+sys)
	}
	lines = append(lines, "***")

	user, assistant := p.userName(), p.assistantName()
	for _, m := range history {
		if m.NoContext {
			continue
		}
		switch m.Role {
		case RoleSystem:
			lines = append(lines, "System: "+m.Content)
		case RoleUser:
			t := m.Content
			for _, a := range m.Attachments {
				if a.URL == "" {
					continue
				}
				if t != "" {
					t += "\n"
				}
				t += "[file] " + a.URL
			}
			lines = append(lines, user+": "+p.UserPrefix+t+p.UserSuffix)
		case RoleAssistant:
			lines = append(lines, assistant+": "+p.AssistantPrefix+m.Content+p.AssistantSuffix)
		}
	}
	lines = append(lines, assistant+": "+p.AssistantPrefix)
	return strings.Join(lines, "\n")
}

// PreparedQuery is the last non-blank user message, trimmed.
func PreparedQuery(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != RoleUser {
			continue
		}
		if q := strings.TrimSpace(history[i].Content); q != "" {
			return q
		}
	}
	return ""
}

// NormalizeHistory cleans a loaded history. It drops unknown roles,
// backfills ts and order, normalizes attachments, restores tool name and
// arguments from the owning assistant's tool_calls, and marks tool calls
// left pending by a crash as cancelled.
func NormalizeHistory(history []Message, nowMS int64) []Message {
	type callInfo struct{ name, args string }
	calls := make(map[string]callInfo)
	out := make([]Message, 0, len(history))

	for _, m := range history {
		if !m.Role.valid() {
			continue
		}
		m = m.clone()
		if m.Role == RoleAssistant {
			for _, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					continue
				}
				prev := calls[id]
				name := strings.TrimSpace(tc.Function.Name)
				if name == "" {
					name = prev.name
				}
				calls[id] = callInfo{name: name, args: tc.Function.Arguments}
			}
		}
		if m.Role == RoleTool && m.ToolCallID != "" && (m.ToolName == "" || strings.TrimSpace(m.ToolArguments) == "") {
			if saved, ok := calls[m.ToolCallID]; ok {
				if m.ToolName == "" {
					m.ToolName = saved.name
				}
				if strings.TrimSpace(m.ToolArguments) == "" {
					m.ToolArguments = saved.args
				}
			}
		}
		if m.Role == RoleTool && m.ToolStatus == ToolPending {
			m.ToolStatus = ToolCancelled
			m.NoContext = true
			m.UIContent = uiCancelled
			m.Content = ""
		}
		if m.Role == RoleTool && m.ToolStatus == "" {
			m.ToolStatus = ToolDone
		}
		m.Attachments = normalizeAttachments(m.Attachments)
		if m.ID == "" {
			m.ID = common.MustULID()
		}
		if m.TS == 0 {
			m.TS = nowMS
		}
		if m.Order == 0 {
			m.Order = m.TS
		}
		out = append(out, m)
	}
	return out
}

func normalizeAttachments(in []Attachment) []Attachment {
	var out []Attachment
	for _, a := range in {
		if strings.TrimSpace(a.URL) == "" {
			continue
		}
		switch a.Type {
		case "file":
			out = append(out, a)
		case "image_url":
			out = append(out, Attachment{Type: "file", URL: a.URL, Name: a.Name, IsImage: true})
		case "text_file", "file_url":
			out = append(out, Attachment{Type: "file", URL: a.URL, Name: a.Name})
		}
	}
	return out
}
