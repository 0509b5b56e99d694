package chat

import (
	"strings"

	"github.com/csSone/LlamacppServer/internal/ai"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

func (r Role) valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolDone      ToolStatus = "done"
	ToolCancelled ToolStatus = "cancelled"
)

const (
	StatusStopped = "stopped"

	uiRunning   = "running…"
	uiCancelled = "cancelled"
	uiToolFail  = "Tool call failed"
)

type Attachment struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Name    string `json:"name"`
	IsImage bool   `json:"isImage,omitempty"`
}

// Message is one conversation entry. Field names on the wire follow the
// stored completion payload.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	UIContent   string       `json:"uiContent,omitempty"`
	Reasoning   string       `json:"reasoning,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	ToolCallID    string        `json:"tool_call_id,omitempty"`
	ToolName      string        `json:"tool_name,omitempty"`
	ToolArguments string        `json:"tool_arguments,omitempty"`
	ToolStatus    ToolStatus    `json:"tool_status,omitempty"`
	IsError       bool          `json:"is_error,omitempty"`
	ToolCalls     []ai.ToolCall `json:"tool_calls,omitempty"`

	Hidden      bool   `json:"hidden,omitempty"`
	NoContext   bool   `json:"noContext,omitempty"`
	IsSystemLog bool   `json:"isSystemLog,omitempty"`
	Status      string `json:"status,omitempty"`

	Order int64 `json:"order"`
	TS    int64 `json:"ts"`
}

// Display is the text shown to a user: the UI text when set, else content.
func (m *Message) Display() string {
	if m.UIContent != "" {
		return m.UIContent
	}
	return m.Content
}

// blank reports whether nothing was ever written into m.
func (m *Message) blank() bool {
	return strings.TrimSpace(m.Content) == "" &&
		strings.TrimSpace(m.UIContent) == "" &&
		strings.TrimSpace(m.Reasoning) == "" &&
		len(m.ToolCalls) == 0 &&
		len(m.Attachments) == 0
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ToolCalls != nil {
		m.ToolCalls = append([]ai.ToolCall(nil), m.ToolCalls...)
	}
	return m
}

func cloneAll(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.clone()
	}
	return out
}

type Topic struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type TimingEntry struct {
	MessageID string     `json:"messageId"`
	TS        int64      `json:"ts"`
	Timings   ai.Timings `json:"timings"`
}

// TopicData holds one topic's arrays while it is not active.
type TopicData struct {
	History    []Message     `json:"history"`
	SystemLogs []Message     `json:"systemLogs"`
	TimingsLog []TimingEntry `json:"timingsLog"`
}

func (d TopicData) clone() TopicData {
	return TopicData{
		History:    cloneAll(d.History),
		SystemLogs: cloneAll(d.SystemLogs),
		TimingsLog: append([]TimingEntry(nil), d.TimingsLog...),
	}
}
