package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/csSone/LlamacppServer/internal/ai"
)

// Settings are the per-completion generation settings.
type Settings struct {
	Model           string
	Mode            ai.Mode
	Stream          bool
	Prompt          PromptSettings
	Params          ai.Params
	EnableThinking  bool
	EnableWebSearch bool
	EnabledMCPTools []string
}

func DefaultSettings() Settings {
	return Settings{
		Mode:           ai.ModeChat,
		Stream:         true,
		Params:         ai.DefaultParams(),
		EnableThinking: true,
	}
}

// APIModel is the stored mode flag: 1 for chat, 0 for completion.
func APIModel(m ai.Mode) int {
	if m == ai.ModeCompletion {
		return 0
	}
	return 1
}

func ModeOf(apiModel int) ai.Mode {
	if apiModel == 0 {
		return ai.ModeCompletion
	}
	return ai.ModeChat
}

// ParamsPayload is the paramsJson document of a stored completion.
type ParamsPayload struct {
	Model           string `json:"model"`
	APIModel        *int   `json:"apiModel,omitempty"`
	UserName        string `json:"userName"`
	AssistantName   string `json:"assistantName,omitempty"`
	UserPrefix      string `json:"userPrefix"`
	UserSuffix      string `json:"userSuffix"`
	AssistantPrefix string `json:"assistantPrefix"`
	AssistantSuffix string `json:"assistantSuffix"`

	EnableThinking  *bool      `json:"enableThinking,omitempty"`
	EnableWebSearch bool       `json:"enableWebSearch"`
	EnabledMCPTools []string   `json:"enabledMcpTools"`
	Params          *ai.Params `json:"params,omitempty"`

	History    []Message     `json:"history"`
	SystemLogs []Message     `json:"systemLogs"`
	TimingsLog []TimingEntry `json:"timingsLog,omitempty"`

	ActiveTopicID string               `json:"activeTopicId"`
	Topics        []Topic              `json:"topics"`
	TopicData     map[string]TopicData `json:"topicData"`
}

// BuildParamsJSON parks the active topic and serializes settings plus
// every topic.
func BuildParamsJSON(s Settings, tm *TopicManager) (string, error) {
	topics, data, active := tm.Snapshot()
	live := data[active]

	apiModel := APIModel(s.Mode)
	thinking := s.EnableThinking
	params := s.Params
	p := ParamsPayload{
		Model:           s.Model,
		APIModel:        &apiModel,
		UserName:        s.Prompt.UserName,
		AssistantName:   s.Prompt.AssistantName,
		UserPrefix:      s.Prompt.UserPrefix,
		UserSuffix:      s.Prompt.UserSuffix,
		AssistantPrefix: s.Prompt.AssistantPrefix,
		AssistantSuffix: s.Prompt.AssistantSuffix,
		EnableThinking:  &thinking,
		EnableWebSearch: s.EnableWebSearch,
		EnabledMCPTools: normalizeToolNames(s.EnabledMCPTools),
		Params:          &params,
		History:         nonNil(live.History),
		SystemLogs:      nonNil(live.SystemLogs),
		TimingsLog:      live.TimingsLog,
		ActiveTopicID:   active,
		Topics:          topics,
		TopicData:       data,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(b), nil
}

// ApplyParamsJSON decodes raw into s and returns the conversation part for
// the topic manager. Missing fields keep their current value in s.
func ApplyParamsJSON(raw string, s *Settings) (*ParamsPayload, error) {
	p := &ParamsPayload{}
	if strings.TrimSpace(raw) == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return p, fmt.Errorf("decode params: %w", err)
	}
	if p.Model != "" {
		s.Model = p.Model
	}
	if p.APIModel != nil {
		s.Mode = ModeOf(*p.APIModel)
	}
	s.Prompt.UserName = p.UserName
	s.Prompt.AssistantName = p.AssistantName
	s.Prompt.UserPrefix = p.UserPrefix
	s.Prompt.UserSuffix = p.UserSuffix
	s.Prompt.AssistantPrefix = p.AssistantPrefix
	s.Prompt.AssistantSuffix = p.AssistantSuffix
	s.EnableThinking = p.EnableThinking == nil || *p.EnableThinking
	s.EnableWebSearch = p.EnableWebSearch
	s.EnabledMCPTools = normalizeToolNames(p.EnabledMCPTools)
	if p.Params != nil {
		s.Params = *p.Params
	}
	return p, nil
}

func normalizeToolNames(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func nonNil(in []Message) []Message {
	if in == nil {
		return []Message{}
	}
	return in
}
