package ai

import "encoding/json"

type Mode string

const (
	ModeChat       Mode = "chat"
	ModeCompletion Mode = "completion"
)

// Path is the backend endpoint for the mode.
func (m Mode) Path() string {
	if m == ModeCompletion {
		return "/v1/completions"
	}
	return "/v1/chat/completions"
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one model-requested invocation. While streaming it is a
// fragment; after MergeToolCalls it is the aggregate for one slot.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatMessage is one entry of the request "messages" array. Content is a
// string, or []ContentPart when the turn carries attachments.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ToolDef struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type Params struct {
	MaxTokens     int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature   float64  `json:"temperature" yaml:"temperature"`
	TopP          float64  `json:"top_p" yaml:"top_p"`
	MinP          *float64 `json:"min_p,omitempty" yaml:"min_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty" yaml:"repeat_penalty,omitempty"`
	Stop          []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

func DefaultParams() Params {
	return Params{MaxTokens: 1024, Temperature: 0.7, TopP: 1}
}

// Request is the body of /v1/chat/completions or /v1/completions.
type Request struct {
	Mode Mode `json:"-"`

	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
	Params

	EnableThinking     bool           `json:"enable_thinking"`
	ChatTemplateKwargs map[string]any `json:"chat_template_kwargs,omitempty"`
	Stream             bool           `json:"stream"`

	Tools          []ToolDef `json:"tools,omitempty"`
	ToolChoice     string    `json:"tool_choice,omitempty"`
	ParseToolCalls bool      `json:"parse_tool_calls,omitempty"`
}

// Timings are the llama.cpp usage counters reported with a response.
type Timings struct {
	CacheN             int     `json:"cache_n"`
	PromptN            int     `json:"prompt_n"`
	PromptMS           float64 `json:"prompt_ms,omitempty"`
	PromptPerSecond    float64 `json:"prompt_per_second,omitempty"`
	PredictedN         int     `json:"predicted_n"`
	PredictedMS        float64 `json:"predicted_ms,omitempty"`
	PredictedPerSecond float64 `json:"predicted_per_second,omitempty"`
}

// Total is cache + prompt + predicted tokens.
func (t Timings) Total() int { return t.CacheN + t.PromptN + t.PredictedN }

// Delta is what one response frame contributed.
type Delta struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCall
	Timings   *Timings
	Done      bool
}

// Useful reports whether the delta carries anything worth showing.
func (d Delta) Useful() bool {
	return d.Content != "" || d.Reasoning != "" || len(d.ToolCalls) > 0
}

func (d Delta) empty() bool {
	return !d.Useful() && d.Timings == nil && !d.Done
}

// Result is the accumulation of every delta of one request.
type Result struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCall
	Timings   *Timings
}

// Apply folds d into r.
func (r *Result) Apply(d Delta) {
	r.Content += d.Content
	r.Reasoning += d.Reasoning
	if len(d.ToolCalls) > 0 {
		r.ToolCalls = MergeToolCalls(r.ToolCalls, d.ToolCalls)
	}
	if d.Timings != nil {
		t := *d.Timings
		r.Timings = &t
	}
}
