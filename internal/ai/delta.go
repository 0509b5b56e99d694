package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/csSone/LlamacppServer/internal/common"
)

const rawCandidateLimit = 800

type wireFunction struct {
	Name      json.RawMessage `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireToolCall struct {
	Index     *int            `json:"index"`
	ID        json.RawMessage `json:"id"`
	Type      json.RawMessage `json:"type"`
	Function  *wireFunction   `json:"function"`
	Name      json.RawMessage `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireMsg struct {
	Content          json.RawMessage `json:"content"`
	ReasoningContent json.RawMessage `json:"reasoning_content"`
	ToolCalls        []wireToolCall  `json:"tool_calls"`
}

type wireChoice struct {
	Text             json.RawMessage `json:"text"`
	Delta            *wireMsg        `json:"delta"`
	Message          *wireMsg        `json:"message"`
	ReasoningContent json.RawMessage `json:"reasoning_content"`
}

type wireFrame struct {
	Choices          []wireChoice    `json:"choices"`
	ToolCalls        []wireToolCall  `json:"tool_calls"`
	ReasoningContent json.RawMessage `json:"reasoning_content"`
	Timings          json.RawMessage `json:"timings"`
	Error            json.RawMessage `json:"error"`
}

func (f *wireFrame) first() *wireChoice {
	if len(f.Choices) == 0 {
		return nil
	}
	return &f.Choices[0]
}

// A stringField pulls one optional string out of a frame. ok is false when
// the path is absent or not a JSON string.
type stringField func(f *wireFrame) (s string, ok bool)

// Later entries override earlier ones.
var contentFields = []stringField{
	func(f *wireFrame) (string, bool) {
		if c := f.first(); c != nil {
			return jsonString(c.Text)
		}
		return "", false
	},
	func(f *wireFrame) (string, bool) {
		if c := f.first(); c != nil && c.Delta != nil {
			return jsonString(c.Delta.Content)
		}
		return "", false
	},
	func(f *wireFrame) (string, bool) {
		if c := f.first(); c != nil && c.Message != nil {
			return jsonString(c.Message.Content)
		}
		return "", false
	},
}

// Later entries override earlier ones.
var reasoningFields = []stringField{
	func(f *wireFrame) (string, bool) {
		if c := f.first(); c != nil && c.Delta != nil {
			return jsonString(c.Delta.ReasoningContent)
		}
		return "", false
	},
	func(f *wireFrame) (string, bool) {
		if c := f.first(); c != nil && c.Message != nil {
			return jsonString(c.Message.ReasoningContent)
		}
		return "", false
	},
	func(f *wireFrame) (string, bool) {
		if c := f.first(); c != nil {
			return jsonString(c.ReasoningContent)
		}
		return "", false
	},
	func(f *wireFrame) (string, bool) {
		if f.first() == nil {
			return "", false
		}
		return jsonString(f.ReasoningContent)
	},
}

// The first non-empty entry wins.
var toolCallFields = []func(f *wireFrame) []wireToolCall{
	func(f *wireFrame) []wireToolCall { return f.ToolCalls },
	func(f *wireFrame) []wireToolCall {
		if c := f.first(); c != nil && c.Message != nil {
			return c.Message.ToolCalls
		}
		return nil
	},
	func(f *wireFrame) []wireToolCall {
		if c := f.first(); c != nil && c.Delta != nil {
			return c.Delta.ToolCalls
		}
		return nil
	},
}

func extract(f *wireFrame) Delta {
	var d Delta
	for _, field := range contentFields {
		if s, ok := field(f); ok {
			d.Content = s
		}
	}
	for _, field := range reasoningFields {
		if s, ok := field(f); ok {
			d.Reasoning = s
		}
	}
	for _, field := range toolCallFields {
		if tcs := field(f); len(tcs) > 0 {
			d.ToolCalls = convertToolCalls(tcs)
			break
		}
	}
	if len(f.Timings) > 0 && !bytes.Equal(f.Timings, []byte("null")) {
		var t Timings
		if err := json.Unmarshal(f.Timings, &t); err == nil {
			d.Timings = &t
		}
	}
	return d
}

func convertToolCalls(in []wireToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(in))
	for _, w := range in {
		tc := ToolCall{Index: w.Index}
		tc.ID, _ = jsonString(w.ID)
		tc.Type, _ = jsonString(w.Type)
		if w.Function != nil {
			tc.Function.Name, _ = jsonString(w.Function.Name)
			tc.Function.Arguments = jsonText(w.Function.Arguments)
		}
		if tc.Function.Name == "" {
			tc.Function.Name, _ = jsonString(w.Name)
		}
		if tc.Function.Arguments == "" {
			tc.Function.Arguments = jsonText(w.Arguments)
		}
		out = append(out, tc)
	}
	return out
}

// frameError returns the message of an "error" member, or "" if absent.
func frameError(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", "false", `""`, "0":
		return ""
	}
	var obj struct {
		Message json.RawMessage `json:"message"`
	}
	if raw[0] == '{' && json.Unmarshal(raw, &obj) == nil && len(obj.Message) > 0 {
		if s, ok := jsonString(obj.Message); ok {
			return s
		}
		return string(obj.Message)
	}
	if s, ok := jsonString(raw); ok {
		return s
	}
	return string(raw)
}

func jsonString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// jsonText is jsonString, except that non-string values (an arguments
// object, say) come back as their raw JSON text.
func jsonText(raw json.RawMessage) string {
	if s, ok := jsonString(raw); ok {
		return s
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// DeltaDecoder turns SSE lines of one response into deltas. It is not safe
// for concurrent use; one decoder serves one request.
type DeltaDecoder struct {
	sawDone      bool
	sawUseful    bool
	rawCandidate string
}

func NewDeltaDecoder() *DeltaDecoder {
	return &DeltaDecoder{}
}

// Decode handles one raw line. Lines that are not "data:" frames, and
// frames that are not valid JSON, yield an empty delta. An error member
// in the payload is a *common.StreamError.
func (dd *DeltaDecoder) Decode(line string) (Delta, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return Delta{}, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		dd.sawDone = true
		return Delta{Done: true}, nil
	}
	if data == "" {
		return Delta{}, nil
	}

	var f wireFrame
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		if !dd.sawUseful && dd.rawCandidate == "" {
			dd.rawCandidate = truncateRunes(data, rawCandidateLimit)
		}
		return Delta{}, nil
	}
	if msg := frameError(f.Error); msg != "" {
		return Delta{}, &common.StreamError{Message: msg}
	}

	d := extract(&f)
	if d.Useful() {
		dd.sawUseful = true
	}
	return d, nil
}

// Finish is called once the body is exhausted. A stream that neither
// terminated with [DONE] nor produced a single useful delta is an error.
func (dd *DeltaDecoder) Finish() error {
	if dd.sawDone || dd.sawUseful {
		return nil
	}
	msg := dd.rawCandidate
	if msg == "" {
		msg = "empty response"
	}
	return &common.StreamError{Message: msg}
}

// Done reports whether the terminal sentinel was seen.
func (dd *DeltaDecoder) Done() bool { return dd.sawDone }

// DecodeBody extracts a delta from a complete, non-streamed JSON response.
func DecodeBody(body []byte) (Delta, error) {
	var f wireFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return Delta{}, &common.StreamError{Message: fmt.Sprintf("invalid response body: %s", truncateRunes(string(body), rawCandidateLimit))}
	}
	if msg := frameError(f.Error); msg != "" {
		return Delta{}, &common.StreamError{Message: msg}
	}
	d := extract(&f)
	d.Done = true
	return d, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
