package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/csSone/LlamacppServer/internal/ai"
)

// Call is one tool invocation as sent to /api/tools/execute.
type Call struct {
	ToolName      string `json:"tool_name"`
	Arguments     string `json:"arguments"`
	PreparedQuery string `json:"preparedQuery"`
}

type ResponseData struct {
	Content string `json:"content"`
}

// Response is the /api/tools/execute envelope.
type Response struct {
	Success bool          `json:"success"`
	Data    *ResponseData `json:"data,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Content is data.content, or "" when absent.
func (r *Response) Content() string {
	if r == nil || r.Data == nil {
		return ""
	}
	return r.Data.Content
}

// Executor runs one tool call. A non-nil error is a transport or
// execution failure; a Response with Success=false is a tool-reported one.
type Executor interface {
	Execute(ctx context.Context, call Call) (*Response, error)
}

// HTTPExecutor posts calls to a backend's /api/tools/execute.
type HTTPExecutor struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, call Call) (*Response, error) {
	if e.Client == nil {
		return nil, errors.New("tools: http client is nil")
	}
	b, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/api/tools/execute", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, err
	}
	var out Response
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && out.Error != "" {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, out.Error)
		}
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("tools: decode response: %w", decodeErr)
	}
	return &out, nil
}

// Marshal renders r the way it came over the wire. It is the UI fallback
// when a successful call returned blank content.
func (r *Response) Marshal() string {
	b, err := json.Marshal(r)
	if err != nil {
		return r.Content()
	}
	return string(b)
}

// List fetches the backend's tool catalog from /api/tools/list.
func (e *HTTPExecutor) List(ctx context.Context) ([]ai.ToolDef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/api/tools/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var env struct {
		Success bool         `json:"success"`
		Data    []ai.ToolDef `json:"data"`
		Error   string       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("tools: decode list: %w", err)
	}
	if !env.Success {
		return nil, errors.New(env.Error)
	}
	return env.Data, nil
}
