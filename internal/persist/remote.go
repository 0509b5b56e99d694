package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNotFound = errors.New("persist: completion not found")

// Remote is the server side of persistence. Completions cross it in
// encoded form.
type Remote interface {
	Get(ctx context.Context, id string) (*Completion, error)
	Save(ctx context.Context, c *Completion) error
}

// HTTPRemote talks to /api/chat/completion/*.
type HTTPRemote struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPRemote(baseURL string, timeout time.Duration) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (r *HTTPRemote) Get(ctx context.Context, id string) (*Completion, error) {
	var c Completion
	if err := r.call(ctx, http.MethodGet, "/api/chat/completion/get?name="+url.QueryEscape(id), nil, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *HTTPRemote) Save(ctx context.Context, c *Completion) error {
	return r.call(ctx, http.MethodPost, "/api/chat/completion/save?name="+url.QueryEscape(c.ID), c, nil)
}

func (r *HTTPRemote) List(ctx context.Context) ([]Completion, error) {
	var out []Completion
	if err := r.call(ctx, http.MethodGet, "/api/chat/completion/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *HTTPRemote) Create(ctx context.Context, title string) (*Completion, error) {
	var c Completion
	if err := r.call(ctx, http.MethodPost, "/api/chat/completion/create", map[string]string{"title": title}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *HTTPRemote) Delete(ctx context.Context, id string) error {
	return r.call(ctx, http.MethodDelete, "/api/chat/completion/delete?name="+url.QueryEscape(id), nil, nil)
}

func (r *HTTPRemote) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
