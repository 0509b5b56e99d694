package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/logger"
)

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
			if fl, ok := w.(http.Flusher); ok {
				fl.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(url string) *LlamaClient {
	c := NewLlamaClient(url, "test-model", 5*time.Second, 0, logger.Discard())
	c.RetryInterval = 0
	return c
}

func TestStreamChat_ContentAndToolCalls(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"content":"He"}}]}`,
		`data: {"choices":[{"delta":{"content":"llo!"}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"cats\"}"}}]}}],"timings":{"prompt_n":4,"predicted_n":3}}`,
		`data: [DONE]`,
	)
	c := newTestClient(srv.URL)

	res, err := c.Chat(context.Background(), &Request{Stream: true})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", res.Content)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, `{"q":"cats"}`, res.ToolCalls[0].Function.Arguments)
	require.NotNil(t, res.Timings)
	assert.Equal(t, 7, res.Timings.Total())
}

func TestStreamChat_SendsRequestBody(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	res, err := c.Chat(context.Background(), &Request{
		Messages:   []ChatMessage{{Role: "user", Content: "hi"}},
		Params:     Params{MaxTokens: 16, Temperature: 0.5, TopP: 0.9},
		Tools:      []ToolDef{{Type: "function", Function: ToolFunction{Name: "t"}}},
		ToolChoice: "auto",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "test-model", got["model"])
	assert.EqualValues(t, 16, got["max_tokens"])
	assert.Equal(t, "auto", got["tool_choice"])
	assert.NotContains(t, got, "prompt")
}

func TestStreamChat_CompletionMode(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":" there"}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Chat(context.Background(), &Request{Mode: ModeCompletion, Prompt: "User: hi\nAssistant:"})
	require.NoError(t, err)
	assert.Equal(t, "/v1/completions", path)
	assert.Equal(t, " there", res.Content)
}

func TestStreamChat_ErrorFrame(t *testing.T) {
	srv := sseServer(t, `data: {"error":{"message":"model not loaded"}}`)
	_, err := newTestClient(srv.URL).Chat(context.Background(), &Request{Stream: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrStream)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestStreamChat_MissingDoneWithRawCandidate(t *testing.T) {
	srv := sseServer(t, `data: 502 upstream unavailable`)
	_, err := newTestClient(srv.URL).Chat(context.Background(), &Request{Stream: true})
	var se *common.StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "502 upstream unavailable", se.Message)
}

func TestStreamChat_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad sampling"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Chat(context.Background(), &Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrStream)
	assert.Contains(t, err.Error(), "HTTP 400: bad sampling")
}

func TestStreamChat_CancelMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := newTestClient(srv.URL).StreamChat(ctx, &Request{Stream: true})

	first := <-chunks
	assert.Equal(t, "a", first.Content)
	cancel()
	for range chunks {
	}
	err := <-errs
	require.Error(t, err)
	assert.True(t, common.IsCancellation(err))
}

func TestDo_RetriesConnectionErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.Retries = 2
	var calls atomic.Int32
	base := c.Client.Transport
	c.Client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return base.RoundTrip(r)
	})

	res, err := c.Chat(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, hits.Load())
}

func TestDo_GivesUpAfterRetries(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	c.Retries = 1
	var calls atomic.Int32
	c.Client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})
	_, err := c.Chat(context.Background(), &Request{})
	require.Error(t, err)
	assert.False(t, common.IsCancellation(err))
	assert.EqualValues(t, 2, calls.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestEstimateRequestTokens(t *testing.T) {
	n := EstimateRequestTokens(&Request{Messages: []ChatMessage{{Role: "user", Content: "hello world"}}})
	assert.Greater(t, n, 0)
	assert.Equal(t, 0, EstimateRequestTokens(nil))
}
