package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/logger"
	"github.com/csSone/LlamacppServer/internal/metrics"
)

const maxBodyBytes = 8 * 1024 * 1024

var (
	_ Provider       = (*LlamaClient)(nil)
	_ StreamProvider = (*LlamaClient)(nil)
)

// LlamaClient talks to a llama.cpp server, or anything that proxies its
// OpenAI-compatible endpoints.
type LlamaClient struct {
	BaseURL       string
	Model         string
	Retries       int
	RetryInterval time.Duration
	Client        *http.Client
	Logger        *slog.Logger
}

// NewLlamaClient builds a client whose transport gives up on a response
// that sends no headers within headerTimeout. The body itself has no
// deadline; cancel ctx to stop a generation.
func NewLlamaClient(baseURL, model string, headerTimeout time.Duration, retries int, log *slog.Logger) *LlamaClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &LlamaClient{
		BaseURL:       baseURL,
		Model:         model,
		Retries:       retries,
		RetryInterval: 500 * time.Millisecond,
		Client:        &http.Client{Transport: tr},
		Logger:        logger.OrDefault(log),
	}
}

func (c *LlamaClient) Chat(ctx context.Context, req *Request) (*Result, error) {
	return Collect(ctx, c, req)
}

// StreamChat posts req and yields its deltas. An SSE response is decoded
// frame by frame; any other response is decoded as one JSON body.
func (c *LlamaClient) StreamChat(ctx context.Context, req *Request) (<-chan Delta, <-chan error) {
	chunks := make(chan Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		mode := req.Mode
		if mode == "" {
			mode = ModeChat
		}
		start := time.Now()
		err := c.run(ctx, mode, req, chunks)
		outcome := metrics.Outcome(err, common.IsCancellation(err))
		metrics.StreamRequests.WithLabelValues(string(mode), outcome).Inc()
		c.logger().Debug("llama request finished", "mode", mode, "outcome", outcome, "elapsed", time.Since(start).Round(time.Millisecond))
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func (c *LlamaClient) logger() *slog.Logger { return logger.OrDefault(c.Logger) }

func (c *LlamaClient) run(ctx context.Context, mode Mode, req *Request, out chan<- Delta) error {
	if c.Client == nil {
		return errors.New("llama: http client is nil")
	}
	body := *req
	if strings.TrimSpace(body.Model) == "" {
		body.Model = c.Model
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llama: encode request: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + mode.Path()
	c.logger().Debug("llama request",
		"mode", mode,
		"url", url,
		"stream", body.Stream,
		"tools", len(body.Tools),
		"tokens_est", EstimateRequestTokens(&body),
		"body", humanize.Bytes(uint64(len(b))),
	)

	resp, err := c.do(ctx, url, b)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return &common.StreamError{Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errorMessage(raw, resp.StatusCode))}
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return readErr(ctx, err)
		}
		d, err := DecodeBody(raw)
		if err != nil {
			return err
		}
		return send(ctx, out, d)
	}

	dec := NewDeltaDecoder()
	sc := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	for sc.Scan() {
		d, err := dec.Decode(sc.Text())
		if err != nil {
			return err
		}
		if d.Done {
			break
		}
		if d.empty() {
			continue
		}
		if err := send(ctx, out, d); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return readErr(ctx, err)
	}
	return dec.Finish()
}

// do sends the request, retrying transport failures that happen before
// any response arrives. Attempts are paced by a limiter.
func (c *LlamaClient) do(ctx context.Context, url string, body []byte) (*http.Response, error) {
	every := rate.Inf
	if c.RetryInterval > 0 {
		every = rate.Every(c.RetryInterval)
	}
	lim := rate.NewLimiter(every, 1)

	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, common.Cancelled(ctx.Err())
			}
			return nil, fmt.Errorf("llama: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream, application/json")

		resp, err := c.Client.Do(req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, common.Cancelled(ctx.Err())
		}
		lastErr = err
		if attempt < c.Retries {
			metrics.StreamRetries.Inc()
			c.logger().Warn("llama request failed, retrying", "attempt", attempt+1, "err", err)
		}
	}
	return nil, fmt.Errorf("llama: %w", lastErr)
}

func send(ctx context.Context, out chan<- Delta, d Delta) error {
	select {
	case out <- d:
		return nil
	case <-ctx.Done():
		return common.Cancelled(ctx.Err())
	}
}

func readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return common.Cancelled(ctx.Err())
	}
	return fmt.Errorf("llama: read response: %w", err)
}

// errorMessage digs a readable message out of an error body.
func errorMessage(raw []byte, status int) string {
	var obj struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if msg := frameError(obj.Error); msg != "" {
			return msg
		}
		if obj.Message != "" {
			return obj.Message
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return fmt.Sprintf("status %d", status)
}
