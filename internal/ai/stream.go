package ai

import "context"

// Provider answers a request in one piece.
type Provider interface {
	Chat(ctx context.Context, req *Request) (*Result, error)
}

// StreamProvider streams the deltas of a request. The delta channel is
// closed when the response ends; the error channel then yields at most one
// error.
type StreamProvider interface {
	StreamChat(ctx context.Context, req *Request) (<-chan Delta, <-chan error)
}

// Collect drains a stream into a Result.
func Collect(ctx context.Context, sp StreamProvider, req *Request) (*Result, error) {
	chunks, errs := sp.StreamChat(ctx, req)
	res := &Result{}
	for d := range chunks {
		res.Apply(d)
	}
	if err := <-errs; err != nil {
		res.ToolCalls = CompactToolCalls(res.ToolCalls)
		return res, err
	}
	res.ToolCalls = CompactToolCalls(res.ToolCalls)
	return res, nil
}
