// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the reply pipeline sends correct
// CompletionRequests and to feed controlled responses without a live backend.
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "Hello"}, {FinishReason: "stop"}},
//	}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/voxflow-ai/voxflow/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Script, when non-empty, supplies the chunk sequence for successive
	// StreamCompletion calls: call n emits Script[n]. Calls beyond the script
	// fall back to StreamChunks. Used to exercise tool-call loops where each
	// round re-streams.
	Script [][]llm.Chunk

	// StreamChunks is the chunk sequence emitted by StreamCompletion when
	// Script is exhausted or empty. All chunks are sent before the channel is
	// closed.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and emits the scripted chunks on a
// buffered channel that is closed once all chunks are sent.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	callIdx := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		p.mu.Unlock()
		return nil, p.StreamErr
	}
	chunks := p.StreamChunks
	if callIdx < len(p.Script) {
		chunks = p.Script[callIdx]
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	return p.CompleteResponse, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}
