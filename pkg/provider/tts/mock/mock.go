// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxflow-ai/voxflow/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the fragment passed to Synthesize.
	Text string
	// Voice is the voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned from Synthesize when FailOn does not match.
	// If nil, Synthesize returns []byte("audio:" + text) so tests can match
	// outputs to inputs.
	Audio []byte

	// Err, if non-nil, is returned from every Synthesize call.
	Err error

	// FailOn, when non-nil, returns Err (or a default error) only for
	// fragments where FailOn(text) is true. Used to exercise per-fragment
	// failure isolation.
	FailOn func(text string) bool

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured audio or error.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})

	if p.FailOn != nil && p.FailOn(text) {
		if p.Err != nil {
			return nil, p.Err
		}
		return nil, errSynthesis
	}
	if p.FailOn == nil && p.Err != nil {
		return nil, p.Err
	}
	if p.Audio != nil {
		return p.Audio, nil
	}
	return []byte("audio:" + text), nil
}

// CallTexts returns the fragment texts passed to Synthesize, in order.
func (p *Provider) CallTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

type synthErr string

func (e synthErr) Error() string { return string(e) }

const errSynthesis = synthErr("mock: synthesis failed")
