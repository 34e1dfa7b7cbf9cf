// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.EmitFinal("hello there")
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxflow-ai/voxflow/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Create one with
// NewSession so the channels are initialised.
type Session struct {
	mu sync.Mutex

	// PartialsCh and FinalsCh back the Partials/Finals accessors. Tests push
	// transcripts through EmitPartial/EmitFinal or write to them directly.
	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendAudioErr, if non-nil, is returned from every SendAudio call.
	SendAudioErr error

	// Sent records a copy of every chunk passed to SendAudio.
	Sent [][]byte

	closed bool
}

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

var _ stt.SessionHandle = (*Session)(nil)

// SendAudio records the chunk. Returns SendAudioErr, or an error after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Sent = append(s.Sent, cp)
	return nil
}

// SentCount returns how many chunks SendAudio has recorded. Thread-safe.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// Partials returns the partial transcript channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// EmitPartial pushes a partial transcript to consumers.
func (s *Session) EmitPartial(text string) {
	s.PartialsCh <- stt.Transcript{Text: text}
}

// EmitFinal pushes a finalized utterance to consumers.
func (s *Session) EmitFinal(text string) {
	s.FinalsCh <- stt.Transcript{Text: text, IsFinal: true}
}

// Close marks the session closed and closes both transcript channels.
// Idempotent, like the real providers.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.PartialsCh)
	close(s.FinalsCh)
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
