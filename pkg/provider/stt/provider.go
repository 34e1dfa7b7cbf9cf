// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a real-time transcription service (e.g., AssemblyAI
// or Deepgram) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw audio
// frames and emits two streams of Transcript values — low-latency partials
// for responsiveness and authoritative finals that drive conversation turns.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format for a new STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the usual value for
	// STT-optimised mono capture.
	SampleRate int

	// Encoding names the raw audio encoding (e.g., "pcm_s16le"). An empty
	// string selects the provider default.
	Encoding string
}

// Transcript represents a speech-to-text result from an STT provider. Both
// partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed; failing to do
// so may leak goroutines and network connections inside the implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider for
	// transcription. The chunk must match the format agreed in StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting low-latency interim
	// Transcript values. Suitable for UI indicators; never written to the
	// conversation log. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel emitting authoritative Transcript
	// values once the provider has committed to an utterance. These are the
	// values that trigger conversation turns. The channel is closed when the
	// session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per connected client).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the provider cannot establish the session
	// (authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
