// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Murf or ElevenLabs)
// and presents a uniform request/response interface: one text fragment in,
// one encoded audio payload out. The speech fan-out calls Synthesize once per
// reply fragment so that per-fragment failures stay isolated.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes a synthesis voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Style is an optional provider-specific speaking style.
	Style string

	// Format names the audio container/encoding to return (e.g., "MP3",
	// "WAV"). An empty string selects the provider default.
	Format string
}

// Provider is the abstraction over any TTS backend.
//
// Multiple synthesis requests may run in parallel; implementations must not
// share mutable per-request state.
type Provider interface {
	// Synthesize converts one text fragment into encoded audio bytes using
	// the given voice. Returns an error when the provider rejects the request
	// or ctx is cancelled; callers treat a failure as scoped to this fragment
	// only.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}
