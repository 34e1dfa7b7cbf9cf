package gateway

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/voxflow-ai/voxflow/internal/config"
	"github.com/voxflow-ai/voxflow/internal/history"
	"github.com/voxflow-ai/voxflow/internal/keystore"
	"github.com/voxflow-ai/voxflow/internal/reply"
	"github.com/voxflow-ai/voxflow/pkg/provider/tts"
)

// persistTimeout bounds the detached agent-record append after a turn ends,
// including turns aborted by disconnect.
const persistTimeout = 5 * time.Second

// fanout delivers a reply stream to the client: per synthesis unit it emits
// the text event, synthesizes speech, and emits the audio event. Synthesis
// failures are scoped to their unit. After the stream drains, the
// concatenation of all units is persisted as one agent record.
//
// Returns the concatenated reply text and the stream's terminal error.
func (c *conn) fanout(ctx context.Context, stream *reply.Stream, creds map[string]string) (string, error) {
	opts := c.srv.opts
	m := opts.Metrics

	synth := c.synthesizer(creds)

	var full strings.Builder
	delivered := true
	for unit := range chunkUnits(stream.Fragments(), opts.Chunking) {
		full.WriteString(unit)
		m.Fragments.Add(ctx, 1)

		if delivered {
			if err := c.send(ctx, event{Type: eventLLM, Text: unit}); err != nil {
				// Client is gone. Keep draining so the reply is complete in
				// the conversation log, but stop paying for synthesis.
				delivered = false
			}
		}
		if !delivered || synth == nil {
			continue
		}

		synthStart := time.Now()
		audio, err := synth.Synthesize(ctx, unit, opts.Voice)
		m.SynthesisDuration.Record(ctx, time.Since(synthStart).Seconds())
		if err != nil {
			m.SynthesisFailures.Add(ctx, 1)
			slog.Warn("gateway: fragment synthesis failed", "session", c.session, "err", err)
			_ = c.send(ctx, event{Type: eventError, Message: "Speech synthesis failed for this fragment."})
			continue
		}
		_ = c.send(ctx, event{Type: eventAudio, B64: base64.StdEncoding.EncodeToString(audio)})
	}

	streamErr := stream.Err()
	if streamErr != nil && delivered {
		slog.Warn("gateway: reply stream failed", "session", c.session, "err", streamErr)
		_ = c.send(ctx, event{Type: eventError, Message: "Reply generation was interrupted."})
	}

	text := full.String()
	if text != "" {
		// Detached from the turn context: a reply the client already heard
		// part of belongs in the log even when the turn was cancelled.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if err := opts.History.Append(pctx, c.session, history.RoleAgent, text); err != nil {
			slog.Warn("gateway: agent record not persisted", "session", c.session, "err", err)
		}
		cancel()
	}
	return text, streamErr
}

// synthesizer resolves the session's synthesis credential and builds a TTS
// provider for this turn. Returns nil when no credential is available or the
// provider cannot be built; the reply then streams as text only.
func (c *conn) synthesizer(creds map[string]string) tts.Provider {
	key := firstNonEmpty(creds[keystore.SlotSynthesis], c.srv.opts.DefaultTTSKey)
	if key == "" {
		return nil
	}
	p, err := c.srv.opts.NewTTS(key)
	if err != nil {
		slog.Warn("gateway: synthesis unavailable", "session", c.session, "err", err)
		return nil
	}
	return p
}

// chunkUnits adapts the pipeline's fragment stream to the configured
// synthesis unit. Increment mode passes model deltas through unchanged;
// sentence mode coalesces deltas and emits at sentence boundaries, flushing
// whatever remains when the stream closes. In both modes the concatenation of
// emitted units equals the concatenation of the input fragments.
func chunkUnits(fragments <-chan string, mode config.Chunking) <-chan string {
	if mode != config.ChunkSentence {
		return fragments
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		var buf strings.Builder
		for f := range fragments {
			buf.WriteString(f)
			for {
				s := buf.String()
				n := sentenceBoundary(s)
				if n < 0 {
					break
				}
				out <- s[:n]
				buf.Reset()
				buf.WriteString(s[n:])
			}
		}
		if rest := buf.String(); strings.TrimSpace(rest) != "" {
			out <- rest
		}
	}()
	return out
}

// sentenceBoundary returns the index just past the first sentence terminator
// and its trailing whitespace, or -1 when the text holds no complete
// sentence. A terminator at the very end of the text is not a boundary —
// more of the sentence ("..." or "?!") may still be streaming.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j > i+1 {
				return j
			}
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
