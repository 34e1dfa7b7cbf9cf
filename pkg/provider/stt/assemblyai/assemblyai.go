// Package assemblyai provides an AssemblyAI-backed STT provider using the
// Universal-Streaming WebSocket API (v3). It implements the stt.Provider
// interface.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxflow-ai/voxflow/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://streaming.assemblyai.com/v3/ws"
	defaultEncoding   = "pcm_s16le"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL. Primarily used in tests
// to point at a local mock server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithEncoding sets the raw audio encoding sent to AssemblyAI
// (e.g., "pcm_s16le", "pcm_mulaw").
func WithEncoding(encoding string) Option {
	return func(p *Provider) {
		p.encoding = encoding
	}
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the AssemblyAI streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	encoding   string
	sampleRate int
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		encoding:   defaultEncoding,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with AssemblyAI.
// It respects cfg.SampleRate and cfg.Encoding.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = p.encoding
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", enc)
	// Formatted turns include punctuation and casing on finals.
	q.Set("format_turns", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// turnMessage is the JSON structure AssemblyAI sends for a Turn event.
// Begin and Termination events share the Type field and are otherwise ignored.
type turnMessage struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
}

// session is a live AssemblyAI streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a raw audio chunk for delivery to AssemblyAI.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("assemblyai: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("assemblyai: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of finalized utterances.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask AssemblyAI to flush pending audio and end the session.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"Terminate"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages upstream.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from AssemblyAI and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			return
		}

		t, ok := parseTurnMessage(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

// parseTurnMessage parses a raw AssemblyAI WebSocket message into a
// Transcript. Returns (zero, false) for messages that should be ignored
// (Begin, Termination, empty transcripts).
func parseTurnMessage(data []byte) (stt.Transcript, bool) {
	var m turnMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Transcript{}, false
	}
	if m.Type != "Turn" || m.Transcript == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       m.Transcript,
		IsFinal:    m.EndOfTurn,
		Confidence: m.EndOfTurnConfidence,
	}, true
}
