// Package murf provides a Murf-backed TTS provider using the Murf speech
// generation REST API. It implements the tts.Provider interface.
package murf

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxflow-ai/voxflow/pkg/provider/tts"
)

const (
	defaultEndpoint = "https://api.murf.ai/v1/speech/generate"
	defaultVoiceID  = "en-US-natalie"
	defaultFormat   = "MP3"

	requestTimeout = 30 * time.Second
)

// Option is a functional option for configuring the Murf Provider.
type Option func(*Provider)

// WithEndpoint overrides the generation endpoint URL. Primarily used in tests
// to point at a local mock server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithVoice sets the default voice ID used when the caller's Voice has none.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voiceID = voiceID
	}
}

// Provider implements tts.Provider backed by the Murf REST API.
type Provider struct {
	apiKey     string
	endpoint   string
	voiceID    string
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Murf Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("murf: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		voiceID:    defaultVoiceID,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// generateRequest is the JSON payload sent to the Murf generate endpoint.
// encodeAsBase64 makes Murf return the audio inline instead of an audio URL,
// which avoids a second fetch per fragment.
type generateRequest struct {
	Text           string `json:"text"`
	VoiceID        string `json:"voiceId"`
	Style          string `json:"style,omitempty"`
	Format         string `json:"format,omitempty"`
	EncodeAsBase64 bool   `json:"encodeAsBase64"`
}

// generateResponse is the subset of Murf's response the provider consumes.
type generateResponse struct {
	EncodedAudio string `json:"encodedAudio"`
	ErrorMessage string `json:"errorMessage"`
	ErrorCode    string `json:"errorCode"`
}

// Synthesize converts one text fragment into encoded audio bytes.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if text == "" {
		return nil, errors.New("murf: text must not be empty")
	}

	reqBody := generateRequest{
		Text:           text,
		VoiceID:        voice.ID,
		Style:          voice.Style,
		Format:         voice.Format,
		EncodeAsBase64: true,
	}
	if reqBody.VoiceID == "" {
		reqBody.VoiceID = p.voiceID
	}
	if reqBody.Format == "" {
		reqBody.Format = defaultFormat
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("murf: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("murf: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("murf: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("murf: read response: %w", err)
	}

	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, fmt.Errorf("murf: decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gr.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("murf: %s", msg)
	}
	if gr.EncodedAudio == "" {
		return nil, errors.New("murf: response contains no audio")
	}

	audio, err := base64.StdEncoding.DecodeString(gr.EncodedAudio)
	if err != nil {
		return nil, fmt.Errorf("murf: decode audio: %w", err)
	}
	return audio, nil
}
