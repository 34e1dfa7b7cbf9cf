// Package gemini provides an LLM provider backed by the Google Gemini API.
//
// It talks to the generativelanguage.googleapis.com REST endpoint directly,
// using streamGenerateContent with server-sent events for incremental output.
// Tool calls are surfaced as llm.ToolCall values on the finishing chunk;
// Gemini does not assign call IDs, so the function name doubles as the ID.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxflow-ai/voxflow/pkg/provider/llm"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Gemini model (e.g., "gemini-2.5-flash").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. Primarily used in tests to point at
// a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout sets a per-request HTTP timeout. The default client has none;
// streaming responses are bounded by the caller's context instead.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements llm.Provider against the Gemini REST API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Gemini Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types (subset of the GenerateContent protocol) ----

type part struct {
	Text             string        `json:"text,omitempty"`
	FunctionCall     *functionCall `json:"functionCall,omitempty"`
	FunctionResponse *functionResp `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolDecl struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	Tools             []toolDecl        `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// StreamCompletion implements llm.Provider using streamGenerateContent with
// alt=sse. The HTTP request is issued synchronously so that authentication
// and request-shape failures surface as the initial error; body consumption
// happens in a goroutine feeding the returned channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("gemini: %s", apiError(resp))
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var calls []llm.ToolCall
		finished := false

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if len(data) == 0 {
				continue
			}

			var gr generateResponse
			if err := json.Unmarshal(data, &gr); err != nil {
				continue
			}
			if gr.Error != nil {
				emit(ctx, ch, llm.Chunk{FinishReason: llm.FinishError, Text: gr.Error.Message})
				return
			}
			if len(gr.Candidates) == 0 {
				continue
			}
			cand := gr.Candidates[0]

			out := llm.Chunk{}
			for _, pt := range cand.Content.Parts {
				out.Text += pt.Text
				if pt.FunctionCall != nil {
					calls = append(calls, llm.ToolCall{
						ID:        pt.FunctionCall.Name,
						Name:      pt.FunctionCall.Name,
						Arguments: string(pt.FunctionCall.Args),
					})
				}
			}
			if cand.FinishReason != "" {
				finished = true
				if len(calls) > 0 {
					out.FinishReason = llm.FinishToolCalls
					out.ToolCalls = calls
				} else {
					out.FinishReason = strings.ToLower(cand.FinishReason)
				}
			}
			if out.Text == "" && out.FinishReason == "" {
				continue
			}
			if !emit(ctx, ch, out) {
				return
			}
		}

		// Gemini ends function-call streams without a finish reason on some
		// model versions. Treat accumulated calls as a tool_calls finish.
		if !finished && len(calls) > 0 {
			emit(ctx, ch, llm.Chunk{FinishReason: llm.FinishToolCalls, ToolCalls: calls})
			return
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, ch, llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()})
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider by draining a stream into one response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	resp := &llm.CompletionResponse{}
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishError {
			return nil, fmt.Errorf("gemini: %s", chunk.Text)
		}
		sb.WriteString(chunk.Text)
		resp.ToolCalls = append(resp.ToolCalls, chunk.ToolCalls...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp.Content = sb.String()
	return resp, nil
}

// buildRequest converts a CompletionRequest into the Gemini wire format.
// Roles map as assistant→model and tool→user-with-functionResponse; Gemini
// has no separate tool role.
func (p *Provider) buildRequest(req llm.CompletionRequest) ([]byte, error) {
	gr := generateRequest{}

	if req.SystemPrompt != "" {
		gr.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			gr.Contents = append(gr.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		case "assistant":
			c := content{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				c.Parts = append(c.Parts, part{FunctionCall: &functionCall{Name: tc.Name, Args: args}})
			}
			gr.Contents = append(gr.Contents, c)
		case "tool":
			resp := json.RawMessage(m.Content)
			if !json.Valid(resp) {
				wrapped, err := json.Marshal(map[string]string{"result": m.Content})
				if err != nil {
					return nil, err
				}
				resp = wrapped
			}
			gr.Contents = append(gr.Contents, content{
				Role:  "user",
				Parts: []part{{FunctionResponse: &functionResp{Name: m.ToolCallID, Response: resp}}},
			})
		case "system":
			// Folded into systemInstruction; Gemini rejects a system role in contents.
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &content{Parts: []part{{Text: m.Content}}}
			}
		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}

	for _, td := range req.Tools {
		decl := functionDeclaration{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  td.Parameters,
		}
		if len(gr.Tools) == 0 {
			gr.Tools = append(gr.Tools, toolDecl{})
		}
		gr.Tools[0].FunctionDeclarations = append(gr.Tools[0].FunctionDeclarations, decl)
	}

	if req.Temperature != 0 || req.MaxTokens > 0 {
		gc := &generationConfig{MaxOutputTokens: req.MaxTokens}
		if req.Temperature != 0 {
			t := req.Temperature
			gc.Temperature = &t
		}
		gr.GenerationConfig = gc
	}

	return json.Marshal(gr)
}

// apiError extracts a readable message from a non-200 response body.
func apiError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err == nil && gr.Error != nil {
		return fmt.Sprintf("%s (HTTP %d)", gr.Error.Message, resp.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d", resp.StatusCode)
}

// emit sends a chunk unless ctx is done. Reports whether the send happened.
func emit(ctx context.Context, ch chan<- llm.Chunk, c llm.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
