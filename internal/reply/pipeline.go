// Package reply turns a finalized utterance into a streamed, persona-driven
// model response.
//
// The pipeline loads the session's recent conversation history, declares the
// weather and web-search capabilities for the turn, and drives a streaming
// completion against a model provider built fresh with that turn's
// credentials. Text increments are emitted on a forward-only channel as they
// arrive; tool-call rounds happen transparently between increments.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxflow-ai/voxflow/internal/history"
	"github.com/voxflow-ai/voxflow/internal/keystore"
	"github.com/voxflow-ai/voxflow/internal/observe"
	"github.com/voxflow-ai/voxflow/internal/tools"
	"github.com/voxflow-ai/voxflow/pkg/provider/llm"
)

// ErrConfiguration indicates a required model credential is missing or was
// rejected at call time. The pipeline fails fast with it before yielding any
// fragment; it never terminates the connection.
var ErrConfiguration = errors.New("model credential missing or invalid")

// StreamError indicates the model collaborator failed after the stream was
// opened. Fragments seen before the failure remain valid and are persisted by
// the caller.
type StreamError struct {
	Reason string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("reply: generation stream failed: %s", e.Reason)
}

// maxToolRounds bounds how many times one turn may loop through tool
// execution before the pipeline gives up on the model converging.
const maxToolRounds = 4

// ProviderFactory builds a model provider bound to the given API key. The
// pipeline invokes it once per turn so per-session key overrides take effect
// immediately.
type ProviderFactory func(apiKey string) (llm.Provider, error)

// Defaults carries the process-wide fallback credentials from configuration.
type Defaults struct {
	ModelKey   string
	WeatherKey string
	SearchKey  string
}

// Pipeline generates streamed replies. Safe for concurrent use; each Generate
// call is independent.
type Pipeline struct {
	store    history.Store
	factory  ProviderFactory
	defaults Defaults
	toolOpts tools.Options
}

// New constructs a Pipeline over the given history store and provider factory.
func New(store history.Store, factory ProviderFactory, defaults Defaults, toolOpts tools.Options) *Pipeline {
	return &Pipeline{
		store:    store,
		factory:  factory,
		defaults: defaults,
		toolOpts: toolOpts,
	}
}

// Stream is a live reply generation. Fragments is closed when generation
// completes or fails; Err reports the terminal failure, if any, once the
// channel is closed.
type Stream struct {
	fragments chan string

	mu  sync.Mutex
	err error
}

// Fragments returns the ordered, forward-only fragment channel.
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Err returns the terminal error of the stream. Valid after Fragments is
// closed; nil means the stream completed normally.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Generate starts a reply for prompt on the given session. creds is the
// session's current credential set; missing slots fall back to the pipeline
// defaults.
//
// The first model request is issued synchronously so that credential failures
// surface immediately as ErrConfiguration with zero fragments emitted.
func (p *Pipeline) Generate(ctx context.Context, sessionID, prompt string, creds map[string]string) (*Stream, error) {
	modelKey := resolve(creds, keystore.SlotModel, p.defaults.ModelKey)
	if modelKey == "" {
		return nil, fmt.Errorf("reply: %w", ErrConfiguration)
	}

	provider, err := p.factory(modelKey)
	if err != nil {
		return nil, fmt.Errorf("reply: %w: %v", ErrConfiguration, err)
	}

	messages := p.transcript(ctx, sessionID, prompt)
	caps := tools.ForTurn(
		resolve(creds, keystore.SlotWeather, p.defaults.WeatherKey),
		resolve(creds, keystore.SlotSearch, p.defaults.SearchKey),
		p.toolOpts,
	)

	req := llm.CompletionRequest{
		Messages:     messages,
		Tools:        tools.Definitions(caps),
		SystemPrompt: personaInstruction,
	}

	ch, err := provider.StreamCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("reply: %w: %v", ErrConfiguration, err)
	}

	stream := &Stream{fragments: make(chan string, 16)}
	go p.run(ctx, provider, req, ch, caps, stream)
	return stream, nil
}

// run consumes the model stream, executing tool rounds as requested, and
// forwards text increments to the stream until generation finishes.
func (p *Pipeline) run(ctx context.Context, provider llm.Provider, req llm.CompletionRequest, ch <-chan llm.Chunk, caps []tools.Capability, stream *Stream) {
	defer close(stream.fragments)

	for round := 0; ; round++ {
		var (
			finish   string
			calls    []llm.ToolCall
			roundTxt strings.Builder
		)

		for chunk := range ch {
			if chunk.Text != "" {
				roundTxt.WriteString(chunk.Text)
				select {
				case stream.fragments <- chunk.Text:
				case <-ctx.Done():
					stream.fail(ctx.Err())
					go drain(ch)
					return
				}
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
				calls = chunk.ToolCalls
			}
		}

		switch {
		case finish == llm.FinishError:
			stream.fail(&StreamError{Reason: "model stream error"})
			return

		case finish == llm.FinishToolCalls && len(calls) > 0:
			if round >= maxToolRounds {
				stream.fail(&StreamError{Reason: "tool-call rounds exhausted"})
				return
			}
			req.Messages = appendToolRound(req.Messages, roundTxt.String(), calls, p.execute(ctx, caps, calls))

			next, err := provider.StreamCompletion(ctx, req)
			if err != nil {
				stream.fail(&StreamError{Reason: err.Error()})
				return
			}
			ch = next

		default:
			// Natural completion, or a closed channel with no finish reason
			// (provider died mid-stream without a terminal chunk).
			if finish == "" && ctx.Err() == nil {
				stream.fail(&StreamError{Reason: "stream ended without completion"})
			}
			return
		}
	}
}

// execute runs the requested tool calls in order and returns their results,
// parallel to calls. Unknown tool names produce an explanatory result so the
// model can recover.
func (p *Pipeline) execute(ctx context.Context, caps []tools.Capability, calls []llm.ToolCall) []string {
	results := make([]string, len(calls))
	for i, call := range calls {
		c := tools.Lookup(caps, call.Name)
		if c == nil {
			results[i] = fmt.Sprintf("unknown tool %q", call.Name)
			continue
		}
		start := time.Now()
		results[i] = c.Invoke(ctx, call.Arguments)
		observe.Default().ToolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", call.Name)))
		slog.Debug("tool invoked", "tool", call.Name, "took", time.Since(start))
	}
	return results
}

// appendToolRound extends the conversation with the assistant's tool request
// and the corresponding tool results, so the next round sees both.
func appendToolRound(messages []llm.Message, assistantText string, calls []llm.ToolCall, results []string) []llm.Message {
	messages = append(messages, llm.Message{
		Role:      "assistant",
		Content:   assistantText,
		ToolCalls: calls,
	})
	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = call.Name
		}
		messages = append(messages, llm.Message{
			Role:       "tool",
			Content:    results[i],
			ToolCallID: id,
		})
	}
	return messages
}

// transcript maps the session's recent history into model messages and
// guarantees the sequence ends with the current prompt as a user message.
// History read failures degrade to a prompt-only transcript.
func (p *Pipeline) transcript(ctx context.Context, sessionID, prompt string) []llm.Message {
	records, err := p.store.Recent(ctx, sessionID, history.DefaultRecentLimit)
	if err != nil {
		slog.Warn("reply: history unavailable, using prompt only", "session", sessionID, "err", err)
		records = nil
	}

	var messages []llm.Message
	for _, r := range records {
		text := strings.TrimSpace(r.Content)
		if text == "" {
			continue
		}
		role := "user"
		if r.Role == history.RoleAgent {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: text})
	}

	// The orchestrator logs the utterance before generating, so the mapped
	// history normally already ends with the prompt. Guard against a log that
	// ends on an agent turn (or an empty log) by appending the prompt.
	if len(messages) == 0 || messages[len(messages)-1].Role != "user" {
		messages = append(messages, llm.Message{Role: "user", Content: prompt})
	}
	return messages
}

// resolve picks the session override for slot, falling back to def.
func resolve(creds map[string]string, slot, def string) string {
	if v := strings.TrimSpace(creds[slot]); v != "" {
		return v
	}
	return strings.TrimSpace(def)
}

// drain discards remaining chunks so the provider goroutine can exit.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
