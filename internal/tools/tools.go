// Package tools implements the callable capabilities offered to the model
// during a turn: a current-weather lookup (OpenWeather) and a web search
// (Tavily).
//
// Capabilities are small stateless records constructed fresh per turn so they
// carry that turn's credentials explicitly instead of capturing them in
// closures. Tool failures — including missing credentials — degrade to an
// informative result the model can speak about; they are never surfaced as
// errors to the reply pipeline.
package tools

import (
	"context"
	"net/http"
	"time"

	"github.com/voxflow-ai/voxflow/pkg/provider/llm"
)

// Capability pairs a tool definition with its handler. Invoke receives the
// model's JSON-encoded arguments and returns the result payload to feed back
// into generation. Invoke never returns an error; failures are encoded into
// the result.
type Capability struct {
	Definition llm.ToolDefinition
	Invoke     func(ctx context.Context, args string) string
}

// httpTimeout bounds each outbound tool call. The original services used 8s
// for weather; searches get the same budget.
const httpTimeout = 8 * time.Second

// Options configures capability construction. The zero value is usable;
// fields exist so tests can point tools at local servers.
type Options struct {
	// WeatherBaseURL overrides the OpenWeather endpoint.
	WeatherBaseURL string

	// SearchBaseURL overrides the Tavily endpoint.
	SearchBaseURL string

	// HTTPClient overrides the shared client. Nil selects a default with
	// httpTimeout.
	HTTPClient *http.Client
}

func (o Options) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: httpTimeout}
}

// ForTurn builds the capability set for one turn. weatherKey and searchKey
// are the resolved credentials (session override or process default); empty
// keys produce capabilities that report themselves as unconfigured.
func ForTurn(weatherKey, searchKey string, opts Options) []Capability {
	return []Capability{
		weatherCapability(weatherKey, opts),
		searchCapability(searchKey, opts),
	}
}

// Definitions extracts the tool definitions to declare to the model.
func Definitions(caps []Capability) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(caps))
	for i, c := range caps {
		defs[i] = c.Definition
	}
	return defs
}

// Lookup returns the capability with the given name, or nil.
func Lookup(caps []Capability, name string) *Capability {
	for i := range caps {
		if caps[i].Definition.Name == name {
			return &caps[i]
		}
	}
	return nil
}
