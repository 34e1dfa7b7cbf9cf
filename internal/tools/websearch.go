package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxflow-ai/voxflow/pkg/provider/llm"
)

const defaultSearchBaseURL = "https://api.tavily.com"

// SearchToolName is the function name declared to the model.
const SearchToolName = "web_search"

// SearchResult is one simplified web-search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// searchOutcome is the JSON payload fed back to the model: either results or
// an error key, never both.
type searchOutcome struct {
	Results []SearchResult `json:"results,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func searchCapability(apiKey string, opts Options) Capability {
	base := opts.SearchBaseURL
	if base == "" {
		base = defaultSearchBaseURL
	}
	client := opts.client()

	return Capability{
		Definition: llm.ToolDefinition{
			Name:        SearchToolName,
			Description: "Search the web for up-to-date information. Returns a list of results with title, url, and content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
				},
				"required": []string{"query"},
			},
		},
		Invoke: func(ctx context.Context, args string) string {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil || strings.TrimSpace(in.Query) == "" {
				return encodeOutcome(searchOutcome{Error: "no query given"})
			}
			return searchWeb(ctx, client, base, apiKey, strings.TrimSpace(in.Query))
		},
	}
}

// searchWeb calls the Tavily search endpoint and returns a JSON payload with
// either a results array or an error key.
func searchWeb(ctx context.Context, client *http.Client, base, apiKey, query string) string {
	if apiKey == "" {
		return encodeOutcome(searchOutcome{Error: "Websearch service not configured. Missing API key."})
	}

	payload, err := json.Marshal(map[string]string{
		"api_key": apiKey,
		"query":   query,
	})
	if err != nil {
		return encodeOutcome(searchOutcome{Error: err.Error()})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/search", bytes.NewReader(payload))
	if err != nil {
		return encodeOutcome(searchOutcome{Error: err.Error()})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("web search failed", "query", query, "err", err)
		return encodeOutcome(searchOutcome{Error: err.Error()})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return encodeOutcome(searchOutcome{Error: fmt.Sprintf("search returned status %d", resp.StatusCode)})
	}

	var body struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return encodeOutcome(searchOutcome{Error: err.Error()})
	}

	return encodeOutcome(searchOutcome{Results: body.Results})
}

// encodeOutcome marshals the outcome; encoding a flat struct cannot fail in
// practice, but fall back to a literal error payload just in case.
func encodeOutcome(o searchOutcome) string {
	data, err := json.Marshal(o)
	if err != nil {
		return `{"error":"failed to encode search result"}`
	}
	return string(data)
}
