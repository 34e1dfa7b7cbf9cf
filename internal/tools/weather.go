package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/voxflow-ai/voxflow/pkg/provider/llm"
)

const defaultWeatherBaseURL = "https://api.openweathermap.org/data/2.5"

// WeatherToolName is the function name declared to the model.
const WeatherToolName = "get_weather"

// weatherResponse is the subset of OpenWeather's current-weather payload the
// summary needs.
type weatherResponse struct {
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
	} `json:"main"`
	Message string `json:"message"`
}

func weatherCapability(apiKey string, opts Options) Capability {
	base := opts.WeatherBaseURL
	if base == "" {
		base = defaultWeatherBaseURL
	}
	client := opts.client()

	return Capability{
		Definition: llm.ToolDefinition{
			Name:        WeatherToolName,
			Description: "Get the current real-world weather for a location. Returns a short natural-language summary.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "City name, optionally with country code (e.g. \"Karakura\" or \"Tokyo,JP\").",
					},
				},
				"required": []string{"location"},
			},
		},
		Invoke: func(ctx context.Context, args string) string {
			var in struct {
				Location string `json:"location"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil || strings.TrimSpace(in.Location) == "" {
				return "Weather lookup failed: no location given."
			}
			return fetchWeather(ctx, client, base, apiKey, strings.TrimSpace(in.Location))
		},
	}
}

// fetchWeather calls OpenWeather and renders a one-line summary. All failure
// modes return speakable text rather than an error.
func fetchWeather(ctx context.Context, client *http.Client, base, apiKey, location string) string {
	if apiKey == "" {
		return "Weather service is not configured. Missing API key."
	}

	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/weather?"+q.Encode(), nil)
	if err != nil {
		return fmt.Sprintf("Error fetching weather: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("weather lookup failed", "location", location, "err", err)
		return fmt.Sprintf("Error fetching weather: %v", err)
	}
	defer resp.Body.Close()

	var data weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Sprintf("Error fetching weather: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Couldn't fetch weather for %s. %s", location, data.Message)
	}
	if len(data.Weather) == 0 {
		return fmt.Sprintf("Couldn't fetch weather for %s.", location)
	}

	desc := capitalize(data.Weather[0].Description)
	return fmt.Sprintf("The weather in %s is %s, %.1f°C (feels like %.1f°C).",
		location, desc, data.Main.Temp, data.Main.FeelsLike)
}

// capitalize upper-cases the first byte of an ASCII description.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
