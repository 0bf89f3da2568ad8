// Package tools holds the built-in tool implementations and their
// descriptors. Each tool exposes a handler for the in-process adapter plus
// the schema advertised to the reasoner.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/amira/toolbridge/pkg/registry"
)

// DefaultFrankfurterURL is the public exchange rate API.
const DefaultFrankfurterURL = "https://api.frankfurter.app"

// Currency serves exchange rate lookups backed by the Frankfurter API.
type Currency struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewCurrency creates the tool. baseURL is overridable for tests; empty
// means the public API.
func NewCurrency(baseURL string, logger zerolog.Logger) *Currency {
	if baseURL == "" {
		baseURL = DefaultFrankfurterURL
	}
	return &Currency{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Descriptor declares the get_exchange_rate tool.
func (c *Currency) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Name: "get_exchange_rate",
		Description: "Use this to get the current exchange rate between two currencies. " +
			"Dates other than \"latest\" return the historical rate for that day.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"currency_from": {
					"type": "string",
					"description": "The currency to convert from (e.g., \"USD\")"
				},
				"currency_to": {
					"type": "string",
					"description": "The currency to convert to (e.g., \"EUR\")"
				},
				"currency_date": {
					"type": "string",
					"description": "The date for the exchange rate as YYYY-MM-DD, or \"latest\""
				}
			}
		}`),
		Transport:     registry.TransportLocal,
		ProgressLabel: "Looking up the exchange rates...",
	}
}

// Handler fetches the rate. Missing arguments fall back to USD, EUR and
// the latest date.
func (c *Currency) Handler(ctx context.Context, args map[string]any) (map[string]any, error) {
	from := stringArg(args, "currency_from", "USD")
	to := stringArg(args, "currency_to", "EUR")
	date := stringArg(args, "currency_date", "latest")

	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, url.PathEscape(date), url.Values{
		"from": {from},
		"to":   {to},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read API response: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("invalid JSON response from API")
	}

	if _, ok := data["rates"]; !ok {
		return nil, fmt.Errorf("invalid API response format")
	}

	c.logger.Debug().
		Str("from", from).
		Str("to", to).
		Str("date", date).
		Msg("Fetched exchange rate")

	return data, nil
}

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
