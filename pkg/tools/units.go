package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/amira/toolbridge/pkg/registry"
)

// DefaultUCUMURL is the NLM UCUM transformation service.
const DefaultUCUMURL = "https://ucum.nlm.nih.gov/ucum-service/v1"

// Units converts between units of measure via the UCUM web service.
type Units struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewUnits creates the tool. baseURL is overridable for tests.
func NewUnits(baseURL string, logger zerolog.Logger) *Units {
	if baseURL == "" {
		baseURL = DefaultUCUMURL
	}
	return &Units{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Descriptor declares the convert_units tool.
func (u *Units) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Name: "convert_units",
		Description: "Use this to convert between different units of measurement via the UCUM " +
			"(Unified Code for Units of Measure) service. Units use UCUM notation, e.g. " +
			"\"m\" for meter, \"km\" for kilometer, \"[ft_i]\" for international foot, " +
			"\"cel\" for Celsius, \"degF\" for Fahrenheit.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"value": {
					"type": "number",
					"description": "The numeric value to convert"
				},
				"from_unit": {
					"type": "string",
					"description": "The UCUM unit to convert from (e.g., \"m\", \"kg\", \"cel\")"
				},
				"to_unit": {
					"type": "string",
					"description": "The UCUM unit to convert to (e.g., \"ft\", \"lb\", \"degF\")"
				}
			},
			"required": ["value", "from_unit", "to_unit"]
		}`),
		Transport:     registry.TransportLocal,
		ProgressLabel: "Converting the units...",
	}
}

// Handler calls the UCUM service. The service answers in plain text, e.g.
// "Result: 1.0 [in_i] = 2.54 cm", or an error sentence on bad units.
func (u *Units) Handler(ctx context.Context, args map[string]any) (map[string]any, error) {
	value, ok := args["value"].(float64)
	if !ok {
		return nil, fmt.Errorf("value must be a number")
	}
	fromUnit, _ := args["from_unit"].(string)
	toUnit, _ := args["to_unit"].(string)
	if fromUnit == "" || toUnit == "" {
		return nil, fmt.Errorf("from_unit and to_unit are required")
	}

	endpoint := fmt.Sprintf("%s/ucumtransform/%s/from/%s/to/%s",
		u.baseURL, strconv.FormatFloat(value, 'f', -1, 64), fromUnit, toUnit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := u.client.Do(req)
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

	text := strings.TrimSpace(string(body))
	if !strings.Contains(text, "Result:") {
		return nil, fmt.Errorf("UCUM conversion failed: %s", text)
	}

	parts := strings.SplitN(text, "=", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("unexpected UCUM response format: %s", text)
	}

	converted, err := leadingNumber(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("could not parse converted value from response: %s", parts[1])
	}

	u.logger.Debug().
		Float64("value", value).
		Str("from", fromUnit).
		Str("to", toUnit).
		Float64("converted", converted).
		Msg("Converted units")

	return map[string]any{
		"original_value":  value,
		"from_unit":       fromUnit,
		"to_unit":         toUnit,
		"converted_value": converted,
		"conversion":      strings.TrimSpace(strings.TrimPrefix(text, "Result:")),
	}, nil
}

// leadingNumber extracts the numeric prefix of a string like "2.54 cm".
func leadingNumber(s string) (float64, error) {
	end := 0
	for end < len(s) {
		ch := s[end]
		if ch >= '0' && ch <= '9' || ch == '.' || ch == '-' || (ch == 'e' || ch == 'E' || ch == '+') && end > 0 {
			end++
			continue
		}
		break
	}
	if end == 0 {
		return 0, fmt.Errorf("no number in %q", s)
	}
	return strconv.ParseFloat(s[:end], 64)
}
