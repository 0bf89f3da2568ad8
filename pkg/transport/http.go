package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPConfig describes one HTTP endpoint.
type HTTPConfig struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// httpInvokeResponse is the endpoint's reply envelope. A populated Error
// means the tool ran and failed.
type httpInvokeResponse struct {
	InvocationID string         `json:"invocation_id"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// HTTPAdapter posts invocations to a remote endpoint. The endpoint owns
// its own concurrency; requests are not serialized here.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPAdapter creates an adapter with a pooled client.
func NewHTTPAdapter(cfg HTTPConfig, logger zerolog.Logger) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInvokeTimeout
	}
	return &HTTPAdapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Invoke posts the invocation to {base}/invoke. Anything short of a 2xx
// with a parseable envelope is a transport failure; an error envelope from
// a 2xx is the tool's own failure.
func (a *HTTPAdapter) Invoke(ctx context.Context, inv Invocation) Result {
	body, err := json.Marshal(inv)
	if err != nil {
		return failed(inv, TransportFailure("marshal invocation: %v", err))
	}

	url := a.cfg.BaseURL + "/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failed(inv, TransportFailure("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn().
			Str("endpoint", a.cfg.Name).
			Str("tool", inv.Tool).
			Err(err).
			Msg("HTTP endpoint unreachable")
		return failed(inv, TransportFailure("endpoint %s: %v", a.cfg.Name, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return failed(inv, TransportFailure("endpoint %s: read response: %v", a.cfg.Name, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(inv, TransportFailure("endpoint %s returned status %d", a.cfg.Name, resp.StatusCode))
	}

	var envelope httpInvokeResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return failed(inv, TransportFailure("endpoint %s returned malformed response: %v", a.cfg.Name, err))
	}

	if envelope.Error != nil {
		msg := envelope.Error.Message
		if msg == "" {
			msg = "tool reported an error"
		}
		return failed(inv, ImplementationFailure("%s", msg))
	}

	return success(inv, envelope.Result)
}

// Close releases pooled connections.
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// Healthcheck probes the endpoint's health route. Used at startup to log
// endpoint availability; a failing probe does not disable the adapter.
func (a *HTTPAdapter) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint %s health returned %d", a.cfg.Name, resp.StatusCode)
	}
	return nil
}
