package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tw_autotrade/config"
	"tw_autotrade/logging"
	"tw_autotrade/services/frame"
)

const maxErrorBody = 512

// HTTPClient calls the provider's JSON API.
type HTTPClient struct {
	baseURL string
	token   string
	market  string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTPClient builds a client from the provider section of the config.
func NewHTTPClient(cfg config.ProviderConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider.base_url is not configured")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider.base_url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 2
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		market:  cfg.Market,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logging.WithComponent("provider"),
	}, nil
}

// Market returns the default universe sent with requests.
func (c *HTTPClient) Market() string {
	return c.market
}

func (c *HTTPClient) Dataset(ctx context.Context, name, universe string) (*frame.Float, error) {
	if universe == "" {
		universe = c.market
	}
	path := "/v1/datasets/" + url.PathEscape(name) + "?market=" + url.QueryEscape(universe)

	var out frame.Float
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", name, err)
	}
	return &out, nil
}

type indicatorRequest struct {
	Market string         `json:"market,omitempty"`
	Params map[string]any `json:"params"`
}

type indicatorResponse struct {
	Outputs []*frame.Float `json:"outputs"`
}

func (c *HTTPClient) Indicator(ctx context.Context, name string, params map[string]any) ([]*frame.Float, error) {
	var out indicatorResponse
	req := indicatorRequest{Market: c.market, Params: params}
	if err := c.do(ctx, http.MethodPost, "/v1/indicators/"+url.PathEscape(name), req, &out); err != nil {
		return nil, fmt.Errorf("indicator %s: %w", name, err)
	}
	if len(out.Outputs) == 0 {
		return nil, fmt.Errorf("indicator %s: empty response", name)
	}
	return out.Outputs, nil
}

func (c *HTTPClient) Simulate(ctx context.Context, req SimRequest) (*Report, error) {
	if req.Position == nil {
		return nil, fmt.Errorf("simulate: position is required")
	}
	if req.Market == "" {
		req.Market = c.market
	}
	var out Report
	if err := c.do(ctx, http.MethodPost, "/v1/backtests", req, &out); err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("provider request")

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
