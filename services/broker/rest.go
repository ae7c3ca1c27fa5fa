package broker

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

	"tw_autotrade/config"
	"tw_autotrade/logging"
)

// gateway describes how one vendor's order gateway is addressed.
type gateway struct {
	name          string
	positionsPath string
	ordersPath    string
	authorize     func(req *http.Request, ep config.BrokerEndpoint)
}

// restBroker is a thin JSON client for a vendor order gateway.
type restBroker struct {
	gw       gateway
	endpoint config.BrokerEndpoint
	baseURL  string
	http     *http.Client
	logger   zerolog.Logger
}

func newRESTBroker(gw gateway, ep config.BrokerEndpoint) (*restBroker, error) {
	if ep.BaseURL == "" {
		return nil, fmt.Errorf("brokers.%s.base_url is not configured", gw.name)
	}
	if _, err := url.Parse(ep.BaseURL); err != nil {
		return nil, fmt.Errorf("brokers.%s.base_url: %w", gw.name, err)
	}
	if ep.APIKey == "" {
		return nil, fmt.Errorf("brokers.%s.api_key is not configured", gw.name)
	}
	return &restBroker{
		gw:       gw,
		endpoint: ep,
		baseURL:  strings.TrimRight(ep.BaseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logging.WithComponent("broker." + gw.name),
	}, nil
}

// NewFugle returns the Fugle trade gateway adapter.
func NewFugle(ep config.BrokerEndpoint) (Broker, error) {
	return newRESTBroker(gateway{
		name:          "fugle",
		positionsPath: "/api/v1/inventories",
		ordersPath:    "/api/v1/orders",
		authorize: func(req *http.Request, ep config.BrokerEndpoint) {
			req.Header.Set("X-API-KEY", ep.APIKey)
			req.Header.Set("X-API-SECRET", ep.APISecret)
		},
	}, ep)
}

// NewSinopac returns the Sinopac (Shioaji) gateway adapter.
func NewSinopac(ep config.BrokerEndpoint) (Broker, error) {
	return newRESTBroker(gateway{
		name:          "sinopac",
		positionsPath: "/v1/positions",
		ordersPath:    "/v1/orders",
		authorize: func(req *http.Request, ep config.BrokerEndpoint) {
			req.Header.Set("Authorization", "Bearer "+ep.APIKey)
			if ep.APISecret != "" {
				req.Header.Set("X-Secret-Key", ep.APISecret)
			}
		},
	}, ep)
}

func (b *restBroker) Name() string { return b.gw.name }

type positionsResponse struct {
	Positions []Position `json:"positions"`
}

func (b *restBroker) Positions(ctx context.Context) ([]Position, error) {
	path := b.gw.positionsPath
	if b.endpoint.AccountID != "" {
		path += "?account=" + url.QueryEscape(b.endpoint.AccountID)
	}
	var out positionsResponse
	if err := b.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("%s positions: %w", b.gw.name, err)
	}
	return out.Positions, nil
}

type orderPayload struct {
	OrderRequest
	Account   string `json:"account,omitempty"`
	OrderType string `json:"order_type"`
	Lot       string `json:"lot"`
}

type orderResponse struct {
	OrderAck
	Reason string `json:"reason,omitempty"`
}

func (b *restBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	lot := "common"
	if req.Quantity%1000 != 0 {
		lot = "odd"
	}
	payload := orderPayload{OrderRequest: req, Account: b.endpoint.AccountID, OrderType: "limit", Lot: lot}

	var out orderResponse
	if err := b.do(ctx, http.MethodPost, b.gw.ordersPath, payload, &out); err != nil {
		return nil, fmt.Errorf("%s place order %s: %w", b.gw.name, req.ClientOrderID, err)
	}
	if strings.EqualFold(out.Status, "rejected") {
		return nil, fmt.Errorf("%s place order %s: %w: %s", b.gw.name, req.ClientOrderID, ErrRejected, out.Reason)
	}
	b.logger.Info().
		Str("client_order_id", req.ClientOrderID).
		Str("order_id", out.BrokerOrderID).
		Str("stock_id", req.StockID).
		Str("side", req.Side).
		Int64("quantity", req.Quantity).
		Msg("Order accepted")
	return &out.OrderAck, nil
}

func (b *restBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	path := b.gw.ordersPath + "/" + url.PathEscape(brokerOrderID)
	if err := b.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("%s cancel order %s: %w", b.gw.name, brokerOrderID, err)
	}
	return nil
}

func (b *restBroker) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.gw.authorize(req, b.endpoint)

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(data)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
