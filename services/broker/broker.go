// Package broker places orders with a brokerage. The fugle and sinopac
// adapters call their order gateways over REST; paper fills locally.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tw_autotrade/config"
)

// ErrRejected is returned when the broker refuses an order.
var ErrRejected = errors.New("broker: order rejected")

// Position is a current holding.
type Position struct {
	StockID  string          `json:"stock_id"`
	Quantity int64           `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// OrderRequest is a limit order for whole shares.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	StockID       string          `json:"stock_id"`
	Side          string          `json:"side"` // BUY, SELL
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

// OrderAck is the broker's answer to an accepted order.
type OrderAck struct {
	BrokerOrderID string `json:"order_id"`
	Status        string `json:"status"`
}

type Broker interface {
	Name() string
	Positions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// New returns the configured active broker.
func New(cfg config.BrokersConfig, db *gorm.DB) (Broker, error) {
	switch cfg.Active {
	case "fugle":
		return NewFugle(cfg.Fugle)
	case "sinopac":
		return NewSinopac(cfg.Sinopac)
	case "paper":
		return NewPaper(db), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Active)
	}
}
