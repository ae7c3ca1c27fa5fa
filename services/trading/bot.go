package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tw_autotrade/config"
	"tw_autotrade/logging"
	"tw_autotrade/models"
	"tw_autotrade/services/broker"
	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
)

// BoardLot is the number of shares in one TWSE round lot.
const BoardLot = 1000

// PriceSource supplies closing prices.
type PriceSource interface {
	Dataset(ctx context.Context, name, universe string) (*frame.Float, error)
}

// Observer is notified of every persisted order.
type Observer func(order models.Order)

// TradingBot turns strategy targets into broker orders
type TradingBot struct {
	db       *gorm.DB
	broker   broker.Broker
	prices   PriceSource
	market   string
	capital  decimal.Decimal
	dryRun   bool
	observer Observer
	mutex    sync.Mutex
	logger   zerolog.Logger
}

// NewTradingBot creates a new trading bot instance
func NewTradingBot(db *gorm.DB, b broker.Broker, prices PriceSource, cfg config.BrokersConfig, market string) *TradingBot {
	return &TradingBot{
		db:      db,
		broker:  b,
		prices:  prices,
		market:  market,
		capital: decimal.NewFromFloat(cfg.Capital),
		dryRun:  cfg.DryRun,
		logger:  logging.WithComponent("trading").With().Str("broker", b.Name()).Logger(),
	}
}

// OnOrder registers fn to be called after each order is stored.
func (bot *TradingBot) OnOrder(fn Observer) {
	bot.observer = fn
}

// DryRun reports whether orders are only recorded.
func (bot *TradingBot) DryRun() bool {
	return bot.dryRun
}

// Plan computes the orders that move current holdings to targets: sell every
// holding outside targets, then buy each new target with an equal share of
// capital in whole board lots at the last close.
func (bot *TradingBot) Plan(ctx context.Context, task string, targets []string) ([]models.Order, error) {
	holdings, err := bot.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	closes, err := bot.prices.Dataset(ctx, provider.DatasetClose, bot.market)
	if err != nil {
		return nil, fmt.Errorf("load closing prices: %w", err)
	}

	want := make(map[string]bool, len(targets))
	for _, s := range targets {
		want[s] = true
	}
	held := make(map[string]int64, len(holdings))
	for _, h := range holdings {
		held[h.StockID] = h.Quantity
	}

	var orders []models.Order
	for _, h := range holdings {
		if want[h.StockID] || h.Quantity <= 0 {
			continue
		}
		price, ok := lastClose(closes, h.StockID)
		if !ok {
			bot.logger.Warn().Str("stock_id", h.StockID).Msg("No closing price, skipping sell")
			continue
		}
		orders = append(orders, bot.newOrder(task, h.StockID, models.SideSell, h.Quantity, price))
	}

	if len(targets) == 0 {
		return orders, nil
	}
	budget := bot.capital.Div(decimal.NewFromInt(int64(len(want))))
	buys := make([]string, 0, len(want))
	for s := range want {
		if held[s] == 0 {
			buys = append(buys, s)
		}
	}
	sort.Strings(buys)
	for _, s := range buys {
		price, ok := lastClose(closes, s)
		if !ok {
			bot.logger.Warn().Str("stock_id", s).Msg("No closing price, skipping buy")
			continue
		}
		lots := budget.Div(price.Mul(decimal.NewFromInt(BoardLot))).Floor().IntPart()
		if lots <= 0 {
			bot.logger.Info().Str("stock_id", s).Str("price", price.String()).Msg("Budget below one board lot, skipping buy")
			continue
		}
		orders = append(orders, bot.newOrder(task, s, models.SideBuy, lots*BoardLot, price))
	}
	return orders, nil
}

func (bot *TradingBot) newOrder(task, stockID, side string, qty int64, price decimal.Decimal) models.Order {
	return models.Order{
		Broker:        bot.broker.Name(),
		ClientOrderID: uuid.NewString(),
		Task:          task,
		StockID:       stockID,
		Side:          side,
		Quantity:      qty,
		Price:         price,
		Status:        models.OrderPending,
	}
}

// Execute sends orders (sells first) and stores each with its final status.
// Rejected orders are stored and do not stop the batch.
func (bot *TradingBot) Execute(ctx context.Context, orders []models.Order) ([]models.Order, error) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Side == models.SideSell && orders[j].Side != models.SideSell
	})

	var failed int
	for i := range orders {
		o := &orders[i]
		if bot.dryRun {
			o.Status = models.OrderDryRun
		} else {
			ack, err := bot.broker.PlaceOrder(ctx, broker.OrderRequest{
				ClientOrderID: o.ClientOrderID,
				StockID:       o.StockID,
				Side:          o.Side,
				Quantity:      o.Quantity,
				Price:         o.Price,
			})
			switch {
			case err == nil:
				o.BrokerOrderID = ack.BrokerOrderID
				o.Status = ack.Status
				if o.Status == "" {
					o.Status = models.OrderSubmitted
				}
			case errors.Is(err, broker.ErrRejected):
				o.Status = models.OrderRejected
				o.Error = err.Error()
				failed++
			default:
				if ctx.Err() != nil {
					return orders[:i], ctx.Err()
				}
				o.Status = models.OrderRejected
				o.Error = err.Error()
				failed++
			}
		}

		if err := bot.db.WithContext(ctx).Create(o).Error; err != nil {
			return orders[:i], fmt.Errorf("save order %s: %w", o.ClientOrderID, err)
		}
		bot.logger.Info().
			Str("task", o.Task).
			Str("stock_id", o.StockID).
			Str("side", o.Side).
			Int64("quantity", o.Quantity).
			Str("price", o.Price.String()).
			Str("status", o.Status).
			Msg("Order recorded")
		if bot.observer != nil {
			bot.observer(*o)
		}
	}
	if failed > 0 {
		bot.logger.Warn().Int("failed", failed).Int("total", len(orders)).Msg("Some orders were rejected")
	}
	return orders, nil
}

// Rebalance plans and executes in one step. Concurrent calls are serialized.
func (bot *TradingBot) Rebalance(ctx context.Context, task string, targets []string) ([]models.Order, error) {
	bot.mutex.Lock()
	defer bot.mutex.Unlock()

	orders, err := bot.Plan(ctx, task, targets)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		bot.logger.Info().Str("task", task).Msg("Holdings already match targets")
		return nil, nil
	}
	return bot.Execute(ctx, orders)
}

// lastClose returns the most recent non-missing close of stockID.
func lastClose(closes *frame.Float, stockID string) (decimal.Decimal, bool) {
	j := closes.ColumnIndex(stockID)
	if j < 0 {
		return decimal.Zero, false
	}
	for i := len(closes.Data) - 1; i >= 0; i-- {
		v := closes.Data[i][j]
		if !math.IsNaN(v) && v > 0 {
			return decimal.NewFromFloat(v).Round(2), true
		}
	}
	return decimal.Zero, false
}
