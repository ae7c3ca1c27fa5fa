package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tw_autotrade/models"
)

// Paper fills every valid order immediately at its limit price. Holdings are
// derived from filled paper orders in the orders table, so a restart keeps them.
type Paper struct {
	db      *gorm.DB
	mu      sync.Mutex
	pending []Position // in-memory fills when running without a database
}

func NewPaper(db *gorm.DB) *Paper {
	return &Paper{db: db}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	var orders []models.Order
	if p.db != nil {
		err := p.db.WithContext(ctx).
			Where("broker = ? AND status = ?", "paper", models.OrderFilled).
			Order("id ASC").
			Find(&orders).Error
		if err != nil {
			return nil, fmt.Errorf("paper positions: %w", err)
		}
	}

	book := make(map[string]*Position)
	apply := func(stockID, side string, qty int64, price decimal.Decimal) {
		pos, ok := book[stockID]
		if !ok {
			pos = &Position{StockID: stockID, AvgPrice: decimal.Zero}
			book[stockID] = pos
		}
		switch side {
		case models.SideBuy:
			cost := pos.AvgPrice.Mul(decimal.NewFromInt(pos.Quantity)).Add(price.Mul(decimal.NewFromInt(qty)))
			pos.Quantity += qty
			pos.AvgPrice = cost.Div(decimal.NewFromInt(pos.Quantity))
		case models.SideSell:
			pos.Quantity -= qty
			if pos.Quantity <= 0 {
				pos.Quantity = 0
				pos.AvgPrice = decimal.Zero
			}
		}
	}
	for _, o := range orders {
		apply(o.StockID, o.Side, o.Quantity, o.Price)
	}

	p.mu.Lock()
	for _, fill := range p.pending {
		side := models.SideBuy
		qty := fill.Quantity
		if qty < 0 {
			side, qty = models.SideSell, -qty
		}
		apply(fill.StockID, side, qty, fill.AvgPrice)
	}
	p.mu.Unlock()

	out := make([]Position, 0, len(book))
	for _, pos := range book {
		if pos.Quantity > 0 {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockID < out[j].StockID })
	return out, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrRejected)
	}
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrRejected)
	}
	switch req.Side {
	case models.SideBuy:
	case models.SideSell:
		held, err := p.Positions(ctx)
		if err != nil {
			return nil, err
		}
		var qty int64
		for _, h := range held {
			if h.StockID == req.StockID {
				qty = h.Quantity
			}
		}
		if req.Quantity > qty {
			return nil, fmt.Errorf("%w: sell %d %s but hold %d", ErrRejected, req.Quantity, req.StockID, qty)
		}
	default:
		return nil, fmt.Errorf("%w: unknown side %q", ErrRejected, req.Side)
	}

	// Without a database the fill is kept in memory.
	if p.db == nil {
		p.mu.Lock()
		qty := req.Quantity
		if req.Side == models.SideSell {
			qty = -qty
		}
		p.pending = append(p.pending, Position{StockID: req.StockID, Quantity: qty, AvgPrice: req.Price})
		p.mu.Unlock()
	}

	return &OrderAck{BrokerOrderID: "paper-" + uuid.NewString(), Status: models.OrderFilled}, nil
}

func (p *Paper) CancelOrder(_ context.Context, brokerOrderID string) error {
	return fmt.Errorf("%w: paper order %s is already filled", ErrRejected, brokerOrderID)
}
