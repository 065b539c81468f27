package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
)

// DefaultPaperBalance is the opening cash of a paper wallet.
var DefaultPaperBalance = decimal.NewFromInt(10_000_000)

// PaperExecutor fills every intent immediately at its price against a
// simulated cash wallet and tracks realized P&L per instrument.
type PaperExecutor struct {
	mu       sync.RWMutex
	balance  decimal.Decimal
	holdings map[string]*holding
	fills    []model.Intent
}

type holding struct {
	quantity int64
	avgPrice decimal.Decimal
	realized decimal.Decimal
}

// Holding is the paper position in one instrument.
type Holding struct {
	InstrumentID string          `json:"instrument_id"`
	Quantity     int64           `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
}

// NewPaperExecutor creates a paper wallet with the given opening balance.
func NewPaperExecutor(balance decimal.Decimal) *PaperExecutor {
	return &PaperExecutor{
		balance:  balance,
		holdings: make(map[string]*holding),
	}
}

func (p *PaperExecutor) Submit(_ context.Context, in model.Intent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.holdings[in.InstrumentID]
	if !ok {
		h = &holding{}
		p.holdings[in.InstrumentID] = h
	}

	qty := decimal.NewFromInt(in.Quantity)
	value := in.Price.Mul(qty)

	switch in.Side {
	case model.SideBuy:
		if p.balance.LessThan(value) {
			return fmt.Errorf("%w: %s needs %s, free %s", ErrInsufficientFunds, in.InstrumentID, value, p.balance)
		}
		held := decimal.NewFromInt(h.quantity)
		h.avgPrice = h.avgPrice.Mul(held).Add(value).Div(held.Add(qty))
		h.quantity += in.Quantity
		p.balance = p.balance.Sub(value)

	case model.SideSell:
		if in.Quantity > h.quantity {
			return fmt.Errorf("%w: %s sell %d, held %d", ErrNoHoldings, in.InstrumentID, in.Quantity, h.quantity)
		}
		h.realized = h.realized.Add(in.Price.Sub(h.avgPrice).Mul(qty))
		h.quantity -= in.Quantity
		if h.quantity == 0 {
			h.avgPrice = decimal.Zero
		}
		p.balance = p.balance.Add(value)

	default:
		return fmt.Errorf("execution: unknown side %q", in.Side)
	}

	p.fills = append(p.fills, in)
	return nil
}

// Balance returns the free cash.
func (p *PaperExecutor) Balance() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance
}

// Holding returns the paper position for an instrument.
func (p *PaperExecutor) Holding(instrumentID string) Holding {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := Holding{InstrumentID: instrumentID}
	if h, ok := p.holdings[instrumentID]; ok {
		out.Quantity = h.quantity
		out.AvgPrice = h.avgPrice
		out.RealizedPnL = h.realized
	}
	return out
}

// RealizedPnL sums realized P&L across instruments.
func (p *PaperExecutor) RealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := decimal.Zero
	for _, h := range p.holdings {
		total = total.Add(h.realized)
	}
	return total
}

// Fills returns every filled intent in order.
func (p *PaperExecutor) Fills() []model.Intent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]model.Intent(nil), p.fills...)
}
