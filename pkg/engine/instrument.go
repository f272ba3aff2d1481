package engine

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Instrument defines the trading parameters for one perpetual market,
// keyed by its on-chain token address.
type Instrument struct {
	Token  common.Address
	Symbol string

	// TickSize: minimum price increment. All prices are integer ticks.
	TickSize int64
	// LotSize: minimum size increment. All sizes are integer lots.
	LotSize int64
	// MinNotional rejects dust orders (price * size below this).
	MinNotional int64

	MaxLeverage          int64
	MaintenanceMarginBps int64

	MinOrderSize int64
	MaxOrderSize int64
}

// DefaultInstrument returns an instrument with devnet parameters.
func DefaultInstrument(token common.Address, symbol string) *Instrument {
	return &Instrument{
		Token:                token,
		Symbol:               symbol,
		TickSize:             1,
		LotSize:              1,
		MinNotional:          1000,
		MaxLeverage:          50,
		MaintenanceMarginBps: 50,
		MinOrderSize:         1,
		MaxOrderSize:         1_000_000,
	}
}

// ValidateOrder checks an order's economic fields against the
// instrument parameters. Signature and nonce are checked elsewhere.
func (i *Instrument) ValidateOrder(o *Order) error {
	if o.Size <= 0 {
		return fmt.Errorf("%w: size %d", ErrInvalidAmount, o.Size)
	}
	if o.Size < i.MinOrderSize {
		return fmt.Errorf("%w: size %d below minimum %d", ErrInvalidAmount, o.Size, i.MinOrderSize)
	}
	if o.Size > i.MaxOrderSize {
		return fmt.Errorf("%w: size %d exceeds maximum %d", ErrInvalidAmount, o.Size, i.MaxOrderSize)
	}
	if o.Leverage < 1 || o.Leverage > i.MaxLeverage {
		return fmt.Errorf("%w: leverage %dx outside 1-%dx", ErrInvalidAmount, o.Leverage, i.MaxLeverage)
	}
	if o.Size%i.LotSize != 0 {
		return fmt.Errorf("%w: size %d not a multiple of lot size %d", ErrInvalidAmount, o.Size, i.LotSize)
	}

	switch o.Type {
	case Limit:
		if o.LimitPrice <= 0 {
			return fmt.Errorf("%w: limit order requires positive price", ErrInvalidAmount)
		}
		if o.LimitPrice%i.TickSize != 0 {
			return fmt.Errorf("%w: price %d not a multiple of tick size %d", ErrInvalidAmount, o.LimitPrice, i.TickSize)
		}
		if i.MinNotional > 0 {
			notional := MulDiv(o.LimitPrice, o.Size, 1)
			if notional < i.MinNotional {
				return fmt.Errorf("%w: notional %d below minimum %d", ErrInvalidAmount, notional, i.MinNotional)
			}
		}
	case Market:
		if o.LimitPrice != 0 {
			return fmt.Errorf("%w: market order must carry price 0", ErrInvalidAmount)
		}
	default:
		return fmt.Errorf("%w: unknown order type %d", ErrInvalidAmount, o.Type)
	}

	return nil
}

// InstrumentRegistry keeps all tradable instruments in a thread-safe map.
type InstrumentRegistry struct {
	mu          sync.RWMutex
	instruments map[common.Address]*Instrument
}

func NewInstrumentRegistry() *InstrumentRegistry {
	return &InstrumentRegistry{instruments: make(map[common.Address]*Instrument)}
}

func (r *InstrumentRegistry) Register(i *Instrument) error {
	if i == nil {
		return fmt.Errorf("cannot register nil instrument")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[i.Token]; exists {
		return fmt.Errorf("instrument %s already registered", i.Symbol)
	}
	r.instruments[i.Token] = i
	return nil
}

func (r *InstrumentRegistry) Get(token common.Address) (*Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, exists := r.instruments[token]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, token.Hex())
	}
	return i, nil
}

// List returns all registered instruments as a snapshot copy.
func (r *InstrumentRegistry) List() []*Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instrument, 0, len(r.instruments))
	for _, i := range r.instruments {
		out = append(out, i)
	}
	return out
}

func (r *InstrumentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
