package engine

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Validation errors. Rejections are synchronous and mutate no state.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrExpiredOrder      = errors.New("order deadline passed")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrNotFound          = errors.New("order not found")
	ErrUnauthorized      = errors.New("not order owner")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrEngineClosed      = errors.New("engine closed")
)

type Side uint8

const (
	Long Side = iota + 1
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

type OrderType uint8

const (
	Market OrderType = iota + 1
	Limit
)

func (t OrderType) String() string {
	switch t {
	case Market:
		return "MARKET"
	case Limit:
		return "LIMIT"
	default:
		return "unknown"
	}
}

type OrderStatus uint8

const (
	StatusPending OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final. A terminal order is
// immutable and no longer rests in any book.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// Order is a signed trading intent. Prices are integer ticks and sizes
// integer lots so matching and PnL math agree exactly with on-chain
// fixed-point arithmetic. A resting order is owned by its book slot and
// mutated only by the matching core.
type Order struct {
	ID         string         `json:"id"`
	Trader     common.Address `json:"trader"`
	Token      common.Address `json:"token"`
	Side       Side           `json:"side"`
	Size       int64          `json:"size"`
	Leverage   int64          `json:"leverage"`
	LimitPrice int64          `json:"limitPrice"` // 0 = market
	Deadline   int64          `json:"deadline"`   // unix seconds, 0 = no expiry
	Nonce      uint64         `json:"nonce"`
	Type       OrderType      `json:"orderType"`
	Signature  []byte         `json:"signature"`

	Status       OrderStatus `json:"status"`
	FilledSize   int64       `json:"filledSize"`
	AvgFillPrice int64       `json:"avgFillPrice"`

	// Arrival sequence, assigned at accept time. FIFO priority within a
	// price level is by seq, never by wall clock.
	seq uint64
}

// Remaining returns the unmatched size.
func (o *Order) Remaining() int64 {
	return o.Size - o.FilledSize
}

// Expired reports whether the order's deadline has passed at now
// (unix seconds). Deadline 0 never expires.
func (o *Order) Expired(now int64) bool {
	return o.Deadline > 0 && o.Deadline <= now
}

// applyFill records a fill against this order. avgFillPrice is a
// size-weighted average computed with 128-bit intermediates.
func (o *Order) applyFill(price, size int64) {
	o.AvgFillPrice = WeightedAvg(o.AvgFillPrice, o.FilledSize, price, size)
	o.FilledSize += size
	if o.FilledSize >= o.Size {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// CancelRequest asks for removal of an order's unmatched remainder.
type CancelRequest struct {
	OrderID   string         `json:"orderId"`
	Token     common.Address `json:"token"`
	Trader    common.Address `json:"trader"`
	Nonce     uint64         `json:"nonce"`
	Signature []byte         `json:"signature"`
}

type SettlementStatus uint8

const (
	SettlementPending SettlementStatus = iota
	SettlementSubmitted
	SettlementConfirmed
	SettlementFailed
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementPending:
		return "PENDING"
	case SettlementSubmitted:
		return "SUBMITTED"
	case SettlementConfirmed:
		return "CONFIRMED"
	case SettlementFailed:
		return "FAILED"
	default:
		return "unknown"
	}
}

// Match records one crossing event. Long and Short are value snapshots
// of the two signed orders taken at match time; the settlement contract
// re-verifies their signatures, so the original signed fields are kept
// intact. Everything except Status is immutable after creation.
type Match struct {
	ID        string           `json:"id"`
	Token     common.Address   `json:"token"`
	Long      Order            `json:"long"`
	Short     Order            `json:"short"`
	Price     int64            `json:"price"` // always the resting (maker) order's price
	Size      int64            `json:"size"`
	Timestamp int64            `json:"timestamp"` // unix milliseconds
	Status    SettlementStatus `json:"status"`
}

// PriceLevel is one aggregated book level in a snapshot.
type PriceLevel struct {
	Price int64 `json:"price"`
	Size  int64 `json:"size"`
}

// BookSnapshot is a read-only view of one instrument's book.
type BookSnapshot struct {
	Token     common.Address `json:"token"`
	Bids      []PriceLevel   `json:"bids"` // price descending
	Asks      []PriceLevel   `json:"asks"` // price ascending
	Timestamp int64          `json:"timestamp"`
}
