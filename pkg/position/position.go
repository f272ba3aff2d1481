// Package position tracks paired perpetual positions and the insurance
// fund. A position pairs one long and one short trader on the same
// token; it is created by the first confirmed match between them and
// updated by later fills, funding settlement and liquidation events.
package position

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Status uint8

const (
	Open Status = iota
	Closed
	Liquidated
)

func (s Status) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	case Liquidated:
		return "LIQUIDATED"
	default:
		return "unknown"
	}
}

// SideState is one trader's half of a paired position.
type SideState struct {
	Trader common.Address `json:"trader"`
	// Collateral locked for this side, in quote units.
	Collateral int64 `json:"collateral"`
	Leverage   int64 `json:"leverage"`
	// FundingAccrued is the signed sum of funding payments applied to
	// this side. Positive means received.
	FundingAccrued int64 `json:"fundingAccrued"`
}

// Position is a paired perpetual position.
type Position struct {
	PairID     string         `json:"pairId"`
	Token      common.Address `json:"token"`
	Long       SideState      `json:"long"`
	Short      SideState      `json:"short"`
	Size       int64          `json:"size"`
	EntryPrice int64          `json:"entryPrice"`
	OpenTime   int64          `json:"openTime"` // unix milliseconds
	Status     Status         `json:"status"`
}

// PairID derives the deterministic pair identifier used both locally
// and by the settlement contract.
func PairID(token, longTrader, shortTrader common.Address) string {
	h := crypto.Keccak256(token.Bytes(), longTrader.Bytes(), shortTrader.Bytes())
	return common.BytesToHash(h).Hex()
}
