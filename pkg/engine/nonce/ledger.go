// Package nonce implements per-trader replay protection with a
// two-phase reservation: a nonce is ISSUED when an order is accepted
// for matching and only CONFIRMED once its settlement lands on chain.
// A settlement revert ROLLS BACK the reservation so the trader can
// retry without a gap.
package nonce

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidNonce rejects out-of-order or already-used nonces.
// Rejection is synchronous with no state change.
var ErrInvalidNonce = errors.New("invalid nonce")

type State uint8

const (
	Issued State = iota + 1
	Confirmed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Issued:
		return "ISSUED"
	case Confirmed:
		return "CONFIRMED"
	case RolledBack:
		return "ROLLED_BACK"
	default:
		return "unknown"
	}
}

// record is one trader's nonce state.
type record struct {
	// Expected is the next nonce accepted from this trader. Advanced
	// optimistically on reserve, before chain confirmation.
	Expected uint64 `json:"expected"`
	// Confirmed is the next nonce after the last chain-confirmed one.
	// Rollback rewinds Expected to this value.
	Confirmed uint64 `json:"confirmed"`
	// Pending holds ISSUED reservations awaiting a settlement outcome.
	Pending map[uint64]State `json:"pending"`
}

// Ledger is the per-trader monotonic nonce counter. In-memory cache
// with write-through pebble persistence for crash recovery.
type Ledger struct {
	mu      sync.Mutex
	db      *pebble.DB
	records map[common.Address]*record
}

// Open opens (or creates) a ledger at the given pebble path. Pass an
// empty path for a purely in-memory ledger (tests).
func Open(path string) (*Ledger, error) {
	l := &Ledger{records: make(map[common.Address]*record)}
	if path == "" {
		return l, nil
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open nonce ledger: %w", err)
	}
	l.db = db
	return l, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func nonceKey(trader common.Address) []byte {
	return append([]byte("n:"), trader.Bytes()...)
}

// get loads a trader's record, from cache then pebble. Caller holds mu.
func (l *Ledger) get(trader common.Address) *record {
	if r, ok := l.records[trader]; ok {
		return r
	}

	r := &record{Pending: make(map[uint64]State)}
	if l.db != nil {
		data, closer, err := l.db.Get(nonceKey(trader))
		if err == nil {
			if jsonErr := json.Unmarshal(data, r); jsonErr == nil && r.Pending == nil {
				r.Pending = make(map[uint64]State)
			}
			closer.Close()
		}
	}
	l.records[trader] = r
	return r
}

// persist writes the record through to pebble. Caller holds mu.
func (l *Ledger) persist(trader common.Address, r *record) error {
	if l.db == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal nonce record: %w", err)
	}
	if err := l.db.Set(nonceKey(trader), data, pebble.Sync); err != nil {
		return fmt.Errorf("persist nonce record: %w", err)
	}
	return nil
}

// Reserve accepts the nonce only if it equals the trader's expected
// next nonce, then advances expected optimistically (ISSUED).
func (l *Ledger) Reserve(trader common.Address, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.get(trader)
	if nonce != r.Expected {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidNonce, nonce, r.Expected)
	}

	r.Pending[nonce] = Issued
	r.Expected = nonce + 1
	return l.persist(trader, r)
}

// Confirm moves an ISSUED reservation to CONFIRMED after the
// settlement transaction succeeded on chain.
func (l *Ledger) Confirm(trader common.Address, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.get(trader)
	if r.Pending[nonce] != Issued {
		return fmt.Errorf("%w: nonce %d not issued", ErrInvalidNonce, nonce)
	}

	delete(r.Pending, nonce)
	if nonce >= r.Confirmed {
		r.Confirmed = nonce + 1
	}
	return l.persist(trader, r)
}

// Rollback restores expected to the last confirmed value after a
// settlement ultimately reverted, unblocking retries. All ISSUED
// reservations at or beyond the confirmed watermark are dropped.
func (l *Ledger) Rollback(trader common.Address, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.get(trader)
	if r.Pending[nonce] != Issued {
		return fmt.Errorf("%w: nonce %d not issued", ErrInvalidNonce, nonce)
	}

	for n := range r.Pending {
		if n >= r.Confirmed {
			delete(r.Pending, n)
		}
	}
	r.Expected = r.Confirmed
	return l.persist(trader, r)
}

// Release drops a single ISSUED reservation for an order that died
// before producing any settlement (zero-fill market order, expired
// resting order). Unlike Rollback it leaves other reservations alone:
// Expected rewinds only when the released nonce was the most recent
// one issued.
func (l *Ledger) Release(trader common.Address, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.get(trader)
	if r.Pending[nonce] != Issued {
		return fmt.Errorf("%w: nonce %d not issued", ErrInvalidNonce, nonce)
	}

	delete(r.Pending, nonce)
	if nonce+1 == r.Expected {
		r.Expected = nonce
	}
	return l.persist(trader, r)
}

// Resync overwrites local state with the chain's authoritative nonce.
// Called after a settlement failure before accepting further orders
// from the affected trader.
func (l *Ledger) Resync(trader common.Address, chainNonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.get(trader)
	r.Expected = chainNonce
	r.Confirmed = chainNonce
	r.Pending = make(map[uint64]State)
	return l.persist(trader, r)
}

// Expected returns the next nonce the ledger will accept for a trader.
func (l *Ledger) Expected(trader common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(trader).Expected
}

// PendingState reports the reservation state for a nonce, if any.
func (l *Ledger) PendingState(trader common.Address, nonce uint64) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.get(trader).Pending[nonce]
	return s, ok
}
