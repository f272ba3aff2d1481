package position

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/perpdex/perpdex/pkg/engine"
)

// Store keeps all paired positions in a thread-safe cache with
// write-through pebble persistence. Reads hand out value copies so the
// risk engine can run concurrently over immutable snapshots; writes
// take exclusive per-store access.
type Store struct {
	mu        sync.RWMutex
	db        *pebble.DB
	positions map[string]*Position
}

// OpenStore opens (or creates) the store at the given pebble path.
// Empty path keeps everything in memory (tests).
func OpenStore(path string) (*Store, error) {
	s := &Store{positions: make(map[string]*Position)}
	if path == "" {
		return s, nil
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open position store: %w", err)
	}
	s.db = db

	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func positionKey(pairID string) []byte {
	return append([]byte("p:"), []byte(pairID)...)
}

func (s *Store) loadAll() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("p:"),
		UpperBound: []byte("p;"),
	})
	if err != nil {
		return fmt.Errorf("iterate positions: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var p Position
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue // skip corrupt entries
		}
		s.positions[p.PairID] = &p
	}
	return nil
}

func (s *Store) persist(p *Position) error {
	if s.db == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	if err := s.db.Set(positionKey(p.PairID), data, pebble.Sync); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	return nil
}

// ApplyMatch creates or grows the paired position for a confirmed
// match. Entry price is the size-weighted average across fills;
// per-side collateral grows by notional/leverage.
func (s *Store) ApplyMatch(m *engine.Match, nowMs int64) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairID := PairID(m.Token, m.Long.Trader, m.Short.Trader)
	p, exists := s.positions[pairID]
	if !exists || p.Status != Open {
		p = &Position{
			PairID:   pairID,
			Token:    m.Token,
			Long:     SideState{Trader: m.Long.Trader, Leverage: m.Long.Leverage},
			Short:    SideState{Trader: m.Short.Trader, Leverage: m.Short.Leverage},
			OpenTime: nowMs,
			Status:   Open,
		}
		s.positions[pairID] = p
	}

	p.EntryPrice = engine.WeightedAvg(p.EntryPrice, p.Size, m.Price, m.Size)
	p.Size += m.Size
	p.Long.Collateral += engine.MulDiv(m.Price, m.Size, m.Long.Leverage)
	p.Short.Collateral += engine.MulDiv(m.Price, m.Size, m.Short.Leverage)

	if err := s.persist(p); err != nil {
		return nil, err
	}
	out := *p
	return &out, nil
}

// ApplyFunding adds signed funding deltas to both sides. Exclusive
// mutation on the position record.
func (s *Store) ApplyFunding(pairID string, longDelta, shortDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[pairID]
	if !ok {
		return fmt.Errorf("position %s not found", pairID)
	}
	if p.Status != Open {
		return fmt.Errorf("position %s is %s", pairID, p.Status)
	}

	p.Long.FundingAccrued += longDelta
	p.Short.FundingAccrued += shortDelta
	return s.persist(p)
}

// ClosePosition marks a position closed at the given price.
func (s *Store) ClosePosition(pairID string) error {
	return s.setStatus(pairID, Closed)
}

// MarkLiquidated resynchronizes local state after an on-chain
// liquidation event was observed.
func (s *Store) MarkLiquidated(pairID string) error {
	return s.setStatus(pairID, Liquidated)
}

func (s *Store) setStatus(pairID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[pairID]
	if !ok {
		return fmt.Errorf("position %s not found", pairID)
	}
	p.Status = status
	return s.persist(p)
}

// Get returns a value copy of one position.
func (s *Store) Get(pairID string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[pairID]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Snapshot returns value copies of all open positions. Safe for
// concurrent risk reads.
func (s *Store) Snapshot() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Status == Open {
			out = append(out, *p)
		}
	}
	return out
}

// SnapshotByToken returns open positions for one instrument.
func (s *Store) SnapshotByToken(token common.Address) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Position
	for _, p := range s.positions {
		if p.Status == Open && p.Token == token {
			out = append(out, *p)
		}
	}
	return out
}

// ByTrader returns open positions where the trader holds either side.
func (s *Store) ByTrader(trader common.Address) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Position
	for _, p := range s.positions {
		if p.Status == Open && (p.Long.Trader == trader || p.Short.Trader == trader) {
			out = append(out, *p)
		}
	}
	return out
}
