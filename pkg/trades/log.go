// Package trades keeps a persisted, queryable history of executed
// trades per instrument.
package trades

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Trade is one executed fill as seen by market-data consumers.
type Trade struct {
	MatchID   string         `json:"matchId"`
	Token     common.Address `json:"token"`
	Price     int64          `json:"price"`
	Size      int64          `json:"size"`
	Taker     string         `json:"taker"` // aggressor side, "long" or "short"
	Timestamp int64          `json:"timestamp"`
}

// memoryCap bounds the per-token in-memory ring served by Recent.
// Pebble keeps the full history.
const memoryCap = 1000

// Log records trades as they execute. Recent queries are served from
// memory; pebble holds the durable history across restarts.
type Log struct {
	mu      sync.RWMutex
	db      *pebble.DB
	byToken map[common.Address][]Trade
	nextSeq uint64
}

func OpenLog(path string) (*Log, error) {
	l := &Log{byToken: make(map[common.Address][]Trade)}
	if path == "" {
		return l, nil
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	l.db = db

	if err := l.reload(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func tradeKey(seq uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "t:")
	binary.BigEndian.PutUint64(key[2:], seq)
	return key
}

func (l *Log) reload() error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("t:"),
		UpperBound: []byte("t;"),
	})
	if err != nil {
		return fmt.Errorf("iterate trade log: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var t Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		l.append(t)
		l.nextSeq = binary.BigEndian.Uint64(iter.Key()[2:]) + 1
	}
	return nil
}

func (l *Log) append(t Trade) {
	ring := append(l.byToken[t.Token], t)
	if len(ring) > memoryCap {
		ring = ring[len(ring)-memoryCap:]
	}
	l.byToken[t.Token] = ring
}

// Record persists one trade and adds it to the in-memory ring.
func (l *Log) Record(t Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db != nil {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trade %s: %w", t.MatchID, err)
		}
		if err := l.db.Set(tradeKey(l.nextSeq), data, pebble.NoSync); err != nil {
			return fmt.Errorf("persist trade %s: %w", t.MatchID, err)
		}
	}
	l.nextSeq++
	l.append(t)
	return nil
}

// Recent returns up to limit trades for a token, newest first.
func (l *Log) Recent(token common.Address, limit int) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ring := l.byToken[token]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]Trade, limit)
	for i := 0; i < limit; i++ {
		out[i] = ring[len(ring)-1-i]
	}
	return out
}
