package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perpdex/perpdex/pkg/broadcast"
	"github.com/perpdex/perpdex/pkg/engine/nonce"
	"github.com/perpdex/perpdex/pkg/util"
)

// SignatureVerifier checks EIP-712 signatures on orders and cancels.
// Verification is delegated; the engine only needs a pass/fail answer.
type SignatureVerifier interface {
	VerifyOrder(o *Order) error
	VerifyCancel(c *CancelRequest) error
}

// MatchSink receives every match for durable settlement queueing.
type MatchSink interface {
	Enqueue(m *Match) error
}

// Config tunes the matching core.
type Config struct {
	// SweepInterval controls how often expired resting orders are
	// physically removed. They are skipped by the matcher regardless.
	SweepInterval time.Duration
}

// Engine is the matching core: signed-order intake, per-instrument
// price-time-priority matching, and match emission toward settlement.
//
// One serializer goroutine owns each instrument's book, so all
// mutations to a book happen strictly sequentially while different
// instruments run fully in parallel.
type Engine struct {
	cfg      Config
	registry *InstrumentRegistry
	nonces   *nonce.Ledger
	verifier SignatureVerifier
	sink     MatchSink
	events   *broadcast.Bus
	clock    util.Clock
	log      *zap.SugaredLogger

	mu     sync.RWMutex
	shards map[common.Address]*shard

	seq    atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
}

// shard is one instrument's serializer: a goroutine draining closures
// that each run with exclusive access to the book.
type shard struct {
	token common.Address
	book  *book
	reqs  chan func()

	closeMu sync.RWMutex
	closed  bool
}

func (s *shard) run() {
	for fn := range s.reqs {
		fn()
	}
}

// do executes fn on the shard's serializer and waits for completion.
// Reports false without running fn once the shard is shut down; the
// send happens under the read lock so it can never race the channel
// close.
func (s *shard) do(fn func()) bool {
	done := make(chan struct{})
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return false
	}
	s.reqs <- func() {
		fn()
		close(done)
	}
	s.closeMu.RUnlock()
	<-done
	return true
}

func (s *shard) close() {
	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.reqs)
	}
	s.closeMu.Unlock()
}

func New(cfg Config, registry *InstrumentRegistry, nonces *nonce.Ledger,
	verifier SignatureVerifier, sink MatchSink, events *broadcast.Bus,
	clock util.Clock, log *zap.SugaredLogger) *Engine {

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		nonces:   nonces,
		verifier: verifier,
		sink:     sink,
		events:   events,
		clock:    clock,
		log:      log,
		shards:   make(map[common.Address]*shard),
	}
}

func (e *Engine) getShard(token common.Address) *shard {
	e.mu.RLock()
	s, ok := e.shards[token]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.shards[token]; ok {
		return s
	}
	s = &shard{token: token, book: newBook(token), reqs: make(chan func(), 128)}
	e.shards[token] = s
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.run()
	}()
	return s
}

// SubmitOrder validates, verifies and matches an incoming signed
// order. On success it returns a value snapshot of the accepted order
// and the matches it produced, in execution order. Rejections are
// typed and mutate no book or ledger state.
func (e *Engine) SubmitOrder(ctx context.Context, o *Order) (*Order, []*Match, error) {
	if e.closed.Load() {
		return nil, nil, ErrEngineClosed
	}

	inst, err := e.registry.Get(o.Token)
	if err != nil {
		return nil, nil, err
	}
	if err := inst.ValidateOrder(o); err != nil {
		return nil, nil, err
	}

	now := e.clock.Now().Unix()
	if o.Expired(now) {
		return nil, nil, fmt.Errorf("%w: deadline %d at %d", ErrExpiredOrder, o.Deadline, now)
	}

	if err := e.verifier.VerifyOrder(o); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// Optimistic reservation: ISSUED now, CONFIRMED or ROLLED_BACK by
	// the settlement outcome.
	if err := e.nonces.Reserve(o.Trader, o.Nonce); err != nil {
		return nil, nil, err
	}

	if o.ID == "" {
		o.ID = fmt.Sprintf("%s-%d", o.Trader.Hex(), o.Nonce)
	}
	o.Status = StatusPending
	o.seq = e.seq.Add(1)

	// accepted is a value snapshot taken on the serializer: once o rests
	// in the book it belongs to the book slot and only the serializer may
	// touch it, so the caller gets a copy, never the live order.
	var accepted Order
	var matches []*Match
	s := e.getShard(o.Token)
	ok := s.do(func() {
		fills := s.book.matchIncoming(o, now)
		matches = e.recordFills(o, fills)

		if o.Remaining() > 0 {
			if o.Type == Limit {
				s.book.addResting(o)
			} else {
				// Market remainder is never rested: cancel and report
				// the partial (possibly zero) fill.
				o.Status = StatusCancelled
			}
		}
		accepted = *o
		e.publishBook(s, now)
	})
	if !ok {
		if err := e.nonces.Release(o.Trader, o.Nonce); err != nil {
			e.log.Warnw("nonce_release_failed", "trader", o.Trader.Hex(), "nonce", o.Nonce, "err", err)
		}
		return nil, nil, ErrEngineClosed
	}

	// A market order that matched nothing will never reach the chain,
	// so the reservation is released immediately.
	if accepted.Type == Market && len(matches) == 0 {
		if err := e.nonces.Release(accepted.Trader, accepted.Nonce); err != nil {
			e.log.Warnw("nonce_release_failed", "trader", accepted.Trader.Hex(), "nonce", accepted.Nonce, "err", err)
		}
	}

	for _, m := range matches {
		if err := e.sink.Enqueue(m); err != nil {
			// The queue is append-only and unbounded; an enqueue error
			// means storage trouble, not backpressure.
			e.log.Errorw("settlement_enqueue_failed", "match", m.ID, "err", err)
		}
	}

	return &accepted, matches, nil
}

// recordFills turns raw fills into Match records oriented long/short.
func (e *Engine) recordFills(taker *Order, fills []fill) []*Match {
	if len(fills) == 0 {
		return nil
	}

	matches := make([]*Match, 0, len(fills))
	nowMs := e.clock.Now().UnixMilli()

	for _, f := range fills {
		long, short := taker, f.maker
		if taker.Side == Short {
			long, short = f.maker, taker
		}

		m := &Match{
			ID:        uuid.NewString(),
			Token:     taker.Token,
			Long:      *long,
			Short:     *short,
			Price:     f.price,
			Size:      f.size,
			Timestamp: nowMs,
			Status:    SettlementPending,
		}
		matches = append(matches, m)

		e.events.Publish(broadcast.EventTrade, taker.Token.Hex(), broadcast.TradeTick{
			MatchID: m.ID,
			Price:   f.price,
			Size:    f.size,
			Taker:   taker.Side.String(),
		})
	}
	return matches
}

func (e *Engine) publishBook(s *shard, now int64) {
	bids, asks := s.book.snapshot(now)
	update := broadcast.BookUpdate{
		Bids: make([]broadcast.BookLevel, len(bids)),
		Asks: make([]broadcast.BookLevel, len(asks)),
	}
	for i, l := range bids {
		update.Bids[i] = broadcast.BookLevel{Price: l.Price, Size: l.Size}
	}
	for i, l := range asks {
		update.Asks[i] = broadcast.BookLevel{Price: l.Price, Size: l.Size}
	}
	e.events.Publish(broadcast.EventBook, s.token.Hex(), update)
}

// CancelOrder removes the unmatched remainder of a resting order. Any
// match already computed before the cancel is processed stands.
func (e *Engine) CancelOrder(ctx context.Context, req *CancelRequest) error {
	if err := e.verifier.VerifyCancel(req); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	var cancelErr error
	s := e.getShard(req.Token)
	ok := s.do(func() {
		o, ok := s.book.index[req.OrderID]
		if !ok {
			cancelErr = ErrNotFound
			return
		}
		if o.Trader != req.Trader {
			cancelErr = ErrUnauthorized
			return
		}
		s.book.removeOrder(req.OrderID)
		o.Status = StatusCancelled
		e.publishBook(s, e.clock.Now().Unix())
	})
	if !ok {
		return ErrEngineClosed
	}
	return cancelErr
}

// Snapshot returns a read-only aggregated view of an instrument's book.
func (e *Engine) Snapshot(token common.Address) (*BookSnapshot, error) {
	if _, err := e.registry.Get(token); err != nil {
		return nil, err
	}

	now := e.clock.Now().Unix()
	snap := &BookSnapshot{Token: token, Timestamp: e.clock.Now().UnixMilli()}

	s := e.getShard(token)
	if !s.do(func() {
		snap.Bids, snap.Asks = s.book.snapshot(now)
	}) {
		return nil, ErrEngineClosed
	}
	return snap, nil
}

// Depth returns total live resting size per side. Feeds the funding
// rate's long/short imbalance input.
func (e *Engine) Depth(token common.Address) (bidSize, askSize int64) {
	e.mu.RLock()
	s, ok := e.shards[token]
	e.mu.RUnlock()
	if !ok {
		return 0, 0
	}

	now := e.clock.Now().Unix()
	s.do(func() {
		bidSize, askSize = s.book.depths(now)
	})
	// a closed shard reports zero depth
	return bidSize, askSize
}

// LastPrice returns the price of the most recent match for a token, or
// 0 if none. Used as a mark price fallback.
func (e *Engine) LastPrice(token common.Address) int64 {
	e.mu.RLock()
	s, ok := e.shards[token]
	e.mu.RUnlock()
	if !ok {
		return 0
	}

	var last int64
	s.do(func() { last = s.book.lastPrice })
	return last
}

// Run drives the periodic expiry sweep until ctx is cancelled.
// Expired orders are skipped by the matcher regardless; the sweep only
// reclaims their book slots.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := e.clock.Now().Unix()

	e.mu.RLock()
	shards := make([]*shard, 0, len(e.shards))
	for _, s := range e.shards {
		shards = append(shards, s)
	}
	e.mu.RUnlock()

	for _, s := range shards {
		var expired []*Order
		s.do(func() {
			expired = s.book.sweepExpired(now)
			if len(expired) > 0 {
				e.publishBook(s, now)
			}
		})
		for _, o := range expired {
			if o.FilledSize == 0 {
				// Nothing from this order will ever settle; free the
				// reservation.
				if err := e.nonces.Release(o.Trader, o.Nonce); err != nil {
					e.log.Debugw("expired_order_nonce", "order", o.ID, "err", err)
				}
			}
			e.log.Infow("order_expired", "order", o.ID, "trader", o.Trader.Hex())
		}
	}
}

// Close stops all shard serializers. Pending requests are drained.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	for _, s := range e.shards {
		s.close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}
