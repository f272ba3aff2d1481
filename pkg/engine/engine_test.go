package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/perpdex/perpdex/pkg/broadcast"
	"github.com/perpdex/perpdex/pkg/engine/nonce"
	"github.com/perpdex/perpdex/pkg/util"
)

var (
	testToken = common.HexToAddress("0x0000000000000000000000000000000000000b7c")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x00000000000000000000000000000000000ca401")
)

type nopVerifier struct{}

func (nopVerifier) VerifyOrder(*Order) error          { return nil }
func (nopVerifier) VerifyCancel(*CancelRequest) error { return nil }

type captureSink struct {
	mu      sync.Mutex
	matches []*Match
}

func (s *captureSink) Enqueue(m *Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, m)
	return nil
}

func (s *captureSink) all() []*Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Match(nil), s.matches...)
}

type testEnv struct {
	eng    *Engine
	sink   *captureSink
	clock  *util.FakeClock
	nonces *nonce.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry := NewInstrumentRegistry()
	inst := DefaultInstrument(testToken, "BTC-PERP")
	inst.MinNotional = 0
	if err := registry.Register(inst); err != nil {
		t.Fatalf("register instrument: %v", err)
	}

	nonces, err := nonce.Open("")
	if err != nil {
		t.Fatalf("open nonce ledger: %v", err)
	}

	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))
	sink := &captureSink{}
	bus := broadcast.NewBus(64, zap.NewNop().Sugar())

	eng := New(Config{SweepInterval: time.Second}, registry, nonces,
		nopVerifier{}, sink, bus, clock, zap.NewNop().Sugar())
	t.Cleanup(eng.Close)

	return &testEnv{eng: eng, sink: sink, clock: clock, nonces: nonces}
}

func limitOrder(trader common.Address, side Side, size, price int64, n uint64) *Order {
	return &Order{
		Trader:     trader,
		Token:      testToken,
		Side:       side,
		Size:       size,
		Leverage:   10,
		LimitPrice: price,
		Nonce:      n,
		Type:       Limit,
		Signature:  make([]byte, 65),
	}
}

func marketOrder(trader common.Address, side Side, size int64, n uint64) *Order {
	return &Order{
		Trader:    trader,
		Token:     testToken,
		Side:      side,
		Size:      size,
		Leverage:  10,
		Nonce:     n,
		Type:      Market,
		Signature: make([]byte, 65),
	}
}

func mustSubmit(t *testing.T, env *testEnv, o *Order) (*Order, []*Match) {
	t.Helper()
	accepted, matches, err := env.eng.SubmitOrder(context.Background(), o)
	if err != nil {
		t.Fatalf("submit order: %v", err)
	}
	return accepted, matches
}

func TestMarketOrderOnEmptyBookIsCancelled(t *testing.T) {
	env := newTestEnv(t)

	o, matches, err := env.eng.SubmitOrder(context.Background(), marketOrder(alice, Long, 200, 0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected zero matches, got %d", len(matches))
	}
	if o.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", o.Status)
	}
	if o.FilledSize != 0 {
		t.Errorf("filled = %d, want 0", o.FilledSize)
	}
	// zero-fill market order releases its nonce reservation
	if got := env.nonces.Expected(alice); got != 0 {
		t.Errorf("expected nonce rewound to 0, got %d", got)
	}
}

func TestMarketTakerFillsRestingLimit(t *testing.T) {
	env := newTestEnv(t)

	maker, _ := mustSubmit(t, env, limitOrder(alice, Long, 10, 50_000, 0))
	taker, matches := mustSubmit(t, env, marketOrder(bob, Short, 10, 0))

	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	m := matches[0]
	if m.Price != 50_000 {
		t.Errorf("match price = %d, want maker price 50000", m.Price)
	}
	if m.Size != 10 {
		t.Errorf("match size = %d, want 10", m.Size)
	}
	if m.Long.Trader != alice || m.Short.Trader != bob {
		t.Errorf("match orientation wrong: long=%s short=%s", m.Long.Trader.Hex(), m.Short.Trader.Hex())
	}
	// maker was returned before the fill; its fill state lives in the match
	if maker.Status != StatusPending {
		t.Errorf("maker accepted as %s, want PENDING", maker.Status)
	}
	if m.Long.Status != StatusFilled || m.Long.FilledSize != 10 {
		t.Errorf("maker fill in match = %s/%d, want FILLED/10", m.Long.Status, m.Long.FilledSize)
	}
	if taker.Status != StatusFilled {
		t.Errorf("taker status = %s, want FILLED", taker.Status)
	}
	if got := env.sink.all(); len(got) != 1 {
		t.Errorf("sink received %d matches, want 1", len(got))
	}
}

func TestPartialFillLeavesRemainderResting(t *testing.T) {
	env := newTestEnv(t)

	mustSubmit(t, env, limitOrder(alice, Long, 10, 50_000, 0))
	_, matches := mustSubmit(t, env, limitOrder(bob, Short, 6, 50_000, 0))

	if len(matches) != 1 || matches[0].Size != 6 {
		t.Fatalf("expected one match of size 6, got %+v", matches)
	}
	mk := matches[0].Long
	if mk.Status != StatusPartiallyFilled {
		t.Errorf("maker status = %s, want PARTIALLY_FILLED", mk.Status)
	}
	if mk.Remaining() != 4 {
		t.Errorf("maker remaining = %d, want 4", mk.Remaining())
	}

	snap, err := env.eng.Snapshot(testToken)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price != 50_000 || snap.Bids[0].Size != 4 {
		t.Errorf("book bids = %+v, want remaining 4 @ 50000", snap.Bids)
	}
}

func TestMarketRemainderNeverRests(t *testing.T) {
	env := newTestEnv(t)

	mustSubmit(t, env, limitOrder(alice, Long, 5, 50_000, 0))
	taker, matches := mustSubmit(t, env, marketOrder(bob, Short, 8, 0))

	if len(matches) != 1 || matches[0].Size != 5 {
		t.Fatalf("expected partial match of 5, got %+v", matches)
	}
	if taker.Status != StatusCancelled {
		t.Errorf("taker status = %s, want CANCELLED (unfilled remainder)", taker.Status)
	}
	if taker.FilledSize != 5 {
		t.Errorf("taker filled = %d, want 5", taker.FilledSize)
	}

	snap, _ := env.eng.Snapshot(testToken)
	if len(snap.Asks) != 0 {
		t.Errorf("market remainder rested on the book: %+v", snap.Asks)
	}
	// partial fill keeps the nonce reserved for settlement
	if got := env.nonces.Expected(bob); got != 1 {
		t.Errorf("taker nonce expected = %d, want 1", got)
	}
}

func TestLimitCrossTradesAtMakerPrice(t *testing.T) {
	env := newTestEnv(t)

	// resting ask at 50_000; aggressive bid at 50_500 gets price improvement
	mustSubmit(t, env, limitOrder(alice, Short, 10, 50_000, 0))
	taker, matches := mustSubmit(t, env, limitOrder(bob, Long, 10, 50_500, 0))

	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Price != 50_000 {
		t.Errorf("match price = %d, want maker price 50000", matches[0].Price)
	}
	if taker.AvgFillPrice != 50_000 {
		t.Errorf("taker avg fill = %d, want 50000", taker.AvgFillPrice)
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	env := newTestEnv(t)

	o, _ := mustSubmit(t, env, limitOrder(alice, Long, 10, 50_000, 0))

	err := env.eng.CancelOrder(context.Background(), &CancelRequest{
		OrderID:   o.ID,
		Token:     testToken,
		Trader:    alice,
		Nonce:     1,
		Signature: make([]byte, 65),
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	snap, _ := env.eng.Snapshot(testToken)
	if len(snap.Bids) != 0 {
		t.Errorf("cancelled order still on book: %+v", snap.Bids)
	}

	// cancelling again reports not found
	err = env.eng.CancelOrder(context.Background(), &CancelRequest{
		OrderID: o.ID, Token: testToken, Trader: alice, Nonce: 2, Signature: make([]byte, 65),
	})
	if err == nil {
		t.Error("second cancel should fail")
	}
}

func TestCancelByNonOwnerRejected(t *testing.T) {
	env := newTestEnv(t)

	o, _ := mustSubmit(t, env, limitOrder(alice, Long, 10, 50_000, 0))

	err := env.eng.CancelOrder(context.Background(), &CancelRequest{
		OrderID: o.ID, Token: testToken, Trader: bob, Nonce: 0, Signature: make([]byte, 65),
	})
	if err == nil {
		t.Fatal("expected unauthorized error")
	}

	snap, _ := env.eng.Snapshot(testToken)
	if len(snap.Bids) != 1 {
		t.Error("order should still be resting after rejected cancel")
	}
}

func TestSubmitRejectsBadOrders(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name  string
		order *Order
	}{
		{"zero size", limitOrder(alice, Long, 0, 50_000, 0)},
		{"negative price", limitOrder(alice, Long, 10, -1, 0)},
		{"excess leverage", func() *Order {
			o := limitOrder(alice, Long, 10, 50_000, 0)
			o.Leverage = 100
			return o
		}()},
		{"market with price", func() *Order {
			o := marketOrder(alice, Long, 10, 0)
			o.LimitPrice = 50_000
			return o
		}()},
		{"unknown instrument", func() *Order {
			o := limitOrder(alice, Long, 10, 50_000, 0)
			o.Token = common.HexToAddress("0xdead")
			return o
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := env.eng.SubmitOrder(context.Background(), tc.order); err == nil {
				t.Error("expected rejection")
			}
		})
	}

	// none of the rejects consumed a nonce
	if got := env.nonces.Expected(alice); got != 0 {
		t.Errorf("nonce advanced to %d on rejected orders", got)
	}
}

func TestDuplicateNonceRejected(t *testing.T) {
	env := newTestEnv(t)

	mustSubmit(t, env, limitOrder(alice, Long, 10, 50_000, 0))
	if _, _, err := env.eng.SubmitOrder(context.Background(), limitOrder(alice, Long, 10, 49_000, 0)); err == nil {
		t.Fatal("replayed nonce should be rejected")
	}
}

func TestExpiredOrderRejectedAtIntake(t *testing.T) {
	env := newTestEnv(t)

	o := limitOrder(alice, Long, 10, 50_000, 0)
	o.Deadline = env.clock.Now().Unix() - 1
	if _, _, err := env.eng.SubmitOrder(context.Background(), o); err == nil {
		t.Fatal("expired order should be rejected")
	}
}

func TestExpiredRestingOrderNeverMatches(t *testing.T) {
	env := newTestEnv(t)

	o := limitOrder(alice, Long, 10, 50_000, 0)
	o.Deadline = env.clock.Now().Unix() + 30
	mustSubmit(t, env, o)

	env.clock.Advance(60 * time.Second)

	taker, matches := mustSubmit(t, env, marketOrder(bob, Short, 10, 0))
	if len(matches) != 0 {
		t.Fatalf("matched against expired maker: %+v", matches)
	}
	if taker.Status != StatusCancelled {
		t.Errorf("taker status = %s, want CANCELLED", taker.Status)
	}
	if o.Status != StatusExpired {
		t.Errorf("maker status = %s, want EXPIRED", o.Status)
	}
}

func TestSubmitReturnsDetachedSnapshot(t *testing.T) {
	env := newTestEnv(t)

	maker, _ := mustSubmit(t, env, limitOrder(alice, Long, 10, 50_000, 0))
	mustSubmit(t, env, marketOrder(bob, Short, 10, 0))

	// the returned order is a copy taken at accept time; the fill that
	// happened afterwards must not bleed into it
	if maker.Status != StatusPending || maker.FilledSize != 0 {
		t.Errorf("snapshot mutated after return: %s filled %d", maker.Status, maker.FilledSize)
	}

	snap, _ := env.eng.Snapshot(testToken)
	if len(snap.Bids) != 0 {
		t.Errorf("book should be empty after the fill, got %+v", snap.Bids)
	}
}

func TestAcceptedOrderSafeForConcurrentReads(t *testing.T) {
	env := newTestEnv(t)

	maker, _ := mustSubmit(t, env, limitOrder(alice, Long, 50, 50_000, 0))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = maker.FilledSize
			_ = maker.Status
		}
	}()

	for n := uint64(0); n < 50; n++ {
		mustSubmit(t, env, marketOrder(bob, Short, 1, n))
	}
	close(stop)
	wg.Wait()
}

func TestCloseRejectsFurtherCalls(t *testing.T) {
	env := newTestEnv(t)

	mustSubmit(t, env, limitOrder(alice, Long, 10, 50_000, 0))
	env.eng.Close()

	if _, _, err := env.eng.SubmitOrder(context.Background(), limitOrder(bob, Long, 5, 49_000, 0)); err != ErrEngineClosed {
		t.Errorf("submit after close = %v, want ErrEngineClosed", err)
	}
	if _, err := env.eng.Snapshot(testToken); err != ErrEngineClosed {
		t.Errorf("snapshot after close = %v, want ErrEngineClosed", err)
	}
	err := env.eng.CancelOrder(context.Background(), &CancelRequest{
		OrderID: "x", Token: testToken, Trader: alice, Nonce: 1, Signature: make([]byte, 65),
	})
	if err != ErrEngineClosed {
		t.Errorf("cancel after close = %v, want ErrEngineClosed", err)
	}
	if bid, ask := env.eng.Depth(testToken); bid != 0 || ask != 0 {
		t.Errorf("depth after close = %d/%d, want 0/0", bid, ask)
	}
}

func TestCloseConcurrentWithReadsDoesNotPanic(t *testing.T) {
	env := newTestEnv(t)

	mustSubmit(t, env, limitOrder(alice, Long, 10, 50_000, 0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				env.eng.Snapshot(testToken)
				env.eng.Depth(testToken)
				env.eng.LastPrice(testToken)
			}
		}()
	}
	env.eng.Close()
	wg.Wait()
}

func TestSnapshotExcludesExpired(t *testing.T) {
	env := newTestEnv(t)

	fresh := limitOrder(alice, Long, 10, 50_000, 0)
	stale := limitOrder(bob, Long, 5, 50_000, 0)
	stale.Deadline = env.clock.Now().Unix() + 10
	mustSubmit(t, env, fresh)
	mustSubmit(t, env, stale)

	env.clock.Advance(time.Minute)

	snap, _ := env.eng.Snapshot(testToken)
	if len(snap.Bids) != 1 || snap.Bids[0].Size != 10 {
		t.Errorf("snapshot should hold only the live order, got %+v", snap.Bids)
	}
}
