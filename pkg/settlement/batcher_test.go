package settlement

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/perpdex/perpdex/params"
	"github.com/perpdex/perpdex/pkg/broadcast"
	"github.com/perpdex/perpdex/pkg/engine"
	"github.com/perpdex/perpdex/pkg/engine/nonce"
	"github.com/perpdex/perpdex/pkg/position"
	"github.com/perpdex/perpdex/pkg/util"
)

var (
	testToken = common.HexToAddress("0x0000000000000000000000000000000000000b7c")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol     = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	dave      = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

// okVerifier accepts every signature. Revalidation failure paths are
// exercised with rejectVerifier instead.
type okVerifier struct{}

func (okVerifier) VerifyOrder(*engine.Order) error          { return nil }
func (okVerifier) VerifyCancel(*engine.CancelRequest) error { return nil }

type rejectVerifier struct{}

func (rejectVerifier) VerifyOrder(*engine.Order) error          { return engine.ErrInvalidSignature }
func (rejectVerifier) VerifyCancel(*engine.CancelRequest) error { return engine.ErrInvalidSignature }

type batcherEnv struct {
	batcher   *Batcher
	chain     *FakeChain
	queue     *Queue
	nonces    *nonce.Ledger
	positions *position.Store
	sub       *broadcast.Subscriber
	clock     *util.FakeClock
}

func newBatcherEnv(t *testing.T, perPair bool) *batcherEnv {
	t.Helper()

	log := zap.NewNop()
	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))

	queue, err := OpenQueue("", 2, 10, log)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	nonces, err := nonce.Open("")
	if err != nil {
		t.Fatalf("open nonce ledger: %v", err)
	}
	positions, err := position.OpenStore("")
	if err != nil {
		t.Fatalf("open position store: %v", err)
	}
	t.Cleanup(func() {
		queue.Close()
		nonces.Close()
		positions.Close()
	})

	bus := broadcast.NewBus(64, log.Sugar())
	chain := NewFakeChain()

	cfg := params.Settlement{
		Interval:      time.Second,
		SizeThreshold: 2,
		MaxBatch:      64,
		RetryPerPair:  perPair,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
	}
	chainCfg := params.Chain{
		ReceiptPollInterval: time.Millisecond,
		ReceiptTimeout:      30 * time.Second,
	}

	env := &batcherEnv{
		chain:     chain,
		queue:     queue,
		nonces:    nonces,
		positions: positions,
		sub:       bus.Subscribe(),
		clock:     clock,
	}
	env.batcher = NewBatcher(cfg, chainCfg, queue, chain, nonces, positions, okVerifier{}, bus, clock, log)
	return env
}

func testOrder(trader common.Address, side engine.Side, nonceVal uint64, price, size int64) engine.Order {
	return engine.Order{
		ID:           trader.Hex() + "-order",
		Trader:       trader,
		Token:        testToken,
		Side:         side,
		Size:         size,
		Leverage:     10,
		LimitPrice:   price,
		Nonce:        nonceVal,
		Type:         engine.Limit,
		Signature:    bytes.Repeat([]byte{0x01}, 65),
		Status:       engine.StatusFilled,
		FilledSize:   size,
		AvgFillPrice: price,
	}
}

func testMatch(id string, long, short common.Address, price, size int64) *engine.Match {
	return &engine.Match{
		ID:    id,
		Token: testToken,
		Long:  testOrder(long, engine.Long, 0, price, size),
		Short: testOrder(short, engine.Short, 0, price, size),
		Price: price,
		Size:  size,
	}
}

// enqueue reserves both nonces and queues the match, mirroring what the
// matching engine does when a cross is recorded.
func (env *batcherEnv) enqueue(t *testing.T, m *engine.Match) {
	t.Helper()
	if err := env.nonces.Reserve(m.Long.Trader, m.Long.Nonce); err != nil {
		t.Fatalf("reserve long nonce: %v", err)
	}
	if err := env.nonces.Reserve(m.Short.Trader, m.Short.Nonce); err != nil {
		t.Fatalf("reserve short nonce: %v", err)
	}
	if err := env.queue.Enqueue(m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (env *batcherEnv) notices(t *testing.T) []broadcast.SettlementNotice {
	t.Helper()
	var out []broadcast.SettlementNotice
	for {
		select {
		case ev := <-env.sub.C:
			if ev.Type != broadcast.EventSettlement {
				continue
			}
			out = append(out, ev.Payload.(broadcast.SettlementNotice))
		default:
			return out
		}
	}
}

func TestFlushedOutcomesDoNotReplayAfterRestart(t *testing.T) {
	dir := t.TempDir()
	log := zap.NewNop()
	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))

	queue, err := OpenQueue(dir, 2, 10, log)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	nonces, _ := nonce.Open("")
	positions, _ := position.OpenStore("")
	t.Cleanup(func() {
		nonces.Close()
		positions.Close()
	})

	cfg := params.Settlement{
		Interval: time.Second, SizeThreshold: 2, MaxBatch: 64,
		MaxAttempts: 3, BackoffBase: time.Millisecond,
	}
	chainCfg := params.Chain{ReceiptPollInterval: time.Millisecond, ReceiptTimeout: 30 * time.Second}
	chain := NewFakeChain()
	batcher := NewBatcher(cfg, chainCfg, queue, chain, nonces, positions,
		okVerifier{}, broadcast.NewBus(64, log.Sugar()), clock, log)

	m := testMatch("match-x", alice, bob, 50_000, 10)
	nonces.Reserve(alice, 0)
	nonces.Reserve(bob, 0)
	if err := queue.Enqueue(m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	batcher.Flush(context.Background())
	if m.Status != engine.SettlementConfirmed {
		t.Fatalf("status = %v, want CONFIRMED", m.Status)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// the confirmed entry was acked off disk: a restart finds nothing
	reopened, err := OpenQueue(dir, 2, 10, log)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })
	if reopened.Len() != 0 {
		t.Fatalf("depth after restart = %d, want 0", reopened.Len())
	}
}

func TestAtomicBatchConfirmsAllPairs(t *testing.T) {
	env := newBatcherEnv(t, false)
	x := testMatch("match-x", alice, bob, 50_000, 10)
	y := testMatch("match-y", carol, dave, 51_000, 4)
	env.enqueue(t, x)
	env.enqueue(t, y)

	env.batcher.Flush(context.Background())

	if x.Status != engine.SettlementConfirmed || y.Status != engine.SettlementConfirmed {
		t.Fatalf("statuses = %v, %v, want both CONFIRMED", x.Status, y.Status)
	}
	if got := env.chain.SubmittedBatches(); got != 1 {
		t.Fatalf("submitted batches = %d, want 1", got)
	}
	if env.queue.Len() != 0 {
		t.Fatalf("queue depth = %d after flush, want 0", env.queue.Len())
	}

	// Confirm opened both positions and released the pending nonces.
	if _, ok := env.positions.Get(position.PairID(testToken, alice, bob)); !ok {
		t.Fatal("pair x position missing after confirm")
	}
	if _, ok := env.positions.Get(position.PairID(testToken, carol, dave)); !ok {
		t.Fatal("pair y position missing after confirm")
	}
	for _, trader := range []common.Address{alice, bob, carol, dave} {
		if _, live := env.nonces.PendingState(trader, 0); live {
			t.Fatalf("nonce 0 for %s still pending after confirm", trader.Hex())
		}
	}

	notices := env.notices(t)
	if len(notices) != 2 {
		t.Fatalf("settlement notices = %d, want 2", len(notices))
	}
	for _, n := range notices {
		if n.Status != "CONFIRMED" || n.TxHash == "" {
			t.Fatalf("notice %+v, want CONFIRMED with txHash", n)
		}
	}
}

func TestAtomicRevertFailsWholeBatch(t *testing.T) {
	env := newBatcherEnv(t, false)
	x := testMatch("match-x", alice, bob, 50_000, 10)
	y := testMatch("match-y", carol, dave, 51_000, 4)
	env.enqueue(t, x)
	env.enqueue(t, y)

	// Every attempt reverts, so the batch exhausts MaxAttempts and both
	// pairs fail together.
	env.chain.RevertNext = 3
	env.batcher.Flush(context.Background())

	if x.Status != engine.SettlementFailed || y.Status != engine.SettlementFailed {
		t.Fatalf("statuses = %v, %v, want both FAILED", x.Status, y.Status)
	}
	if got := env.chain.SubmittedBatches(); got != 3 {
		t.Fatalf("submitted batches = %d, want 3 attempts", got)
	}
	if got := len(env.positions.Snapshot()); got != 0 {
		t.Fatalf("open positions = %d after failed batch, want 0", got)
	}

	// Nonces are rolled back and resynced from the chain, so the failed
	// nonce is reissuable.
	for _, trader := range []common.Address{alice, bob, carol, dave} {
		if _, live := env.nonces.PendingState(trader, 0); live {
			t.Fatalf("nonce 0 for %s still reserved after rollback", trader.Hex())
		}
		if got := env.nonces.Expected(trader); got != 0 {
			t.Fatalf("expected nonce for %s = %d after resync, want 0", trader.Hex(), got)
		}
	}
	if err := env.nonces.Reserve(alice, 0); err != nil {
		t.Fatalf("re-reserve after rollback: %v", err)
	}

	for _, n := range env.notices(t) {
		if n.Status != "FAILED" || n.Reason == "" {
			t.Fatalf("notice %+v, want FAILED with reason", n)
		}
	}
}

func TestAtomicRetryAfterSubmitError(t *testing.T) {
	env := newBatcherEnv(t, false)
	m := testMatch("match-x", alice, bob, 50_000, 10)
	env.enqueue(t, m)

	env.chain.FailNextSubmit = 1
	env.batcher.Flush(context.Background())

	if m.Status != engine.SettlementConfirmed {
		t.Fatalf("status = %v after transient submit error, want CONFIRMED", m.Status)
	}
	if got := env.chain.SubmittedBatches(); got != 1 {
		t.Fatalf("submitted batches = %d, want 1", got)
	}
}

func TestLostReceiptDoesNotDoubleSubmit(t *testing.T) {
	env := newBatcherEnv(t, false)
	// Zero timeout makes the first receipt wait give up immediately; the
	// retry must then find the landed receipt instead of resubmitting.
	env.batcher.chainCfg.ReceiptTimeout = 0
	m := testMatch("match-x", alice, bob, 50_000, 10)
	env.enqueue(t, m)

	env.chain.DelayReceipt = 1
	env.batcher.Flush(context.Background())

	if m.Status != engine.SettlementConfirmed {
		t.Fatalf("status = %v, want CONFIRMED via receipt recheck", m.Status)
	}
	if got := env.chain.SubmittedBatches(); got != 1 {
		t.Fatalf("submitted batches = %d, want 1 (no double submit)", got)
	}
}

func TestPerPairPartialFailureSalvagesFailedPair(t *testing.T) {
	env := newBatcherEnv(t, true)
	x := testMatch("match-x", alice, bob, 50_000, 10)
	y := testMatch("match-y", carol, dave, 51_000, 4)
	env.enqueue(t, x)
	env.enqueue(t, y)

	// The contract rejects pair x inside an otherwise successful batch.
	// Pair y confirms from the first receipt; x is resubmitted alone.
	env.chain.FailPairs = []int{0}
	env.batcher.Flush(context.Background())

	if y.Status != engine.SettlementConfirmed {
		t.Fatalf("clean pair status = %v, want CONFIRMED", y.Status)
	}
	if x.Status != engine.SettlementConfirmed {
		t.Fatalf("failed pair status = %v after salvage, want CONFIRMED", x.Status)
	}
	if got := env.chain.SubmittedBatches(); got != 2 {
		t.Fatalf("submitted batches = %d, want batch + single retry", got)
	}
}

func TestPerPairStaleDeadlineFailsOnlyThatPair(t *testing.T) {
	env := newBatcherEnv(t, true)
	x := testMatch("match-x", alice, bob, 50_000, 10)
	x.Long.Deadline = env.clock.Now().Unix() - 10
	y := testMatch("match-y", carol, dave, 51_000, 4)
	env.enqueue(t, x)
	env.enqueue(t, y)

	env.chain.FailPairs = []int{0}
	env.batcher.Flush(context.Background())

	if y.Status != engine.SettlementConfirmed {
		t.Fatalf("clean pair status = %v, want CONFIRMED", y.Status)
	}
	if x.Status != engine.SettlementFailed {
		t.Fatalf("stale pair status = %v, want FAILED without resubmission", x.Status)
	}
	if got := env.chain.SubmittedBatches(); got != 1 {
		t.Fatalf("submitted batches = %d, want 1 (stale pair never retried)", got)
	}

	// Only the failed pair's traders lose their reservations.
	if _, live := env.nonces.PendingState(alice, 0); live {
		t.Fatal("alice nonce still reserved after pair failure")
	}
	if _, live := env.nonces.PendingState(carol, 0); live {
		t.Fatal("carol nonce still pending after confirm")
	}
	if got := env.nonces.Expected(carol); got != 1 {
		t.Fatalf("carol expected nonce = %d after confirm, want 1", got)
	}
}

func TestPerPairInvalidSignatureFailsWithoutRetry(t *testing.T) {
	env := newBatcherEnv(t, true)
	env.batcher.verifier = rejectVerifier{}
	x := testMatch("match-x", alice, bob, 50_000, 10)
	env.enqueue(t, x)

	env.chain.FailPairs = []int{0}
	env.batcher.Flush(context.Background())

	if x.Status != engine.SettlementFailed {
		t.Fatalf("status = %v, want FAILED on revalidation", x.Status)
	}
	if got := env.chain.SubmittedBatches(); got != 1 {
		t.Fatalf("submitted batches = %d, want 1", got)
	}
}

func TestPerPairSubmitErrorRetriesEachPair(t *testing.T) {
	env := newBatcherEnv(t, true)
	x := testMatch("match-x", alice, bob, 50_000, 10)
	y := testMatch("match-y", carol, dave, 51_000, 4)
	env.enqueue(t, x)
	env.enqueue(t, y)

	// The whole-batch submission is rejected at the RPC layer, so both
	// pairs go through the individual path.
	env.chain.FailNextSubmit = 1
	env.batcher.Flush(context.Background())

	if x.Status != engine.SettlementConfirmed || y.Status != engine.SettlementConfirmed {
		t.Fatalf("statuses = %v, %v, want both CONFIRMED", x.Status, y.Status)
	}
	if got := env.chain.SubmittedBatches(); got != 2 {
		t.Fatalf("submitted batches = %d, want one per pair", got)
	}
}

func TestFlushOnEmptyQueueIsNoOp(t *testing.T) {
	env := newBatcherEnv(t, false)
	env.batcher.Flush(context.Background())
	if got := env.chain.SubmittedBatches(); got != 0 {
		t.Fatalf("submitted batches = %d on empty queue, want 0", got)
	}
}

func TestConfirmedPositionAccumulatesAcrossMatches(t *testing.T) {
	env := newBatcherEnv(t, false)
	first := testMatch("match-1", alice, bob, 50_000, 10)
	env.enqueue(t, first)
	env.batcher.Flush(context.Background())

	second := testMatch("match-2", alice, bob, 50_200, 10)
	second.Long.Nonce = 1
	second.Short.Nonce = 1
	env.enqueue(t, second)
	env.batcher.Flush(context.Background())

	p, ok := env.positions.Get(position.PairID(testToken, alice, bob))
	if !ok {
		t.Fatal("position missing")
	}
	if p.Size != 20 {
		t.Fatalf("position size = %d, want 20", p.Size)
	}
	if p.EntryPrice != 50_100 {
		t.Fatalf("entry price = %d, want size-weighted 50100", p.EntryPrice)
	}
}
