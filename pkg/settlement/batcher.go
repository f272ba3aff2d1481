package settlement

import (
	"context"
	"errors"
	"fmt"
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

// Batcher drains the pending queue and settles matches on chain. A
// single submission is in flight at any time; the loop blocks on
// receipt confirmation before touching the queue again, which is what
// makes the txHash idempotency check sound.
type Batcher struct {
	cfg       params.Settlement
	chainCfg  params.Chain
	queue     *Queue
	chain     ChainClient
	nonces    *nonce.Ledger
	positions *position.Store
	verifier  engine.SignatureVerifier
	events    *broadcast.Bus
	clock     util.Clock
	log       *zap.Logger
}

func NewBatcher(
	cfg params.Settlement,
	chainCfg params.Chain,
	queue *Queue,
	chain ChainClient,
	nonces *nonce.Ledger,
	positions *position.Store,
	verifier engine.SignatureVerifier,
	events *broadcast.Bus,
	clock util.Clock,
	log *zap.Logger,
) *Batcher {
	return &Batcher{
		cfg:       cfg,
		chainCfg:  chainCfg,
		queue:     queue,
		chain:     chain,
		nonces:    nonces,
		positions: positions,
		verifier:  verifier,
		events:    events,
		clock:     clock,
		log:       log.With(zap.String("component", "batcher")),
	}
}

// Run drives the batching loop until ctx is cancelled. Batches fire on
// the interval tick or when the queue's size threshold kicks.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.queue.Kick():
		}
		b.Flush(ctx)
	}
}

// Flush drains one batch and settles it to completion (confirmed,
// retried with backoff, or permanently failed). Exposed for tests and
// shutdown draining.
func (b *Batcher) Flush(ctx context.Context) {
	batch := b.queue.Drain(b.cfg.MaxBatch)
	if len(batch) == 0 {
		return
	}

	pairs := make([]PairSettlement, len(batch))
	for i, m := range batch {
		pairs[i] = PairSettlement{
			MatchID: m.ID,
			Long:    m.Long,
			Short:   m.Short,
			Price:   m.Price,
			Size:    m.Size,
		}
	}

	if b.cfg.RetryPerPair {
		b.settlePerPair(ctx, batch, pairs)
	} else {
		b.settleAtomic(ctx, batch, pairs)
	}
}

// settleAtomic retries the whole batch with exponential backoff. Either
// every pair confirms or, after MaxAttempts, every pair fails together.
func (b *Batcher) settleAtomic(ctx context.Context, batch []*engine.Match, pairs []PairSettlement) {
	backoff := b.cfg.BackoffBase
	var lastTx common.Hash

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		// A retry after a lost receipt must not double-settle: if the
		// previous submission actually landed, honor that outcome.
		if lastTx != (common.Hash{}) {
			if receipt, err := b.chain.TransactionReceipt(ctx, lastTx); err == nil && receipt.Status == ReceiptSuccess {
				b.applyReceipt(batch, receipt, true)
				return
			}
		}

		txHash, err := b.chain.SettleBatch(ctx, pairs)
		if err != nil {
			b.log.Warn("batch submission failed",
				zap.Int("attempt", attempt), zap.Int("pairs", len(pairs)), zap.Error(err))
		} else {
			lastTx = txHash
			b.markSubmitted(batch, txHash)
			receipt, werr := b.waitReceipt(ctx, txHash)
			if werr == nil {
				if receipt.Status == ReceiptSuccess {
					b.applyReceipt(batch, receipt, true)
					return
				}
				b.log.Warn("batch reverted",
					zap.String("txHash", txHash.Hex()), zap.Int("attempt", attempt))
			} else {
				b.log.Warn("receipt wait failed",
					zap.String("txHash", txHash.Hex()), zap.Error(werr))
			}
		}

		if attempt == b.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			// requeue so a restart picks the batch back up
			if rerr := b.queue.Requeue(batch); rerr != nil {
				b.log.Error("requeue on shutdown failed", zap.Error(rerr))
			}
			return
		case <-b.clock.After(backoff):
		}
		backoff *= 2
	}

	b.failBatch(ctx, batch, "batch reverted after max attempts")
}

// settlePerPair submits the batch once, then salvages individual pairs
// when the contract reports partial failures. Failed pairs are
// re-validated (deadline, signature, nonce still reserved) and
// resubmitted alone; pairs that no longer validate fail permanently.
func (b *Batcher) settlePerPair(ctx context.Context, batch []*engine.Match, pairs []PairSettlement) {
	txHash, err := b.chain.SettleBatch(ctx, pairs)
	if err != nil {
		b.log.Warn("batch submission failed, retrying pairs individually", zap.Error(err))
		b.retryPairsIndividually(ctx, batch, pairs)
		return
	}
	b.markSubmitted(batch, txHash)

	receipt, err := b.waitReceipt(ctx, txHash)
	if err != nil {
		b.log.Warn("receipt wait failed", zap.String("txHash", txHash.Hex()), zap.Error(err))
		b.retryPairsIndividually(ctx, batch, pairs)
		return
	}
	if receipt.Status == ReceiptReverted {
		b.retryPairsIndividually(ctx, batch, pairs)
		return
	}

	b.applyReceipt(batch, receipt, false)

	for _, idx := range receipt.FailedPairs {
		if idx < 0 || idx >= len(batch) {
			continue
		}
		b.retryOnePair(ctx, batch[idx], pairs[idx])
	}
}

func (b *Batcher) retryPairsIndividually(ctx context.Context, batch []*engine.Match, pairs []PairSettlement) {
	for i := range batch {
		select {
		case <-ctx.Done():
			b.queue.Requeue(batch[i:])
			return
		default:
		}
		b.retryOnePair(ctx, batch[i], pairs[i])
	}
}

// retryOnePair re-validates a single failed pair and resubmits it with
// backoff. Both orders must still be within deadline, carry valid
// signatures, and hold live nonce reservations.
func (b *Batcher) retryOnePair(ctx context.Context, m *engine.Match, pair PairSettlement) {
	if reason := b.revalidate(m); reason != "" {
		b.failMatch(ctx, m, reason)
		return
	}

	backoff := b.cfg.BackoffBase
	single := []PairSettlement{pair}
	var lastTx common.Hash

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if lastTx != (common.Hash{}) {
			if receipt, err := b.chain.TransactionReceipt(ctx, lastTx); err == nil && receipt.Status == ReceiptSuccess && len(receipt.FailedPairs) == 0 {
				b.confirmMatch(m, receipt.TxHash)
				return
			}
		}

		txHash, err := b.chain.SettleBatch(ctx, single)
		if err == nil {
			lastTx = txHash
			receipt, werr := b.waitReceipt(ctx, txHash)
			if werr == nil && receipt.Status == ReceiptSuccess && len(receipt.FailedPairs) == 0 {
				b.confirmMatch(m, txHash)
				return
			}
		} else {
			b.log.Warn("pair resubmission failed",
				zap.String("matchId", m.ID), zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt == b.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(backoff):
		}
		backoff *= 2
	}

	b.failMatch(ctx, m, "pair reverted after max attempts")
}

// revalidate returns a non-empty reason when the pair can no longer be
// settled as signed.
func (b *Batcher) revalidate(m *engine.Match) string {
	now := b.clock.Now().Unix()
	for _, o := range []*engine.Order{&m.Long, &m.Short} {
		if o.Deadline > 0 && o.Deadline <= now {
			return fmt.Sprintf("order %s deadline passed", o.ID)
		}
		if err := b.verifier.VerifyOrder(o); err != nil {
			return fmt.Sprintf("order %s signature invalid", o.ID)
		}
		if st, live := b.nonces.PendingState(o.Trader, o.Nonce); !live || st != nonce.Issued {
			return fmt.Sprintf("order %s nonce no longer reserved", o.ID)
		}
	}
	return ""
}

// waitReceipt polls until the receipt appears or ReceiptTimeout lapses.
func (b *Batcher) waitReceipt(ctx context.Context, txHash common.Hash) (*BatchReceipt, error) {
	deadline := b.clock.Now().Add(b.chainCfg.ReceiptTimeout)
	for {
		receipt, err := b.chain.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			return nil, err
		}
		if !b.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("receipt timeout for %s", txHash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.clock.After(b.chainCfg.ReceiptPollInterval):
		}
	}
}

func (b *Batcher) markSubmitted(batch []*engine.Match, txHash common.Hash) {
	for _, m := range batch {
		m.Status = engine.SettlementSubmitted
	}
	b.log.Info("batch submitted",
		zap.String("txHash", txHash.Hex()), zap.Int("pairs", len(batch)))
	metricBatchesSubmitted.Inc()
}

// applyReceipt confirms every pair the contract accepted. When
// failWholeBatchOnPair is set (atomic policy) any PairFailed event
// fails the entire batch instead.
func (b *Batcher) applyReceipt(batch []*engine.Match, receipt *BatchReceipt, failWholeBatchOnPair bool) {
	if failWholeBatchOnPair && len(receipt.FailedPairs) > 0 {
		b.failBatch(context.Background(), batch, "contract rejected pairs in atomic batch")
		return
	}

	failed := make(map[int]bool, len(receipt.FailedPairs))
	for _, idx := range receipt.FailedPairs {
		failed[idx] = true
	}
	for i, m := range batch {
		if failed[i] {
			continue
		}
		b.confirmMatch(m, receipt.TxHash)
	}
}

// confirmMatch finalizes one settled pair: position opened/grown, both
// nonces confirmed, counterparties notified.
func (b *Batcher) confirmMatch(m *engine.Match, txHash common.Hash) {
	if m.Status == engine.SettlementConfirmed {
		return // idempotent against receipt replays
	}
	m.Status = engine.SettlementConfirmed
	b.queue.Ack(m)

	if _, err := b.positions.ApplyMatch(m, b.clock.Now().UnixMilli()); err != nil {
		b.log.Error("position update failed", zap.String("matchId", m.ID), zap.Error(err))
	}
	if err := b.nonces.Confirm(m.Long.Trader, m.Long.Nonce); err != nil {
		b.log.Warn("long nonce confirm failed", zap.String("matchId", m.ID), zap.Error(err))
	}
	if err := b.nonces.Confirm(m.Short.Trader, m.Short.Nonce); err != nil {
		b.log.Warn("short nonce confirm failed", zap.String("matchId", m.ID), zap.Error(err))
	}

	b.events.Publish(broadcast.EventSettlement, m.Token.Hex(), broadcast.SettlementNotice{
		MatchID: m.ID,
		Status:  engine.SettlementConfirmed.String(),
		TxHash:  txHash.Hex(),
	})
	metricPairsConfirmed.Inc()
	b.log.Info("pair confirmed",
		zap.String("matchId", m.ID), zap.String("txHash", txHash.Hex()))
}

func (b *Batcher) failBatch(ctx context.Context, batch []*engine.Match, reason string) {
	for _, m := range batch {
		b.failMatch(ctx, m, reason)
	}
}

// failMatch marks a pair permanently failed: both nonces rolled back
// and resynced from the chain, both traders notified.
func (b *Batcher) failMatch(ctx context.Context, m *engine.Match, reason string) {
	if m.Status == engine.SettlementConfirmed || m.Status == engine.SettlementFailed {
		return
	}
	m.Status = engine.SettlementFailed
	b.queue.Ack(m)

	for _, o := range []*engine.Order{&m.Long, &m.Short} {
		if err := b.nonces.Rollback(o.Trader, o.Nonce); err != nil {
			b.log.Warn("nonce rollback failed",
				zap.String("trader", o.Trader.Hex()), zap.Uint64("nonce", o.Nonce), zap.Error(err))
		}
		chainNonce, err := b.chain.Nonces(ctx, o.Trader)
		if err != nil {
			b.log.Warn("nonce resync read failed",
				zap.String("trader", o.Trader.Hex()), zap.Error(err))
			continue
		}
		if err := b.nonces.Resync(o.Trader, chainNonce); err != nil {
			b.log.Warn("nonce resync failed",
				zap.String("trader", o.Trader.Hex()), zap.Error(err))
		}
	}

	b.events.Publish(broadcast.EventSettlement, m.Token.Hex(), broadcast.SettlementNotice{
		MatchID: m.ID,
		Status:  engine.SettlementFailed.String(),
		Reason:  reason,
	})
	metricPairsFailed.Inc()
	b.log.Error("pair failed permanently",
		zap.String("matchId", m.ID), zap.String("reason", reason))
}
