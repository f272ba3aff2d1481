package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/perpdex/perpdex/params"
	"github.com/perpdex/perpdex/pkg/broadcast"
	"github.com/perpdex/perpdex/pkg/engine"
	"github.com/perpdex/perpdex/pkg/position"
	"github.com/perpdex/perpdex/pkg/settlement"
	"github.com/perpdex/perpdex/pkg/util"
)

const bpsDenom = 10000

// Level buckets a position's margin ratio against its maintenance
// requirement.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM" // ratio < 1.5x maintenance
	LevelHigh     Level = "HIGH"   // ratio < 1.2x maintenance
	LevelCritical Level = "CRITICAL"
)

// SideReport is the risk view of one side of a paired position.
type SideReport struct {
	Trader        common.Address `json:"trader"`
	MarginBps     int64          `json:"marginBps"`
	Level         Level          `json:"level"`
	UnrealizedPnL int64          `json:"unrealizedPnl"`
	LiqPrice      int64          `json:"liqPrice"`
	ADLScore      int64          `json:"adlScore"`
}

// Report is the full risk snapshot for one paired position at the
// current mark price.
type Report struct {
	PairID    string         `json:"pairId"`
	Token     common.Address `json:"token"`
	MarkPrice int64          `json:"markPrice"`
	Long      SideReport     `json:"long"`
	Short     SideReport     `json:"short"`
}

// ADLEntry ranks a profitable side for auto-deleveraging.
type ADLEntry struct {
	PairID string         `json:"pairId"`
	Trader common.Address `json:"trader"`
	IsLong bool           `json:"isLong"`
	Score  int64          `json:"score"`
}

// DepthSource supplies aggregate resting long/short depth for the
// funding-rate imbalance calculation. The matching engine implements
// it.
type DepthSource interface {
	Depth(token common.Address) (bidSize, askSize int64)
}

// Engine runs margin monitoring, funding settlement, and liquidation
// for all open paired positions.
type Engine struct {
	cfg       params.Risk
	positions *position.Store
	insurance *position.InsuranceFund
	chain     settlement.ChainClient
	depths    DepthSource
	events    *broadcast.Bus
	clock     util.Clock
	log       *zap.Logger

	mu         sync.RWMutex
	markPrices map[common.Address]int64
	ratesBps   map[common.Address]int64
}

func New(
	cfg params.Risk,
	positions *position.Store,
	insurance *position.InsuranceFund,
	chain settlement.ChainClient,
	depths DepthSource,
	events *broadcast.Bus,
	clock util.Clock,
	log *zap.Logger,
) *Engine {
	return &Engine{
		cfg:        cfg,
		positions:  positions,
		insurance:  insurance,
		chain:      chain,
		depths:     depths,
		events:     events,
		clock:      clock,
		log:        log.With(zap.String("component", "risk")),
		markPrices: make(map[common.Address]int64),
		ratesBps:   make(map[common.Address]int64),
	}
}

// SetMarkPrice records the reference price used for uPnL and margin.
// Fed from last trade, with mid-price fallback upstream.
func (e *Engine) SetMarkPrice(token common.Address, price int64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.markPrices[token] = price
	e.mu.Unlock()
}

func (e *Engine) MarkPrice(token common.Address) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.markPrices[token]
}

// FundingRateBps returns the last computed funding rate for a token.
func (e *Engine) FundingRateBps(token common.Address) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ratesBps[token]
}

// UnrealizedPnL for one side at the mark price. Long side wins when
// the mark is above entry; the pair nets to zero.
func UnrealizedPnL(p *position.Position, markPrice int64, isLong bool) int64 {
	diff := markPrice - p.EntryPrice
	if !isLong {
		diff = -diff
	}
	return engine.MulDiv(diff, p.Size, 1)
}

// MarginRatioBps = equity * 10000 / positionValue, where equity is
// collateral + uPnL + accrued funding.
func MarginRatioBps(collateral, fundingAccrued, uPnL, positionValue int64) int64 {
	if positionValue <= 0 {
		return 0
	}
	equity := collateral + fundingAccrued + uPnL
	if equity <= 0 {
		return 0
	}
	return engine.MulDiv(equity, bpsDenom, positionValue)
}

// LiquidationPrice for the long side: entry * (1 - 1/lev + mmr).
// For the short side: entry * (1 + 1/lev - mmr). All in bps.
func LiquidationPrice(entryPrice, leverage, mmrBps int64, isLong bool) int64 {
	if leverage <= 0 {
		return 0
	}
	perLevBps := bpsDenom / leverage
	if isLong {
		return engine.MulDiv(entryPrice, bpsDenom-perLevBps+mmrBps, bpsDenom)
	}
	return engine.MulDiv(entryPrice, bpsDenom+perLevBps-mmrBps, bpsDenom)
}

// RiskLevel buckets the margin ratio against the maintenance margin.
// CRITICAL means liquidation-eligible right now.
func RiskLevel(marginBps, mmrBps int64) Level {
	switch {
	case marginBps < mmrBps:
		return LevelCritical
	case marginBps*10 < mmrBps*12:
		return LevelHigh
	case marginBps*10 < mmrBps*15:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ADLScore ranks profitable sides for deleveraging: uPnL * leverage /
// margin. Zero for unprofitable sides.
func ADLScore(uPnL, leverage, margin int64) int64 {
	if uPnL <= 0 || margin <= 0 {
		return 0
	}
	return engine.MulDiv(uPnL, leverage, margin)
}

// CanLiquidate reports whether either side of the pair is below its
// maintenance margin at the current mark price. Advisory only; the
// contract re-checks on chain.
func (e *Engine) CanLiquidate(p *position.Position) bool {
	r := e.report(p)
	if r == nil {
		return false
	}
	return r.Long.Level == LevelCritical || r.Short.Level == LevelCritical
}

// report computes the full risk view, or nil when there is no mark
// price for the token yet.
func (e *Engine) report(p *position.Position) *Report {
	mark := e.MarkPrice(p.Token)
	if mark <= 0 {
		return nil
	}

	positionValue := engine.MulDiv(mark, p.Size, 1)
	longPnL := UnrealizedPnL(p, mark, true)
	shortPnL := -longPnL

	longMargin := MarginRatioBps(p.Long.Collateral, p.Long.FundingAccrued, longPnL, positionValue)
	shortMargin := MarginRatioBps(p.Short.Collateral, p.Short.FundingAccrued, shortPnL, positionValue)

	return &Report{
		PairID:    p.PairID,
		Token:     p.Token,
		MarkPrice: mark,
		Long: SideReport{
			Trader:        p.Long.Trader,
			MarginBps:     longMargin,
			Level:         RiskLevel(longMargin, e.cfg.MaintenanceMarginBps),
			UnrealizedPnL: longPnL,
			LiqPrice:      LiquidationPrice(p.EntryPrice, p.Long.Leverage, e.cfg.MaintenanceMarginBps, true),
			ADLScore:      ADLScore(longPnL, p.Long.Leverage, p.Long.Collateral),
		},
		Short: SideReport{
			Trader:        p.Short.Trader,
			MarginBps:     shortMargin,
			Level:         RiskLevel(shortMargin, e.cfg.MaintenanceMarginBps),
			UnrealizedPnL: shortPnL,
			LiqPrice:      LiquidationPrice(p.EntryPrice, p.Short.Leverage, e.cfg.MaintenanceMarginBps, false),
			ADLScore:      ADLScore(shortPnL, p.Short.Leverage, p.Short.Collateral),
		},
	}
}

// Reports returns risk snapshots for every open position on a token.
func (e *Engine) Reports(token common.Address) []Report {
	var out []Report
	for _, p := range e.positions.SnapshotByToken(token) {
		p := p
		if r := e.report(&p); r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// ReportsByTrader returns risk snapshots for one trader's positions.
func (e *Engine) ReportsByTrader(trader common.Address) []Report {
	var out []Report
	for _, p := range e.positions.ByTrader(trader) {
		p := p
		if r := e.report(&p); r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// ADLRanking returns the top 5 deleveraging candidates across all open
// positions on a token, highest score first.
func (e *Engine) ADLRanking(token common.Address) []ADLEntry {
	var entries []ADLEntry
	for _, p := range e.positions.SnapshotByToken(token) {
		p := p
		r := e.report(&p)
		if r == nil {
			continue
		}
		if r.Long.ADLScore > 0 {
			entries = append(entries, ADLEntry{PairID: p.PairID, Trader: p.Long.Trader, IsLong: true, Score: r.Long.ADLScore})
		}
		if r.Short.ADLScore > 0 {
			entries = append(entries, ADLEntry{PairID: p.PairID, Trader: p.Short.Trader, IsLong: false, Score: r.Short.ADLScore})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	if len(entries) > 5 {
		entries = entries[:5]
	}
	return entries
}

// FundingRateFromDepth derives the funding rate from resting book
// imbalance: (bidDepth - askDepth) * maxBps / totalDepth, clamped to
// [-maxBps, maxBps]. Paired positions net to zero so open interest
// carries no imbalance signal; the book does.
func FundingRateFromDepth(bidDepth, askDepth, maxBps int64) int64 {
	total := bidDepth + askDepth
	if total == 0 {
		return 0
	}
	rate := engine.MulDiv(bidDepth-askDepth, maxBps, total)
	if rate > maxBps {
		return maxBps
	}
	if rate < -maxBps {
		return -maxBps
	}
	return rate
}

// TrackMarks follows trade ticks on the bus and keeps mark prices
// current. Blocks until ctx is cancelled; run it alongside Run.
func (e *Engine) TrackMarks(ctx context.Context, bus *broadcast.Bus) {
	sub := bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Type != broadcast.EventTrade {
				continue
			}
			if tick, ok := ev.Payload.(broadcast.TradeTick); ok {
				e.SetMarkPrice(common.HexToAddress(ev.Token), tick.Price)
			}
		}
	}
}

// Run drives the funding and liquidation loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FundingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.settleFunding(ctx)
			e.scanLiquidations(ctx)
		}
	}
}

// settleFunding computes per-token rates and applies funding transfers
// to every open position. Positive rate: longs pay shorts.
func (e *Engine) settleFunding(ctx context.Context) {
	byToken := make(map[common.Address][]position.Position)
	for _, p := range e.positions.Snapshot() {
		byToken[p.Token] = append(byToken[p.Token], p)
	}

	for token, ps := range byToken {
		bid, ask := e.depths.Depth(token)
		rate := FundingRateFromDepth(bid, ask, e.cfg.MaxFundingRateBps)

		e.mu.Lock()
		e.ratesBps[token] = rate
		e.mu.Unlock()

		e.events.Publish(broadcast.EventFunding, token.Hex(), broadcast.FundingUpdate{RateBps: rate})
		if rate == 0 {
			continue
		}

		mark := e.MarkPrice(token)
		if mark <= 0 {
			continue
		}
		for _, p := range ps {
			select {
			case <-ctx.Done():
				return
			default:
			}
			notional := engine.MulDiv(mark, p.Size, 1)
			payment := engine.MulDiv(notional, rate, bpsDenom)
			if err := e.positions.ApplyFunding(p.PairID, -payment, payment); err != nil {
				e.log.Warn("funding transfer failed",
					zap.String("pairId", p.PairID), zap.Error(err))
			}
		}
		e.log.Info("funding settled",
			zap.String("token", token.Hex()), zap.Int64("rateBps", rate), zap.Int("positions", len(ps)))
	}
}

// scanLiquidations liquidates every pair below maintenance margin,
// then resyncs local state from the chain's view of the position.
func (e *Engine) scanLiquidations(ctx context.Context) {
	for _, p := range e.positions.Snapshot() {
		p := p
		if !e.CanLiquidate(&p) {
			continue
		}

		pairID := [32]byte(common.HexToHash(p.PairID))
		txHash, err := e.chain.Liquidate(ctx, pairID)
		if err != nil {
			e.log.Warn("liquidation call failed",
				zap.String("pairId", p.PairID), zap.Error(err))
			continue
		}

		// Chain outcome is authoritative: only mark locally once the
		// contract reports the position closed.
		onChain, err := e.chain.GetPairedPosition(ctx, pairID)
		if err == nil && onChain.Open {
			continue
		}
		if err := e.positions.MarkLiquidated(p.PairID); err != nil {
			e.log.Warn("local liquidation mark failed",
				zap.String("pairId", p.PairID), zap.Error(err))
			continue
		}
		e.settleInsurance(&p)

		e.events.Publish(broadcast.EventRisk, p.Token.Hex(), e.report(&p))
		e.log.Info("position liquidated",
			zap.String("pairId", p.PairID), zap.String("txHash", txHash.Hex()))
	}
}

// settleInsurance moves the liquidated side's remaining margin: a
// surplus over the counterparty's claim funds the insurance pool, a
// shortfall is covered from it.
func (e *Engine) settleInsurance(p *position.Position) {
	mark := e.MarkPrice(p.Token)
	if mark <= 0 {
		return
	}
	longPnL := UnrealizedPnL(p, mark, true)

	var loserEquity int64
	if longPnL < 0 {
		loserEquity = p.Long.Collateral + p.Long.FundingAccrued + longPnL
	} else {
		loserEquity = p.Short.Collateral + p.Short.FundingAccrued - longPnL
	}

	switch {
	case loserEquity > 0:
		if err := e.insurance.Contribute(loserEquity); err != nil {
			e.log.Warn("insurance contribution failed", zap.Error(err))
		}
	case loserEquity < 0:
		if err := e.insurance.Cover(-loserEquity); err != nil {
			e.log.Warn("insurance shortfall not covered, deleveraging",
				zap.String("pairId", p.PairID), zap.Error(err))
			e.events.Publish(broadcast.EventRisk, p.Token.Hex(), e.ADLRanking(p.Token))
		}
	}
	e.events.Publish(broadcast.EventInsurance, p.Token.Hex(), map[string]int64{
		"balance": e.insurance.Balance(),
	})
}
