package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"
)

// priceLevel is one price with its FIFO queue of resting orders.
// Queue order equals arrival order; an empty level is pruned from the
// tree immediately.
type priceLevel struct {
	price     int64
	queue     []*Order
	totalSize int64 // aggregate remaining size across the queue
}

func levelLess(a, b *priceLevel) bool { return a.price < b.price }

// book holds both sides of one instrument's order book. Levels are
// price-indexed in balanced trees for O(log n) insert and best-price
// seek. The book is not safe for concurrent use; the per-instrument
// serializer owns it exclusively.
type book struct {
	token common.Address

	bids *btree.BTreeG[*priceLevel] // resting longs
	asks *btree.BTreeG[*priceLevel] // resting shorts

	// id -> resting order, for O(log n) cancellation
	index map[string]*Order

	lastPrice int64 // most recent match price, mark fallback
}

func newBook(token common.Address) *book {
	return &book{
		token: token,
		bids:  btree.NewG(8, levelLess),
		asks:  btree.NewG(8, levelLess),
		index: make(map[string]*Order),
	}
}

func (b *book) sideTree(s Side) *btree.BTreeG[*priceLevel] {
	if s == Long {
		return b.bids
	}
	return b.asks
}

// addResting inserts the order into the queue at its own price,
// creating the level if needed. Queue position is by accept sequence:
// submissions racing into the serializer keep their accept order even
// when they arrive out of it.
func (b *book) addResting(o *Order) {
	tree := b.sideTree(o.Side)
	key := &priceLevel{price: o.LimitPrice}

	lvl, ok := tree.Get(key)
	if !ok {
		lvl = &priceLevel{price: o.LimitPrice}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.queue = append(lvl.queue, o)
	for i := len(lvl.queue) - 1; i > 0 && lvl.queue[i-1].seq > lvl.queue[i].seq; i-- {
		lvl.queue[i-1], lvl.queue[i] = lvl.queue[i], lvl.queue[i-1]
	}
	lvl.totalSize += o.Remaining()
	b.index[o.ID] = o
}

// removeOrder removes a resting order by id. Returns the order and
// whether it was found.
func (b *book) removeOrder(id string) (*Order, bool) {
	o, ok := b.index[id]
	if !ok {
		return nil, false
	}

	tree := b.sideTree(o.Side)
	lvl, ok := tree.Get(&priceLevel{price: o.LimitPrice})
	if !ok {
		delete(b.index, id)
		return o, true
	}

	for i, resting := range lvl.queue {
		if resting.ID == id {
			lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
			lvl.totalSize -= resting.Remaining()
			break
		}
	}
	if len(lvl.queue) == 0 {
		tree.Delete(lvl)
	}
	delete(b.index, id)
	return o, true
}

// bestOpposite returns the most aggressive level on the side opposite
// the taker, strictly beyond `after` in priority order when haveAfter
// is set. Used by the match loop to walk levels without re-visiting
// one it already exhausted of eligible makers.
func (b *book) bestOpposite(taker Side, after int64, haveAfter bool) *priceLevel {
	var found *priceLevel
	if taker == Long {
		// Consume asks, cheapest first.
		if !haveAfter {
			if lvl, ok := b.asks.Min(); ok {
				return lvl
			}
			return nil
		}
		b.asks.AscendGreaterOrEqual(&priceLevel{price: after + 1}, func(lvl *priceLevel) bool {
			found = lvl
			return false
		})
		return found
	}
	// Consume bids, highest first.
	if !haveAfter {
		if lvl, ok := b.bids.Max(); ok {
			return lvl
		}
		return nil
	}
	b.bids.DescendLessOrEqual(&priceLevel{price: after - 1}, func(lvl *priceLevel) bool {
		found = lvl
		return false
	})
	return found
}

func (b *book) pruneIfEmpty(side Side, lvl *priceLevel) {
	if len(lvl.queue) == 0 {
		b.sideTree(side).Delete(lvl)
	}
}

// snapshot aggregates the book into sorted levels: bids descending,
// asks ascending. Expired-but-unswept orders are excluded.
func (b *book) snapshot(now int64) ([]PriceLevel, []PriceLevel) {
	var bids, asks []PriceLevel

	b.bids.Descend(func(lvl *priceLevel) bool {
		if size := lvl.liveSize(now); size > 0 {
			bids = append(bids, PriceLevel{Price: lvl.price, Size: size})
		}
		return true
	})
	b.asks.Ascend(func(lvl *priceLevel) bool {
		if size := lvl.liveSize(now); size > 0 {
			asks = append(asks, PriceLevel{Price: lvl.price, Size: size})
		}
		return true
	})
	return bids, asks
}

func (lvl *priceLevel) liveSize(now int64) int64 {
	var size int64
	for _, o := range lvl.queue {
		if !o.Expired(now) {
			size += o.Remaining()
		}
	}
	return size
}

// depths returns total live resting size per side, for the funding
// rate's long/short imbalance input.
func (b *book) depths(now int64) (bidSize, askSize int64) {
	b.bids.Ascend(func(lvl *priceLevel) bool {
		bidSize += lvl.liveSize(now)
		return true
	})
	b.asks.Ascend(func(lvl *priceLevel) bool {
		askSize += lvl.liveSize(now)
		return true
	})
	return bidSize, askSize
}

// sweepExpired physically removes resting orders past their deadline
// and returns them with status set to EXPIRED.
func (b *book) sweepExpired(now int64) []*Order {
	var expired []*Order
	for _, o := range b.index {
		if o.Expired(now) {
			expired = append(expired, o)
		}
	}
	for _, o := range expired {
		b.removeOrder(o.ID)
		o.Status = StatusExpired
	}
	return expired
}
