package engine

// fill is one maker/taker execution inside a single submission.
type fill struct {
	maker *Order
	price int64
	size  int64
}

// crosses reports whether a limit taker crosses the given opposite
// level. Market orders cross any level.
func crosses(taker *Order, levelPrice int64) bool {
	if taker.Type == Market {
		return true
	}
	if taker.Side == Long {
		return levelPrice <= taker.LimitPrice
	}
	return levelPrice >= taker.LimitPrice
}

// matchIncoming walks opposite levels in price-time priority and
// executes the taker against eligible makers. The match price is
// always the resting order's price. Resting orders from the same
// trader are skipped, not cancelled; expired makers are removed on
// contact. Fills are returned strictly in execution order.
func (b *book) matchIncoming(taker *Order, now int64) []fill {
	var fills []fill

	var lastPrice int64
	haveLast := false

	for taker.Remaining() > 0 {
		lvl := b.bestOpposite(taker.Side, lastPrice, haveLast)
		if lvl == nil || !crosses(taker, lvl.price) {
			break
		}

		i := 0
		for i < len(lvl.queue) && taker.Remaining() > 0 {
			maker := lvl.queue[i]

			if maker.Expired(now) {
				// Logically expired already; remove on contact.
				lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
				lvl.totalSize -= maker.Remaining()
				delete(b.index, maker.ID)
				maker.Status = StatusExpired
				continue
			}

			if maker.Trader == taker.Trader {
				// Self-match prevention: skip, keep resting.
				i++
				continue
			}

			size := minInt64(taker.Remaining(), maker.Remaining())
			taker.applyFill(lvl.price, size)
			maker.applyFill(lvl.price, size)
			lvl.totalSize -= size
			b.lastPrice = lvl.price

			fills = append(fills, fill{maker: maker, price: lvl.price, size: size})

			if maker.Remaining() == 0 {
				lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
				delete(b.index, maker.ID)
			} else {
				i++
			}
		}

		b.pruneIfEmpty(taker.Side.Opposite(), lvl)

		// Advance past this level even if only self orders remain on it.
		lastPrice = lvl.price
		haveLast = true
	}

	return fills
}
