package trades

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/perpdex/perpdex/pkg/broadcast"
)

// RunRecorder persists every trade tick published on the bus. Blocks
// until ctx is cancelled.
func RunRecorder(ctx context.Context, bus *broadcast.Bus, log *Log, zlog *zap.Logger) {
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
			tick, ok := ev.Payload.(broadcast.TradeTick)
			if !ok {
				continue
			}
			err := log.Record(Trade{
				MatchID:   tick.MatchID,
				Token:     common.HexToAddress(ev.Token),
				Price:     tick.Price,
				Size:      tick.Size,
				Taker:     tick.Taker,
				Timestamp: ev.Timestamp,
			})
			if err != nil {
				zlog.Warn("trade record failed", zap.String("matchId", tick.MatchID), zap.Error(err))
			}
		}
	}
}
