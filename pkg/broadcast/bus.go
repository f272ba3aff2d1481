// Package broadcast republishes matching and risk deltas to
// subscribers at the transport boundary. It owns fan-out and
// backpressure only; no business logic lives here.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventBook       EventType = "orderbook"
	EventTrade      EventType = "trade"
	EventRisk       EventType = "risk"
	EventFunding    EventType = "funding"
	EventInsurance  EventType = "insurance"
	EventSettlement EventType = "settlement"
)

// Event is one published delta. Payload is a JSON-serializable value
// owned by the publisher; subscribers must not mutate it.
type Event struct {
	Type      EventType   `json:"type"`
	Token     string      `json:"token,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// TradeTick is the payload for EventTrade.
type TradeTick struct {
	MatchID string `json:"matchId"`
	Price   int64  `json:"price"`
	Size    int64  `json:"size"`
	Taker   string `json:"taker"` // "long" or "short"
}

// BookLevel mirrors one aggregated price level.
type BookLevel struct {
	Price int64 `json:"price"`
	Size  int64 `json:"size"`
}

// BookUpdate is the payload for EventBook.
type BookUpdate struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// SettlementNotice is the payload for EventSettlement. Sent to both
// counterparties when a batch confirms or permanently fails.
type SettlementNotice struct {
	MatchID string `json:"matchId"`
	Status  string `json:"status"`
	TxHash  string `json:"txHash,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// FundingUpdate is the payload for EventFunding.
type FundingUpdate struct {
	RateBps int64 `json:"rateBps"`
}

// Subscriber receives events on C. A subscriber that cannot keep up
// has events dropped for it alone; publishers never block.
type Subscriber struct {
	C chan Event

	bus  *Bus
	once sync.Once
}

// Close detaches the subscriber from the bus.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Bus is the in-process event bus behind the market-data boundary.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	buffer  int
	dropped atomic.Uint64
	log     *zap.SugaredLogger
}

func NewBus(buffer int, log *zap.SugaredLogger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
		log:    log,
	}
}

func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{C: make(chan Event, b.buffer), bus: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	close(s.C)
}

// Publish fans the event out to every subscriber without blocking.
func (b *Bus) Publish(typ EventType, token string, payload interface{}) {
	ev := Event{
		Type:      typ,
		Token:     token,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		select {
		case s.C <- ev:
		default:
			n := b.dropped.Add(1)
			if b.log != nil && n%1000 == 1 {
				b.log.Warnw("slow_subscriber_drop", "type", typ, "dropped_total", n)
			}
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
