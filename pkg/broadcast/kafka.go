package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher mirrors bus events onto a kafka topic for external
// consumers (analytics, archival). Keyed by token so per-instrument
// ordering survives partitioning.
type KafkaPublisher struct {
	writer *kafka.Writer
	sub    *Subscriber
	log    *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, bus *Bus, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		sub: bus.Subscribe(),
		log: log.With(zap.String("component", "kafka")),
	}
}

// Run forwards events until ctx is cancelled. Publish errors are
// logged and skipped; the bus never blocks on kafka.
func (p *KafkaPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.sub.C:
			if !ok {
				return
			}
			value, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("event encode failed", zap.Error(err))
				continue
			}
			err = p.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(ev.Token),
				Value: value,
			})
			if err != nil {
				p.log.Warn("kafka publish failed",
					zap.String("type", string(ev.Type)), zap.Error(err))
			}
		}
	}
}

func (p *KafkaPublisher) Close() error {
	p.sub.Close()
	return p.writer.Close()
}
