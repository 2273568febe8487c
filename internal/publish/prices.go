package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PriceUpdate is one oracle observation arriving over NATS. Prices are
// decimal strings on the value scale; Low == High for single-point feeds.
type PriceUpdate struct {
	Token       string `json:"token"`
	Low         string `json:"low"`
	High        string `json:"high"`
	TimestampUs int64  `json:"timestamp_us"`
}

// At returns the observation time.
func (u PriceUpdate) At() time.Time {
	return time.UnixMicro(u.TimestampUs)
}

// PriceSubscriber consumes pool.prices.{token} and forwards parsed
// updates to the serve loop, which owns the oracle. Messages are acked
// once queued; a malformed message is acked and dropped, since
// redelivering it cannot fix it.
type PriceSubscriber struct {
	js       jetstream.JetStream
	updates  chan<- PriceUpdate
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewPriceSubscriber(js jetstream.JetStream, updates chan<- PriceUpdate, log zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{js: js, updates: updates, log: log}
}

// Subscribe creates the durable consumer and starts delivery.
func (s *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, "POOL_PRICES", jetstream.ConsumerConfig{
		Durable:       "ledger-prices",
		FilterSubject: "pool.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		// Stale observations are useless; start from the newest.
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var upd PriceUpdate
		if err := json.Unmarshal(msg.Data(), &upd); err != nil {
			s.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("malformed price update")
			msg.Ack()
			return
		}
		select {
		case s.updates <- upd:
			msg.Ack()
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}
	s.consumer = cc
	s.log.Info().Str("subject", "pool.prices.>").Msg("price feed subscribed")
	return nil
}

// Stop halts delivery.
func (s *PriceSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

// EnsurePriceStream creates the inbound price stream.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "POOL_PRICES",
		Subjects:  []string{"pool.prices.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create price stream: %w", err)
	}
	log.Info().Str("stream", "POOL_PRICES").Msg("price stream ensured")
	return nil
}
