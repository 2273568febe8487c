package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Subjects follow pool.ledger.events.{event_type}. A publish
// failure is non-fatal: consumers that fall behind rebuild from the event
// log in Postgres.
type OutboundPublisher struct {
	js      jetstream.JetStream
	input   <-chan *event.Envelope
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewOutboundPublisher(
	js jetstream.JetStream,
	input <-chan *event.Envelope,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *OutboundPublisher {
	return &OutboundPublisher{js: js, input: input, log: log, metrics: metrics}
}

// Run drains the input channel until ctx is cancelled or the channel
// closes.
func (p *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
				if p.metrics != nil {
					p.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (p *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("pool.ledger.events.%s", env.TypeName)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "POOL_LEDGER_EVENTS",
		Subjects:  []string{"pool.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "POOL_LEDGER_EVENTS").Msg("outbound stream ensured")
	return nil
}
