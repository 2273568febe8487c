package projection

import (
	"context"
	"database/sql"
	"fmt"

	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Worker maintains the history read models from committed events. The
// projection channel drops on overflow; a worker that falls behind is
// rebuilt from the event log rather than stalling the ledger.
type Worker struct {
	db      *sql.DB
	input   <-chan *event.Envelope
	lastSeq int64
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewWorker(db *sql.DB, input <-chan *event.Envelope, log zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{db: db, input: input, log: log, metrics: metrics}
}

// Run drains the input channel until ctx is cancelled or the channel
// closes. Projection failures are logged and skipped; the read models
// are eventually consistent.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.project(ctx, env); err != nil {
				w.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
				if w.metrics != nil {
					w.metrics.ProjectionErrors.Inc()
				}
				continue
			}
			w.lastSeq = env.Sequence
			if w.metrics != nil {
				w.metrics.ProjectionLastSeq.Set(float64(env.Sequence))
			}
		}
	}
}

func (w *Worker) project(ctx context.Context, env *event.Envelope) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyEnvelope(ctx, tx, env); err != nil {
		return fmt.Errorf("apply %s at seq %d: %w", env.TypeName, env.Sequence, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pool_ledger.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ('history', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}
