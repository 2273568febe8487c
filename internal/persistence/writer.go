package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/event"
)

// EventRow is one row in pool_ledger.events.
type EventRow struct {
	Sequence  int64
	EventID   string
	EventType string
	Payload   []byte // JSON-encoded event payload
	Timestamp time.Time
}

// FromEnvelope flattens a committed envelope into its storage row.
func FromEnvelope(env *event.Envelope) (EventRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal payload for seq %d: %w", env.Sequence, err)
	}
	return EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID.String(),
		EventType: env.TypeName,
		Payload:   payload,
		Timestamp: env.Timestamp,
	}, nil
}

// EventLogWriter writes the event log to Postgres using multi-row INSERT.
// Writes are idempotent on sequence, so replaying a batch after a partial
// failure is safe.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch inside the given transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO pool_ledger.events
		(sequence, event_id, event_type, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*5)
	for i, e := range events {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, e.Sequence, e.EventID, e.EventType, e.Payload, e.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
