package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores and loads point-in-time state snapshots. The
// snapshot body is the JSON-encoded state of the ledger; this layer treats
// it as opaque bytes so the storage schema survives state-shape changes.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists one snapshot, keyed by the last sequence it
// covers. Re-saving the same sequence overwrites.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, sequence int64, data []byte) error {
	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO pool_ledger.snapshots
			(snapshot_id, sequence, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $4
	`, uuid.New(), sequence, data, len(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot at seq %d: %w", sequence, err)
	}
	return nil
}

// LoadLatestSnapshot returns the most recent snapshot, or (0, nil, nil)
// on a cold start with no snapshot.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (int64, []byte, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT sequence, data FROM pool_ledger.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var sequence int64
	var data []byte
	if err := row.Scan(&sequence, &data); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("load snapshot: %w", err)
	}
	return sequence, data, nil
}

// LoadEventsFrom loads event rows from a sequence onward, for replay on
// top of a restored snapshot.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, payload, timestamp
		FROM pool_ledger.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.EventType, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest sequence in the event log, or zero
// when the log is empty.
func (sm *SnapshotManager) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM pool_ledger.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
