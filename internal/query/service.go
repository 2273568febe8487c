package query

import (
	"context"
	"database/sql"
	"fmt"
)

const defaultLimit = 100

// Service answers history queries from the projection read models. The
// read models lag the ledger by at most the projection channel depth;
// live state is served by the engine, not here.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// PositionHistory returns position transitions, newest first. Owner is
// optional; empty matches everyone.
func (s *Service) PositionHistory(ctx context.Context, owner string, limit int) ([]PositionHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_type, owner, index_token, collateral_token, side,
		       size_change, pnl, fee_value, timestamp
		FROM pool_ledger.position_history
		WHERE ($1 = '' OR owner = $1)
		ORDER BY sequence DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("position history: %w", err)
	}
	defer rows.Close()

	var entries []PositionHistoryEntry
	for rows.Next() {
		var e PositionHistoryEntry
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.Owner, &e.IndexToken, &e.CollateralToken,
			&e.Side, &e.SizeChange, &e.PnL, &e.FeeValue, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LiquidityHistory returns tranche deposits and withdrawals, newest
// first. Tranche is optional; empty matches all tranches.
func (s *Service) LiquidityHistory(ctx context.Context, tranche string, limit int) ([]LiquidityHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_type, tranche, token, amount, lp_amount, fee_value, recipient, timestamp
		FROM pool_ledger.liquidity_history
		WHERE ($1 = '' OR tranche = $1)
		ORDER BY sequence DESC
		LIMIT $2
	`, tranche, limit)
	if err != nil {
		return nil, fmt.Errorf("liquidity history: %w", err)
	}
	defer rows.Close()

	var entries []LiquidityHistoryEntry
	for rows.Next() {
		var e LiquidityHistoryEntry
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.Tranche, &e.Token, &e.Amount,
			&e.LPAmount, &e.FeeValue, &e.Recipient, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Watermark returns the last sequence the history worker has applied, or
// zero before the first projection.
func (s *Service) Watermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM pool_ledger.projection_watermark
		WHERE worker_id = 'history'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
