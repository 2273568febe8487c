package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"PoolLedger/internal/event"
)

// applyEnvelope routes one committed event into its read model. Events
// with no read model pass through untouched; the watermark still
// advances.
func applyEnvelope(ctx context.Context, tx *sql.Tx, env *event.Envelope) error {
	switch p := env.Payload.(type) {
	case event.PositionIncreased:
		return insertPositionHistory(ctx, tx, env, p.Owner, p.IndexToken, p.CollateralToken, p.Side,
			p.SizeChange, "", p.FeeValue)
	case event.PositionDecreased:
		return insertPositionHistory(ctx, tx, env, p.Owner, p.IndexToken, p.CollateralToken, p.Side,
			p.SizeChange, p.PnL, p.FeeValue)
	case event.PositionLiquidated:
		return insertPositionHistory(ctx, tx, env, p.Owner, p.IndexToken, p.CollateralToken, p.Side,
			p.Size, p.PnL, p.LiquidationFee)
	case event.LiquidityAdded:
		return insertLiquidityHistory(ctx, tx, env, p.Tranche, p.Token, p.AmountIn, p.LPAmount, p.FeeValue, p.Recipient)
	case event.LiquidityRemoved:
		return insertLiquidityHistory(ctx, tx, env, p.Tranche, p.Token, p.AmountOut, p.LPAmount, p.FeeValue, p.Recipient)
	default:
		return nil
	}
}

func insertPositionHistory(
	ctx context.Context,
	tx *sql.Tx,
	env *event.Envelope,
	owner, indexToken, collateralToken, side, sizeChange, pnl, feeValue string,
) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pool_ledger.position_history
			(sequence, event_type, owner, index_token, collateral_token, side,
			 size_change, pnl, fee_value, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, env.TypeName, owner, indexToken, collateralToken, side,
		sizeChange, nullable(pnl), feeValue, env.Timestamp)
	if err != nil {
		return fmt.Errorf("position history: %w", err)
	}
	return nil
}

func insertLiquidityHistory(
	ctx context.Context,
	tx *sql.Tx,
	env *event.Envelope,
	tranche, token, amount, lpAmount, feeValue, recipient string,
) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pool_ledger.liquidity_history
			(sequence, event_type, tranche, token, amount, lp_amount, fee_value, recipient, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, env.TypeName, tranche, token, amount, lpAmount, feeValue, recipient, env.Timestamp)
	if err != nil {
		return fmt.Errorf("liquidity history: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Rebuild truncates the read models and replays the event log into them.
// Used after a projection gap or schema change.
func Rebuild(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{
		`TRUNCATE pool_ledger.position_history`,
		`TRUNCATE pool_ledger.liquidity_history`,
		`DELETE FROM pool_ledger.projection_watermark WHERE worker_id = 'history'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate read models: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, payload, timestamp
		FROM pool_ledger.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("scan event log: %w", err)
	}
	defer rows.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastSeq int64
	for rows.Next() {
		var env event.Envelope
		var payload []byte
		if err := rows.Scan(&env.Sequence, &env.TypeName, &payload, &env.Timestamp); err != nil {
			return err
		}
		env.Payload, err = decodePayload(env.TypeName, payload)
		if err != nil {
			return fmt.Errorf("decode payload at seq %d: %w", env.Sequence, err)
		}
		if err := applyEnvelope(ctx, tx, &env); err != nil {
			return err
		}
		lastSeq = env.Sequence
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pool_ledger.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ('history', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, lastSeq); err != nil {
		return err
	}
	return tx.Commit()
}

func decodePayload(typeName string, data []byte) (interface{}, error) {
	switch typeName {
	case event.TypePositionIncreased.String():
		var p event.PositionIncreased
		err := json.Unmarshal(data, &p)
		return p, err
	case event.TypePositionDecreased.String():
		var p event.PositionDecreased
		err := json.Unmarshal(data, &p)
		return p, err
	case event.TypePositionLiquidated.String():
		var p event.PositionLiquidated
		err := json.Unmarshal(data, &p)
		return p, err
	case event.TypeLiquidityAdded.String():
		var p event.LiquidityAdded
		err := json.Unmarshal(data, &p)
		return p, err
	case event.TypeLiquidityRemoved.String():
		var p event.LiquidityRemoved
		err := json.Unmarshal(data, &p)
		return p, err
	default:
		return nil, nil
	}
}
