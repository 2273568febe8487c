package persistence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(seq int64, t event.Type, payload interface{}) *event.Envelope {
	env := event.New(seq, t, time.Now().UTC(), payload)
	return &env
}

func TestEventLogRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	writer := persistence.NewEventLogWriter(db)

	var rows []persistence.EventRow
	for seq := int64(0); seq < 3; seq++ {
		row, err := persistence.FromEnvelope(envelope(seq, event.TypeLiquidityAdded, event.LiquidityAdded{
			Tranche:   "senior",
			Token:     "USDC",
			AmountIn:  "1000",
			LPAmount:  "1000",
			FeeValue:  "0",
			Recipient: "alice",
		}))
		require.NoError(t, err)
		rows = append(rows, row)
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, rows))
	require.NoError(t, tx.Commit())

	// Conflicting rewrite of the same sequences is a no-op.
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, rows))
	require.NoError(t, tx.Commit())

	snapMgr := persistence.NewSnapshotManager(db)
	loaded, err := snapMgr.LoadEventsFrom(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "LiquidityAdded", loaded[0].EventType)

	head, err := snapMgr.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

func TestSnapshotRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	snapMgr := persistence.NewSnapshotManager(db)

	seq, data, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Nil(t, data)

	state := map[string]interface{}{"sequence": 42, "tranches": []string{"senior"}}
	blob, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, snapMgr.SaveSnapshot(ctx, 42, blob))

	// Overwrite at the same sequence.
	require.NoError(t, snapMgr.SaveSnapshot(ctx, 42, blob))

	seq, data, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
	assert.JSONEq(t, string(blob), string(data))
}

func TestProjectionAndQuery(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	projChan := make(chan *event.Envelope, 16)
	worker := projection.NewWorker(db, projChan, zerolog.Nop(), nil)
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	projChan <- envelope(0, event.TypeLiquidityAdded, event.LiquidityAdded{
		Tranche: "senior", Token: "USDC", AmountIn: "1000", LPAmount: "1000", FeeValue: "0", Recipient: "alice",
	})
	projChan <- envelope(1, event.TypePositionIncreased, event.PositionIncreased{
		Owner: "bob", IndexToken: "BTC", CollateralToken: "BTC", Side: "long",
		SizeChange: "5000", CollateralValue: "1000", EntryPrice: "100", ReserveAmount: "50", FeeValue: "0",
	})
	close(projChan)
	require.NoError(t, <-done)

	svc := query.NewService(db)

	positions, err := svc.PositionHistory(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "PositionIncreased", positions[0].EventType)
	assert.Equal(t, "5000", positions[0].SizeChange)
	assert.Nil(t, positions[0].PnL)

	liquidity, err := svc.LiquidityHistory(ctx, "senior", 10)
	require.NoError(t, err)
	require.Len(t, liquidity, 1)
	assert.Equal(t, "1000", liquidity[0].Amount)

	watermark, err := svc.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), watermark)
}

func TestRebuildReplaysEventLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	writer := persistence.NewEventLogWriter(db)
	var rows []persistence.EventRow
	for _, env := range []*event.Envelope{
		envelope(0, event.TypeLiquidityAdded, event.LiquidityAdded{
			Tranche: "senior", Token: "USDC", AmountIn: "1000", LPAmount: "1000", FeeValue: "0", Recipient: "alice",
		}),
		envelope(1, event.TypePositionIncreased, event.PositionIncreased{
			Owner: "bob", IndexToken: "BTC", CollateralToken: "BTC", Side: "long",
			SizeChange: "5000", CollateralValue: "1000", EntryPrice: "100", ReserveAmount: "50", FeeValue: "0",
		}),
		envelope(2, event.TypeInterestAccrued, event.InterestAccrued{
			Token: "BTC", BorrowIndex: "10000000000",
		}),
	} {
		row, err := persistence.FromEnvelope(env)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, rows))
	require.NoError(t, tx.Commit())

	// Poison the read models so only a real replay can explain the result.
	_, err = db.ExecContext(ctx, `
		INSERT INTO pool_ledger.position_history
			(sequence, event_type, owner, index_token, collateral_token, side, size_change, fee_value, timestamp)
		VALUES (99, 'PositionIncreased', 'mallory', 'BTC', 'BTC', 'long', 1, 0, NOW())
	`)
	require.NoError(t, err)

	require.NoError(t, projection.Rebuild(ctx, db))

	svc := query.NewService(db)
	positions, err := svc.PositionHistory(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "bob", positions[0].Owner)

	liquidity, err := svc.LiquidityHistory(ctx, "senior", 10)
	require.NoError(t, err)
	require.Len(t, liquidity, 1)

	// The watermark lands on the log head even when the tail events carry
	// nothing for the history tables.
	watermark, err := svc.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), watermark)
}
