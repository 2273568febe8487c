package core

import (
	"fmt"

	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// BatchOpKind selects which operation a BatchOp carries.
type BatchOpKind string

const (
	BatchAddLiquidity     BatchOpKind = "add_liquidity"
	BatchRemoveLiquidity  BatchOpKind = "remove_liquidity"
	BatchSwap             BatchOpKind = "swap"
	BatchIncreasePosition BatchOpKind = "increase_position"
	BatchDecreasePosition BatchOpKind = "decrease_position"
	BatchLiquidate        BatchOpKind = "liquidate_position"
)

// BatchOp is one operation in a batch. Only the fields the kind uses are
// read; the rest stay zero.
type BatchOp struct {
	Kind BatchOpKind

	Caller   string
	Owner    string
	Receiver string

	Tranche          string
	Token            string
	TokenIn          string
	TokenOut         string
	IndexToken       string
	CollateralToken  string
	Side             state.Side
	SizeChange       *uint256.Int
	CollateralChange *uint256.Int
	LPAmount         *uint256.Int
	MinOut           *uint256.Int
}

// BatchResult pairs an operation's index with its outcome.
type BatchResult struct {
	Index int
	Err   error
}

// ExecuteBatch runs operations in order with per-operation failure
// isolation. A rejected operation leaves no state behind and does not
// stop the batch; callers inspect the per-index results.
func (e *Engine) ExecuteBatch(ops []BatchOp, now int64) []BatchResult {
	results := make([]BatchResult, len(ops))
	for i, op := range ops {
		results[i] = BatchResult{Index: i, Err: e.executeOp(op, now)}
	}
	return results
}

func (e *Engine) executeOp(op BatchOp, now int64) error {
	switch op.Kind {
	case BatchAddLiquidity:
		return e.AddLiquidity(op.Tranche, op.Token, op.MinOut, op.Receiver, now)
	case BatchRemoveLiquidity:
		return e.RemoveLiquidity(op.Tranche, op.Token, op.LPAmount, op.MinOut, op.Owner, op.Receiver, now)
	case BatchSwap:
		return e.Swap(op.TokenIn, op.TokenOut, op.MinOut, op.Receiver, now)
	case BatchIncreasePosition:
		return e.IncreasePosition(op.Caller, op.Owner, op.IndexToken, op.CollateralToken, op.SizeChange, op.Side, now)
	case BatchDecreasePosition:
		return e.DecreasePosition(op.Caller, op.Owner, op.IndexToken, op.CollateralToken, op.CollateralChange, op.SizeChange, op.Side, op.Receiver, now)
	case BatchLiquidate:
		return e.LiquidatePosition(op.Caller, op.Owner, op.IndexToken, op.CollateralToken, op.Side, now)
	default:
		return fmt.Errorf("unknown batch operation kind %q", op.Kind)
	}
}
