package event

// Monetary fields are decimal strings of 1e30-scale values or raw token
// units; emitting strings keeps consumers free of 256-bit integer types.

// PositionIncreased records an increase transition.
type PositionIncreased struct {
	Owner           string `json:"owner"`
	IndexToken      string `json:"index_token"`
	CollateralToken string `json:"collateral_token"`
	Side            string `json:"side"`
	SizeChange      string `json:"size_change"`
	CollateralValue string `json:"collateral_value"`
	EntryPrice      string `json:"entry_price"`
	ReserveAmount   string `json:"reserve_amount"`
	FeeValue        string `json:"fee_value"`
}

// PositionDecreased records a decrease transition. Closed marks full
// closes, where the record was deleted.
type PositionDecreased struct {
	Owner            string `json:"owner"`
	IndexToken       string `json:"index_token"`
	CollateralToken  string `json:"collateral_token"`
	Side             string `json:"side"`
	SizeChange       string `json:"size_change"`
	CollateralChange string `json:"collateral_change"`
	PnL              string `json:"pnl"`
	FeeValue         string `json:"fee_value"`
	PayoutAmount     string `json:"payout_amount"`
	Closed           bool   `json:"closed"`
}

// PositionLiquidated records a forced close.
type PositionLiquidated struct {
	Owner           string `json:"owner"`
	IndexToken      string `json:"index_token"`
	CollateralToken string `json:"collateral_token"`
	Side            string `json:"side"`
	Liquidator      string `json:"liquidator"`
	Size            string `json:"size"`
	CollateralValue string `json:"collateral_value"`
	PnL             string `json:"pnl"`
	LiquidationFee  string `json:"liquidation_fee"`
}

// LiquidityAdded records a tranche deposit.
type LiquidityAdded struct {
	Tranche   string `json:"tranche"`
	Token     string `json:"token"`
	AmountIn  string `json:"amount_in"`
	LPAmount  string `json:"lp_amount"`
	FeeValue  string `json:"fee_value"`
	Recipient string `json:"recipient"`
}

// LiquidityRemoved records a tranche withdrawal.
type LiquidityRemoved struct {
	Tranche   string `json:"tranche"`
	Token     string `json:"token"`
	LPAmount  string `json:"lp_amount"`
	AmountOut string `json:"amount_out"`
	FeeValue  string `json:"fee_value"`
	Recipient string `json:"recipient"`
}

// Swapped records a pool swap.
type Swapped struct {
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
	FeeValue  string `json:"fee_value"`
	Recipient string `json:"recipient"`
}

// InterestAccrued records a borrow-index advance for a token.
type InterestAccrued struct {
	Token       string `json:"token"`
	BorrowIndex string `json:"borrow_index"`
	Intervals   int64  `json:"intervals"`
}

// FeeWithdrawn records a protocol fee-reserve withdrawal.
type FeeWithdrawn struct {
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

// TrancheSaturated records a tranche hitting its reserve capacity for a
// token; its risk factor for that token has been retired.
type TrancheSaturated struct {
	Tranche string `json:"tranche"`
	Token   string `json:"token"`
}
