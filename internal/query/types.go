package query

import "time"

// PositionHistoryEntry is one row of the position read model. Monetary
// fields are decimal strings on the scales the events carry.
type PositionHistoryEntry struct {
	Sequence        int64     `json:"sequence"`
	EventType       string    `json:"event_type"`
	Owner           string    `json:"owner"`
	IndexToken      string    `json:"index_token"`
	CollateralToken string    `json:"collateral_token"`
	Side            string    `json:"side"`
	SizeChange      string    `json:"size_change"`
	PnL             *string   `json:"pnl,omitempty"`
	FeeValue        string    `json:"fee_value"`
	Timestamp       time.Time `json:"timestamp"`
}

// LiquidityHistoryEntry is one row of the liquidity read model.
type LiquidityHistoryEntry struct {
	Sequence  int64     `json:"sequence"`
	EventType string    `json:"event_type"`
	Tranche   string    `json:"tranche"`
	Token     string    `json:"token"`
	Amount    string    `json:"amount"`
	LPAmount  string    `json:"lp_amount"`
	FeeValue  string    `json:"fee_value"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
}
