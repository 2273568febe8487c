package state

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Side of a leveraged position.
type Side uint8

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// ParseSide parses "long"/"short".
func ParseSide(s string) (Side, error) {
	switch s {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return 0, fmt.Errorf("invalid side %q", s)
	}
}

// PositionKey identifies a position. One owner holds at most one position
// per (index token, collateral token, side) combination.
type PositionKey struct {
	Owner           string
	IndexToken      string
	CollateralToken string
	Side            Side
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Owner, k.IndexToken, k.CollateralToken, k.Side)
}

// Position is a leveraged position record. Size, CollateralValue and
// EntryPrice carry the 1e30 value scale; ReserveAmount is collateral-token
// units earmarked against the position's potential payout. BorrowIndex is
// the collateral token's index snapshot at last touch, used to charge
// borrowing fees by differencing.
//
// Lifecycle: created on first increase, mutated on every increase and
// decrease, deleted when size reaches zero.
type Position struct {
	Key             PositionKey
	Size            uint256.Int
	CollateralValue uint256.Int
	EntryPrice      uint256.Int
	ReserveAmount   uint256.Int
	BorrowIndex     uint256.Int
}

// IsOpen reports whether the position has exposure.
func (p *Position) IsOpen() bool {
	return !p.Size.IsZero()
}

// SideSign returns +1 for long, -1 for short, as the multiplier applied to
// (price - entry) when computing PnL.
func (p *Position) SideSign() int {
	if p.Key.Side == SideLong {
		return 1
	}
	return -1
}

// Clone returns a deep copy. Operations mutate clones and commit only
// after every validation has passed.
func (p *Position) Clone() *Position {
	c := &Position{Key: p.Key}
	c.Size.Set(&p.Size)
	c.CollateralValue.Set(&p.CollateralValue)
	c.EntryPrice.Set(&p.EntryPrice)
	c.ReserveAmount.Set(&p.ReserveAmount)
	c.BorrowIndex.Set(&p.BorrowIndex)
	return c
}
