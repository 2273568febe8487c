package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// ErrStalePrice rejects an operation whose price feed is older than the
// configured timeout. Trusting a stale price would corrupt solvency
// invariants, so the whole operation fails.
var ErrStalePrice = errors.New("stale oracle price")

// PriceSource supplies the 1e30-scale value of one token base unit.
// preferHigh selects the conservative rounding direction: the higher
// observation when the caller benefits from overestimating cost, the
// lower when it benefits from underestimating value.
type PriceSource interface {
	GetPrice(token string, preferHigh bool) (*uint256.Int, error)
}

type postedPrice struct {
	low  uint256.Int
	high uint256.Int
	ts   time.Time
}

// PostedOracle is a PriceSource over externally posted low/high
// observations with a staleness timeout.
type PostedOracle struct {
	prices map[string]*postedPrice
	maxAge time.Duration
	now    func() time.Time
}

func NewPostedOracle(maxAge time.Duration, now func() time.Time) *PostedOracle {
	if now == nil {
		now = time.Now
	}
	return &PostedOracle{
		prices: make(map[string]*postedPrice),
		maxAge: maxAge,
		now:    now,
	}
}

// Post records a low/high observation for a token.
func (o *PostedOracle) Post(token string, low, high *uint256.Int, ts time.Time) error {
	if low.IsZero() || high.IsZero() || low.Cmp(high) > 0 {
		return fmt.Errorf("invalid price observation for %s: low=%s high=%s", token, low.Dec(), high.Dec())
	}
	p := &postedPrice{ts: ts}
	p.low.Set(low)
	p.high.Set(high)
	o.prices[token] = p
	return nil
}

// PostSingle records one observation used for both bounds.
func (o *PostedOracle) PostSingle(token string, price *uint256.Int, ts time.Time) error {
	return o.Post(token, price, price, ts)
}

func (o *PostedOracle) GetPrice(token string, preferHigh bool) (*uint256.Int, error) {
	p, ok := o.prices[token]
	if !ok {
		return nil, fmt.Errorf("%w: no observation for %s", ErrStalePrice, token)
	}
	if o.maxAge > 0 && o.now().Sub(p.ts) > o.maxAge {
		return nil, fmt.Errorf("%w: %s observation is %s old", ErrStalePrice, token, o.now().Sub(p.ts))
	}
	if preferHigh {
		return new(uint256.Int).Set(&p.high), nil
	}
	return new(uint256.Int).Set(&p.low), nil
}
