package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Unit scales used across all monetary computation.
//
// Value fields (position size, collateral value, PnL, prices) carry an
// implicit scale of 1e30: a price is "value units per token unit", so
// price * tokenAmount lands back on the value scale. Fee rates and the
// borrow index use the smaller Precision scale.
const (
	ValueDecimals = 30
	Precision     = uint64(10_000_000_000) // 1e10: fee rates, borrow index
)

// OneValue is 10^30, the fixed-point representation of 1.0 value unit.
var OneValue = func() *uint256.Int {
	one := uint256.NewInt(10)
	return one.Exp(one, uint256.NewInt(ValueDecimals))
}()

// Signed is a signed fixed-point value: a 256-bit unsigned magnitude plus a
// sign flag. Zero is always non-negative. All operations truncate toward
// zero and panic on magnitude overflow — a wrapped monetary value is a
// solvency corruption, never something to limp past.
type Signed struct {
	neg bool
	mag uint256.Int
}

// NewSigned returns a non-negative Signed with the given magnitude.
func NewSigned(mag *uint256.Int) Signed {
	var s Signed
	s.mag.Set(mag)
	return s
}

// NewSignedNeg returns a Signed with the given magnitude and negative sign.
func NewSignedNeg(mag *uint256.Int) Signed {
	var s Signed
	s.mag.Set(mag)
	s.neg = !s.mag.IsZero()
	return s
}

// SignedFromUint64 returns a non-negative Signed from a plain uint64.
func SignedFromUint64(v uint64) Signed {
	var s Signed
	s.mag.SetUint64(v)
	return s
}

// ZeroSigned returns the zero value.
func ZeroSigned() Signed {
	return Signed{}
}

// IsNeg reports whether the value is strictly negative.
func (s Signed) IsNeg() bool { return s.neg }

// IsZero reports whether the value is zero.
func (s Signed) IsZero() bool { return s.mag.IsZero() }

// Abs returns a copy of the magnitude.
func (s Signed) Abs() *uint256.Int {
	return new(uint256.Int).Set(&s.mag)
}

// Neg returns the value with the sign flipped. Negating zero is zero.
func (s Signed) Neg() Signed {
	if s.mag.IsZero() {
		return Signed{}
	}
	out := s
	out.neg = !s.neg
	return out
}

// Add returns s + o.
func (s Signed) Add(o Signed) Signed {
	var out Signed
	if s.neg == o.neg {
		if _, overflow := out.mag.AddOverflow(&s.mag, &o.mag); overflow {
			panic("FATAL: signed add overflow")
		}
		out.neg = s.neg && !out.mag.IsZero()
		return out
	}
	// Opposite signs: subtract smaller magnitude from larger, keep the
	// larger side's sign.
	switch s.mag.Cmp(&o.mag) {
	case 0:
		return Signed{}
	case 1:
		out.mag.Sub(&s.mag, &o.mag)
		out.neg = s.neg
	default:
		out.mag.Sub(&o.mag, &s.mag)
		out.neg = o.neg
	}
	return out
}

// Sub returns s - o.
func (s Signed) Sub(o Signed) Signed {
	return s.Add(o.Neg())
}

// MulScalar returns s * k for a plain unsigned scalar.
func (s Signed) MulScalar(k *uint256.Int) Signed {
	var out Signed
	if _, overflow := out.mag.MulOverflow(&s.mag, k); overflow {
		panic("FATAL: signed mul overflow")
	}
	out.neg = s.neg && !out.mag.IsZero()
	return out
}

// DivScalar returns s / k, truncated toward zero.
func (s Signed) DivScalar(k *uint256.Int) Signed {
	if k.IsZero() {
		panic("FATAL: signed division by zero")
	}
	var out Signed
	out.mag.Div(&s.mag, k)
	out.neg = s.neg && !out.mag.IsZero()
	return out
}

// Frac returns s * num / den with a 512-bit intermediate, so the
// multiplication never loses precision before the division.
func (s Signed) Frac(num, den *uint256.Int) Signed {
	var out Signed
	out.mag.Set(MulDiv(&s.mag, num, den))
	out.neg = s.neg && !out.mag.IsZero()
	return out
}

// Cmp returns -1, 0, or 1 comparing s against o.
func (s Signed) Cmp(o Signed) int {
	if s.neg != o.neg {
		if s.neg {
			return -1
		}
		return 1
	}
	c := s.mag.Cmp(&o.mag)
	if s.neg {
		return -c
	}
	return c
}

// Unsigned coerces to an unsigned magnitude, failing on negative input.
func (s Signed) Unsigned() (*uint256.Int, error) {
	if s.neg {
		return nil, fmt.Errorf("cannot coerce negative value %s to unsigned", s.String())
	}
	return s.Abs(), nil
}

// UnsignedOrZero coerces to an unsigned magnitude, clamping negatives to
// zero. Only used where the contract explicitly tolerates the clamp
// (e.g. payout floors).
func (s Signed) UnsignedOrZero() *uint256.Int {
	if s.neg {
		return new(uint256.Int)
	}
	return s.Abs()
}

func (s Signed) String() string {
	if s.neg {
		return "-" + s.mag.Dec()
	}
	return s.mag.Dec()
}
