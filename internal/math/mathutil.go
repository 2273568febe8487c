package math

import (
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

// Pooled big.Int for 512-bit intermediates in MulDiv.
var int512Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt512() *big.Int {
	return int512Pool.Get().(*big.Int)
}

func putInt512(v *big.Int) {
	v.SetInt64(0)
	int512Pool.Put(v)
}

// MulDiv computes a * b / den over 256-bit operands using a 512-bit
// intermediate product, truncating toward zero. Multiplications happen
// before divisions everywhere in the ledger to preserve precision; this is
// the primitive that makes that safe. Panics on den == 0 and when the
// final quotient does not fit 256 bits.
func MulDiv(a, b, den *uint256.Int) *uint256.Int {
	if den.IsZero() {
		panic("FATAL: MulDiv division by zero")
	}

	prod := getInt512()
	q := getInt512()

	prod.Mul(a.ToBig(), b.ToBig())
	q.Quo(prod, den.ToBig())

	out, overflow := uint256.FromBig(q)
	putInt512(prod)
	putInt512(q)

	if overflow {
		panic("FATAL: MulDiv result overflow")
	}
	return out
}

// Diff returns |a - b|.
func Diff(a, b *uint256.Int) *uint256.Int {
	out := new(uint256.Int)
	if a.Cmp(b) >= 0 {
		return out.Sub(a, b)
	}
	return out.Sub(b, a)
}

// MinUint returns the smaller of a and b.
func MinUint(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// AddUint returns a + b, panicking on overflow.
func AddUint(a, b *uint256.Int) *uint256.Int {
	out := new(uint256.Int)
	if _, overflow := out.AddOverflow(a, b); overflow {
		panic("FATAL: unsigned add overflow")
	}
	return out
}

// SubUint returns a - b, panicking on underflow. Magnitudes in the asset
// tables only shrink through validated releases, so an underflow here is
// an accounting defect.
func SubUint(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) < 0 {
		panic("FATAL: unsigned sub underflow")
	}
	return new(uint256.Int).Sub(a, b)
}

// SubUintCap returns max(a - b, 0).
func SubUintCap(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) < 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// ApplyRate returns amount * rate / Precision.
func ApplyRate(amount *uint256.Int, rate uint64) *uint256.Int {
	return MulDiv(amount, uint256.NewInt(rate), uint256.NewInt(Precision))
}
