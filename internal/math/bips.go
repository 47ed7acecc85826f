package math

import (
	"math/big"
	"sync"
)

// MaxBIPS is the denominator of every ratio, factor and fee expressed in BIPS.
const MaxBIPS = 10_000

// RoundingMode selects how a truncated quotient is corrected.
type RoundingMode int

const (
	RoundDown     RoundingMode = iota // toward zero
	RoundUp                           // away from zero when there is a remainder
	RoundHalfEven                     // banker's rounding
)

var (
	bigZero    = big.NewInt(0)
	bigOne     = big.NewInt(1)
	bigMaxBIPS = big.NewInt(MaxBIPS)

	// MaxUint256 stands in for an unbounded ratio (nothing backed).
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// scratch big.Ints for intermediate products
var scratchPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getScratch() *big.Int {
	return scratchPool.Get().(*big.Int)
}

func putScratch(v *big.Int) {
	v.SetInt64(0)
	scratchPool.Put(v)
}

// Div returns numerator / denominator rounded with mode.
// Panics on a zero denominator, like big.Int.
func Div(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getScratch()
	defer putScratch(remainder)

	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	sameSign := numerator.Sign() == denominator.Sign()

	switch mode {
	case RoundUp:
		if sameSign {
			quotient.Add(quotient, bigOne)
		} else {
			quotient.Sub(quotient, bigOne)
		}
	case RoundHalfEven:
		twice := getScratch()
		defer putScratch(twice)
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		absDen := getScratch()
		defer putScratch(absDen)
		absDen.Abs(denominator)

		cmp := twice.Cmp(absDen)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			if sameSign {
				quotient.Add(quotient, bigOne)
			} else {
				quotient.Sub(quotient, bigOne)
			}
		}
	}
	return quotient
}

// MulDiv returns a * b / c rounded with mode, without intermediate overflow.
func MulDiv(a, b, c *big.Int, mode RoundingMode) *big.Int {
	product := getScratch()
	defer putScratch(product)
	product.Mul(a, b)
	return Div(product, c, mode)
}

// MulBIPS returns value * bips / 10000.
func MulBIPS(value *big.Int, bips uint64, mode RoundingMode) *big.Int {
	return MulDiv(value, new(big.Int).SetUint64(bips), bigMaxBIPS, mode)
}

// RatioBIPS returns numerator * 10000 / denominator rounded down.
// A zero denominator yields MaxUint256.
func RatioBIPS(numerator, denominator *big.Int) *big.Int {
	if denominator.Sign() == 0 {
		return new(big.Int).Set(MaxUint256)
	}
	return MulDiv(numerator, bigMaxBIPS, denominator, RoundDown)
}

// RoundUpToMultiple rounds amount up to the next multiple of precision.
func RoundUpToMultiple(amount, precision *big.Int) *big.Int {
	if precision.Sign() <= 0 {
		return new(big.Int).Set(amount)
	}
	rem := new(big.Int).Mod(amount, precision)
	if rem.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	out := new(big.Int).Add(amount, precision)
	return out.Sub(out, rem)
}

// Isqrt returns floor(sqrt(n)); negative inputs give zero.
func Isqrt(n *big.Int) *big.Int {
	if n.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sqrt(n)
}

// Pow10 returns 10^exp.
func Pow10(exp int) *big.Int {
	if exp < 0 {
		return new(big.Int)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// Min returns a copy of the smaller value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns a copy of the larger value.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Clone copies v, mapping nil to zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Sum adds all values.
func Sum(values ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, v := range values {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// NonNegative clamps v at zero.
func NonNegative(v *big.Int) *big.Int {
	if v.Cmp(bigZero) < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Parse decodes a base-10 (or 0x-prefixed hex) integer string.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return new(big.Int), true
	}
	return new(big.Int).SetString(s, 0)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("math: invalid integer " + s)
	}
	return v
}
