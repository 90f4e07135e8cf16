package math

import (
	"fmt"
	"math/big"
)

// Zero returns a fresh zero value. Callers own the result.
func Zero() *big.Int {
	return new(big.Int)
}

// Copy returns an independent copy of v; nil copies to zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Add returns a + b without mutating either operand.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(Copy(a), Copy(b))
}

// SubClamped returns max(a - b, 0).
func SubClamped(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(Copy(a), Copy(b))
	if out.Sign() < 0 {
		return out.SetInt64(0)
	}
	return out
}

// ClampNonNegative returns max(v, 0) as a new value.
func ClampNonNegative(v *big.Int) *big.Int {
	out := Copy(v)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// DivEven splits amount evenly over n parts using truncating division.
// The remainder is dropped.
func DivEven(amount *big.Int, n int) *big.Int {
	if n <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(Copy(amount), big.NewInt(int64(n)))
}

// Sum adds every entry of a vector. Nil entries count as zero.
func Sum(vector []*big.Int) *big.Int {
	total := new(big.Int)
	for _, v := range vector {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// ZeroVector returns n independent zero values.
func ZeroVector(n int) []*big.Int {
	if n < 0 {
		n = 0
	}
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = new(big.Int)
	}
	return out
}

// ResizeVector copies v into a vector of exactly n entries, padding with
// zeros or truncating.
func ResizeVector(v []*big.Int, n int) []*big.Int {
	out := ZeroVector(n)
	for i := 0; i < n && i < len(v); i++ {
		out[i] = Copy(v[i])
	}
	return out
}

// CopyVector deep-copies a vector.
func CopyVector(v []*big.Int) []*big.Int {
	if v == nil {
		return nil
	}
	return ResizeVector(v, len(v))
}

// Ratio converts num/den to float64. A zero denominator yields 0.
// This is the only place share quantities become floating point.
func Ratio(num, den *big.Int) float64 {
	if den == nil || den.Sign() == 0 || num == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(num, den).Float64()
	return f
}

// ParseAmount parses a base-10 unsigned integer string.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative integer %q", s)
	}
	return v, nil
}

// ParseAmounts parses a vector of base-10 unsigned integer strings.
func ParseAmounts(values []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(values))
	for i, s := range values {
		v, err := ParseAmount(s)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// FormatAmounts renders a vector as base-10 strings.
func FormatAmounts(values []*big.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Copy(v).String()
	}
	return out
}
