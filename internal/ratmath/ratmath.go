// Package ratmath provides exact rounding primitives over math/big rationals.
//
// Settlement amounts are reproduced with the same integer rounding the
// settlement contract applies, so nothing in this package goes through
// floating point.
package ratmath

import "math/big"

// MulFrac returns the exact rational a * num / den. den must be non-zero.
func MulFrac(a, num, den *big.Int) *big.Rat {
	n := new(big.Int).Mul(a, num)
	return new(big.Rat).SetFrac(n, den)
}

// Floor rounds r towards negative infinity.
func Floor(r *big.Rat) *big.Int {
	// Rat keeps the denominator positive, and Int.Div is Euclidean, so for a
	// positive divisor the quotient is the floor.
	return new(big.Int).Div(r.Num(), r.Denom())
}

// Ceil rounds r towards positive infinity.
func Ceil(r *big.Rat) *big.Int {
	q, m := new(big.Int).DivMod(r.Num(), r.Denom(), new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// RoundHalfEven rounds r to the nearest integer, breaking ties towards the
// even neighbour (banker's rounding).
func RoundHalfEven(r *big.Rat) *big.Int {
	den := r.Denom()
	q, m := new(big.Int).DivMod(r.Num(), den, new(big.Int))

	// 0 <= m < den; compare 2m against den to locate the half point.
	twice := new(big.Int).Lsh(m, 1)
	switch twice.Cmp(den) {
	case 1:
		q.Add(q, big.NewInt(1))
	case 0:
		if q.Bit(0) == 1 {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

// Min returns the smaller of a and b. The result is a fresh value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns the larger of a and b. The result is a fresh value.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
