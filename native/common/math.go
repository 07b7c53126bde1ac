package common

import "math/big"

var (
	// Ray is the fixed-point unit used for exchange rates, ratios and
	// prices. A value of 1e27 represents 1.0.
	Ray     = mustBigInt("1000000000000000000000000000")
	halfRay = new(big.Int).Rsh(Ray, 1)

	// MaxBalance is the ceiling for every balance and pool amount.
	// Saturating operations clamp here instead of overflowing.
	MaxBalance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// RayMul multiplies a plain amount by a ray-scaled factor with half-up
// rounding.
func RayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, Ray)
	return product
}

// RayDiv divides a by b and returns the ray-scaled quotient with half-up
// rounding. A zero divisor yields zero.
func RayDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Ray)
	numerator.Add(numerator, HalfUp(b))
	numerator.Quo(numerator, b)
	return numerator
}

// RayMulSat is RayMul clamped at MaxBalance. The second return reports
// whether clamping occurred.
func RayMulSat(a, b *big.Int) (*big.Int, bool) {
	result := RayMul(a, b)
	if result.Cmp(MaxBalance) > 0 {
		return new(big.Int).Set(MaxBalance), true
	}
	return result, false
}

// SatAdd returns a+b clamped at MaxBalance. The second return reports
// whether clamping occurred.
func SatAdd(a, b *big.Int) (*big.Int, bool) {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	sum := new(big.Int).Add(a, b)
	if sum.Cmp(MaxBalance) > 0 {
		return new(big.Int).Set(MaxBalance), true
	}
	return sum, false
}

// SatSub returns a-b floored at zero.
func SatSub(a, b *big.Int) *big.Int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	diff := new(big.Int).Sub(a, b)
	if diff.Sign() < 0 {
		return big.NewInt(0)
	}
	return diff
}

// Min returns the smaller of a and b as a fresh value.
func Min(a, b *big.Int) *big.Int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// HalfUp returns ceil(x/2) for positive x, used for half-up rounding of
// quotients.
func HalfUp(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	if x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}
