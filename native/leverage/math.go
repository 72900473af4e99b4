package leverage

import "github.com/holiman/uint256"

// The kernel mirrors the scales used throughout the protocol: Factor carries
// basis-point percentages (1e4), Wad carries share ratios (1e9), Ray carries
// rate math (1e18) and Rate stores per-second borrow rates at Ray precision
// shifted by a further 1e9. Wad, Ray and Rate are backed by a 256-bit integer
// but confined to 128 bits so that no checked operation can wrap silently.
var (
	wadOne  = uint256.NewInt(1_000_000_000)
	wadHalf = uint256.NewInt(500_000_000)
	rayOne  = uint256.MustFromDecimal("1000000000000000000")
	rayHalf = uint256.MustFromDecimal("500000000000000000")

	// Rate values are Ray values scaled up by this ratio.
	rateRayRatio = uint256.NewInt(1_000_000_000)

	two = uint256.NewInt(2)
)

const maxValueBits = 128

func fitsBacking(v *uint256.Int) bool {
	return v.BitLen() <= maxValueBits
}

// Timestamp is a non-negative unix timestamp in seconds.
type Timestamp uint64

// Elapsed returns the duration since earlier. A negative duration is an
// accounting fault, not a recoverable condition.
func (t Timestamp) Elapsed(earlier Timestamp) (uint64, error) {
	if t < earlier {
		return 0, arithErrf("negative elapsed time: %d before %d", t, earlier)
	}
	return uint64(t - earlier), nil
}

// Amount is a token quantity in native units of a single asset.
type Amount uint64

func (a Amount) Add(b Amount) (Amount, error) {
	sum := a + b
	if sum < a {
		return 0, arithErrf("amount add overflow: %d + %d", a, b)
	}
	return sum, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, arithErrf("amount sub underflow: %d - %d", a, b)
	}
	return a - b, nil
}

func (a Amount) Div(b Amount) (Amount, error) {
	if b == 0 {
		return 0, arithErrf("amount division by zero")
	}
	return a / b, nil
}

func (a Amount) IsZero() bool { return a == 0 }

// Wad reinterprets the raw quantity at Wad scale. This is the identity on the
// backing integer; scale bookkeeping is the caller's concern, exactly as in
// the share and rate formulas below.
func (a Amount) Wad() Wad {
	var w Wad
	w.v.SetUint64(uint64(a))
	return w
}

// Ray reinterprets the raw quantity at Ray scale.
func (a Amount) Ray() Ray {
	var r Ray
	r.v.SetUint64(uint64(a))
	return r
}

func minAmount(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Factor is a percentage-like ratio at 1e4 scale: one unit is 0.01%. Values
// above FactorOne are valid where a ratio may exceed 1.0 (leverage factors).
type Factor uint64

const (
	FactorOne  Factor = 10_000
	factorHalf Factor = 5_000
)

func (f Factor) Add(other Factor) (Factor, error) {
	sum := f + other
	if sum < f {
		return 0, arithErrf("factor add overflow")
	}
	return sum, nil
}

func (f Factor) Sub(other Factor) (Factor, error) {
	if other > f {
		return 0, arithErrf("factor sub underflow: %d - %d", f, other)
	}
	return f - other, nil
}

func (f Factor) Mul(other Factor) (Factor, error) {
	if f == 0 || other == 0 {
		return 0, nil
	}
	product := f * other
	if product/f != other {
		return 0, arithErrf("factor mul overflow: %d * %d", f, other)
	}
	return product, nil
}

func (f Factor) Div(other Factor) (Factor, error) {
	if other == 0 {
		return 0, arithErrf("factor division by zero")
	}
	return f / other, nil
}

// Invert returns ONE - f. Factors above ONE cannot be inverted.
func (f Factor) Invert() (Factor, error) {
	return FactorOne.Sub(f)
}

// PercentageMul applies the factor to v with round-half-up semantics:
// (v*f + ONE/2) / ONE.
func (f Factor) PercentageMul(v uint64) (uint64, error) {
	product := new(uint256.Int).Mul(uint256.NewInt(v), uint256.NewInt(uint64(f)))
	product.Add(product, uint256.NewInt(uint64(factorHalf)))
	product.Div(product, uint256.NewInt(uint64(FactorOne)))
	if !product.IsUint64() {
		return 0, arithErrf("percentage mul overflow: %d%% of %d", f, v)
	}
	return product.Uint64(), nil
}

// PercentageMulRate scales a stored rate by the factor, round-half-up.
func (f Factor) PercentageMulRate(r Rate) (Rate, error) {
	product := new(uint256.Int).Mul(&r.v, uint256.NewInt(uint64(f)))
	product.Add(product, uint256.NewInt(uint64(factorHalf)))
	product.Div(product, uint256.NewInt(uint64(FactorOne)))
	if !fitsBacking(product) {
		return Rate{}, arithErrf("percentage mul rate overflow")
	}
	var out Rate
	out.v.Set(product)
	return out, nil
}

// Wad is a fixed-point value at 1e9 scale used for share ratios.
type Wad struct{ v uint256.Int }

func WadOne() Wad {
	var w Wad
	w.v.Set(wadOne)
	return w
}

func (w Wad) IsZero() bool { return w.v.IsZero() }

// Mul is the scale-preserving product (a*b + HALF) / ONE.
func (w Wad) Mul(other Wad) (Wad, error) {
	product := new(uint256.Int).Mul(&w.v, &other.v)
	product.Add(product, wadHalf)
	product.Div(product, wadOne)
	if !fitsBacking(product) {
		return Wad{}, arithErrf("wad mul overflow")
	}
	var out Wad
	out.v.Set(product)
	return out, nil
}

// Div is the scale-preserving quotient (a*ONE + b/2) / b.
func (w Wad) Div(other Wad) (Wad, error) {
	if other.v.IsZero() {
		return Wad{}, arithErrf("wad division by zero")
	}
	numerator := new(uint256.Int).Mul(&w.v, wadOne)
	half := new(uint256.Int).Div(&other.v, two)
	numerator.Add(numerator, half)
	numerator.Div(numerator, &other.v)
	if !fitsBacking(numerator) {
		return Wad{}, arithErrf("wad div overflow")
	}
	var out Wad
	out.v.Set(numerator)
	return out, nil
}

// Ray lifts the value to Ray scale, an exact scaling by 1e9.
func (w Wad) Ray() (Ray, error) {
	scaled := new(uint256.Int).Mul(&w.v, rateRayRatio)
	if !fitsBacking(scaled) {
		return Ray{}, arithErrf("wad to ray overflow")
	}
	var out Ray
	out.v.Set(scaled)
	return out, nil
}

// Amount reinterprets the backing integer as a token amount; fails when the
// value does not fit the native 64-bit range.
func (w Wad) Amount() (Amount, error) {
	if !w.v.IsUint64() {
		return 0, arithErrf("wad does not fit token amount")
	}
	return Amount(w.v.Uint64()), nil
}

// Ray is a fixed-point value at 1e18 scale used for interest math.
type Ray struct{ v uint256.Int }

func RayOne() Ray {
	var r Ray
	r.v.Set(rayOne)
	return r
}

func (r Ray) IsZero() bool { return r.v.IsZero() }

func (r Ray) Cmp(other Ray) int { return r.v.Cmp(&other.v) }

func (r Ray) Add(other Ray) (Ray, error) {
	sum := new(uint256.Int).Add(&r.v, &other.v)
	if !fitsBacking(sum) {
		return Ray{}, arithErrf("ray add overflow")
	}
	var out Ray
	out.v.Set(sum)
	return out, nil
}

func (r Ray) Sub(other Ray) (Ray, error) {
	if other.v.Gt(&r.v) {
		return Ray{}, arithErrf("ray sub underflow")
	}
	var out Ray
	out.v.Sub(&r.v, &other.v)
	return out, nil
}

// Mul is the scale-preserving product (a*b + HALF) / ONE.
func (r Ray) Mul(other Ray) (Ray, error) {
	product := new(uint256.Int).Mul(&r.v, &other.v)
	product.Add(product, rayHalf)
	product.Div(product, rayOne)
	if !fitsBacking(product) {
		return Ray{}, arithErrf("ray mul overflow")
	}
	var out Ray
	out.v.Set(product)
	return out, nil
}

// Div is the scale-preserving quotient (a*ONE + b/2) / b.
func (r Ray) Div(other Ray) (Ray, error) {
	if other.v.IsZero() {
		return Ray{}, arithErrf("ray division by zero")
	}
	numerator := new(uint256.Int).Mul(&r.v, rayOne)
	half := new(uint256.Int).Div(&other.v, two)
	numerator.Add(numerator, half)
	numerator.Div(numerator, &other.v)
	if !fitsBacking(numerator) {
		return Ray{}, arithErrf("ray div overflow")
	}
	var out Ray
	out.v.Set(numerator)
	return out, nil
}

// MulScalar multiplies the backing integer by a plain scalar, leaving the
// scale untouched.
func (r Ray) MulScalar(n uint64) (Ray, error) {
	product := new(uint256.Int).Mul(&r.v, uint256.NewInt(n))
	if !fitsBacking(product) {
		return Ray{}, arithErrf("ray scalar mul overflow")
	}
	var out Ray
	out.v.Set(product)
	return out, nil
}

// DivScalar divides the backing integer by a plain scalar, truncating.
func (r Ray) DivScalar(n uint64) (Ray, error) {
	if n == 0 {
		return Ray{}, arithErrf("ray scalar division by zero")
	}
	var out Ray
	out.v.Div(&r.v, uint256.NewInt(n))
	return out, nil
}

// Invert returns ONE - r; ratios above ONE cannot be inverted.
func (r Ray) Invert() (Ray, error) {
	if r.v.Gt(rayOne) {
		return Ray{}, arithErrf("ray invert underflow")
	}
	var out Ray
	out.v.Sub(rayOne, &r.v)
	return out, nil
}

// Amount reinterprets the backing integer as a token amount; fails when the
// value does not fit the native 64-bit range.
func (r Ray) Amount() (Amount, error) {
	if !r.v.IsUint64() {
		return 0, arithErrf("ray does not fit token amount")
	}
	return Amount(r.v.Uint64()), nil
}

// AsRate lifts the Ray value to the stored rate scale, an exact scaling.
func (r Ray) AsRate() (Rate, error) {
	scaled := new(uint256.Int).Mul(&r.v, rateRayRatio)
	if !fitsBacking(scaled) {
		return Rate{}, arithErrf("ray to rate overflow")
	}
	var out Rate
	out.v.Set(scaled)
	return out, nil
}

// Rate is a stored per-second borrow rate: a Ray value scaled up by 1e9.
type Rate struct{ v uint256.Int }

func (r Rate) IsZero() bool { return r.v.IsZero() }

// Ray drops the extra 1e9 of precision. The truncation is deliberate: stored
// rates carry more precision than the working Ray scale needs.
func (r Rate) Ray() Ray {
	var out Ray
	out.v.Div(&r.v, rateRayRatio)
	return out
}

// Uint256 returns a copy of the backing integer for persistence layers.
func (r Rate) Uint256() *uint256.Int {
	return new(uint256.Int).Set(&r.v)
}

// RateFromUint256 restores a stored rate, rejecting values outside the
// 128-bit working range.
func RateFromUint256(v *uint256.Int) (Rate, error) {
	if v == nil {
		return Rate{}, nil
	}
	if !fitsBacking(v) {
		return Rate{}, arithErrf("rate out of range")
	}
	var out Rate
	out.v.Set(v)
	return out, nil
}

// MintAmount prices a liquidity deposit in receipt tokens using the current
// supply/liquidity index; the first deposit is priced 1:1.
func MintAmount(amount, totalSupply, totalLiquidity Amount) (Amount, error) {
	index := WadOne()
	if !totalSupply.IsZero() && !totalLiquidity.IsZero() {
		var err error
		index, err = totalSupply.Wad().Div(totalLiquidity.Wad())
		if err != nil {
			return 0, err
		}
	}
	minted, err := amount.Wad().Mul(index)
	if err != nil {
		return 0, err
	}
	return minted.Amount()
}

// CalculateShare converts a receipt-token portion into the slice of total
// liquidity it redeems: (portion/total) * totalLiquidity.
func CalculateShare(portion, total, totalLiquidity Amount) (Amount, error) {
	share := Wad{}
	if !total.IsZero() {
		var err error
		share, err = portion.Wad().Div(total.Wad())
		if err != nil {
			return 0, err
		}
	}
	out, err := share.Mul(totalLiquidity.Wad())
	if err != nil {
		return 0, err
	}
	return out.Amount()
}
