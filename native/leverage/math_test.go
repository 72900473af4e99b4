package leverage

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
)

func rateFromUint64(t *testing.T, v uint64) Rate {
	t.Helper()
	rate, err := RateFromUint256(uint256.NewInt(v))
	if err != nil {
		t.Fatalf("rate from %d: %v", v, err)
	}
	return rate
}

func TestPercentageMulRoundsHalfUp(t *testing.T) {
	cases := []struct {
		factor Factor
		value  uint64
		want   uint64
	}{
		{FactorOne, 1_000, 1_000},
		{5_000, 1_000, 500},
		{5_000, 1, 1},      // 0.5 rounds up
		{3_333, 3, 1},      // 0.9999 rounds up
		{1, 4_999, 0},      // 0.4999 rounds down
		{1, 5_000, 1},      // exactly half rounds up
		{20_000, 1_000, 2_000},
	}
	for _, tc := range cases {
		got, err := tc.factor.PercentageMul(tc.value)
		if err != nil {
			t.Fatalf("PercentageMul(%d, %d): %v", tc.factor, tc.value, err)
		}
		if got != tc.want {
			t.Fatalf("PercentageMul(%d, %d) = %d, want %d", tc.factor, tc.value, got, tc.want)
		}
	}
}

func wadFromUint64(v uint64) Wad {
	var w Wad
	w.v.SetUint64(v)
	return w
}

// roundHalfUp evaluates num/den as an exact rational and rounds half up.
func roundHalfUp(t *testing.T, num, den *big.Int) uint64 {
	t.Helper()
	exact := new(big.Rat).SetFrac(num, den)
	exact.Add(exact, big.NewRat(1, 2))
	rounded := new(big.Int).Quo(exact.Num(), exact.Denom())
	if !rounded.IsUint64() {
		t.Fatalf("rounded value out of range: %s", rounded)
	}
	return rounded.Uint64()
}

func TestRoundingLawMatchesRationals(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	wadScale := new(big.Int).SetUint64(1_000_000_000)
	factorScale := new(big.Int).SetUint64(uint64(FactorOne))

	for i := 0; i < 1_000; i++ {
		a := uint64(rng.Int63n(1_000_000_000_000))
		b := uint64(rng.Int63n(1_000_000_000_000)) + 1
		product, err := wadFromUint64(a).Mul(wadFromUint64(b))
		if err != nil {
			t.Fatalf("mul %d * %d: %v", a, b, err)
		}
		got, err := product.Amount()
		if err != nil {
			t.Fatalf("mul result: %v", err)
		}
		want := roundHalfUp(t, new(big.Int).Mul(
			new(big.Int).SetUint64(a), new(big.Int).SetUint64(b)), wadScale)
		if uint64(got) != want {
			t.Fatalf("wad mul %d * %d = %d, want %d", a, b, got, want)
		}

		num := uint64(rng.Int63n(1_000_000_000))
		den := uint64(rng.Int63n(1_000_000_000_000)) + 1
		quotient, err := wadFromUint64(num).Div(wadFromUint64(den))
		if err != nil {
			t.Fatalf("div %d / %d: %v", num, den, err)
		}
		got, err = quotient.Amount()
		if err != nil {
			t.Fatalf("div result: %v", err)
		}
		want = roundHalfUp(t, new(big.Int).Mul(
			new(big.Int).SetUint64(num), wadScale), new(big.Int).SetUint64(den))
		if uint64(got) != want {
			t.Fatalf("wad div %d / %d = %d, want %d", num, den, got, want)
		}

		factor := Factor(rng.Int63n(int64(3*FactorOne)) + 1)
		value := uint64(rng.Int63n(1_000_000_000_000_000))
		scaled, err := factor.PercentageMul(value)
		if err != nil {
			t.Fatalf("percentage %d of %d: %v", factor, value, err)
		}
		want = roundHalfUp(t, new(big.Int).Mul(
			new(big.Int).SetUint64(uint64(factor)), new(big.Int).SetUint64(value)), factorScale)
		if scaled != want {
			t.Fatalf("percentage mul %d of %d = %d, want %d", factor, value, scaled, want)
		}
	}
}

func TestRayMulDivRounding(t *testing.T) {
	a := RayOne()
	b, err := a.DivScalar(3)
	if err != nil {
		t.Fatalf("div scalar: %v", err)
	}
	product, err := b.MulScalar(3)
	if err != nil {
		t.Fatalf("mul scalar: %v", err)
	}
	// 333...3 * 3 = 999...9, one off from ONE because the scalar ops do not
	// carry the half correction.
	diff, err := RayOne().Sub(product)
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if got, _ := diff.Amount(); got != 1 {
		t.Fatalf("expected drift of 1, got %d", got)
	}

	// The scale-preserving Mul does carry it: (ONE/2) * 2 == ONE exactly.
	half, err := RayOne().DivScalar(2)
	if err != nil {
		t.Fatalf("half: %v", err)
	}
	twoRay, err := RayOne().MulScalar(2)
	if err != nil {
		t.Fatalf("two: %v", err)
	}
	back, err := half.Mul(twoRay)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	if back.Cmp(RayOne()) != 0 {
		t.Fatalf("half * two != one")
	}
}

func TestAmountArithmetic(t *testing.T) {
	if _, err := Amount(^uint64(0)).Add(1); !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if _, err := Amount(1).Sub(2); !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected underflow error, got %v", err)
	}
	if _, err := Amount(1).Div(0); !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected division by zero error, got %v", err)
	}
	sum, err := Amount(40).Add(2)
	if err != nil || sum != 42 {
		t.Fatalf("Add = %d, %v", sum, err)
	}
}

func TestFactorInvert(t *testing.T) {
	inverted, err := Factor(2_500).Invert()
	if err != nil {
		t.Fatalf("invert: %v", err)
	}
	if inverted != 7_500 {
		t.Fatalf("invert(25%%) = %d, want 7500", inverted)
	}
	if _, err := Factor(10_001).Invert(); !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected invert failure above one, got %v", err)
	}
}

func TestAmountConversionsAreRaw(t *testing.T) {
	// Amount to Wad and Ray reinterpret the integer without scaling.
	a := Amount(123_456)
	if got, err := a.Wad().Amount(); err != nil || got != a {
		t.Fatalf("wad round trip = %d, %v", got, err)
	}
	if got, err := a.Ray().Amount(); err != nil || got != a {
		t.Fatalf("ray round trip = %d, %v", got, err)
	}
}

func TestRateRayTruncates(t *testing.T) {
	// One unit short of an exact Ray multiple must truncate, not round.
	raw := new(uint256.Int).Mul(uint256.NewInt(7), rateRayRatio)
	raw.Sub(raw, uint256.NewInt(1))
	rate, err := RateFromUint256(raw)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if got, _ := rate.Ray().Amount(); got != 6 {
		t.Fatalf("Rate.Ray truncation = %d, want 6", got)
	}
}

func TestWadRayLiftChecksRange(t *testing.T) {
	var w Wad
	w.v.SetAllOne()
	if _, err := w.Ray(); !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected range error, got %v", err)
	}
}

func TestMintAmount(t *testing.T) {
	// First deposit prices one to one.
	minted, err := MintAmount(1_000, 0, 0)
	if err != nil || minted != 1_000 {
		t.Fatalf("first deposit = %d, %v", minted, err)
	}
	// With supply 500 against liquidity 1000 the index halves the mint.
	minted, err = MintAmount(1_000, 500, 1_000)
	if err != nil || minted != 500 {
		t.Fatalf("indexed deposit = %d, %v", minted, err)
	}
}

func TestCalculateShare(t *testing.T) {
	share, err := CalculateShare(250, 1_000, 2_000)
	if err != nil || share != 500 {
		t.Fatalf("share = %d, %v", share, err)
	}
	// Zero total yields zero share.
	share, err = CalculateShare(250, 0, 2_000)
	if err != nil || share != 0 {
		t.Fatalf("zero total share = %d, %v", share, err)
	}
}

func TestTimestampElapsed(t *testing.T) {
	elapsed, err := Timestamp(100).Elapsed(40)
	if err != nil || elapsed != 60 {
		t.Fatalf("elapsed = %d, %v", elapsed, err)
	}
	if _, err := Timestamp(40).Elapsed(100); !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected negative elapsed error, got %v", err)
	}
}
