package leverage

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestCompoundIdentity(t *testing.T) {
	rate := rateFromUint64(t, 1_000_000_000_000_000_000)

	// No time elapsed means no interest.
	result, err := Compound(rate, 100, 100)
	if err != nil {
		t.Fatalf("compound: %v", err)
	}
	if result.Cmp(RayOne()) != 0 {
		t.Fatalf("zero elapsed: got %v", result)
	}

	// Zero rate means no interest at any horizon.
	result, err = Compound(Rate{}, 0, 1_000_000)
	if err != nil {
		t.Fatalf("compound: %v", err)
	}
	if result.Cmp(RayOne()) != 0 {
		t.Fatalf("zero rate: got %v", result)
	}
}

func TestCompoundExactCubic(t *testing.T) {
	// A rate of 0.001 per second over three seconds hits the binomial
	// expansion exactly: 1 + 3x + 3x^2 + x^3.
	rate, err := RateFromUint256(uint256.MustFromDecimal("1000000000000000000000000"))
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	result, err := Compound(rate, 0, 3)
	if err != nil {
		t.Fatalf("compound: %v", err)
	}
	want := uint256.MustFromDecimal("1003003001000000000")
	if result.v.Cmp(want) != 0 {
		t.Fatalf("compound = %s, want %s", result.v.Dec(), want.Dec())
	}
}

func TestCompoundMonotonicInTime(t *testing.T) {
	rate, err := RateFromUint256(uint256.MustFromDecimal("1000000000000000000000000"))
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	previous := Ray{}
	for _, elapsed := range []Timestamp{1, 2, 5, 10, 100, 10_000} {
		result, err := Compound(rate, 0, elapsed)
		if err != nil {
			t.Fatalf("compound at %d: %v", elapsed, err)
		}
		if result.Cmp(previous) <= 0 {
			t.Fatalf("compound not increasing at %d", elapsed)
		}
		previous = result
	}
}

func TestCompoundNegativeElapsed(t *testing.T) {
	if _, err := Compound(Rate{}, 10, 5); err == nil {
		t.Fatal("expected error for reversed interval")
	}
}

func TestUtilization(t *testing.T) {
	u, err := utilization(0, 1_000)
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	if !u.IsZero() {
		t.Fatalf("zero debt utilization = %v", u)
	}

	// Empty pool also reads as zero rather than dividing by zero.
	u, err = utilization(0, 0)
	if err != nil || !u.IsZero() {
		t.Fatalf("empty pool utilization = %v, %v", u, err)
	}

	u, err = utilization(800, 200)
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	want := uint256.MustFromDecimal("800000000000000000")
	if u.v.Cmp(want) != 0 {
		t.Fatalf("utilization = %s, want %s", u.v.Dec(), want.Dec())
	}
}

func borrowCurveParams(t *testing.T) (Rate, Ray, Ray, Ray) {
	t.Helper()
	base := rateFromUint64(t, 0)
	var excessSlope, optimalSlope, optimal Ray
	excessSlope.v.Set(uint256.MustFromDecimal("1000000000000000000"))  // 100%
	optimalSlope.v.Set(uint256.MustFromDecimal("40000000000000000"))   // 4%
	optimal.v.Set(uint256.MustFromDecimal("800000000000000000"))       // 80%
	return base, excessSlope, optimalSlope, optimal
}

func TestBorrowRateBelowKink(t *testing.T) {
	base, excessSlope, optimalSlope, optimal := borrowCurveParams(t)

	// Utilization 40% is half the optimal, so the rate is half the slope.
	rate, err := BorrowRate(400, 600, base, excessSlope, optimalSlope, optimal)
	if err != nil {
		t.Fatalf("borrow rate: %v", err)
	}
	want := uint256.MustFromDecimal("20000000000000000000000000") // 2% as a stored rate
	if rate.Uint256().Cmp(want) != 0 {
		t.Fatalf("rate = %s, want %s", rate.Uint256().Dec(), want.Dec())
	}

	// Zero debt sits at the curve base.
	rate, err = BorrowRate(0, 1_000, base, excessSlope, optimalSlope, optimal)
	if err != nil {
		t.Fatalf("borrow rate: %v", err)
	}
	if !rate.IsZero() {
		t.Fatalf("zero utilization rate = %s", rate.Uint256().Dec())
	}
}

func TestBorrowRateAtKink(t *testing.T) {
	base, excessSlope, optimalSlope, optimal := borrowCurveParams(t)

	// Exactly at the kink the excess branch must not fire; the rate is the
	// full optimal slope with no excess contribution.
	rate, err := BorrowRate(800, 200, base, excessSlope, optimalSlope, optimal)
	if err != nil {
		t.Fatalf("borrow rate: %v", err)
	}
	want := uint256.MustFromDecimal("40000000000000000000000000") // 4%
	if rate.Uint256().Cmp(want) != 0 {
		t.Fatalf("rate = %s, want %s", rate.Uint256().Dec(), want.Dec())
	}
}

func TestBorrowRateAboveKink(t *testing.T) {
	base, excessSlope, optimalSlope, optimal := borrowCurveParams(t)

	// Utilization 90% is halfway through the excess band: optimal slope plus
	// half the excess slope.
	rate, err := BorrowRate(900, 100, base, excessSlope, optimalSlope, optimal)
	if err != nil {
		t.Fatalf("borrow rate: %v", err)
	}
	want := uint256.MustFromDecimal("540000000000000000000000000") // 4% + 50%
	if rate.Uint256().Cmp(want) != 0 {
		t.Fatalf("rate = %s, want %s", rate.Uint256().Dec(), want.Dec())
	}
}
