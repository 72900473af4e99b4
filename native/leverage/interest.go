package leverage

// Compound returns the multiplier applied to principal after compounding rate
// over the interval (lastTimestamp, timestamp].
//
// True exponentiation of (1+rate)^elapsed would need unbounded iteration, so
// the multiplier is a truncated binomial expansion:
//
//	(1+x)^n = 1 + n*x + [n/2*(n-1)]*x^2 + [n/6*(n-1)*(n-2)]*x^3 + ...
//
// cut after the fifth-order term. The accuracy loss is small and bounded at
// the rates and time scales the protocol targets, and the cost is fixed.
func Compound(rate Rate, lastTimestamp, timestamp Timestamp) (Ray, error) {
	result := RayOne()

	elapsed, err := timestamp.Elapsed(lastTimestamp)
	if err != nil {
		return Ray{}, err
	}
	if elapsed == 0 {
		return result, nil
	}

	rateRay := rate.Ray()
	term, err := rateRay.MulScalar(elapsed)
	if err != nil {
		return Ray{}, err
	}
	result, err = result.Add(term)
	if err != nil {
		return Ray{}, err
	}
	for i := uint64(1); i < 5; i++ {
		if elapsed <= i {
			break
		}
		multiplier := elapsed - i

		// term = ray_mul(rate, term * (elapsed - i)) / (i + 1)
		term, err = term.MulScalar(multiplier)
		if err != nil {
			return Ray{}, err
		}
		term, err = rateRay.Mul(term)
		if err != nil {
			return Ray{}, err
		}
		term, err = term.DivScalar(i + 1)
		if err != nil {
			return Ray{}, err
		}
		result, err = result.Add(term)
		if err != nil {
			return Ray{}, err
		}
	}
	return result, nil
}

// utilization is debt / (liquidity + debt) at Ray scale. A pool with no debt
// has zero utilization by definition, which also covers the empty pool.
func utilization(debt, liquidity Amount) (Ray, error) {
	if debt.IsZero() {
		return Ray{}, nil
	}
	denominator, err := liquidity.Ray().Add(debt.Ray())
	if err != nil {
		return Ray{}, err
	}
	return debt.Ray().Div(denominator)
}

// BorrowRate prices the pool's borrow rate from utilization with a two-slope
// curve kinked at optimalUtilization:
//
//	u <  optimal: base + optimalSlope * (u / optimal)
//	u >= optimal: base + optimalSlope + excessSlope * ((u - optimal) / (1 - optimal))
//
// Rates rise gently up to the target utilization and steeply past it, so the
// pool cannot be drained cheaply.
func BorrowRate(debt, liquidity Amount, baseBorrowRate Rate, excessSlope, optimalSlope, optimalUtilization Ray) (Rate, error) {
	u, err := utilization(debt, liquidity)
	if err != nil {
		return Rate{}, err
	}

	var rate Ray
	if diff, err := u.Sub(optimalUtilization); err == nil && !diff.IsZero() {
		// Above the kink: excess slope over the remaining headroom.
		headroom, err := optimalUtilization.Invert()
		if err != nil {
			return Rate{}, err
		}
		excessRatio, err := diff.Div(headroom)
		if err != nil {
			return Rate{}, err
		}
		extra, err := excessSlope.Mul(excessRatio)
		if err != nil {
			return Rate{}, err
		}
		rate, err = baseBorrowRate.Ray().Add(optimalSlope)
		if err != nil {
			return Rate{}, err
		}
		rate, err = rate.Add(extra)
		if err != nil {
			return Rate{}, err
		}
	} else {
		// At or below the kink: optimal slope scaled by proximity.
		ratio, err := u.Div(optimalUtilization)
		if err != nil {
			return Rate{}, err
		}
		scaled, err := optimalSlope.Mul(ratio)
		if err != nil {
			return Rate{}, err
		}
		rate, err = baseBorrowRate.Ray().Add(scaled)
		if err != nil {
			return Rate{}, err
		}
	}
	return rate.AsRate()
}
