package leverage

// UpdateState accrues the treasury's cut of interest earned since the last
// checkpoint and stamps the checkpoint forward. Must run before any operation
// that changes the pool's debt or liquidity.
func (r *Reserve) UpdateState(gov *Governance, totalDebt Amount, timestamp Timestamp) error {
	accrued, err := r.liquidityFeeAccrued(gov, totalDebt)
	if err != nil {
		return err
	}
	r.State.TreasureAccrued = accrued
	r.State.TreasurerUpdate = timestamp
	return nil
}

// liquidityFeeAccrued computes the treasury balance after taking the treasure
// factor's share of debt growth since the last treasury checkpoint. The
// previous debt is the pool principal projected to the checkpoint time, so
// only interest accrued after the checkpoint is charged.
func (r *Reserve) liquidityFeeAccrued(gov *Governance, currentDebt Amount) (Amount, error) {
	var fee Amount
	if !currentDebt.IsZero() {
		previousDebt, err := r.Debt.ProjectTotal(r.State.TreasurerUpdate)
		if err != nil {
			return 0, err
		}
		debtAccrued, err := currentDebt.Sub(previousDebt)
		if err != nil {
			return 0, err
		}
		factor, err := gov.TreasureFactorValue()
		if err != nil {
			return 0, err
		}
		raw, err := factor.PercentageMul(uint64(debtAccrued))
		if err != nil {
			return 0, err
		}
		fee = Amount(raw)
	}
	return r.State.TreasureAccrued.Add(fee)
}

// TotalLiquidity is the value owned by depositors: idle liquidity plus
// outstanding debt, net of the treasury's accrued cut.
func (r *Reserve) TotalLiquidity(totalDebt, liquidity Amount) (Amount, error) {
	sum, err := totalDebt.Add(liquidity)
	if err != nil {
		return 0, err
	}
	return sum.Sub(r.State.TreasureAccrued)
}

// RefreshBorrowRate reprices the pool rate from the balances an operation is
// about to leave behind. Deltas are passed separately because the vault
// balances read at the top of an operation do not yet reflect its transfers.
func (r *Reserve) RefreshBorrowRate(
	gov *Governance,
	liquidity, liquidityAdded, liquidityRemoved Amount,
	totalDebt, debtAdded, debtRemoved Amount,
) error {
	debt, err := totalDebt.Add(debtAdded)
	if err != nil {
		return err
	}
	debt, err = debt.Sub(debtRemoved)
	if err != nil {
		return err
	}

	liq, err := liquidity.Add(liquidityAdded)
	if err != nil {
		return err
	}
	liq, err = liq.Sub(liquidityRemoved)
	if err != nil {
		return err
	}

	base, err := gov.BaseBorrowRateValue()
	if err != nil {
		return err
	}
	excessSlope, err := gov.ExcessSlopeRay()
	if err != nil {
		return err
	}
	optimalSlope, err := gov.OptimalSlopeRay()
	if err != nil {
		return err
	}
	optimal, err := gov.OptimalUtilizationRay()
	if err != nil {
		return err
	}

	rate, err := BorrowRate(debt, liq, base, excessSlope, optimalSlope, optimal)
	if err != nil {
		return err
	}
	r.State.BorrowRate = rate
	return nil
}

// IncreaseDebt records a new borrow of amount at the current pool rate scaled
// by rateMultiplier. Both the position's individual rate and the pool's
// average rate are re-blended as debt-weighted averages so that projecting
// either principal forward reproduces the interest each borrower owes.
func (r *Reserve) IncreaseDebt(
	position *PositionState,
	timestamp Timestamp,
	previousTotal Amount,
	amount Amount,
	rateMultiplier Factor,
) error {
	rate, err := rateMultiplier.PercentageMulRate(r.State.BorrowRate)
	if err != nil {
		return err
	}
	amountWad, err := amount.Wad().Ray()
	if err != nil {
		return err
	}
	amountRayRate, err := amountWad.Mul(rate.Ray())
	if err != nil {
		return err
	}

	currentDebt, debtIncrease, err := position.debtIncrease(timestamp)
	if err != nil {
		return err
	}
	nextTotal, err := previousTotal.Add(amount)
	if err != nil {
		return err
	}
	r.Debt.Total = nextTotal

	position.Amount, err = position.Amount.Add(amount)
	if err != nil {
		return err
	}
	position.Amount, err = position.Amount.Add(debtIncrease)
	if err != nil {
		return err
	}
	position.Rate, err = blendRate(position.Rate, currentDebt, amountRayRate, amount)
	if err != nil {
		return err
	}
	position.Timestamp = timestamp

	r.Debt.AverageRate, err = blendRate(r.Debt.AverageRate, previousTotal, amountRayRate, amount)
	if err != nil {
		return err
	}
	r.Debt.LastUpdate = timestamp
	return nil
}

// blendRate folds a new rate-weighted tranche into an existing debt-weighted
// rate: (rate*weight + tranche) / (weight + added).
func blendRate(rate Rate, weight Amount, trancheRayRate Ray, added Amount) (Rate, error) {
	weightRay, err := weight.Wad().Ray()
	if err != nil {
		return Rate{}, err
	}
	numerator, err := rate.Ray().Mul(weightRay)
	if err != nil {
		return Rate{}, err
	}
	numerator, err = numerator.Add(trancheRayRate)
	if err != nil {
		return Rate{}, err
	}
	total, err := weight.Add(added)
	if err != nil {
		return Rate{}, err
	}
	totalRay, err := total.Wad().Ray()
	if err != nil {
		return Rate{}, err
	}
	blended, err := numerator.Div(totalRay)
	if err != nil {
		return Rate{}, err
	}
	return blended.AsRate()
}

// DecreaseDebt retires debtChange of the position's debt against the pool.
//
// Pool debt and per-position debt accrue independently, so rounding drift can
// leave the last borrower owing slightly more than the pool total. When the
// repayment covers the whole pool, or the position's rate-weighted share
// exceeds the pool's, both the total and the average rate reset to zero.
func (r *Reserve) DecreaseDebt(
	position *PositionState,
	timestamp Timestamp,
	reserveTotalDebt Amount,
	debtChange Amount,
) error {
	currentDebt, debtIncrease, err := position.debtIncrease(timestamp)
	if err != nil {
		return err
	}

	if reserveTotalDebt <= debtChange {
		r.Debt.AverageRate = Rate{}
		r.Debt.Total = 0
	} else {
		nextTotal, err := reserveTotalDebt.Sub(debtChange)
		if err != nil {
			return err
		}
		r.Debt.Total = nextTotal

		poolWeight, err := reserveTotalDebt.Wad().Ray()
		if err != nil {
			return err
		}
		firstTerm, err := r.Debt.AverageRate.Ray().Mul(poolWeight)
		if err != nil {
			return err
		}
		changeWeight, err := debtChange.Wad().Ray()
		if err != nil {
			return err
		}
		secondTerm, err := position.Rate.Ray().Mul(changeWeight)
		if err != nil {
			return err
		}

		if secondTerm.Cmp(firstTerm) >= 0 {
			r.Debt.AverageRate = Rate{}
			r.Debt.Total = 0
		} else {
			remaining, err := firstTerm.Sub(secondTerm)
			if err != nil {
				return err
			}
			nextRay, err := nextTotal.Wad().Ray()
			if err != nil {
				return err
			}
			average, err := remaining.Div(nextRay)
			if err != nil {
				return err
			}
			r.Debt.AverageRate, err = average.AsRate()
			if err != nil {
				return err
			}
		}
	}

	if debtChange == currentDebt {
		position.Rate = Rate{}
		position.Amount = 0
		position.Timestamp = 0
	} else {
		position.Amount, err = position.Amount.Add(debtIncrease)
		if err != nil {
			return err
		}
		position.Amount, err = position.Amount.Sub(debtChange)
		if err != nil {
			return err
		}
		position.Timestamp = timestamp
	}

	r.Debt.LastUpdate = timestamp
	return nil
}
