package leverage

// ReserveState is the per-pool accounting checkpoint: the current borrow rate
// and the treasury's accrued cut, stamped with the time of the last treasury
// accrual.
type ReserveState struct {
	BorrowRate      Rate
	TreasureAccrued Amount
	TreasurerUpdate Timestamp
}

// ReserveDebt tracks outstanding pool debt as a principal plus a debt-weighted
// average rate. Projecting the principal forward through the compounding
// multiplier yields the live total at any timestamp.
type ReserveDebt struct {
	AverageRate Rate
	Total       Amount
	LastUpdate  Timestamp
}

// ProjectTotal returns the pool's total debt accrued to the given timestamp.
func (d ReserveDebt) ProjectTotal(timestamp Timestamp) (Amount, error) {
	multiplier, err := Compound(d.AverageRate, d.LastUpdate, timestamp)
	if err != nil {
		return 0, err
	}
	projected, err := d.Total.Ray().Mul(multiplier)
	if err != nil {
		return 0, err
	}
	return projected.Amount()
}

// Reserve is a single-asset lending pool. Depositors fund the lendable vault
// and hold redeemable receipt tokens against it; markets borrow from the same
// vault to lever positions.
type Reserve struct {
	ID string

	LendableMint   string
	LendableVault  string
	RedeemableMint string

	State ReserveState
	Debt  ReserveDebt
}

// MarketState carries the market-wide aggregate: the sum of all outstanding
// position loans against the reserve.
type MarketState struct {
	TotalLoan Amount
}

// Market pairs a base asset with the reserve's lendable (quote) asset on a
// trading venue. Position holders receive receipt tokens one-to-one with the
// base quantity held in the market's custody vault.
type Market struct {
	ID      string
	Reserve string

	BaseMint  string
	BaseVault string

	QuoteMint  string
	QuoteVault string

	ReceiptMint string

	State MarketState
}

// PositionState is a trader's debt ledger: the borrowed principal still owed
// to the reserve, the position's individual rate, and the accrued debt amount
// as of the stamped timestamp.
type PositionState struct {
	Loan      Amount
	Rate      Rate
	Amount    Amount
	Timestamp Timestamp
}

// Debt returns the position's debt accrued to the given timestamp.
func (p PositionState) Debt(timestamp Timestamp) (Amount, error) {
	multiplier, err := Compound(p.Rate, p.Timestamp, timestamp)
	if err != nil {
		return 0, err
	}
	accrued, err := p.Amount.Ray().Mul(multiplier)
	if err != nil {
		return 0, err
	}
	return accrued.Amount()
}

// debtIncrease returns the accrued debt at timestamp together with the growth
// since the last checkpoint. A position with no debt contributes nothing.
func (p PositionState) debtIncrease(timestamp Timestamp) (current, increase Amount, err error) {
	if p.Amount.IsZero() {
		return 0, 0, nil
	}
	current, err = p.Debt(timestamp)
	if err != nil {
		return 0, 0, err
	}
	increase, err = current.Sub(p.Amount)
	if err != nil {
		return 0, 0, err
	}
	return current, increase, nil
}

// Position is one trader's levered holding in a market. The receipt account
// holds the trader's claim on the base custody vault; the state tracks what
// the trader owes the reserve.
type Position struct {
	ID     string
	Market string
	Trader string

	ReceiptAccount string

	State PositionState
}
