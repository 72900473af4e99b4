package leverage

import (
	"fmt"
	"log/slog"
	"time"
)

// State persists the protocol's accounting records. Lookups return the
// matching ErrUnknown* sentinel when no record exists.
type State interface {
	Reserve(id string) (*Reserve, error)
	PutReserve(reserve *Reserve) error

	Market(id string) (*Market, error)
	PutMarket(market *Market) error

	Position(id string) (*Position, error)
	PutPosition(position *Position) error
}

// Ledger custodies token balances. Accounts and mints are addressed by plain
// string identifiers; an account that was never credited has a zero balance.
type Ledger interface {
	Balance(account string) (Amount, error)
	Supply(mint string) (Amount, error)
	Transfer(from, to string, amount Amount) error
	Mint(mint, account string, amount Amount) error
	Burn(mint, account string, amount Amount) error
}

// LotSizes are the venue's native units per lot for both legs of a market.
type LotSizes struct {
	Base  uint64
	Quote uint64
}

// Venue executes fills against a market's custody vaults. Quantities and
// prices are venue lots; the ledger is passed per call so fills commit and
// roll back with the rest of the operation.
type Venue interface {
	LotSizes(marketID string) (LotSizes, error)
	Buy(ledger Ledger, market *Market, limitPrice, baseQty uint64, maxQuote Amount) error
	Sell(ledger Ledger, market *Market, limitPrice, baseQty uint64, maxQuote Amount) error
}

// Clock supplies operation timestamps.
type Clock interface {
	Now() Timestamp
}

// SystemClock reads the host's wall clock.
type SystemClock struct{}

func (SystemClock) Now() Timestamp { return Timestamp(time.Now().Unix()) }

// Engine runs the protocol's operations against bound state and ledger
// handles. Each operation reads, computes and writes within whatever
// transaction the caller bound, so a failed operation leaves nothing behind.
type Engine struct {
	gov   *Governance
	venue Venue
	clock Clock
	log   *slog.Logger

	state  State
	ledger Ledger
}

func NewEngine(gov *Governance, venue Venue, clock Clock, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{gov: gov, venue: venue, clock: clock, log: log}
}

// Bind points the engine at the state and ledger for the next operation.
func (e *Engine) Bind(state State, ledger Ledger) {
	e.state = state
	e.ledger = ledger
}

// WalletAccount is the ledger address of an owner's balance in a mint.
func WalletAccount(owner, mint string) string {
	return "wallet/" + owner + "/" + mint
}

// PositionID keys a trader's position within a market.
func PositionID(marketID, trader string) string {
	return marketID + "/" + trader
}

func mulU64(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := a * b
	if product/a != b {
		return 0, arithErrf("multiply overflow: %d * %d", a, b)
	}
	return product, nil
}

// saturatingSub clamps at zero instead of failing.
func saturatingSub(a, b Amount) Amount {
	if b > a {
		return 0
	}
	return a - b
}

// InitReserve creates a lending pool for a lendable mint. Vault and receipt
// mint addresses are derived from the reserve id.
func (e *Engine) InitReserve(id, lendableMint string) (*Reserve, error) {
	if id == "" || lendableMint == "" {
		return nil, fmt.Errorf("%w: reserve id and lendable mint required", ErrInvalidArgument)
	}
	if _, err := e.state.Reserve(id); err == nil {
		return nil, fmt.Errorf("%w: reserve %q already exists", ErrInvalidArgument, id)
	}
	reserve := &Reserve{
		ID:             id,
		LendableMint:   lendableMint,
		LendableVault:  "reserve/" + id + "/lendable",
		RedeemableMint: "reserve/" + id + "/redeemable",
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	e.log.Info("reserve initialized", "reserve", id, "lendable_mint", lendableMint)
	return reserve, nil
}

// InitMarket creates a levered market pairing a base mint against a reserve's
// lendable asset.
func (e *Engine) InitMarket(id, reserveID, baseMint string) (*Market, error) {
	if id == "" || baseMint == "" {
		return nil, fmt.Errorf("%w: market id and base mint required", ErrInvalidArgument)
	}
	reserve, err := e.state.Reserve(reserveID)
	if err != nil {
		return nil, err
	}
	if _, err := e.state.Market(id); err == nil {
		return nil, fmt.Errorf("%w: market %q already exists", ErrInvalidArgument, id)
	}
	market := &Market{
		ID:          id,
		Reserve:     reserve.ID,
		BaseMint:    baseMint,
		BaseVault:   "market/" + id + "/base",
		QuoteMint:   reserve.LendableMint,
		QuoteVault:  "market/" + id + "/quote",
		ReceiptMint: "market/" + id + "/receipt",
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	e.log.Info("market initialized", "market", id, "reserve", reserveID, "base_mint", baseMint)
	return market, nil
}

// InitPosition creates a trader's empty position in a market.
func (e *Engine) InitPosition(marketID, trader string) (*Position, error) {
	if trader == "" {
		return nil, fmt.Errorf("%w: trader required", ErrInvalidArgument)
	}
	market, err := e.state.Market(marketID)
	if err != nil {
		return nil, err
	}
	id := PositionID(market.ID, trader)
	if _, err := e.state.Position(id); err == nil {
		return nil, fmt.Errorf("%w: position %q already exists", ErrInvalidArgument, id)
	}
	position := &Position{
		ID:             id,
		Market:         market.ID,
		Trader:         trader,
		ReceiptAccount: "position/" + id + "/receipt",
	}
	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	return position, nil
}

// Deposit adds lendable liquidity to a reserve and mints redeemable receipt
// tokens to the investor at the pool's current supply/liquidity index.
func (e *Engine) Deposit(reserveID, investor string, amount Amount) (Amount, error) {
	if amount.IsZero() {
		return 0, fmt.Errorf("%w: zero deposit", ErrInvalidArgument)
	}
	reserve, err := e.state.Reserve(reserveID)
	if err != nil {
		return 0, err
	}
	timestamp := e.clock.Now()

	totalDebt, err := reserve.Debt.ProjectTotal(timestamp)
	if err != nil {
		return 0, err
	}
	if err := reserve.UpdateState(e.gov, totalDebt, timestamp); err != nil {
		return 0, err
	}

	liquidity, err := e.ledger.Balance(reserve.LendableVault)
	if err != nil {
		return 0, err
	}
	if err := reserve.RefreshBorrowRate(e.gov, liquidity, amount, 0, totalDebt, 0, 0); err != nil {
		return 0, err
	}

	totalSupply, err := e.ledger.Supply(reserve.RedeemableMint)
	if err != nil {
		return 0, err
	}
	totalLiquidity, err := reserve.TotalLiquidity(totalDebt, liquidity)
	if err != nil {
		return 0, err
	}
	mintAmount, err := MintAmount(amount, totalSupply, totalLiquidity)
	if err != nil {
		return 0, err
	}

	investorVault := WalletAccount(investor, reserve.LendableMint)
	if err := e.ledger.Transfer(investorVault, reserve.LendableVault, amount); err != nil {
		return 0, err
	}
	investorReceipts := WalletAccount(investor, reserve.RedeemableMint)
	if err := e.ledger.Mint(reserve.RedeemableMint, investorReceipts, mintAmount); err != nil {
		return 0, err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return 0, err
	}

	e.log.Debug("deposit",
		"reserve", reserve.ID, "investor", investor,
		"amount", uint64(amount), "minted", uint64(mintAmount))
	return mintAmount, nil
}

// Withdraw burns redeemable tokens and pays out the investor's share of pool
// liquidity. When the share exceeds the idle liquidity the payout clamps to
// what the vault holds and only the matching portion of receipts burns, so
// the remainder stays redeemable.
func (e *Engine) Withdraw(reserveID, investor string, amount Amount) (Amount, error) {
	if amount.IsZero() {
		return 0, fmt.Errorf("%w: zero withdrawal", ErrInvalidArgument)
	}
	reserve, err := e.state.Reserve(reserveID)
	if err != nil {
		return 0, err
	}
	timestamp := e.clock.Now()

	liquidity, err := e.ledger.Balance(reserve.LendableVault)
	if err != nil {
		return 0, err
	}
	totalSupply, err := e.ledger.Supply(reserve.RedeemableMint)
	if err != nil {
		return 0, err
	}
	totalDebt, err := reserve.Debt.ProjectTotal(timestamp)
	if err != nil {
		return 0, err
	}
	totalLiquidity, err := reserve.TotalLiquidity(totalDebt, liquidity)
	if err != nil {
		return 0, err
	}
	amountToWithdraw, err := CalculateShare(amount, totalSupply, totalLiquidity)
	if err != nil {
		return 0, err
	}

	burnAmount := amount
	if amountToWithdraw > liquidity {
		portion, err := liquidity.Wad().Div(amountToWithdraw.Wad())
		if err != nil {
			return 0, err
		}
		portionAmount, err := amount.Wad().Mul(portion)
		if err != nil {
			return 0, err
		}
		burnAmount, err = portionAmount.Amount()
		if err != nil {
			return 0, err
		}
		amountToWithdraw = liquidity
	}

	if err := reserve.UpdateState(e.gov, totalDebt, timestamp); err != nil {
		return 0, err
	}
	if err := reserve.RefreshBorrowRate(e.gov, liquidity, 0, amountToWithdraw, totalDebt, 0, 0); err != nil {
		return 0, err
	}

	investorReceipts := WalletAccount(investor, reserve.RedeemableMint)
	if err := e.ledger.Burn(reserve.RedeemableMint, investorReceipts, burnAmount); err != nil {
		return 0, err
	}
	investorVault := WalletAccount(investor, reserve.LendableMint)
	if err := e.ledger.Transfer(reserve.LendableVault, investorVault, amountToWithdraw); err != nil {
		return 0, err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return 0, err
	}

	e.log.Debug("withdraw",
		"reserve", reserve.ID, "investor", investor,
		"burned", uint64(burnAmount), "paid", uint64(amountToWithdraw))
	return amountToWithdraw, nil
}

// OpenPosition buys baseQty lots of the base asset at up to limitPrice,
// funding (leverageFactor - 1) of the trader's stake from the reserve. Quote
// left unspent by the fill repays the loan first; whatever loan remains is
// recorded as position debt at the pool rate scaled by the leverage-derived
// multiplier.
func (e *Engine) OpenPosition(marketID, trader string, limitPrice, baseQty uint64, leverageFactor Factor) error {
	if limitPrice == 0 || baseQty == 0 {
		return fmt.Errorf("%w: limit price and base quantity must be positive", ErrInvalidArgument)
	}
	market, err := e.state.Market(marketID)
	if err != nil {
		return err
	}
	reserve, err := e.state.Reserve(market.Reserve)
	if err != nil {
		return err
	}
	position, err := e.state.Position(PositionID(market.ID, trader))
	if err != nil {
		return err
	}
	timestamp := e.clock.Now()

	maxLeverage, err := e.gov.MaxLeverageFactorValue()
	if err != nil {
		return err
	}
	if leverageFactor < FactorOne || leverageFactor > maxLeverage {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidLeverageFactor, leverageFactor, FactorOne, maxLeverage)
	}
	leveraged, err := leverageFactor.Sub(FactorOne)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLeverageFactor, err)
	}
	baseQtyLoan, err := leveraged.PercentageMul(baseQty)
	if err != nil {
		return err
	}
	totalBaseQty, err := Amount(baseQty).Add(Amount(baseQtyLoan))
	if err != nil {
		return err
	}

	lots, err := e.venue.LotSizes(market.ID)
	if err != nil {
		return err
	}
	nativeBaseQty, err := mulU64(uint64(totalBaseQty), lots.Base)
	if err != nil {
		return fmt.Errorf("%w: base quantity out of range", ErrInvalidArgument)
	}
	quoteLotLimitPrice, err := mulU64(limitPrice, lots.Quote)
	if err != nil {
		return fmt.Errorf("%w: limit price out of range", ErrInvalidArgument)
	}
	rawLoan, err := mulU64(quoteLotLimitPrice, baseQtyLoan)
	if err != nil {
		return fmt.Errorf("%w: loan quantity out of range", ErrInvalidArgument)
	}
	nativeQuoteLoan := Amount(rawLoan)
	rawQuote, err := mulU64(quoteLotLimitPrice, uint64(totalBaseQty))
	if err != nil {
		return fmt.Errorf("%w: quote quantity out of range", ErrInvalidArgument)
	}
	nativeQuoteIncludingFees := Amount(rawQuote)

	// Vault balance before any transfer; borrow-limit and rate math use the
	// pre-loan liquidity.
	reserveLiquidity, err := e.ledger.Balance(reserve.LendableVault)
	if err != nil {
		return err
	}

	if !nativeQuoteLoan.IsZero() {
		if err := e.ledger.Transfer(reserve.LendableVault, market.QuoteVault, nativeQuoteLoan); err != nil {
			return err
		}
	}
	traderVault := WalletAccount(trader, market.QuoteMint)
	traderStake := saturatingSub(nativeQuoteIncludingFees, nativeQuoteLoan)
	if err := e.ledger.Transfer(traderVault, market.QuoteVault, traderStake); err != nil {
		return err
	}

	if err := e.venue.Buy(e.ledger, market, limitPrice, uint64(totalBaseQty), nativeQuoteIncludingFees); err != nil {
		return err
	}

	if !nativeQuoteLoan.IsZero() {
		quoteBalance, err := e.ledger.Balance(market.QuoteVault)
		if err != nil {
			return err
		}
		returnAmount := minAmount(nativeQuoteLoan, quoteBalance)
		nativeQuoteLoan, err = nativeQuoteLoan.Sub(returnAmount)
		if err != nil {
			return err
		}
		if err := e.ledger.Transfer(market.QuoteVault, reserve.LendableVault, returnAmount); err != nil {
			return err
		}

		if !nativeQuoteLoan.IsZero() {
			market.State.TotalLoan, err = market.State.TotalLoan.Add(nativeQuoteLoan)
			if err != nil {
				return err
			}
			position.State.Loan, err = position.State.Loan.Add(nativeQuoteLoan)
			if err != nil {
				return err
			}

			allowance, err := e.gov.PoolUtilizationAllowanceFactor()
			if err != nil {
				return err
			}
			totalDebt, err := reserve.Debt.ProjectTotal(timestamp)
			if err != nil {
				return err
			}
			totalLiquidity, err := reserve.TotalLiquidity(totalDebt, reserveLiquidity)
			if err != nil {
				return err
			}
			rawLimit, err := allowance.PercentageMul(uint64(totalLiquidity))
			if err != nil {
				return err
			}
			if market.State.TotalLoan >= Amount(rawLimit) {
				return fmt.Errorf("%w: total loan %d, limit %d", ErrBorrowLimitExceeded, market.State.TotalLoan, rawLimit)
			}

			rateMultiplier, err := e.rateMultiplier(leverageFactor, maxLeverage)
			if err != nil {
				return err
			}
			if err := reserve.UpdateState(e.gov, totalDebt, timestamp); err != nil {
				return err
			}
			if err := reserve.RefreshBorrowRate(e.gov,
				reserveLiquidity, 0, nativeQuoteLoan,
				totalDebt, nativeQuoteLoan, 0); err != nil {
				return err
			}
			if err := reserve.IncreaseDebt(&position.State, timestamp, totalDebt, nativeQuoteLoan, rateMultiplier); err != nil {
				return err
			}
		}
	}

	// Whatever quote the fill and loan repayment left behind goes back to
	// the trader.
	leftover, err := e.ledger.Balance(market.QuoteVault)
	if err != nil {
		return err
	}
	if err := e.ledger.Transfer(market.QuoteVault, traderVault, leftover); err != nil {
		return err
	}

	if err := e.ledger.Mint(market.ReceiptMint, position.ReceiptAccount, Amount(nativeBaseQty)); err != nil {
		return err
	}

	if err := e.state.PutMarket(market); err != nil {
		return err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return err
	}
	if err := e.state.PutPosition(position); err != nil {
		return err
	}

	e.log.Debug("position opened",
		"market", market.ID, "trader", trader,
		"leverage", uint64(leverageFactor), "loan", uint64(position.State.Loan),
		"receipts", nativeBaseQty)
	return nil
}

// rateMultiplier interpolates linearly between 1x at 1x leverage and the
// governed maximum multiplier at maximum leverage.
func (e *Engine) rateMultiplier(leverageFactor, maxLeverage Factor) (Factor, error) {
	maxMultiplier, err := e.gov.MaxRateMultiplierValue()
	if err != nil {
		return 0, err
	}
	leveraged, err := leverageFactor.Sub(FactorOne)
	if err != nil {
		return 0, err
	}
	multiplierSpan, err := maxMultiplier.Sub(FactorOne)
	if err != nil {
		return 0, err
	}
	leverageSpan, err := maxLeverage.Sub(FactorOne)
	if err != nil {
		return 0, err
	}
	scaled, err := leveraged.Mul(multiplierSpan)
	if err != nil {
		return 0, err
	}
	scaled, err = scaled.Div(leverageSpan)
	if err != nil {
		return 0, err
	}
	return scaled.Add(FactorOne)
}

// ClosePosition sells baseQty lots of the position's base holding at no less
// than limitPrice. Proceeds retire the position's debt first, proportionally
// unwinding the recorded loan, and the remainder pays out to the trader.
func (e *Engine) ClosePosition(marketID, trader string, limitPrice, baseQty uint64) error {
	if limitPrice == 0 || baseQty == 0 {
		return fmt.Errorf("%w: limit price and base quantity must be positive", ErrInvalidArgument)
	}
	market, err := e.state.Market(marketID)
	if err != nil {
		return err
	}
	reserve, err := e.state.Reserve(market.Reserve)
	if err != nil {
		return err
	}
	position, err := e.state.Position(PositionID(market.ID, trader))
	if err != nil {
		return err
	}
	timestamp := e.clock.Now()

	lots, err := e.venue.LotSizes(market.ID)
	if err != nil {
		return err
	}
	nativeBaseQty, err := mulU64(baseQty, lots.Base)
	if err != nil {
		return fmt.Errorf("%w: base quantity out of range", ErrInvalidArgument)
	}
	quoteLotLimitPrice, err := mulU64(limitPrice, lots.Quote)
	if err != nil {
		return fmt.Errorf("%w: limit price out of range", ErrInvalidArgument)
	}
	rawQuote, err := mulU64(quoteLotLimitPrice, baseQty)
	if err != nil {
		return fmt.Errorf("%w: quote quantity out of range", ErrInvalidArgument)
	}
	nativeQuoteIncludingFees := Amount(rawQuote)

	// Pre-transfer vault balance for the rate refresh below.
	reserveLiquidity, err := e.ledger.Balance(reserve.LendableVault)
	if err != nil {
		return err
	}

	if err := e.ledger.Burn(market.ReceiptMint, position.ReceiptAccount, Amount(nativeBaseQty)); err != nil {
		return err
	}
	if err := e.venue.Sell(e.ledger, market, limitPrice, baseQty, nativeQuoteIncludingFees); err != nil {
		return err
	}

	currentDebt, err := position.State.Debt(timestamp)
	if err != nil {
		return err
	}
	if !currentDebt.IsZero() {
		quoteBalance, err := e.ledger.Balance(market.QuoteVault)
		if err != nil {
			return err
		}

		debtChange := currentDebt
		loanChange := position.State.Loan
		if currentDebt > quoteBalance {
			// Partial repayment: retire the loan in proportion to the
			// debt actually covered.
			loanChange, err = CalculateShare(quoteBalance, currentDebt, position.State.Loan)
			if err != nil {
				return err
			}
			debtChange = quoteBalance
		}

		market.State.TotalLoan, err = market.State.TotalLoan.Sub(loanChange)
		if err != nil {
			return err
		}
		position.State.Loan, err = position.State.Loan.Sub(loanChange)
		if err != nil {
			return err
		}

		if err := e.ledger.Transfer(market.QuoteVault, reserve.LendableVault, debtChange); err != nil {
			return err
		}
		if err := e.settleDebt(reserve, position, timestamp, debtChange, reserveLiquidity); err != nil {
			return err
		}
	}

	traderVault := WalletAccount(trader, market.QuoteMint)
	leftover, err := e.ledger.Balance(market.QuoteVault)
	if err != nil {
		return err
	}
	if err := e.ledger.Transfer(market.QuoteVault, traderVault, leftover); err != nil {
		return err
	}

	if err := e.state.PutMarket(market); err != nil {
		return err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return err
	}
	if err := e.state.PutPosition(position); err != nil {
		return err
	}

	e.log.Debug("position closed",
		"market", market.ID, "trader", trader,
		"sold", nativeBaseQty, "paid", uint64(leftover))
	return nil
}

// settleDebt runs the reserve bookkeeping shared by close and liquidation:
// treasury accrual, debt decrease, then a rate refresh against the projected
// debt that remains.
func (e *Engine) settleDebt(reserve *Reserve, position *Position, timestamp Timestamp, debtChange, reserveLiquidity Amount) error {
	totalDebt, err := reserve.Debt.ProjectTotal(timestamp)
	if err != nil {
		return err
	}
	if err := reserve.UpdateState(e.gov, totalDebt, timestamp); err != nil {
		return err
	}
	if err := reserve.DecreaseDebt(&position.State, timestamp, totalDebt, debtChange); err != nil {
		return err
	}
	remainingDebt, err := reserve.Debt.ProjectTotal(timestamp)
	if err != nil {
		return err
	}
	return reserve.RefreshBorrowRate(e.gov,
		reserveLiquidity, debtChange, 0,
		remainingDebt, 0, 0)
}

// Liquidate force-unwinds a position whose holdings no longer cover its debt
// plus the governed safety margin. The entire base holding sells at the
// venue's floor price; the check runs on realized proceeds, so only what the
// market actually pays counts as cover. The liquidator earns a percentage of
// proceeds, the reserve recovers up to the full debt, and any remainder goes
// back to the trader.
func (e *Engine) Liquidate(marketID, trader, liquidator string) error {
	market, err := e.state.Market(marketID)
	if err != nil {
		return err
	}
	reserve, err := e.state.Reserve(market.Reserve)
	if err != nil {
		return err
	}
	position, err := e.state.Position(PositionID(market.ID, trader))
	if err != nil {
		return err
	}
	timestamp := e.clock.Now()

	const limitPrice = 1

	currentDebt, err := position.State.Debt(timestamp)
	if err != nil {
		return err
	}
	margin, err := e.gov.LiquidationMarginFactor()
	if err != nil {
		return err
	}
	rawMargin, err := margin.PercentageMul(uint64(currentDebt))
	if err != nil {
		return err
	}
	liquidationCost, err := currentDebt.Add(Amount(rawMargin))
	if err != nil {
		return err
	}

	lots, err := e.venue.LotSizes(market.ID)
	if err != nil {
		return err
	}
	nativeBaseQty, err := e.ledger.Balance(position.ReceiptAccount)
	if err != nil {
		return err
	}
	baseQty, err := nativeBaseQty.Div(Amount(lots.Base))
	if err != nil {
		return err
	}
	// A position with nothing to sell has no legitimate path here; treat it
	// as a broken record rather than a bad request.
	if baseQty.IsZero() {
		return arithErrf("position %q holds no base asset", position.ID)
	}
	rawQuote, err := mulU64(limitPrice*lots.Quote, uint64(baseQty))
	if err != nil {
		return fmt.Errorf("%w: quote quantity out of range", ErrInvalidArgument)
	}
	nativeQuoteIncludingFees := Amount(rawQuote)

	// Pre-transfer vault balance for the rate refresh below.
	reserveLiquidity, err := e.ledger.Balance(reserve.LendableVault)
	if err != nil {
		return err
	}

	if err := e.ledger.Burn(market.ReceiptMint, position.ReceiptAccount, nativeBaseQty); err != nil {
		return err
	}
	if err := e.venue.Sell(e.ledger, market, limitPrice, uint64(baseQty), nativeQuoteIncludingFees); err != nil {
		return err
	}

	proceeds, err := e.ledger.Balance(market.QuoteVault)
	if err != nil {
		return err
	}
	if proceeds > liquidationCost {
		e.log.Warn("trying to liquidate healthy position",
			"market", market.ID, "trader", trader,
			"output_amount", uint64(proceeds), "liquidation_cost", uint64(liquidationCost))
		return ErrLiquidateHealthyPosition
	}

	amountLeft, err := e.payLiquidationReward(market, liquidator, proceeds)
	if err != nil {
		return err
	}
	traderVault := WalletAccount(trader, market.QuoteMint)
	if amountLeft > currentDebt {
		if err := e.ledger.Transfer(market.QuoteVault, reserve.LendableVault, currentDebt); err != nil {
			return err
		}
		traderAmount := amountLeft - currentDebt
		if err := e.ledger.Transfer(market.QuoteVault, traderVault, traderAmount); err != nil {
			return err
		}
	} else {
		if err := e.ledger.Transfer(market.QuoteVault, reserve.LendableVault, amountLeft); err != nil {
			return err
		}
	}

	market.State.TotalLoan, err = market.State.TotalLoan.Sub(position.State.Loan)
	if err != nil {
		return err
	}
	position.State.Loan = 0

	if err := e.settleDebt(reserve, position, timestamp, currentDebt, reserveLiquidity); err != nil {
		return err
	}

	if err := e.state.PutMarket(market); err != nil {
		return err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return err
	}
	if err := e.state.PutPosition(position); err != nil {
		return err
	}

	e.log.Info("position liquidated",
		"market", market.ID, "trader", trader, "liquidator", liquidator,
		"proceeds", uint64(proceeds), "debt", uint64(currentDebt))
	return nil
}

// payLiquidationReward transfers the liquidator's cut of proceeds and returns
// what remains for debt settlement.
func (e *Engine) payLiquidationReward(market *Market, liquidator string, proceeds Amount) (Amount, error) {
	rewardFactor, err := e.gov.LiquidationRewardFactor()
	if err != nil {
		return 0, err
	}
	maxReward, err := e.gov.MaxLiquidationRewardAmount()
	if err != nil {
		return 0, err
	}
	raw, err := rewardFactor.PercentageMul(uint64(proceeds))
	if err != nil {
		return 0, err
	}
	reward := Amount(raw)
	if !maxReward.IsZero() && maxReward < reward {
		reward = maxReward
	}

	liquidatorVault := WalletAccount(liquidator, market.QuoteMint)
	if err := e.ledger.Transfer(market.QuoteVault, liquidatorVault, reward); err != nil {
		return 0, err
	}
	return proceeds.Sub(reward)
}
