package leverage_test

import (
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"levswap/native/leverage"
	"levswap/native/leverage/venuesim"
)

type memState struct {
	reserves  map[string]*leverage.Reserve
	markets   map[string]*leverage.Market
	positions map[string]*leverage.Position
}

func newMemState() *memState {
	return &memState{
		reserves:  make(map[string]*leverage.Reserve),
		markets:   make(map[string]*leverage.Market),
		positions: make(map[string]*leverage.Position),
	}
}

func (m *memState) Reserve(id string) (*leverage.Reserve, error) {
	if r, ok := m.reserves[id]; ok {
		return r, nil
	}
	return nil, leverage.ErrUnknownReserve
}

func (m *memState) PutReserve(r *leverage.Reserve) error {
	m.reserves[r.ID] = r
	return nil
}

func (m *memState) Market(id string) (*leverage.Market, error) {
	if mk, ok := m.markets[id]; ok {
		return mk, nil
	}
	return nil, leverage.ErrUnknownMarket
}

func (m *memState) PutMarket(mk *leverage.Market) error {
	m.markets[mk.ID] = mk
	return nil
}

func (m *memState) Position(id string) (*leverage.Position, error) {
	if p, ok := m.positions[id]; ok {
		return p, nil
	}
	return nil, leverage.ErrUnknownPosition
}

func (m *memState) PutPosition(p *leverage.Position) error {
	m.positions[p.ID] = p
	return nil
}

type memLedger struct {
	balances map[string]leverage.Amount
	supplies map[string]leverage.Amount
}

func newMemLedger() *memLedger {
	return &memLedger{
		balances: make(map[string]leverage.Amount),
		supplies: make(map[string]leverage.Amount),
	}
}

func (l *memLedger) Balance(account string) (leverage.Amount, error) {
	return l.balances[account], nil
}

func (l *memLedger) Supply(mint string) (leverage.Amount, error) {
	return l.supplies[mint], nil
}

func (l *memLedger) Transfer(from, to string, amount leverage.Amount) error {
	if amount.IsZero() {
		return nil
	}
	if l.balances[from] < amount {
		return leverage.ErrInsufficientBalance
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

func (l *memLedger) Mint(mint, account string, amount leverage.Amount) error {
	l.supplies[mint] += amount
	l.balances[account] += amount
	return nil
}

func (l *memLedger) Burn(mint, account string, amount leverage.Amount) error {
	if l.balances[account] < amount || l.supplies[mint] < amount {
		return leverage.ErrInsufficientBalance
	}
	l.balances[account] -= amount
	l.supplies[mint] -= amount
	return nil
}

type fixedClock struct{ now leverage.Timestamp }

func (c *fixedClock) Now() leverage.Timestamp { return c.now }

func testGov() *leverage.Governance {
	accuracy := big.NewInt(1_000_000_000_000_000_000)
	scale := func(v int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(v), accuracy)
	}
	return &leverage.Governance{
		PoolUtilizationAllowance: scale(8_000),
		BaseBorrowRate:           big.NewInt(0),
		ExcessSlope:              new(big.Int).SetUint64(1_000_000_000_000_000_000),
		OptimalSlope:             new(big.Int).SetUint64(40_000_000_000_000_000),
		OptimalUtilization:       new(big.Int).SetUint64(800_000_000_000_000_000),
		TreasureFactor:           scale(1_000),
		MaxLeverageFactor:        scale(30_000),
		MaxRateMultiplier:        scale(20_000),
		LiquidationMargin:        scale(500),
		LiquidationReward:        scale(500),
		MaxLiquidationReward:     scale(0),
	}
}

type fixture struct {
	engine *leverage.Engine
	state  *memState
	ledger *memLedger
	venue  *venuesim.Venue
	clock  *fixedClock

	reserve  *leverage.Reserve
	market   *leverage.Market
	position *leverage.Position
}

// newFixture boots a reserve with poolLiquidity on deposit, one market listed
// at price with unit lots, and an empty position for "alice".
func newFixture(t *testing.T, poolLiquidity uint64, price uint64) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		state:  newMemState(),
		ledger: newMemLedger(),
		venue:  venuesim.New(log),
		clock:  &fixedClock{},
	}
	f.engine = leverage.NewEngine(testGov(), f.venue, f.clock, log)
	f.engine.Bind(f.state, f.ledger)

	var err error
	f.reserve, err = f.engine.InitReserve("usd-pool", "USD")
	if err != nil {
		t.Fatalf("init reserve: %v", err)
	}
	f.market, err = f.engine.InitMarket("wow-usd", "usd-pool", "WOW")
	if err != nil {
		t.Fatalf("init market: %v", err)
	}
	f.position, err = f.engine.InitPosition("wow-usd", "alice")
	if err != nil {
		t.Fatalf("init position: %v", err)
	}
	f.venue.ListMarket("wow-usd", leverage.LotSizes{Base: 1, Quote: 1}, price, 0)

	if poolLiquidity > 0 {
		if err := f.ledger.Mint("USD", leverage.WalletAccount("lender", "USD"), leverage.Amount(poolLiquidity)); err != nil {
			t.Fatalf("fund lender: %v", err)
		}
		if _, err := f.engine.Deposit("usd-pool", "lender", leverage.Amount(poolLiquidity)); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
	}
	return f
}

func (f *fixture) fundTrader(t *testing.T, owner string, amount uint64) {
	t.Helper()
	if err := f.ledger.Mint("USD", leverage.WalletAccount(owner, "USD"), leverage.Amount(amount)); err != nil {
		t.Fatalf("fund %s: %v", owner, err)
	}
}

func (f *fixture) balance(account string) uint64 {
	return uint64(f.ledger.balances[account])
}

func TestOpenPositionLeveraged(t *testing.T) {
	f := newFixture(t, 1_000_000, 1)
	f.fundTrader(t, "alice", 200_000)

	// 2x leverage doubles the stake: half the quote comes from the pool.
	err := f.engine.OpenPosition("wow-usd", "alice", 1, 200_000, 2*leverage.FactorOne)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if f.position.State.Loan != 200_000 {
		t.Fatalf("loan = %d", f.position.State.Loan)
	}
	if f.position.State.Amount != 200_000 {
		t.Fatalf("debt amount = %d", f.position.State.Amount)
	}
	if f.reserve.Debt.Total != 200_000 {
		t.Fatalf("pool debt = %d", f.reserve.Debt.Total)
	}
	if f.market.State.TotalLoan != 200_000 {
		t.Fatalf("market loan = %d", f.market.State.TotalLoan)
	}
	if got := f.balance(f.position.ReceiptAccount); got != 400_000 {
		t.Fatalf("receipts = %d", got)
	}
	if got := f.balance(f.reserve.LendableVault); got != 800_000 {
		t.Fatalf("pool vault = %d", got)
	}
	if got := f.balance(leverage.WalletAccount("alice", "USD")); got != 0 {
		t.Fatalf("trader wallet = %d", got)
	}
	if f.reserve.State.BorrowRate.IsZero() {
		t.Fatal("borrow rate not refreshed")
	}
}

func TestOpenPositionUnlevered(t *testing.T) {
	f := newFixture(t, 1_000_000, 1)
	f.fundTrader(t, "alice", 50_000)

	// Leverage of exactly 1x borrows nothing.
	err := f.engine.OpenPosition("wow-usd", "alice", 1, 50_000, leverage.FactorOne)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.position.State.Loan != 0 || f.reserve.Debt.Total != 0 {
		t.Fatalf("unexpected debt: loan %d, pool %d", f.position.State.Loan, f.reserve.Debt.Total)
	}
	if got := f.balance(f.position.ReceiptAccount); got != 50_000 {
		t.Fatalf("receipts = %d", got)
	}
}

func TestOpenPositionRejectsLeverageOutOfRange(t *testing.T) {
	f := newFixture(t, 1_000_000, 1)
	f.fundTrader(t, "alice", 200_000)

	err := f.engine.OpenPosition("wow-usd", "alice", 1, 1_000, 9_000)
	if !errors.Is(err, leverage.ErrInvalidLeverageFactor) {
		t.Fatalf("below one: %v", err)
	}
	err = f.engine.OpenPosition("wow-usd", "alice", 1, 1_000, 40_000)
	if !errors.Is(err, leverage.ErrInvalidLeverageFactor) {
		t.Fatalf("above max: %v", err)
	}
}

func TestOpenPositionRejectsBorrowLimit(t *testing.T) {
	// Pool of 250,000 at an 80% allowance caps total loans below 200,000.
	f := newFixture(t, 250_000, 1)
	f.fundTrader(t, "alice", 200_000)

	err := f.engine.OpenPosition("wow-usd", "alice", 1, 200_000, 2*leverage.FactorOne)
	if !errors.Is(err, leverage.ErrBorrowLimitExceeded) {
		t.Fatalf("expected borrow limit error, got %v", err)
	}
}

func TestClosePositionRepaysDebtThenTrader(t *testing.T) {
	f := newFixture(t, 1_000_000, 1)
	f.fundTrader(t, "alice", 200_000)
	if err := f.engine.OpenPosition("wow-usd", "alice", 1, 200_000, 2*leverage.FactorOne); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Selling 210,000 of the 400,000 base units raises 210,000 quote: the
	// 200,000 debt settles first and 10,000 goes to the trader.
	if err := f.engine.ClosePosition("wow-usd", "alice", 1, 210_000); err != nil {
		t.Fatalf("close: %v", err)
	}

	if f.position.State.Loan != 0 || f.position.State.Amount != 0 {
		t.Fatalf("position not settled: %+v", f.position.State)
	}
	if f.reserve.Debt.Total != 0 || !f.reserve.Debt.AverageRate.IsZero() {
		t.Fatalf("pool debt not cleared: %d", f.reserve.Debt.Total)
	}
	if f.market.State.TotalLoan != 0 {
		t.Fatalf("market loan = %d", f.market.State.TotalLoan)
	}
	if got := f.balance(leverage.WalletAccount("alice", "USD")); got != 10_000 {
		t.Fatalf("trader wallet = %d", got)
	}
	if got := f.balance(f.reserve.LendableVault); got != 1_000_000 {
		t.Fatalf("pool vault = %d", got)
	}
	if got := f.balance(f.position.ReceiptAccount); got != 190_000 {
		t.Fatalf("receipts = %d", got)
	}
}

func TestLiquidateHealthyPositionRejected(t *testing.T) {
	f := newFixture(t, 1_000_000, 4)
	f.fundTrader(t, "alice", 200_000)
	if err := f.engine.OpenPosition("wow-usd", "alice", 4, 50_000, 2*leverage.FactorOne); err != nil {
		t.Fatalf("open: %v", err)
	}

	// At the open price the holding is worth 400,000 against a liquidation
	// cost of 210,000, so the unwind must be refused.
	err := f.engine.Liquidate("wow-usd", "alice", "bob")
	if !errors.Is(err, leverage.ErrLiquidateHealthyPosition) {
		t.Fatalf("expected healthy rejection, got %v", err)
	}
}

func TestLiquidateUnderwaterPosition(t *testing.T) {
	f := newFixture(t, 1_000_000, 4)
	f.fundTrader(t, "alice", 200_000)
	if err := f.engine.OpenPosition("wow-usd", "alice", 4, 50_000, 2*leverage.FactorOne); err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.position.State.Loan != 200_000 {
		t.Fatalf("loan = %d", f.position.State.Loan)
	}

	// Price collapses from 4 to 1: 100,000 base raises 100,000 quote against
	// a debt of 200,000.
	if err := f.venue.SetPrice("wow-usd", 1); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := f.engine.Liquidate("wow-usd", "alice", "bob"); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// Liquidator takes 5% of proceeds, the rest goes to the pool.
	if got := f.balance(leverage.WalletAccount("bob", "USD")); got != 5_000 {
		t.Fatalf("liquidator reward = %d", got)
	}
	if got := f.balance(leverage.WalletAccount("alice", "USD")); got != 0 {
		t.Fatalf("trader refund = %d", got)
	}
	if got := f.balance(f.reserve.LendableVault); got != 895_000 {
		t.Fatalf("pool vault = %d", got)
	}
	if f.position.State.Loan != 0 || f.position.State.Amount != 0 {
		t.Fatalf("position not zeroed: %+v", f.position.State)
	}
	if f.market.State.TotalLoan != 0 {
		t.Fatalf("market loan = %d", f.market.State.TotalLoan)
	}
	if got := f.balance(f.position.ReceiptAccount); got != 0 {
		t.Fatalf("receipts = %d", got)
	}
	if f.reserve.Debt.Total != 0 {
		t.Fatalf("pool debt = %d", f.reserve.Debt.Total)
	}
}

func TestLiquidateEmptyPositionIsFatal(t *testing.T) {
	f := newFixture(t, 1_000_000, 1)

	// The fixture position exists but was never opened, so there is nothing
	// to sell and no debt to recover.
	err := f.engine.Liquidate("wow-usd", "alice", "bob")
	if !errors.Is(err, leverage.ErrArithmetic) {
		t.Fatalf("expected arithmetic fault, got %v", err)
	}
	if !leverage.IsFatal(err) {
		t.Fatal("empty position liquidation should be fatal")
	}
}

func TestWithdrawFullShare(t *testing.T) {
	f := newFixture(t, 1_000_000, 1)

	paid, err := f.engine.Withdraw("usd-pool", "lender", 400_000)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid != 400_000 {
		t.Fatalf("paid = %d", paid)
	}
	if got := f.balance(leverage.WalletAccount("lender", "USD")); got != 400_000 {
		t.Fatalf("lender wallet = %d", got)
	}
	if got := uint64(f.ledger.supplies[f.reserve.RedeemableMint]); got != 600_000 {
		t.Fatalf("receipt supply = %d", got)
	}
}

func TestWithdrawClampsToIdleLiquidity(t *testing.T) {
	f := newFixture(t, 1_000, 1)
	// Lend most of the pool out so only 200 stays idle against 900 of debt.
	f.reserve.Debt = leverage.ReserveDebt{Total: 900, LastUpdate: 0}
	if err := f.ledger.Transfer(f.reserve.LendableVault, "elsewhere", 800); err != nil {
		t.Fatalf("drain: %v", err)
	}

	paid, err := f.engine.Withdraw("usd-pool", "lender", 500)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// The 500-receipt share is worth 550 but only 200 is idle; the payout
	// clamps and just the matching portion of receipts burns.
	if paid != 200 {
		t.Fatalf("paid = %d", paid)
	}
	if got := uint64(f.ledger.supplies[f.reserve.RedeemableMint]); got != 1_000-182 {
		t.Fatalf("receipt supply = %d", got)
	}
}

func TestDepositMintsAtIndex(t *testing.T) {
	f := newFixture(t, 1_000_000, 1)
	// Inflate pool value: same supply, more liquidity, so later deposits buy
	// receipts below par.
	if err := f.ledger.Mint("USD", f.reserve.LendableVault, 1_000_000); err != nil {
		t.Fatalf("inflate: %v", err)
	}

	f.fundTrader(t, "carol", 100_000)
	minted, err := f.engine.Deposit("usd-pool", "carol", 100_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if minted != 50_000 {
		t.Fatalf("minted = %d", minted)
	}
}
