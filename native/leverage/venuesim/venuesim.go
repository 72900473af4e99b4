// Package venuesim provides a deterministic immediate-or-cancel trading venue
// for levered markets. Fills execute against the market's custody vaults
// through the same ledger handle as the rest of the operation, so a rolled
// back operation also rolls back its fills.
package venuesim

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"levswap/native/leverage"
)

// ErrUnknownMarket is returned for venues asked to trade an unlisted market.
var ErrUnknownMarket = errors.New("venuesim: market not listed")

const fullFillBps = 10_000

type book struct {
	lots leverage.LotSizes
	// price is quote lots per base lot.
	price uint64
	// fillBps caps the filled share of any order, to model thin books.
	fillBps uint32
}

// Venue is an in-process order executor with one price level per market.
// Orders fill at the posted price when the limit permits and cancel
// otherwise; there is no resting book.
type Venue struct {
	mu    sync.RWMutex
	log   *slog.Logger
	books map[string]*book
}

func New(log *slog.Logger) *Venue {
	if log == nil {
		log = slog.Default()
	}
	return &Venue{log: log, books: make(map[string]*book)}
}

// ListMarket registers a market with its lot sizes, initial price and fill
// ratio. A fillBps of zero means fills complete in full.
func (v *Venue) ListMarket(marketID string, lots leverage.LotSizes, price uint64, fillBps uint32) {
	if fillBps == 0 || fillBps > fullFillBps {
		fillBps = fullFillBps
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[marketID] = &book{lots: lots, price: price, fillBps: fillBps}
}

// SetPrice moves the posted price of a listed market.
func (v *Venue) SetPrice(marketID string, price uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.books[marketID]
	if !ok {
		return ErrUnknownMarket
	}
	b.price = price
	return nil
}

// Price returns the posted price of a listed market.
func (v *Venue) Price(marketID string) (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.books[marketID]
	if !ok {
		return 0, ErrUnknownMarket
	}
	return b.price, nil
}

func (v *Venue) LotSizes(marketID string) (leverage.LotSizes, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.books[marketID]
	if !ok {
		return leverage.LotSizes{}, ErrUnknownMarket
	}
	return b.lots, nil
}

func mulLots(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := a * b
	if product/a != b {
		return 0, fmt.Errorf("%w: lot multiply overflow: %d * %d", leverage.ErrArithmetic, a, b)
	}
	return product, nil
}

func (v *Venue) snapshot(marketID string) (book, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.books[marketID]
	if !ok {
		return book{}, ErrUnknownMarket
	}
	return *b, nil
}

// Buy spends quote from the market's quote vault to acquire base lots at the
// posted price. The order cancels without effect when the posted price
// exceeds limitPrice, and fills only as many lots as maxQuote and the vault
// balance afford.
func (v *Venue) Buy(ledger leverage.Ledger, market *leverage.Market, limitPrice, baseQty uint64, maxQuote leverage.Amount) error {
	b, err := v.snapshot(market.ID)
	if err != nil {
		return err
	}
	if b.price > limitPrice {
		return nil
	}

	costPerLot, err := mulLots(b.price, b.lots.Quote)
	if err != nil {
		return err
	}
	if costPerLot == 0 {
		return nil
	}
	scaled, err := mulLots(baseQty, uint64(b.fillBps))
	if err != nil {
		return err
	}
	filled := scaled / fullFillBps
	if budget := uint64(maxQuote) / costPerLot; budget < filled {
		filled = budget
	}
	balance, err := ledger.Balance(market.QuoteVault)
	if err != nil {
		return err
	}
	if budget := uint64(balance) / costPerLot; budget < filled {
		filled = budget
	}
	if filled == 0 {
		return nil
	}

	rawCost, err := mulLots(filled, costPerLot)
	if err != nil {
		return err
	}
	rawAcquired, err := mulLots(filled, b.lots.Base)
	if err != nil {
		return err
	}
	cost := leverage.Amount(rawCost)
	acquired := leverage.Amount(rawAcquired)
	if err := ledger.Burn(market.QuoteMint, market.QuoteVault, cost); err != nil {
		return err
	}
	if err := ledger.Mint(market.BaseMint, market.BaseVault, acquired); err != nil {
		return err
	}

	v.log.Debug("buy filled",
		"market", market.ID, "price", b.price,
		"lots", filled, "cost", uint64(cost))
	return nil
}

// Sell converts base lots from the market's base vault into quote proceeds at
// the posted price. The order cancels without effect when the posted price is
// below limitPrice. The quote cap does not apply to sells; proceeds are
// whatever the posted price pays.
func (v *Venue) Sell(ledger leverage.Ledger, market *leverage.Market, limitPrice, baseQty uint64, _ leverage.Amount) error {
	b, err := v.snapshot(market.ID)
	if err != nil {
		return err
	}
	if b.price < limitPrice {
		return nil
	}
	if b.lots.Base == 0 {
		return nil
	}

	scaled, err := mulLots(baseQty, uint64(b.fillBps))
	if err != nil {
		return err
	}
	filled := scaled / fullFillBps
	balance, err := ledger.Balance(market.BaseVault)
	if err != nil {
		return err
	}
	if held := uint64(balance) / b.lots.Base; held < filled {
		filled = held
	}
	if filled == 0 {
		return nil
	}

	rawSold, err := mulLots(filled, b.lots.Base)
	if err != nil {
		return err
	}
	perLot, err := mulLots(b.price, b.lots.Quote)
	if err != nil {
		return err
	}
	rawProceeds, err := mulLots(filled, perLot)
	if err != nil {
		return err
	}
	sold := leverage.Amount(rawSold)
	proceeds := leverage.Amount(rawProceeds)
	if err := ledger.Burn(market.BaseMint, market.BaseVault, sold); err != nil {
		return err
	}
	if err := ledger.Mint(market.QuoteMint, market.QuoteVault, proceeds); err != nil {
		return err
	}

	v.log.Debug("sell filled",
		"market", market.ID, "price", b.price,
		"lots", filled, "proceeds", uint64(proceeds))
	return nil
}
