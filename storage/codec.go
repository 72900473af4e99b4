package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"levswap/native/leverage"
)

// Stored record shapes. Rates are flattened to their backing integers because
// RLP works on exported fields; everything else round-trips directly.

type storedReserve struct {
	ID string

	LendableMint   string
	LendableVault  string
	RedeemableMint string

	BorrowRate      *uint256.Int
	TreasureAccrued uint64
	TreasurerUpdate uint64

	AverageRate    *uint256.Int
	DebtTotal      uint64
	DebtLastUpdate uint64
}

func encodeReserve(reserve *leverage.Reserve) ([]byte, error) {
	return rlp.EncodeToBytes(&storedReserve{
		ID:              reserve.ID,
		LendableMint:    reserve.LendableMint,
		LendableVault:   reserve.LendableVault,
		RedeemableMint:  reserve.RedeemableMint,
		BorrowRate:      reserve.State.BorrowRate.Uint256(),
		TreasureAccrued: uint64(reserve.State.TreasureAccrued),
		TreasurerUpdate: uint64(reserve.State.TreasurerUpdate),
		AverageRate:     reserve.Debt.AverageRate.Uint256(),
		DebtTotal:       uint64(reserve.Debt.Total),
		DebtLastUpdate:  uint64(reserve.Debt.LastUpdate),
	})
}

func decodeReserve(raw []byte) (*leverage.Reserve, error) {
	var rec storedReserve
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode reserve: %w", err)
	}
	borrowRate, err := leverage.RateFromUint256(rec.BorrowRate)
	if err != nil {
		return nil, err
	}
	averageRate, err := leverage.RateFromUint256(rec.AverageRate)
	if err != nil {
		return nil, err
	}
	return &leverage.Reserve{
		ID:             rec.ID,
		LendableMint:   rec.LendableMint,
		LendableVault:  rec.LendableVault,
		RedeemableMint: rec.RedeemableMint,
		State: leverage.ReserveState{
			BorrowRate:      borrowRate,
			TreasureAccrued: leverage.Amount(rec.TreasureAccrued),
			TreasurerUpdate: leverage.Timestamp(rec.TreasurerUpdate),
		},
		Debt: leverage.ReserveDebt{
			AverageRate: averageRate,
			Total:       leverage.Amount(rec.DebtTotal),
			LastUpdate:  leverage.Timestamp(rec.DebtLastUpdate),
		},
	}, nil
}

type storedMarket struct {
	ID      string
	Reserve string

	BaseMint  string
	BaseVault string

	QuoteMint  string
	QuoteVault string

	ReceiptMint string

	TotalLoan uint64
}

func encodeMarket(market *leverage.Market) ([]byte, error) {
	return rlp.EncodeToBytes(&storedMarket{
		ID:          market.ID,
		Reserve:     market.Reserve,
		BaseMint:    market.BaseMint,
		BaseVault:   market.BaseVault,
		QuoteMint:   market.QuoteMint,
		QuoteVault:  market.QuoteVault,
		ReceiptMint: market.ReceiptMint,
		TotalLoan:   uint64(market.State.TotalLoan),
	})
}

func decodeMarket(raw []byte) (*leverage.Market, error) {
	var rec storedMarket
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode market: %w", err)
	}
	return &leverage.Market{
		ID:          rec.ID,
		Reserve:     rec.Reserve,
		BaseMint:    rec.BaseMint,
		BaseVault:   rec.BaseVault,
		QuoteMint:   rec.QuoteMint,
		QuoteVault:  rec.QuoteVault,
		ReceiptMint: rec.ReceiptMint,
		State:       leverage.MarketState{TotalLoan: leverage.Amount(rec.TotalLoan)},
	}, nil
}

type storedPosition struct {
	ID     string
	Market string
	Trader string

	ReceiptAccount string

	Loan      uint64
	Rate      *uint256.Int
	Amount    uint64
	Timestamp uint64
}

func encodePosition(position *leverage.Position) ([]byte, error) {
	return rlp.EncodeToBytes(&storedPosition{
		ID:             position.ID,
		Market:         position.Market,
		Trader:         position.Trader,
		ReceiptAccount: position.ReceiptAccount,
		Loan:           uint64(position.State.Loan),
		Rate:           position.State.Rate.Uint256(),
		Amount:         uint64(position.State.Amount),
		Timestamp:      uint64(position.State.Timestamp),
	})
}

func decodePosition(raw []byte) (*leverage.Position, error) {
	var rec storedPosition
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	rate, err := leverage.RateFromUint256(rec.Rate)
	if err != nil {
		return nil, err
	}
	return &leverage.Position{
		ID:             rec.ID,
		Market:         rec.Market,
		Trader:         rec.Trader,
		ReceiptAccount: rec.ReceiptAccount,
		State: leverage.PositionState{
			Loan:      leverage.Amount(rec.Loan),
			Rate:      rate,
			Amount:    leverage.Amount(rec.Amount),
			Timestamp: leverage.Timestamp(rec.Timestamp),
		},
	}, nil
}
