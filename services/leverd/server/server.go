// Package server exposes the protocol operations over HTTP. Operations are
// serialized on a single mutex and each one runs inside its own storage
// transaction, so concurrent requests cannot interleave accounting updates.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"levswap/native/leverage"
	"levswap/native/leverage/venuesim"
	"levswap/observability/metrics"
	"levswap/services/leverd/config"
	"levswap/storage"
)

type Server struct {
	mu sync.Mutex

	store   *storage.Store
	engine  *leverage.Engine
	venue   *venuesim.Venue
	metrics *metrics.LeverageMetrics
	log     *slog.Logger
}

func New(store *storage.Store, gov *leverage.Governance, venue *venuesim.Venue, clock leverage.Clock, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:   store,
		engine:  leverage.NewEngine(gov, venue, clock, log),
		venue:   venue,
		metrics: metrics.Leverage(),
		log:     log,
	}
}

// Bootstrap creates the configured reserves and markets when missing and
// lists every market on the venue.
func (s *Server) Bootstrap(cfg *config.Config) error {
	return s.exec("bootstrap", func(tx *storage.Tx) error {
		for _, r := range cfg.Reserves {
			if _, err := tx.Reserve(r.ID); errors.Is(err, leverage.ErrUnknownReserve) {
				if _, err := s.engine.InitReserve(r.ID, r.LendableMint); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
		for _, m := range cfg.Markets {
			if _, err := tx.Market(m.ID); errors.Is(err, leverage.ErrUnknownMarket) {
				if _, err := s.engine.InitMarket(m.ID, m.Reserve, m.BaseMint); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			s.venue.ListMarket(m.ID, leverage.LotSizes{Base: m.BaseLot, Quote: m.QuoteLot}, m.Price, m.FillBps)
		}
		return nil
	})
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/reserve", s.handleListReserves)
	r.Post("/reserve/deposit", s.handleDeposit)
	r.Post("/reserve/withdraw", s.handleWithdraw)

	r.Post("/positions/open", s.handleOpen)
	r.Post("/positions/close", s.handleClose)
	r.Post("/positions/liquidate", s.handleLiquidate)
	r.Get("/positions/{trader}", s.handlePositions)

	r.Post("/faucet", s.handleFaucet)

	return r
}

// exec runs one operation in one write transaction under the operation lock.
func (s *Server) exec(op string, fn func(tx *storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opID := uuid.NewString()
	err := s.store.Exec(func(tx *storage.Tx) error {
		s.engine.Bind(tx, tx)
		return fn(tx)
	})
	s.metrics.ObserveOperation(op, err)
	if err != nil {
		s.log.Warn("operation failed", "op", op, "op_id", opID, "err", err, "fatal", leverage.IsFatal(err))
		return err
	}
	s.log.Info("operation complete", "op", op, "op_id", opID)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, leverage.ErrUnknownReserve),
		errors.Is(err, leverage.ErrUnknownMarket),
		errors.Is(err, leverage.ErrUnknownPosition):
		status = http.StatusNotFound
	case errors.Is(err, leverage.ErrBorrowLimitExceeded),
		errors.Is(err, leverage.ErrLiquidateHealthyPosition):
		status = http.StatusConflict
	case errors.Is(err, leverage.ErrInvalidArgument),
		errors.Is(err, leverage.ErrInvalidLeverageFactor),
		errors.Is(err, leverage.ErrInsufficientBalance),
		errors.Is(err, venuesim.ErrUnknownMarket):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

type depositRequest struct {
	Reserve  string `json:"reserve"`
	Investor string `json:"investor"`
	Amount   uint64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	var minted leverage.Amount
	err := s.exec("deposit", func(tx *storage.Tx) error {
		var err error
		minted, err = s.engine.Deposit(req.Reserve, req.Investor, leverage.Amount(req.Amount))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishReserve(req.Reserve)
	writeJSON(w, http.StatusOK, map[string]uint64{"minted": uint64(minted)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	var paid leverage.Amount
	err := s.exec("withdraw", func(tx *storage.Tx) error {
		var err error
		paid, err = s.engine.Withdraw(req.Reserve, req.Investor, leverage.Amount(req.Amount))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishReserve(req.Reserve)
	writeJSON(w, http.StatusOK, map[string]uint64{"paid": uint64(paid)})
}

type openRequest struct {
	Market     string `json:"market"`
	Trader     string `json:"trader"`
	LimitPrice uint64 `json:"limitPrice"`
	BaseQty    uint64 `json:"baseQty"`
	Leverage   uint64 `json:"leverage"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.exec("open", func(tx *storage.Tx) error {
		// First trade in a market creates the position record.
		if _, err := tx.Position(leverage.PositionID(req.Market, req.Trader)); errors.Is(err, leverage.ErrUnknownPosition) {
			if _, err := s.engine.InitPosition(req.Market, req.Trader); err != nil {
				return err
			}
		}
		return s.engine.OpenPosition(req.Market, req.Trader, req.LimitPrice, req.BaseQty, leverage.Factor(req.Leverage))
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishMarket(req.Market)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type closeRequest struct {
	Market     string `json:"market"`
	Trader     string `json:"trader"`
	LimitPrice uint64 `json:"limitPrice"`
	BaseQty    uint64 `json:"baseQty"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.exec("close", func(tx *storage.Tx) error {
		return s.engine.ClosePosition(req.Market, req.Trader, req.LimitPrice, req.BaseQty)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishMarket(req.Market)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type liquidateRequest struct {
	Market     string `json:"market"`
	Trader     string `json:"trader"`
	Liquidator string `json:"liquidator"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.exec("liquidate", func(tx *storage.Tx) error {
		return s.engine.Liquidate(req.Market, req.Trader, req.Liquidator)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ObserveLiquidation()
	s.publishMarket(req.Market)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type faucetRequest struct {
	Owner  string `json:"owner"`
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

// handleFaucet credits a wallet for development and test setups.
func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.exec("faucet", func(tx *storage.Tx) error {
		return tx.Mint(req.Mint, leverage.WalletAccount(req.Owner, req.Mint), leverage.Amount(req.Amount))
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reserveView struct {
	ID               string `json:"id"`
	LendableMint     string `json:"lendableMint"`
	Liquidity        uint64 `json:"liquidity"`
	DebtTotal        uint64 `json:"debtTotal"`
	TreasureAccrued  uint64 `json:"treasureAccrued"`
	BorrowRate       string `json:"borrowRate"`
	RedeemableSupply uint64 `json:"redeemableSupply"`
}

func (s *Server) handleListReserves(w http.ResponseWriter, r *http.Request) {
	var views []reserveView
	err := s.store.View(func(tx *storage.Tx) error {
		reserves, err := tx.Reserves()
		if err != nil {
			return err
		}
		for _, reserve := range reserves {
			liquidity, err := tx.Balance(reserve.LendableVault)
			if err != nil {
				return err
			}
			supply, err := tx.Supply(reserve.RedeemableMint)
			if err != nil {
				return err
			}
			views = append(views, reserveView{
				ID:               reserve.ID,
				LendableMint:     reserve.LendableMint,
				Liquidity:        uint64(liquidity),
				DebtTotal:        uint64(reserve.Debt.Total),
				TreasureAccrued:  uint64(reserve.State.TreasureAccrued),
				BorrowRate:       reserve.State.BorrowRate.Uint256().String(),
				RedeemableSupply: uint64(supply),
			})
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type positionView struct {
	Market    string `json:"market"`
	Trader    string `json:"trader"`
	Loan      uint64 `json:"loan"`
	Amount    uint64 `json:"amount"`
	Rate      string `json:"rate"`
	Timestamp uint64 `json:"timestamp"`
	Receipts  uint64 `json:"receipts"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	marketFilter := r.URL.Query().Get("market")

	var views []positionView
	err := s.store.View(func(tx *storage.Tx) error {
		markets, err := tx.Markets()
		if err != nil {
			return err
		}
		for _, market := range markets {
			if marketFilter != "" && market.ID != marketFilter {
				continue
			}
			position, err := tx.Position(leverage.PositionID(market.ID, trader))
			if errors.Is(err, leverage.ErrUnknownPosition) {
				continue
			}
			if err != nil {
				return err
			}
			receipts, err := tx.Balance(position.ReceiptAccount)
			if err != nil {
				return err
			}
			views = append(views, positionView{
				Market:    market.ID,
				Trader:    trader,
				Loan:      uint64(position.State.Loan),
				Amount:    uint64(position.State.Amount),
				Rate:      position.State.Rate.Uint256().String(),
				Timestamp: uint64(position.State.Timestamp),
				Receipts:  uint64(receipts),
			})
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// publishReserve refreshes the pool gauges from stored state.
func (s *Server) publishReserve(reserveID string) {
	_ = s.store.View(func(tx *storage.Tx) error {
		reserve, err := tx.Reserve(reserveID)
		if err != nil {
			return err
		}
		rate, _ := new(big.Float).SetInt(reserve.State.BorrowRate.Uint256().ToBig()).Float64()
		s.metrics.SetPool(reserve.ID,
			uint64(reserve.Debt.Total),
			uint64(reserve.State.TreasureAccrued),
			rate)
		return nil
	})
}

// publishMarket refreshes market and backing pool gauges from stored state.
func (s *Server) publishMarket(marketID string) {
	var reserveID string
	_ = s.store.View(func(tx *storage.Tx) error {
		market, err := tx.Market(marketID)
		if err != nil {
			return err
		}
		s.metrics.SetMarketLoan(market.ID, uint64(market.State.TotalLoan))
		reserveID = market.Reserve
		return nil
	})
	if reserveID != "" {
		s.publishReserve(reserveID)
	}
}
