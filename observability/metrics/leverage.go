package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LeverageMetrics struct {
	operations      *prometheus.CounterVec
	operationErrors *prometheus.CounterVec
	liquidations    prometheus.Counter

	poolDebt       *prometheus.GaugeVec
	poolBorrowRate *prometheus.GaugeVec
	poolTreasury   *prometheus.GaugeVec
	marketLoan     *prometheus.GaugeVec
}

var (
	leverageOnce     sync.Once
	leverageRegistry *LeverageMetrics
)

func Leverage() *LeverageMetrics {
	leverageOnce.Do(func() {
		leverageRegistry = &LeverageMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "leverage_operations_total",
				Help: "Count of completed protocol operations by kind.",
			}, []string{"op"}),
			operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "leverage_operation_errors_total",
				Help: "Count of rejected or failed operations by kind.",
			}, []string{"op"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "leverage_liquidations_total",
				Help: "Count of completed forced unwinds.",
			}),
			poolDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "leverage_pool_debt",
				Help: "Outstanding debt principal per reserve.",
			}, []string{"reserve"}),
			poolBorrowRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "leverage_pool_borrow_rate",
				Help: "Current per-second borrow rate per reserve, Ray scaled.",
			}, []string{"reserve"}),
			poolTreasury: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "leverage_pool_treasury_accrued",
				Help: "Accrued treasury cut per reserve in native units.",
			}, []string{"reserve"}),
			marketLoan: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "leverage_market_total_loan",
				Help: "Sum of outstanding position loans per market.",
			}, []string{"market"}),
		}
		prometheus.MustRegister(
			leverageRegistry.operations,
			leverageRegistry.operationErrors,
			leverageRegistry.liquidations,
			leverageRegistry.poolDebt,
			leverageRegistry.poolBorrowRate,
			leverageRegistry.poolTreasury,
			leverageRegistry.marketLoan,
		)
	})
	return leverageRegistry
}

func (m *LeverageMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		m.operationErrors.WithLabelValues(op).Inc()
		return
	}
	m.operations.WithLabelValues(op).Inc()
}

func (m *LeverageMetrics) ObserveLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

func (m *LeverageMetrics) SetPool(reserve string, debt, treasury uint64, borrowRate float64) {
	if m == nil {
		return
	}
	m.poolDebt.WithLabelValues(reserve).Set(float64(debt))
	m.poolTreasury.WithLabelValues(reserve).Set(float64(treasury))
	m.poolBorrowRate.WithLabelValues(reserve).Set(borrowRate)
}

func (m *LeverageMetrics) SetMarketLoan(market string, totalLoan uint64) {
	if m == nil {
		return
	}
	m.marketLoan.WithLabelValues(market).Set(float64(totalLoan))
}
