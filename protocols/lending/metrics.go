package lending

import (
	"errors"
	"math/big"

	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the lending pool's prometheus collectors.
type Metrics struct {
	borrows       prometheus.Counter
	repays        prometheus.Counter
	liquidations  prometheus.Counter
	failures      *prometheus.CounterVec
	oraclePrice   prometheus.Gauge
	tokenReserve  prometheus.Gauge
	collateral    prometheus.Gauge
	openPositions prometheus.Gauge
	opDuration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		borrows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "defistate", Subsystem: "lending",
			Name: "borrows_total", Help: "Successful borrows.",
		}),
		repays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "defistate", Subsystem: "lending",
			Name: "repays_total", Help: "Successful repayments.",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "defistate", Subsystem: "lending",
			Name: "liquidations_total", Help: "Positions closed by liquidators.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "defistate", Subsystem: "lending",
			Name: "failed_operations_total", Help: "Rejected lending operations by operation and reason.",
		}, []string{"operation", "reason"}),
		oraclePrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "defistate", Subsystem: "lending",
			Name: "oracle_price", Help: "Last token price read from the oracle, scaled by 1e18.",
		}),
		tokenReserve: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "defistate", Subsystem: "lending",
			Name: "token_reserve", Help: "Tokens available to borrow, in base units.",
		}),
		collateral: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "defistate", Subsystem: "lending",
			Name: "collateral_held", Help: "Escrowed currency collateral, in base units.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "defistate", Subsystem: "lending",
			Name: "open_positions", Help: "Number of outstanding positions.",
		}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "defistate", Subsystem: "lending",
			Name:    "operation_duration_seconds",
			Help:    "Time spent inside the pool critical section.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		}, []string{"operation"}),
	}
	reg.MustRegister(m.borrows, m.repays, m.liquidations, m.failures, m.oraclePrice,
		m.tokenReserve, m.collateral, m.openPositions, m.opDuration)
	return m
}

func (m *Metrics) observe(l Ledger, token, currency ledger.Asset, pool common.Address, positions int) {
	m.tokenReserve.Set(toFloat(l.BalanceOf(token, pool)))
	m.collateral.Set(toFloat(l.BalanceOf(currency, pool)))
	m.openPositions.Set(float64(positions))
}

func (m *Metrics) fail(operation string, err error) {
	m.failures.WithLabelValues(operation, reason(err)).Inc()
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientPoolLiquidity):
		return "insufficient_pool_liquidity"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrNoPosition):
		return "no_position"
	case errors.Is(err, ErrPositionHealthy):
		return "position_healthy"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	default:
		return "other"
	}
}

func toFloat(x *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(x.ToBig()).Float64()
	return f
}
