package uniswapv1

import (
	"errors"
	"math/big"

	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the exchange's prometheus collectors.
type Metrics struct {
	swaps      *prometheus.CounterVec
	liquidity  *prometheus.CounterVec
	failures   *prometheus.CounterVec
	reserves   *prometheus.GaugeVec
	opDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "defistate",
			Subsystem: "uniswapv1",
			Name:      "swaps_total",
			Help:      "Completed swaps by kind and input asset.",
		}, []string{"kind", "input_asset"}),
		liquidity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "defistate",
			Subsystem: "uniswapv1",
			Name:      "liquidity_events_total",
			Help:      "Completed liquidity additions and removals.",
		}, []string{"action"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "defistate",
			Subsystem: "uniswapv1",
			Name:      "failed_operations_total",
			Help:      "Rejected exchange operations by operation and reason.",
		}, []string{"operation", "reason"}),
		reserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "defistate",
			Subsystem: "uniswapv1",
			Name:      "reserve",
			Help:      "Current reserve per asset in base units.",
		}, []string{"asset"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "defistate",
			Subsystem: "uniswapv1",
			Name:      "operation_duration_seconds",
			Help:      "Time spent inside the exchange critical section.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		}, []string{"operation"}),
	}
	reg.MustRegister(m.swaps, m.liquidity, m.failures, m.reserves, m.opDuration)
	return m
}

func (m *Metrics) observeReserves(token, currency ledger.Asset, r ReservePair) {
	m.reserves.WithLabelValues(string(token)).Set(toFloat(r.Token))
	m.reserves.WithLabelValues(string(currency)).Set(toFloat(r.Currency))
}

func (m *Metrics) fail(operation string, err error) {
	m.failures.WithLabelValues(operation, reason(err)).Inc()
}

// reason maps an error onto a low-cardinality label value.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInsufficientOutput):
		return "insufficient_output"
	case errors.Is(err, ErrExcessiveInput):
		return "excessive_input"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrInsufficientLiquidityMinted):
		return "insufficient_liquidity_minted"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrNoLiquidity):
		return "no_liquidity"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrUnknownAsset):
		return "unknown_asset"
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
