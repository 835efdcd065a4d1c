package stateops

import (
	"encoding/json"
	"fmt"

	"github.com/defistate/defistate-lending-go/differ"
	"github.com/defistate/defistate-lending-go/engine"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/patcher"
	"github.com/defistate/defistate-lending-go/protocols/lending"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// StateOps bundles everything needed to move snapshots of the ledger, the
// exchange and the lending pool across the wire.
//
// It acts as a unified facade for two operations:
// 1. Differ: Calculating the delta between two states (used by the server).
// 2. Patcher: Applying a delta to a previous state to reconstruct the present (used by a client).
type StateOps struct {
	*differ.StateDiffer
	*patcher.StatePatcher
}

func NewStateOps(
	logger Logger,
	prometheusRegistry prometheus.Registerer,
) (*StateOps, error) {
	protocolDiffers := map[engine.ProtocolSchema]differ.ProtocolDiffer{
		ledger.Schema:    differ.Typed(ledger.Differ),
		uniswapv1.Schema: differ.Typed(uniswapv1.Differ),
		lending.Schema:   differ.Typed(lending.Differ),
	}

	protocolPatchers := map[engine.ProtocolSchema]patcher.PatcherFunc{
		ledger.Schema:    patcher.Typed(ledger.Patcher),
		uniswapv1.Schema: patcher.Typed(uniswapv1.Patcher),
		lending.Schema:   patcher.Typed(lending.Patcher),
	}

	stateDiffer, err := differ.NewStateDiffer(&differ.StateDifferConfig{
		ProtocolDiffers: protocolDiffers,
		Logger:          logger,
		Registry:        prometheusRegistry,
	})
	if err != nil {
		return nil, err
	}

	statePatcher, err := patcher.NewStatePatcher(&patcher.StatePatcherConfig{
		Patchers: protocolPatchers,
	})
	if err != nil {
		return nil, err
	}

	return &StateOps{
		StateDiffer:  stateDiffer,
		StatePatcher: statePatcher,
	}, nil
}

func (ops *StateOps) DecodeStateJSON(
	schema engine.ProtocolSchema,
	data json.RawMessage,
) (any, error) {
	switch schema {
	case ledger.Schema:
		return decode[[]ledger.Balance](data)
	case uniswapv1.Schema:
		return decode[uniswapv1.Pool](data)
	case lending.Schema:
		return decode[lending.PoolView](data)
	default:
		return nil, fmt.Errorf("unknown schema %q", schema)
	}
}

func (ops *StateOps) DecodeStateDiffJSON(
	schema engine.ProtocolSchema,
	data json.RawMessage,
) (any, error) {
	switch schema {
	case ledger.Schema:
		return decode[ledger.BalancesDiff](data)
	case uniswapv1.Schema:
		return decode[uniswapv1.PoolDiff](data)
	case lending.Schema:
		return decode[lending.PoolDiff](data)
	default:
		return nil, fmt.Errorf("unknown schema %q", schema)
	}
}

func decode[T any](data json.RawMessage) (any, error) {
	var typedData T
	if err := json.Unmarshal(data, &typedData); err != nil {
		return nil, err
	}
	return typedData, nil
}
