package patcher

import (
	"errors"
	"fmt"

	differ "github.com/defistate/defistate-lending-go/differ"
	engine "github.com/defistate/defistate-lending-go/engine"
)

// --- Type Definitions ---

// PatcherFunc applies a diff to a previous state to produce a new state.
//
// CONTRACT:
// 1. Immutability: Implementations MUST NOT mutate 'prevState'. They must create a copy.
// 2. nil Handling: 'prevState' may be nil if this is a newly added protocol.
type PatcherFunc func(prevState any, diffData any) (newState any, err error)

// --- Config and Main Struct ---

type StatePatcherConfig struct {
	// Map Schema -> Patcher Function
	// Example: "defistate/uniswapv1/pool@v1" -> uniswapv1.Patcher
	Patchers map[engine.ProtocolSchema]PatcherFunc
}

func (c *StatePatcherConfig) validate() error {
	for _, patcher := range c.Patchers {
		if patcher == nil {
			return errors.New("patcher cannot be nil")
		}
	}
	return nil
}

// StatePatcher is the generic engine for applying state updates.
type StatePatcher struct {
	patchers map[engine.ProtocolSchema]PatcherFunc
}

// NewStatePatcher constructs a new patcher from a configuration.
func NewStatePatcher(cfg *StatePatcherConfig) (*StatePatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Copy map to ensure immutability
	patchers := make(map[engine.ProtocolSchema]PatcherFunc, len(cfg.Patchers))
	for k, v := range cfg.Patchers {
		patchers[k] = v
	}

	return &StatePatcher{
		patchers: patchers,
	}, nil
}

// --- Implementation ---

// Patch creates a new State by applying the Diff to the Old State.
// Protocols absent from the diff are shared by reference; changed ones are
// replaced by the PatcherFunc output.
func (p *StatePatcher) Patch(oldState *engine.State, diff *differ.StateDiff) (*engine.State, error) {
	if oldState.Sequence != diff.FromSequence {
		return nil, fmt.Errorf("patcher: mismatch fromSequence (state=%d, diff=%d)", oldState.Sequence, diff.FromSequence)
	}

	newProtocols := make(map[engine.ProtocolID]engine.ProtocolState, len(oldState.Protocols))
	for k, v := range oldState.Protocols {
		newProtocols[k] = v
	}

	for protocolID, protocolDiff := range diff.Protocols {
		patcherFunc, ok := p.patchers[protocolDiff.Schema]
		if !ok {
			return nil, fmt.Errorf("patcher: no patcher registered for schema %q (protocol=%s)", protocolDiff.Schema, protocolID)
		}

		var oldData any
		if oldResult, exists := oldState.Protocols[protocolID]; exists {
			// Schema migration is not supported; schemas must match.
			if oldResult.Schema != protocolDiff.Schema {
				return nil, fmt.Errorf("patcher: schema mismatch for protocol %s (old=%s, diff=%s)", protocolID, oldResult.Schema, protocolDiff.Schema)
			}
			oldData = oldResult.Data
		}

		newData, err := patcherFunc(oldData, protocolDiff.Data)
		if err != nil {
			return nil, fmt.Errorf("patcher: failed to patch protocol %s: %w", protocolID, err)
		}

		newProtocols[protocolID] = engine.ProtocolState{
			Meta:   protocolDiff.Meta,
			Schema: protocolDiff.Schema,
			Data:   newData,
			Error:  protocolDiff.Error,
		}
	}

	return &engine.State{
		Sequence:  diff.ToSequence,
		Timestamp: diff.Timestamp,
		Protocols: newProtocols,
	}, nil
}

// Typed adapts a strongly typed patcher to a PatcherFunc. A nil prevState is
// patched from the zero V.
func Typed[V, D any](f func(prev V, diff D) (V, error)) PatcherFunc {
	return func(prevState any, diffData any) (any, error) {
		var prev V
		if prevState != nil {
			p, ok := prevState.(V)
			if !ok {
				return nil, fmt.Errorf("previous state is %T, want %T", prevState, prev)
			}
			prev = p
		}
		d, ok := diffData.(D)
		if !ok {
			var want D
			return nil, fmt.Errorf("diff is %T, want %T", diffData, want)
		}
		return f(prev, d)
	}
}
