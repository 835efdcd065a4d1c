package differ

import (
	"errors"
	"fmt"

	"github.com/defistate/defistate-lending-go/engine"
	"github.com/prometheus/client_golang/prometheus"
)

// --- Config and Main Struct ---
type ProtocolDiffer func(old, new any) (diff any, err error)

// StateDifferConfig holds all the individual differ functions and dependencies.
type StateDifferConfig struct {
	// One differ per schema (data contract), not per protocol identity.
	ProtocolDiffers map[engine.ProtocolSchema]ProtocolDiffer
	Registry        prometheus.Registerer
	Logger          Logger
}

// validate checks if the configuration is valid, ensuring required dependencies are present.
func (c *StateDifferConfig) validate() error {
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	for schema, d := range c.ProtocolDiffers {
		if d == nil {
			return fmt.Errorf("config: differ for schema %q cannot be nil", schema)
		}
	}
	return nil
}

// StateDiffer computes per-protocol diffs between two snapshots.
type StateDiffer struct {
	metrics         *Metrics
	logger          Logger
	protocolDiffers map[engine.ProtocolSchema]ProtocolDiffer
}

// NewStateDiffer constructs a new differ from a configuration, returning an error if the config is invalid.
func NewStateDiffer(cfg *StateDifferConfig) (*StateDiffer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	protocolDiffers := make(map[engine.ProtocolSchema]ProtocolDiffer, len(cfg.ProtocolDiffers))
	for schema, protocolDiffer := range cfg.ProtocolDiffers {
		protocolDiffers[schema] = protocolDiffer
	}

	return &StateDiffer{
		metrics:         NewMetrics(cfg.Registry),
		logger:          cfg.Logger,
		protocolDiffers: protocolDiffers,
	}, nil
}

// Diff compares two error-free snapshots. Protocols whose diff reports IsEmpty are
// left out, so a diff between identical snapshots has no protocols.
func (d *StateDiffer) Diff(old, new *engine.State) (*StateDiff, error) {
	totalTimer := prometheus.NewTimer(d.metrics.diffDuration.WithLabelValues())
	defer totalTimer.ObserveDuration()

	if old.HasErrors() || new.HasErrors() {
		return nil, errors.New("StateDiffer received view with error")
	}
	if new.Sequence < old.Sequence {
		return nil, fmt.Errorf("new state sequence %d is behind old state %d", new.Sequence, old.Sequence)
	}

	protocolDiffs := make(map[engine.ProtocolID]ProtocolDiff)
	for protocolID, newProtocolState := range new.Protocols {
		oldProtocolState, ok := old.Protocols[protocolID]
		if !ok {
			return nil, fmt.Errorf("protocolID %s does not exist in old state", protocolID)
		}
		if oldProtocolState.Schema != newProtocolState.Schema {
			return nil, fmt.Errorf("schema of protocol %s changed from %q to %q", protocolID, oldProtocolState.Schema, newProtocolState.Schema)
		}

		differFunc, exists := d.protocolDiffers[newProtocolState.Schema]
		if !exists {
			return nil, fmt.Errorf("no differ registered for schema %q", newProtocolState.Schema)
		}
		diffData, err := differFunc(oldProtocolState.Data, newProtocolState.Data)
		if err != nil {
			return nil, fmt.Errorf("diffing protocol %s: %w", protocolID, err)
		}
		if e, ok := diffData.(Emptier); ok && e.IsEmpty() {
			continue
		}

		protocolDiffs[protocolID] = ProtocolDiff{
			Meta:   newProtocolState.Meta,
			Schema: newProtocolState.Schema,
			Data:   diffData,
		}
	}
	d.metrics.protocolsChanged.Observe(float64(len(protocolDiffs)))

	return &StateDiff{
		Timestamp:    new.Timestamp,
		FromSequence: old.Sequence,
		ToSequence:   new.Sequence,
		Protocols:    protocolDiffs,
	}, nil
}

// Typed adapts a strongly typed differ to a ProtocolDiffer. Both snapshots must
// hold a V.
func Typed[V, D any](f func(old, new V) D) ProtocolDiffer {
	return func(oldData, newData any) (any, error) {
		var want V
		o, ok := oldData.(V)
		if !ok {
			return nil, fmt.Errorf("old data is %T, want %T", oldData, want)
		}
		n, ok := newData.(V)
		if !ok {
			return nil, fmt.Errorf("new data is %T, want %T", newData, want)
		}
		return f(o, n), nil
	}
}
