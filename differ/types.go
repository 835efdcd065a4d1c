package differ

import "github.com/defistate/defistate-lending-go/engine"

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Emptier is implemented by protocol diffs that can report having no changes.
// Empty diffs are left out of a StateDiff.
type Emptier interface {
	IsEmpty() bool
}

type ProtocolDiff struct {
	Meta engine.ProtocolMeta `json:"meta"`

	// Schema is the decode contract for Data.
	// Examples:
	// "defistate/ledger/balances@v1"
	// "defistate/uniswapv1/pool@v1"
	// "defistate/lending/pool@v1"
	Schema engine.ProtocolSchema `json:"schema"`

	// Data is the protocol diff, shaped by Schema.
	Data any `json:"data,omitempty"`

	// Error is populated if the protocol could not produce a view.
	Error string `json:"error,omitempty"`
}

// StateDiff summarizes the changes between two snapshots, FromSequence to ToSequence.
type StateDiff struct {
	Timestamp    uint64                             `json:"timestamp"`
	FromSequence uint64                             `json:"fromSequence"`
	ToSequence   uint64                             `json:"toSequence"`
	Protocols    map[engine.ProtocolID]ProtocolDiff `json:"protocols"`
}

// IsEmpty returns true if no protocol changed.
func (d *StateDiff) IsEmpty() bool {
	return len(d.Protocols) == 0
}
