package engine

type ProtocolName string
type ProtocolID string

// ProtocolSchema defines the decode contract for a protocol's data
type ProtocolSchema string

type ProtocolMeta struct {
	Name ProtocolName `json:"name"`           // human label
	Tags []string     `json:"tags,omitempty"` // "amm", "lending", etc.
}

type ProtocolState struct {
	Meta ProtocolMeta `json:"meta"`

	// Schema is the decode contract for Data.
	// Example:
	// "defistate/uniswapv1/pool@v1"
	Schema ProtocolSchema `json:"schema"`

	// Data is the protocol view, shaped by Schema.
	Data any `json:"data,omitempty"`

	// Error is populated if the protocol could not produce a view.
	Error string `json:"error,omitempty"`
}

// State is a point-in-time snapshot of every component, taken between operations.
type State struct {
	// Sequence counts the operations committed before this snapshot was taken.
	Sequence  uint64                       `json:"sequence"`
	Timestamp uint64                       `json:"timestamp"` // Unix nanoseconds.
	Protocols map[ProtocolID]ProtocolState `json:"protocols"`
}

func (state *State) HasErrors() bool {
	// Check protocol-level errors
	for _, pr := range state.Protocols {
		if pr.Error != "" {
			return true
		}
	}
	return false
}
