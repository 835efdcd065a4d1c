package client

import (
	"encoding/json"

	"github.com/defistate/defistate-lending-go/engine"
)

// clientState mirrors engine.State but strictly types the Data field as RawMessage.
// This prevents the Go JSON decoder from unmarshaling into map[string]interface{}.
type clientState struct {
	Sequence  uint64                                    `json:"sequence"`
	Timestamp uint64                                    `json:"timestamp"`
	Protocols map[engine.ProtocolID]clientProtocolState `json:"protocols"`
}

type clientProtocolState struct {
	Meta   engine.ProtocolMeta   `json:"meta"`
	Schema engine.ProtocolSchema `json:"schema"`
	Error  string                `json:"error,omitempty"`

	// Data is kept as raw bytes. We decode this later using the specific Schema.
	Data json.RawMessage `json:"data,omitempty"`
}

// clientStateDiff mirrors differ.StateDiff but keeps the protocol diffs as raw bytes.
type clientStateDiff struct {
	FromSequence uint64                                    `json:"fromSequence"`
	ToSequence   uint64                                    `json:"toSequence"`
	Timestamp    uint64                                    `json:"timestamp"`
	Protocols    map[engine.ProtocolID]clientProtocolState `json:"protocols"`
}
