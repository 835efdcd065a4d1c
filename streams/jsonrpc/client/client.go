package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	differ "github.com/defistate/defistate-lending-go/differ"
	"github.com/defistate/defistate-lending-go/engine"
	"github.com/ethereum/go-ethereum/rpc"
)

// Constants for reconnection logic
const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second

	// RpcNamespace is the namespace under which the streamer is registered.
	RpcNamespace                  = "defi"
	StateStreamSubscriptionMethod = "subscribeStateStream"

	// Event types carried in SubscriptionEvent.Type.
	EventFull = "full"
	EventDiff = "diff"
)

// ErrSequenceGap is returned when a diff does not start at the last known
// sequence. The stream cannot recover from it without a new full state.
var ErrSequenceGap = errors.New("diff does not continue the last known state")

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// StatePatcherFunc defines the function signature for a method that safely applies
// a diff to a previous state.
type StatePatcherFunc func(prevState *engine.State, diff *differ.StateDiff) (newState *engine.State, err error)

type DecoderFunc func(schema engine.ProtocolSchema, data json.RawMessage) (any, error)

// Config holds the configuration for the client.
type Config struct {
	URL              string
	Logger           Logger
	BufferSize       uint
	StatePatcher     StatePatcherFunc
	StateDecoder     DecoderFunc
	StateDiffDecoder DecoderFunc
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("config: URL is required")
	}
	if c.BufferSize < 1 {
		return errors.New("config: BufferSize must be greater than 0")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.StatePatcher == nil {
		return errors.New("config: StatePatcher is required")
	}
	if c.StateDecoder == nil {
		return errors.New("config: StateDecoder is required")
	}
	if c.StateDiffDecoder == nil {
		return errors.New("config: StateDiffDecoder is required")
	}
	return nil
}

// SubscriptionEvent is the wrapper object exchanged on the state stream.
type SubscriptionEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  int64           `json:"sentAt"`
}

// -----------------------------------------------------------------------------
// StreamProcessor
// -----------------------------------------------------------------------------

// StreamProcessor handles the business logic of parsing events, maintaining
// the latest state, applying diffs, and broadcasting updates.
// It is decoupled from the networking layer.
type StreamProcessor struct {
	lastState        *engine.State
	statePatcher     StatePatcherFunc
	stateDecoder     DecoderFunc
	stateDiffDecoder DecoderFunc
	stateCh          chan *engine.State
	logger           Logger
}

// NewStreamProcessor creates a pure logic processor without networking.
func NewStreamProcessor(
	logger Logger,
	bufferSize uint,
	statePatcher StatePatcherFunc,
	stateDecoder DecoderFunc,
	stateDiffDecoder DecoderFunc,
) *StreamProcessor {
	return &StreamProcessor{
		logger:           logger,
		stateCh:          make(chan *engine.State, bufferSize),
		statePatcher:     statePatcher,
		stateDecoder:     stateDecoder,
		stateDiffDecoder: stateDiffDecoder,
	}
}

// State returns a read-only channel for receiving new states.
func (sp *StreamProcessor) State() <-chan *engine.State {
	return sp.stateCh
}

// ProcessMessage accepts a raw JSON message, processes it, and updates the
// internal state.
func (sp *StreamProcessor) ProcessMessage(rawData json.RawMessage) error {
	processingStart := time.Now()
	var event SubscriptionEvent

	if err := json.Unmarshal(rawData, &event); err != nil {
		return fmt.Errorf("failed to unmarshal subscription event: %w", err)
	}

	switch event.Type {
	case EventFull:
		return sp.handleFullState(event, processingStart)
	case EventDiff:
		return sp.handleDiff(event, processingStart)
	default:
		return fmt.Errorf("received unknown event type: %s", event.Type)
	}
}

func (sp *StreamProcessor) handleFullState(event SubscriptionEvent, start time.Time) error {
	var cState clientState
	if err := json.Unmarshal(event.Payload, &cState); err != nil {
		return fmt.Errorf("failed to unmarshal full state payload: %w", err)
	}

	state := engine.State{
		Sequence:  cState.Sequence,
		Timestamp: cState.Timestamp,
		Protocols: map[engine.ProtocolID]engine.ProtocolState{},
	}

	for pID, protocolState := range cState.Protocols {
		typedData, err := sp.stateDecoder(protocolState.Schema, protocolState.Data)
		if err != nil {
			return fmt.Errorf("failed to decode state for protocol %s: %w", pID, err)
		}

		state.Protocols[pID] = engine.ProtocolState{
			Meta:   protocolState.Meta,
			Schema: protocolState.Schema,
			Data:   typedData,
			Error:  protocolState.Error,
		}
	}

	sp.logMetrics(&state, time.Since(start), event.SentAt, EventFull)

	sp.storeState(&state)
	sp.stateCh <- &state
	return nil
}

func (sp *StreamProcessor) handleDiff(event SubscriptionEvent, start time.Time) error {
	var cDiff clientStateDiff
	if err := json.Unmarshal(event.Payload, &cDiff); err != nil {
		return fmt.Errorf("failed to unmarshal diff payload: %w", err)
	}

	if sp.lastState == nil {
		return fmt.Errorf("received diff before full state; from_sequence: %d, to_sequence: %d", cDiff.FromSequence, cDiff.ToSequence)
	}
	if cDiff.FromSequence != sp.lastState.Sequence {
		sp.logger.Warn(
			"Received out-of-order diff; state is out of sync.",
			"last_known_sequence", sp.lastState.Sequence,
			"diff_from_sequence", cDiff.FromSequence,
			"diff_to_sequence", cDiff.ToSequence,
		)
		return fmt.Errorf("%w: have %d, diff starts at %d", ErrSequenceGap, sp.lastState.Sequence, cDiff.FromSequence)
	}

	diff := differ.StateDiff{
		FromSequence: cDiff.FromSequence,
		ToSequence:   cDiff.ToSequence,
		Timestamp:    cDiff.Timestamp,
		Protocols:    make(map[engine.ProtocolID]differ.ProtocolDiff),
	}

	for pID, protocolDiff := range cDiff.Protocols {
		typedData, err := sp.stateDiffDecoder(protocolDiff.Schema, protocolDiff.Data)
		if err != nil {
			return fmt.Errorf("failed to decode diff data for protocol %s: %w", pID, err)
		}

		diff.Protocols[pID] = differ.ProtocolDiff{
			Meta:   protocolDiff.Meta,
			Schema: protocolDiff.Schema,
			Data:   typedData,
			Error:  protocolDiff.Error,
		}
	}

	newState, err := sp.statePatcher(sp.lastState, &diff)
	if err != nil {
		return fmt.Errorf("failed to patch state: %w", err)
	}

	sp.logMetrics(newState, time.Since(start), event.SentAt, EventDiff)

	sp.storeState(newState)
	sp.stateCh <- newState
	return nil
}

func (sp *StreamProcessor) storeState(state *engine.State) {
	sp.lastState = state
}

// reset forgets the last state so the next message must be a full state.
func (sp *StreamProcessor) reset() {
	sp.lastState = nil
}

func (sp *StreamProcessor) logMetrics(state *engine.State, processingDur time.Duration, sentAt int64, stateType string) {
	if state == nil {
		return
	}

	clientFinishTime := time.Now()
	clientStartTime := clientFinishTime.Add(-processingDur)
	serverFinishTime := time.Unix(0, sentAt)
	committedAt := time.Unix(0, int64(state.Timestamp))

	errorCount := 0
	for _, p := range state.Protocols {
		if p.Error != "" {
			errorCount++
		}
	}

	sp.logger.Debug("State Processed",
		"sequence", state.Sequence,
		"type", stateType,
		"protocols", len(state.Protocols),
		"errors", errorCount,
		"latency_total_ms", clientFinishTime.Sub(committedAt).Milliseconds(),
		"latency_transport_ms", clientStartTime.Sub(serverFinishTime).Milliseconds(),
		"latency_proc_ms", processingDur.Milliseconds(),
	)
}

// -----------------------------------------------------------------------------
// Client (Networking Wrapper)
// -----------------------------------------------------------------------------

// Client manages the connection and uses StreamProcessor for logic.
type Client struct {
	processor *StreamProcessor
	errCh     chan error
	logger    Logger
}

// NewClient creates a new client with networking enabled.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	processor := NewStreamProcessor(
		cfg.Logger,
		cfg.BufferSize,
		cfg.StatePatcher,
		cfg.StateDecoder,
		cfg.StateDiffDecoder,
	)

	client := &Client{
		processor: processor,
		errCh:     make(chan error, 1),
		logger:    cfg.Logger,
	}

	go client.run(ctx, cfg.URL)
	return client, nil
}

// State delegates to the processor's state channel.
func (c *Client) State() <-chan *engine.State {
	return c.processor.State()
}

// Err returns a read-only channel for receiving fatal (unrecoverable) errors.
func (c *Client) Err() <-chan error {
	return c.errCh
}

// run handles the networking lifecycle and feeds data to the processor.
func (c *Client) run(ctx context.Context, url string) {
	defer close(c.errCh)
	reconnectDelay := initialReconnectDelay

	for {
		if ctx.Err() != nil {
			c.logger.Info("Client context canceled, shutting down.")
			return
		}

		c.logger.Info("Attempting to connect to RPC server", "url", url)
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			c.logger.Error("Failed to connect to RPC server, will retry...", "error", err, "delay", reconnectDelay)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, maxReconnectDelay)
			continue
		}

		c.logger.Info("Successfully connected to RPC server.")
		reconnectDelay = initialReconnectDelay

		err = c.subscribeAndProcess(ctx, rpcClient)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("Context canceled, shutting down.")
				return
			}
			c.logger.Error("Subscription failed, will reconnect...", "error", err, "delay", reconnectDelay)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, maxReconnectDelay)
		}
	}
}

func (c *Client) subscribeAndProcess(ctx context.Context, rpcClient *rpc.Client) error {
	defer rpcClient.Close()

	// A new subscription always opens with a full state.
	c.processor.reset()

	rawCh := make(chan json.RawMessage)
	sub, err := rpcClient.Subscribe(ctx, RpcNamespace, rawCh, StateStreamSubscriptionMethod)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	c.logger.Info("Successfully subscribed. Waiting for data...")
	for {
		select {
		case rawData := <-rawCh:
			if err := c.processor.ProcessMessage(rawData); err != nil {
				if errors.Is(err, ErrSequenceGap) {
					return err
				}
				c.logger.Error("Error processing message", "error", err)
			}
		case err := <-sub.Err():
			if err == nil {
				return errors.New("subscription closed by server")
			}
			return err
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping subscription.")
			return ctx.Err()
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
