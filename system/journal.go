package system

import (
	"fmt"

	"github.com/defistate/defistate-lending-go/differ"
	"github.com/defistate/defistate-lending-go/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Receipt identifies a committed operation.
type Receipt struct {
	ID        string                  `json:"id"`
	Sequence  uint64                  `json:"sequence"`
	Operation string                  `json:"operation"`
	Caller    common.Address          `json:"caller"`
	Timestamp uint64                  `json:"timestamp"` // Unix nanoseconds.
	Amounts   map[string]*uint256.Int `json:"amounts,omitempty"`
}

// Entry is one journaled operation: its receipt and the diff from the previous
// snapshot. Diff is nil only if diffing failed, in which case subscribers were
// dropped and must resynchronize from State.
type Entry struct {
	Receipt Receipt           `json:"receipt"`
	Diff    *differ.StateDiff `json:"diff"`
}

// Event is delivered to subscribers for every committed operation.
type Event = Entry

// commit runs op under the system lock. On success the state advances by one
// sequence number, the diff is journaled and broadcast, and a receipt is returned.
// A failed op leaves everything untouched.
func (s *System) commit(operation string, caller common.Address, op func() (map[string]*uint256.Int, error)) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	amounts, err := op()
	if err != nil {
		s.metrics.failed.WithLabelValues(operation).Inc()
		s.logger.Debug("Operation failed", "operation", operation, "caller", caller.Hex(), "error", err)
		return Receipt{}, err
	}

	if err := s.ObserveOracle(); err != nil {
		s.logger.Warn("TWAP observation after commit failed", "operation", operation, "error", err)
	}

	next := s.snapshot(s.state.Sequence + 1)
	receipt := Receipt{
		ID:        uuid.NewString(),
		Sequence:  next.Sequence,
		Operation: operation,
		Caller:    caller,
		Timestamp: next.Timestamp,
		Amounts:   amounts,
	}

	diff, err := s.ops.Diff(s.state, next)
	if err != nil {
		s.logger.Error("Failed to diff committed state", "operation", operation, "sequence", next.Sequence, "error", err)
		s.dropSubscribers()
	}
	s.state = next
	s.append(Entry{Receipt: receipt, Diff: diff})

	s.metrics.committed.WithLabelValues(operation).Inc()
	s.metrics.sequence.Set(float64(next.Sequence))
	s.logger.Info("Operation committed",
		"receipt", receipt.ID,
		"operation", operation,
		"caller", caller.Hex(),
		"sequence", receipt.Sequence,
		"protocolsChanged", changed(diff),
	)
	return receipt, nil
}

func changed(diff *differ.StateDiff) int {
	if diff == nil {
		return -1
	}
	return len(diff.Protocols)
}

func (s *System) append(entry Entry) {
	s.journal = append(s.journal, entry)
	if over := len(s.journal) - s.journalSize; over > 0 {
		s.journal = append(s.journal[:0:0], s.journal[over:]...)
	}
	if entry.Diff == nil {
		return
	}
	for id, ch := range s.subscribers {
		select {
		case ch <- entry:
		default:
			s.logger.Warn("Subscriber fell behind, dropping it", "subscriber", id)
			delete(s.subscribers, id)
			close(ch)
			s.metrics.subscribers.Dec()
		}
	}
}

func (s *System) dropSubscribers() {
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.metrics.subscribers.Set(0)
}

// Journal returns the retained entries whose diff starts at or after
// fromSequence, oldest first.
func (s *System) Journal(fromSequence uint64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.journal))
	for _, e := range s.journal {
		if e.Receipt.Sequence > fromSequence {
			out = append(out, e)
		}
	}
	return out
}

// Replay patches base forward with every retained journal entry after it. base
// must not be older than the oldest retained entry.
func (s *System) Replay(base *engine.State) (*engine.State, error) {
	state := base
	for _, e := range s.Journal(base.Sequence) {
		if e.Diff == nil {
			return nil, fmt.Errorf("journal entry %d has no diff", e.Receipt.Sequence)
		}
		next, err := s.ops.Patch(state, e.Diff)
		if err != nil {
			return nil, fmt.Errorf("replaying %s (sequence %d): %w", e.Receipt.Operation, e.Receipt.Sequence, err)
		}
		state = next
	}
	return state, nil
}

// Subscribe returns the current snapshot and a channel carrying every later
// entry in order. The channel is closed if the subscriber falls more than
// buffer entries behind; the caller should then subscribe again. cancel
// releases the subscription and is safe to call more than once.
func (s *System) Subscribe(buffer int) (current *engine.State, events <-chan Event, cancel func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	current = s.state
	s.metrics.subscribers.Inc()
	s.mu.Unlock()

	cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
			s.metrics.subscribers.Dec()
		}
	}
	return current, ch, cancel
}
