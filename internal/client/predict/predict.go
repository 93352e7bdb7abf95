// Package predict numbers outbound property updates per object and
// matches authority acknowledgements back to them, so a client can tell
// which of its optimistic writes the authority has confirmed.
package predict

import (
	"sync"

	"statecast.dev/internal/protocol"
)

// AckPolicy decides how acknowledgements move the last-acked counter.
type AckPolicy uint8

const (
	// AckAcceptAny overwrites the counter with whatever arrives, even a
	// lower sequence. Out-of-order delivery can regress the counter.
	AckAcceptAny AckPolicy = iota
	// AckMonotonicOnly ignores acknowledgements older than the current
	// counter, with wraparound-aware comparison.
	AckMonotonicOnly
)

type objectState struct {
	next      uint32 // next sequence to hand out
	lastAcked uint32
	acked     bool // whether any ack has arrived yet
}

// Tracker keeps per-object prediction sequence state. Safe for
// concurrent use by the send path and the receive loop.
type Tracker struct {
	mu     sync.Mutex
	policy AckPolicy
	states map[uint64]*objectState
}

func NewTracker(policy AckPolicy) *Tracker {
	return &Tracker{
		policy: policy,
		states: map[uint64]*objectState{},
	}
}

// Register starts tracking an object. Both counters begin at zero.
func (t *Tracker) Register(objectID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[objectID]; ok {
		return protocol.Errorf(protocol.ErrAlreadyExists, "object %d already tracked", objectID)
	}
	t.states[objectID] = &objectState{}
	return nil
}

// NextSequence returns the current sequence and advances it. The
// counter wraps at the uint32 boundary.
func (t *Tracker) NextSequence(objectID uint64) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[objectID]
	if st == nil {
		return 0, protocol.Errorf(protocol.ErrNotFound, "object %d not tracked", objectID)
	}
	seq := st.next
	st.next++
	return seq, nil
}

// ProcessAck records an authority acknowledgement for the object.
func (t *Tracker) ProcessAck(objectID uint64, seq uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[objectID]
	if st == nil {
		return protocol.Errorf(protocol.ErrNotFound, "object %d not tracked", objectID)
	}
	if t.policy == AckMonotonicOnly && st.acked && !newer(seq, st.lastAcked) {
		return nil
	}
	st.lastAcked = seq
	st.acked = true
	return nil
}

// newer reports whether a comes after b in wraparound sequence order.
func newer(a, b uint32) bool { return int32(a-b) > 0 }

// LastAcked returns the last acknowledged sequence and whether any
// acknowledgement has arrived.
func (t *Tracker) LastAcked(objectID uint64) (uint32, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[objectID]
	if st == nil {
		return 0, false, protocol.Errorf(protocol.ErrNotFound, "object %d not tracked", objectID)
	}
	return st.lastAcked, st.acked, nil
}

// Unregister stops tracking an object. Unknown ids are a no-op.
func (t *Tracker) Unregister(objectID uint64) {
	t.mu.Lock()
	delete(t.states, objectID)
	t.mu.Unlock()
}

// Tracked reports the number of tracked objects.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
