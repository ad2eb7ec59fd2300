package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/gonzalop/mqproto/topic"
)

// defaultReceiverBuffer bounds how many undelivered Deliveries a slow
// receiver may accumulate before the dispatcher starts dropping new
// ones for it (a full buffer is a backpressure signal, not a closed
// receiver, and does not cause pruning).
const defaultReceiverBuffer = 32

// Receiver is a handle the application reads publishes from. Call Close
// when the application no longer wants this subscription's deliveries;
// the dispatcher notices lazily (on the next dispatch) or eagerly (on
// the next filtered-receiver registration for the same filter).
type Receiver struct {
	ch     chan Delivery
	closed atomic.Bool
}

func newReceiver(bufSize int) *Receiver {
	if bufSize <= 0 {
		bufSize = defaultReceiverBuffer
	}
	return &Receiver{ch: make(chan Delivery, bufSize)}
}

// Deliveries returns the channel of incoming Delivery values.
func (r *Receiver) Deliveries() <-chan Delivery {
	return r.ch
}

// Close marks the receiver closed. It is idempotent.
func (r *Receiver) Close() {
	r.closed.Store(true)
}

func (r *Receiver) isClosed() bool {
	return r.closed.Load()
}

// deliver attempts a non-blocking send; a full buffer drops the
// delivery (slow consumer) without pruning the receiver.
func (r *Receiver) deliver(d Delivery) (sent bool) {
	select {
	case r.ch <- d:
		return true
	default:
		return false
	}
}

// ReceiverManager holds the registration state behind dispatch: a set of
// topic-filtered receiver lists and a list of unfiltered (catch-all)
// receivers.
type ReceiverManager struct {
	mu         sync.Mutex
	filtered   map[string][]*Receiver
	unfiltered []*Receiver
	bufferSize int
}

// NewReceiverManager creates an empty manager. bufferSize configures new
// receivers' channel capacity (0 selects a default).
func NewReceiverManager(bufferSize int) *ReceiverManager {
	return &ReceiverManager{
		filtered:   make(map[string][]*Receiver),
		bufferSize: bufferSize,
	}
}

func pruneSlice(rs []*Receiver) []*Receiver {
	out := rs[:0]
	for _, r := range rs {
		if !r.isClosed() {
			out = append(out, r)
		}
	}
	return out
}

// CreateFilteredReceiver prunes any closed receivers already registered
// for filter, then appends and returns a new one.
func (m *ReceiverManager) CreateFilteredReceiver(filter string) *Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.filtered[filter]; ok {
		pruned := pruneSlice(existing)
		if len(pruned) == 0 {
			delete(m.filtered, filter)
		} else {
			m.filtered[filter] = pruned
		}
	}

	r := newReceiver(m.bufferSize)
	m.filtered[filter] = append(m.filtered[filter], r)
	return r
}

// CreateUnfilteredReceiver appends a new catch-all receiver without
// pruning (pruning for the unfiltered list only ever happens lazily, at
// dispatch time).
func (m *ReceiverManager) CreateUnfilteredReceiver() *Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := newReceiver(m.bufferSize)
	m.unfiltered = append(m.unfiltered, r)
	return r
}

// MatchingFiltered returns the live receivers registered under any
// filter matching topicName, pruning closed entries (and empty filter
// vectors) it encounters along the way.
func (m *ReceiverManager) MatchingFiltered(topicName string) []*Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Receiver
	for filter, rs := range m.filtered {
		if !topic.MatchFilter(filter, topicName) {
			continue
		}
		pruned := pruneSlice(rs)
		if len(pruned) == 0 {
			delete(m.filtered, filter)
			continue
		}
		m.filtered[filter] = pruned
		out = append(out, pruned...)
	}
	return out
}

// UnfilteredSnapshot returns the live unfiltered receivers, pruning any
// closed ones it finds.
func (m *ReceiverManager) UnfilteredSnapshot() []*Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := pruneSlice(m.unfiltered)
	m.unfiltered = pruned
	out := make([]*Receiver, len(pruned))
	copy(out, pruned)
	return out
}
