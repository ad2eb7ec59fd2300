package ack

import (
	"io"
	"log/slog"
	"sync"
)

// Acker issues the transport-level acknowledgement (PUBACK/PUBREC) for a
// single inbound packet identifier. It is the only collaborator the
// ordered ack queue needs from the MQTT transport.
type Acker interface {
	AckPKID(pkid uint16) error
}

// AckerFunc adapts a function to an Acker.
type AckerFunc func(pkid uint16) error

func (f AckerFunc) AckPKID(pkid uint16) error { return f(pkid) }

// OrderedAckQueue keeps inbound QoS>0 packet identifiers in broker
// delivery order and drains the contiguous ready prefix whenever a member
// becomes ready, so that acks reach the broker in the same order the
// publishes arrived regardless of the order in which the application
// released them. See MQTT 5 PKID reuse rules.
type OrderedAckQueue struct {
	mu     sync.Mutex
	order  []uint16
	ready  map[uint16]bool
	acker  Acker
	logger *slog.Logger
}

// NewOrderedAckQueue creates a queue that issues acks through acker.
func NewOrderedAckQueue(acker Acker, logger *slog.Logger) *OrderedAckQueue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OrderedAckQueue{
		ready:  make(map[uint16]bool),
		acker:  acker,
		logger: logger,
	}
}

// Register records pkid as received and unready. It fails with
// ErrInvalidPkid if pkid is already registered and not yet drained.
func (q *OrderedAckQueue) Register(pkid uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ready[pkid]; exists {
		return ErrInvalidPkid
	}
	q.order = append(q.order, pkid)
	q.ready[pkid] = false
	return nil
}

// Contains reports whether pkid is currently registered and not yet
// drained — used by the dispatcher to detect a retransmission of a
// publish that was never acked.
func (q *OrderedAckQueue) Contains(pkid uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.ready[pkid]
	return exists
}

// Ack marks pkid ready, then drains the contiguous ready prefix from the
// head of the queue, issuing the transport ack for each popped pkid in
// insertion order. Only a transport-ack failure for pkid itself is
// returned to this call; failures for other entries drained in the same
// pass are logged and swallowed, since their own Ack calls already
// returned successfully when they merely marked the entry ready.
func (q *OrderedAckQueue) Ack(pkid uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ready[pkid]; !exists {
		return ErrNotRegistered
	}
	q.ready[pkid] = true

	var result error
	for len(q.order) > 0 {
		head := q.order[0]
		if !q.ready[head] {
			break
		}
		err := q.acker.AckPKID(head)
		q.order = q.order[1:]
		delete(q.ready, head)
		if err != nil {
			q.logger.Warn("transport ack failed", "pkid", head, "error", err)
			if head == pkid {
				result = err
			}
		}
	}
	return result
}
