package dispatch

import (
	"io"
	"log/slog"

	"github.com/gonzalop/mqproto/ack"
)

// Dispatcher is the sole entry point for inbound publishes. It matches
// each publish against registered receivers, hands each matching
// receiver its own AckToken drawn from one PlenaryAck per publish, and
// only acks the publish to the broker once every token has been
// released, in broker delivery order.
type Dispatcher struct {
	manager *ReceiverManager
	queue   *ack.OrderedAckQueue
	logger  *slog.Logger
}

// New creates a Dispatcher that acks inbound QoS>0 publishes through
// acker. bufferSize configures new receivers' channel capacity.
func New(acker ack.Acker, bufferSize int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		manager: NewReceiverManager(bufferSize),
		queue:   ack.NewOrderedAckQueue(acker, logger),
		logger:  logger,
	}
}

// CreateFilteredReceiver registers a receiver for publishes matching
// filter (an MQTT topic filter, possibly containing wildcards).
func (d *Dispatcher) CreateFilteredReceiver(filter string) *Receiver {
	return d.manager.CreateFilteredReceiver(filter)
}

// CreateUnfilteredReceiver registers a catch-all receiver invoked only
// when a publish matches no filtered receiver.
func (d *Dispatcher) CreateUnfilteredReceiver() *Receiver {
	return d.manager.CreateUnfilteredReceiver()
}

// Dispatch routes p to matching receivers and returns how many it was
// routed to; a receiver whose full buffer dropped the delivery is still
// counted (so the unfiltered fallback is not tried for it). For QoS>0 publishes it builds one PlenaryAck covering every
// receiver dispatched to and commences it before returning, so the
// broker ack fires as soon as (and only once) every receiver has
// released its token — immediately, if there were none.
func (d *Dispatcher) Dispatch(p Publish) (int, error) {
	if !validTopicName(p.Topic) {
		return 0, ErrInvalidTopic
	}

	if p.Dup && p.QoS > 0 && d.queue.Contains(p.PKID) {
		d.logger.Debug("discarding retransmission of unacked publish", "pkid", p.PKID, "topic", p.Topic)
		return 0, nil
	}

	var plenary *ack.PlenaryAck
	if p.QoS > 0 {
		if err := d.queue.Register(p.PKID); err != nil {
			return 0, err
		}
		pkid := p.PKID
		plenary = ack.NewPlenaryAck(func() error {
			return d.queue.Ack(pkid)
		})
	}

	dispatched := d.dispatchTo(d.manager.MatchingFiltered(p.Topic), p, plenary)
	if dispatched == 0 {
		dispatched = d.dispatchTo(d.manager.UnfilteredSnapshot(), p, plenary)
	}

	if plenary != nil {
		// Zero dispatches with QoS>0 fires the plenary immediately,
		// auto-acking the publish so an unread subscription never
		// backpressures the broker.
		plenary.Commence()
	}

	return dispatched, nil
}

func (d *Dispatcher) dispatchTo(receivers []*Receiver, p Publish, plenary *ack.PlenaryAck) int {
	dispatched := 0
	for _, r := range receivers {
		var tok *ack.AckToken
		if plenary != nil {
			member, err := plenary.CreateMember()
			if err != nil {
				d.logger.Error("plenary ack rejected member after commence", "error", err)
				continue
			}
			tok = member
		}

		if !r.deliver(Delivery{Publish: p, Token: tok}) {
			d.logger.Warn("receiver buffer full, dropping delivery", "topic", p.Topic)
			if tok != nil {
				tok.Release()
			}
		}
		dispatched++
	}
	return dispatched
}
