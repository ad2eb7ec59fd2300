package mq

import (
	"errors"
	"log/slog"

	"github.com/gonzalop/mqproto/ack"
	"github.com/gonzalop/mqproto/dispatch"
	"github.com/gonzalop/mqproto/internal/packets"
)

// errDispatchClientStopped is returned by sendProtocolAck when the
// client is shutting down before the ack packet could be queued.
var errDispatchClientStopped = errors.New("mq: client stopped before ack could be sent")

// EnableDispatch installs a dispatch.Dispatcher in front of this
// Client's incoming publishes, replacing the default immediate
// PUBACK/PUBREC-on-receipt behavior with the plenary acknowledgement
// scheme: the real PUBACK/PUBREC for a QoS>0 publish is sent only once
// every receiver it was routed to has released its AckToken. Call this
// once, right after Dial returns; publishes handled before it is
// installed take the default path. It is idempotent if a dispatcher is already
// installed. Receivers are created from the returned Dispatcher, not
// through Subscribe's MessageHandler, which is bypassed once a
// dispatcher is installed.
func (c *Client) EnableDispatch(bufferSize int) *dispatch.Dispatcher {
	if c.dispatcher != nil {
		return c.dispatcher
	}
	logger := c.opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c.dispatcher = dispatch.New(ack.AckerFunc(c.sendProtocolAck), bufferSize, logger)
	return c.dispatcher
}

// Dispatcher returns the dispatcher installed by EnableDispatch, or nil.
func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

func (c *Client) dispatchViaDispatcher(p *packets.PublishPacket) {
	if p.QoS > 0 {
		c.ackQoS.Store(p.PacketID, p.QoS)
	}
	pub := dispatch.Publish{
		Topic:      p.Topic,
		Payload:    p.Payload,
		QoS:        p.QoS,
		PKID:       p.PacketID,
		Dup:        p.Dup,
		Retained:   p.Retain,
		Properties: toDispatchProperties(p.Properties),
	}
	if _, err := c.dispatcher.Dispatch(pub); err != nil {
		c.opts.Logger.Error("dispatch failed", "topic", p.Topic, "error", err)
	}
}

// sendProtocolAck is the ack.Acker the dispatcher calls once a publish's
// plenary ack fires. It looks up the QoS recorded for pkid to decide
// between PUBACK and PUBREC, mirroring the immediate-ack branch this
// dispatcher replaces.
func (c *Client) sendProtocolAck(pkid uint16) error {
	qos, _ := c.ackQoS.LoadAndDelete(pkid)
	var pkt packets.Packet
	if qos == uint8(2) {
		pkt = &packets.PubrecPacket{PacketID: pkid}
	} else {
		pkt = &packets.PubackPacket{PacketID: pkid}
	}
	select {
	case c.outgoing <- pkt:
		return nil
	case <-c.stop:
		return errDispatchClientStopped
	}
}

func toDispatchProperties(p *packets.Properties) *dispatch.PublishProperties {
	if p == nil {
		return nil
	}
	out := &dispatch.PublishProperties{
		ContentType:     p.ContentType,
		ResponseTopic:   p.ResponseTopic,
		CorrelationData: p.CorrelationData,
	}
	if p.Presence&packets.PresPayloadFormatIndicator != 0 {
		v := p.PayloadFormatIndicator
		out.PayloadFormatIndicator = &v
	}
	if p.Presence&packets.PresMessageExpiryInterval != 0 {
		v := p.MessageExpiryInterval
		out.MessageExpiryInterval = &v
	}
	for _, up := range p.UserProperties {
		out.UserProperties = append(out.UserProperties, dispatch.UserProperty{Key: up.Key, Value: up.Value})
	}
	return out
}
