// Package dispatch implements the incoming publish dispatcher: it routes
// broker publishes to per-subscription receivers and delays the broker
// acknowledgement until every receiver of a given publish has released
// its reference (the "plenary ack" property), while keeping acks in
// broker delivery order via an ordered ack queue.
package dispatch

import (
	"errors"
	"unicode/utf8"

	"github.com/gonzalop/mqproto/ack"
)

// ErrInvalidTopic is returned when a publish's topic is not valid UTF-8
// or is otherwise not a legal topic name.
var ErrInvalidTopic = errors.New("dispatch: invalid topic")

// UserProperty is one ordered (key, value) pair of an MQTT 5 user
// property list.
type UserProperty struct {
	Key   string
	Value string
}

// PublishProperties carries the MQTT 5 properties of a Publish envelope
// relevant to this module; it is nil for MQTT 3.1.1 traffic.
type PublishProperties struct {
	PayloadFormatIndicator *uint8
	MessageExpiryInterval  *uint32
	ContentType            string
	CorrelationData        []byte
	ResponseTopic          string
	UserProperties         []UserProperty
}

// Get returns the first value bound to key among UserProperties, and
// whether it was present.
func (p *PublishProperties) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, up := range p.UserProperties {
		if up.Key == key {
			return up.Value, true
		}
	}
	return "", false
}

// Publish is the transport-agnostic inbound/outbound envelope this
// module operates on. The mq package translates its own wire packets
// to and from Publish at the boundary.
type Publish struct {
	Topic      string
	Payload    []byte
	QoS        uint8
	PKID       uint16
	Dup        bool
	Retained   bool
	Properties *PublishProperties
}

func validTopicName(topic string) bool {
	return topic != "" && utf8.ValidString(topic)
}

// Delivery is what a Receiver observes: the publish itself, and — for
// QoS>0 publishes — the AckToken the receiver must release (explicitly
// or by calling Release) to contribute its share of the plenary ack.
// Token is nil for QoS0 publishes.
type Delivery struct {
	Publish Publish
	Token   *ack.AckToken
}
