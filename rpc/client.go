package rpc

import (
	"context"

	"github.com/gonzalop/mqproto/dispatch"
)

// MqttClient is the transport surface the invoker and executor consume.
// It is satisfied by an adapter over the mq package's *Client; tests
// use a fake implementation with no network at all.
type MqttClient interface {
	ClientID() string
	Publish(ctx context.Context, topic string, qos uint8, payload []byte, props *dispatch.PublishProperties) error
	Subscribe(ctx context.Context, filter string, qos uint8) (*dispatch.Receiver, error)
	Unsubscribe(ctx context.Context, filter string) error
}
