package mq

import (
	"context"

	"github.com/gonzalop/mqproto/dispatch"
)

// Adapter exposes a Client through the synchronous, context-aware
// transport surface the rpc, statestore and lock packages consume
// (rpc.MqttClient), bridging the Client's Token-based asynchronous API
// and dispatch.Dispatcher's plenary-ack receivers onto it.
type Adapter struct {
	client *Client
}

// NewAdapter wraps client, enabling its dispatcher (with bufferSize
// receiver capacity) if it has not been enabled already.
func NewAdapter(client *Client, bufferSize int) *Adapter {
	client.EnableDispatch(bufferSize)
	return &Adapter{client: client}
}

// ClientID returns the client's identifier, preferring one assigned by
// the server over the user-requested one.
func (a *Adapter) ClientID() string {
	if id := a.client.AssignedClientID(); id != "" {
		return id
	}
	return a.client.opts.ClientID
}

// Publish sends payload to topic, translating props to the Client's
// native publish options and waiting for its Token to resolve.
func (a *Adapter) Publish(ctx context.Context, topic string, qos uint8, payload []byte, props *dispatch.PublishProperties) error {
	tok := a.client.Publish(topic, payload, publishOptionsFromDispatch(qos, props)...)
	return tok.Wait(ctx)
}

// Subscribe issues a real SUBSCRIBE for filter and returns the
// dispatcher receiver that will carry its matching deliveries. The
// MessageHandler passed to the underlying Subscribe is never invoked:
// once a dispatcher is installed, handlePublish routes every publish
// through it instead of the handler-matching path.
func (a *Adapter) Subscribe(ctx context.Context, filter string, qos uint8) (*dispatch.Receiver, error) {
	receiver := a.client.dispatcher.CreateFilteredReceiver(filter)
	tok := a.client.Subscribe(filter, QoS(qos), func(*Client, Message) {})
	if err := tok.Wait(ctx); err != nil {
		receiver.Close()
		return nil, err
	}
	return receiver, nil
}

// Unsubscribe issues a real UNSUBSCRIBE for filter.
func (a *Adapter) Unsubscribe(ctx context.Context, filter string) error {
	tok := a.client.Unsubscribe(filter)
	return tok.Wait(ctx)
}

func publishOptionsFromDispatch(qos uint8, props *dispatch.PublishProperties) []PublishOption {
	opts := []PublishOption{WithQoS(QoS(qos))}
	if props == nil {
		return opts
	}
	if props.ContentType != "" {
		opts = append(opts, WithContentType(props.ContentType))
	}
	if props.ResponseTopic != "" {
		opts = append(opts, WithResponseTopic(props.ResponseTopic))
	}
	if len(props.CorrelationData) > 0 {
		opts = append(opts, WithCorrelationData(props.CorrelationData))
	}
	if props.MessageExpiryInterval != nil {
		opts = append(opts, WithMessageExpiry(*props.MessageExpiryInterval))
	}
	if props.PayloadFormatIndicator != nil {
		opts = append(opts, WithPayloadFormat(*props.PayloadFormatIndicator))
	}
	for _, up := range props.UserProperties {
		opts = append(opts, WithUserProperty(up.Key, up.Value))
	}
	return opts
}
