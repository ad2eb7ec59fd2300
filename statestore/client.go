package statestore

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gonzalop/mqproto/dispatch"
	"github.com/gonzalop/mqproto/hlc"
	"github.com/gonzalop/mqproto/rpc"
	"github.com/gonzalop/mqproto/topic"
)

// requestTopic is the state store service's fixed command-invocation
// topic; the service GUID is part of the wire contract, not configuration.
const requestTopic = "statestore/v1/FA9AE35F-2F64-47CD-9BFF-08E2B32A0FE8/command/invoke"

const notifyTemplate = "clients/statestore/v1/FA9AE35F-2F64-47CD-9BFF-08E2B32A0FE8/{clientIdHex}/command/notify/{keyHex}"

const defaultCommandTimeout = 10 * time.Second

// SetCondition gates a Set operation's effect.
type SetCondition int

const (
	Unconditional SetCondition = iota
	OnlyIfDoesNotExist
	OnlyIfEqualOrDoesNotExist
)

// SetOptions configures Set.
type SetOptions struct {
	Condition SetCondition
	Expires   *time.Duration
}

// SetResult is the outcome of Set.
type SetResult struct {
	Applied bool
	Version hlc.Timestamp
}

// GetResult is the outcome of Get.
type GetResult struct {
	Value   []byte
	Found   bool
	Version hlc.Timestamp
}

// DelResult is the outcome of Del/VDel: Count is 0 (not found), -1
// (VDel value mismatch) or 1 (deleted).
type DelResult struct {
	Count   int64
	Version hlc.Timestamp
}

// NotificationKind discriminates a KeyNotification.
type NotificationKind int

const (
	KeySet NotificationKind = iota
	KeyDeleted
)

// KeyNotification is delivered to an observer's channel on a change to
// its observed key. Version is populated for both Set and Delete, so
// callers can fence against stale deletes as well as stale sets.
type KeyNotification struct {
	Key     []byte
	Kind    NotificationKind
	Value   []byte
	Version hlc.Timestamp
}

// KeyObservation is the handle returned by Observe.
type KeyObservation struct {
	Notifications <-chan KeyNotification
	ch            chan KeyNotification
	closed        bool
}

// Close stops delivery to this observation. At most one live observation
// per key is permitted; Close makes the key available for a new Observe.
func (o *KeyObservation) Close() {
	o.closed = true
}

// Client is a typed key/value and key-notification client over the
// state store service's RPC surface.
type Client struct {
	invoker *rpc.Invoker
	mqtt    rpc.MqttClient
	logger  *slog.Logger

	notifyPattern  *topic.Pattern
	notifyReceiver *dispatch.Receiver

	clientIDHex string

	mu        sync.Mutex
	observers map[string]*KeyObservation

	shutdownOnce sync.Once
	done         chan struct{}
}

// ClientOption configures New.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger *slog.Logger
	clock  *hlc.Clock
}

// WithClientLogger sets the client's logger (default: discarding).
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithClientClock supplies a shared Hybrid Logical Clock.
func WithClientClock(c *hlc.Clock) ClientOption {
	return func(o *clientOptions) { o.clock = c }
}

// New builds a state store Client over client.
func New(client rpc.MqttClient, opts ...ClientOption) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	invokerOpts := []rpc.InvokerOption{
		rpc.WithRequestTopic(requestTopic),
		rpc.WithCommandName("statestore"),
		rpc.WithInvokerLogger(o.logger),
	}
	if o.clock != nil {
		invokerOpts = append(invokerOpts, rpc.WithClock(o.clock))
	}
	invoker, err := rpc.NewInvoker(client, invokerOpts...)
	if err != nil {
		return nil, &Error{Kind: InvalidArgument, Parent: err}
	}

	clientIDHex := strings.ToUpper(hex.EncodeToString([]byte(client.ClientID())))
	notifyPattern, err := topic.Build(notifyTemplate, "", map[string]string{"clientIdHex": clientIDHex})
	if err != nil {
		return nil, &Error{Kind: InvalidArgument, Parent: err}
	}

	c := &Client{
		invoker:       invoker,
		mqtt:          client,
		logger:        o.logger,
		notifyPattern: notifyPattern,
		clientIDHex:   clientIDHex,
		observers:     make(map[string]*KeyObservation),
		done:          make(chan struct{}),
	}
	return c, nil
}

func (c *Client) ensureNotifyReceiver(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifyReceiver != nil {
		return nil
	}
	receiver, err := c.mqtt.Subscribe(ctx, c.notifyPattern.AsSubscribeTopic(), 1)
	if err != nil {
		return &Error{Kind: TransportError, Parent: err}
	}
	c.notifyReceiver = receiver
	go c.pumpNotifications()
	return nil
}

func (c *Client) pumpNotifications() {
	for {
		select {
		case d := <-c.notifyReceiver.Deliveries():
			c.handleNotification(d)
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleNotification(d dispatch.Delivery) {
	if d.Token != nil {
		defer d.Token.Release()
	}

	tokens, err := c.notifyPattern.ParseTokens(d.Publish.Topic)
	if err != nil {
		c.logger.Warn("key notification on unparseable topic", "topic", d.Publish.Topic, "error", err)
		return
	}
	keyHex, ok := tokens["keyHex"]
	if !ok {
		return
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		c.logger.Warn("key notification with malformed hex key token", "token", keyHex)
		return
	}

	reply, _, err := decodeReply(d.Publish.Payload)
	if err != nil {
		c.logger.Warn("malformed key notification payload", "error", err)
		return
	}

	props := d.Publish.Properties
	tsStr, ok := props.Get(rpc.PropTimestamp)
	if !ok {
		c.logger.Warn("key notification missing timestamp, dropping", "key", string(key))
		return
	}
	version, err := hlc.Parse(tsStr)
	if err != nil {
		c.logger.Warn("key notification with malformed timestamp, dropping", "key", string(key))
		return
	}

	notif := KeyNotification{Key: key, Version: version}
	switch reply.kind {
	case respBulkString:
		notif.Kind = KeySet
		notif.Value = reply.bulk
	case respNil, respInteger:
		notif.Kind = KeyDeleted
	default:
		notif.Kind = KeySet
	}

	c.mu.Lock()
	obs, ok := c.observers[string(key)]
	c.mu.Unlock()
	if !ok || obs.closed {
		return
	}
	select {
	case obs.ch <- notif:
	default:
		c.logger.Warn("dropping key notification, observer channel full", "key", string(key))
	}
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return &Error{Kind: KeyLengthZero}
	}
	return nil
}

// propFencingToken is a statestore-layer user property, not part of the
// rpc package's own reserved "__" namespace.
const propFencingToken = "fencingToken"

func fencingProperties(token *hlc.Timestamp) map[string]string {
	if token == nil {
		return nil
	}
	return map[string]string{propFencingToken: token.String()}
}

// Shutdown stops the notification pump and shuts down the underlying
// invoker. It is idempotent.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() { close(c.done) })
	if c.notifyReceiver != nil {
		c.notifyReceiver.Close()
	}
	return c.invoker.Shutdown(ctx)
}
