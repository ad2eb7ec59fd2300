package rpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/mqproto/dispatch"
	"github.com/gonzalop/mqproto/hlc"
	"github.com/gonzalop/mqproto/topic"
)

type invokerState int

const (
	invokerNew invokerState = iota
	invokerSubscribed
	invokerShutdownInitiated
	invokerShutdownSuccessful
)

// InvokerOption configures a NewInvoker call.
type InvokerOption func(*invokerOptions)

type invokerOptions struct {
	requestTemplate  string
	responseTemplate string
	responsePrefix   string
	responseSuffix   string
	commandName      string
	namespace        string
	tokenMap         map[string]string
	clock            *hlc.Clock
	logger           *slog.Logger
}

func defaultInvokerOptions() *invokerOptions {
	return &invokerOptions{tokenMap: make(map[string]string)}
}

// WithRequestTopic sets the request topic template, e.g.
// "svc/{commandName}/{executorId}/req".
func WithRequestTopic(template string) InvokerOption {
	return func(o *invokerOptions) { o.requestTemplate = template }
}

// WithResponseTopic sets an explicit response topic template, overriding
// the default-prefix derivation.
func WithResponseTopic(template string) InvokerOption {
	return func(o *invokerOptions) { o.responseTemplate = template }
}

// WithResponseTopicPrefix prepends prefix to the request topic to form
// the response topic, when no explicit WithResponseTopic is given.
func WithResponseTopicPrefix(prefix string) InvokerOption {
	return func(o *invokerOptions) { o.responsePrefix = prefix }
}

// WithResponseTopicSuffix appends suffix to the request topic to form
// the response topic, when no explicit WithResponseTopic is given.
func WithResponseTopicSuffix(suffix string) InvokerOption {
	return func(o *invokerOptions) { o.responseSuffix = suffix }
}

// WithCommandName sets the command name reported in Timeout errors.
func WithCommandName(name string) InvokerOption {
	return func(o *invokerOptions) { o.commandName = name }
}

// WithNamespace prefixes both request and response topic templates with
// namespace.
func WithNamespace(ns string) InvokerOption {
	return func(o *invokerOptions) { o.namespace = ns }
}

// WithTokenMap supplies topic-token bindings resolved at build time.
func WithTokenMap(m map[string]string) InvokerOption {
	return func(o *invokerOptions) {
		for k, v := range m {
			o.tokenMap[k] = v
		}
	}
}

// WithClock supplies a shared Hybrid Logical Clock; a private one scoped
// to the client ID is created if omitted.
func WithClock(c *hlc.Clock) InvokerOption {
	return func(o *invokerOptions) { o.clock = c }
}

// WithInvokerLogger sets the invoker's logger (default: discarding).
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(o *invokerOptions) { o.logger = l }
}

// Invoker implements the RPC command invoker side of the protocol: it
// publishes correlated requests and resolves the matching response, with
// timeout, cancellation and cross-version negotiation handling.
//
// State machine: New -> Subscribed -> {ShutdownInitiated -> ShutdownSuccessful}.
type Invoker struct {
	client      MqttClient
	commandName string
	request     *topic.Pattern
	response    *topic.Pattern
	clock       *hlc.Clock
	logger      *slog.Logger

	mu    sync.Mutex
	state invokerState

	subscribeOnce sync.Once
	subscribeErr  error
	receiver      *dispatch.Receiver

	pendingMu sync.Mutex
	pending   map[string]chan dispatch.Publish

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewInvoker builds an Invoker from client and the supplied options.
// WithRequestTopic is required. The response topic template defaults to
// "clients/<client_id>/<request_topic>" when neither WithResponseTopic,
// WithResponseTopicPrefix, nor WithResponseTopicSuffix is supplied.
func NewInvoker(client MqttClient, opts ...InvokerOption) (*Invoker, error) {
	o := defaultInvokerOptions()
	for _, opt := range opts {
		opt(o)
	}

	if o.requestTemplate == "" {
		return nil, &Error{Kind: ConfigurationInvalid, Message: "request topic template is required"}
	}

	// Supplemented well-known token (see original_source rpc_command
	// invoker): "{invokerClientId}" resolves automatically from the
	// client's own id.
	tokenMap := make(map[string]string, len(o.tokenMap)+1)
	for k, v := range o.tokenMap {
		tokenMap[k] = v
	}
	tokenMap["invokerClientId"] = client.ClientID()

	reqPattern, err := topic.Build(o.requestTemplate, o.namespace, tokenMap)
	if err != nil {
		return nil, &Error{Kind: ConfigurationInvalid, Parent: err}
	}

	respTemplate := o.responseTemplate
	if respTemplate == "" {
		switch {
		case o.responsePrefix == "" && o.responseSuffix == "":
			respTemplate = fmt.Sprintf("clients/%s/%s", client.ClientID(), o.requestTemplate)
		case o.responsePrefix != "" && o.responseSuffix == "":
			respTemplate = o.responsePrefix + "/" + o.requestTemplate
		case o.responsePrefix == "" && o.responseSuffix != "":
			respTemplate = o.requestTemplate + "/" + o.responseSuffix
		default:
			respTemplate = o.responsePrefix + "/" + o.requestTemplate + "/" + o.responseSuffix
		}
	}
	respPattern, err := topic.Build(respTemplate, o.namespace, tokenMap)
	if err != nil {
		return nil, &Error{Kind: ConfigurationInvalid, Parent: err}
	}

	clock := o.clock
	if clock == nil {
		clock = hlc.New(client.ClientID(), 0)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Invoker{
		client:      client,
		commandName: o.commandName,
		request:     reqPattern,
		response:    respPattern,
		clock:       clock,
		logger:      logger,
		pending:     make(map[string]chan dispatch.Publish),
		shutdownCh:  make(chan struct{}),
	}, nil
}

// InvokeRequest is one RPC call.
type InvokeRequest struct {
	Payload        []byte
	ContentType    string
	PayloadFormat  *uint8
	UserProperties map[string]string
	// Tokens supplies/overrides topic-token bindings used to render this
	// call's request and response topics.
	Tokens  map[string]string
	Timeout time.Duration
}

// InvokeResponse is a successful RPC reply.
type InvokeResponse struct {
	Payload        []byte
	ContentType    string
	PayloadFormat  *uint8
	UserProperties map[string]string
}

// Invoke renders the request/response topics, publishes a correlated
// request, and waits for the matching response or the call's timeout,
// whichever comes first.
func (i *Invoker) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	for k := range req.UserProperties {
		if strings.HasPrefix(k, ReservedPrefix) {
			return nil, &Error{Kind: ArgumentInvalid, Message: fmt.Sprintf("user property %q uses the reserved %q prefix", k, ReservedPrefix)}
		}
		if k == PropPartition {
			return nil, &Error{Kind: ArgumentInvalid, Message: "user properties must not set $partition"}
		}
	}
	if req.Timeout < time.Second {
		return nil, &Error{Kind: ArgumentInvalid, Message: "timeout must be at least 1 second"}
	}
	seconds := uint32(math.Ceil(req.Timeout.Seconds()))

	if err := i.ensureSubscribed(ctx); err != nil {
		return nil, err
	}

	reqTopic, err := i.request.AsPublishTopic(req.Tokens)
	if err != nil {
		return nil, &Error{Kind: ArgumentInvalid, Parent: err}
	}
	respTopic, err := i.response.AsPublishTopic(req.Tokens)
	if err != nil {
		return nil, &Error{Kind: ConfigurationInvalid, Parent: err}
	}

	correlation := uuid.New()
	corrBytes := correlation[:]
	key := string(corrBytes)

	ch := make(chan dispatch.Publish, 1)
	i.pendingMu.Lock()
	i.pending[key] = ch
	i.pendingMu.Unlock()
	defer func() {
		i.pendingMu.Lock()
		delete(i.pending, key)
		i.pendingMu.Unlock()
	}()

	userProps := []dispatch.UserProperty{
		{Key: PropSourceID, Value: i.client.ClientID()},
		{Key: PropTimestamp, Value: i.clock.UpdateNow()},
		{Key: PropProtocolVersion, Value: WireProtocolVersion},
		{Key: PropPartition, Value: i.client.ClientID()},
	}
	for k, v := range req.UserProperties {
		userProps = append(userProps, dispatch.UserProperty{Key: k, Value: v})
	}

	props := &dispatch.PublishProperties{
		ContentType:            req.ContentType,
		CorrelationData:        corrBytes,
		ResponseTopic:          respTopic,
		MessageExpiryInterval:  &seconds,
		PayloadFormatIndicator: req.PayloadFormat,
		UserProperties:         userProps,
	}

	if err := i.client.Publish(ctx, reqTopic, 1, req.Payload, props); err != nil {
		return nil, &Error{Kind: TransportError, Parent: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	select {
	case pub := <-ch:
		return i.decodeResponse(pub)
	case <-waitCtx.Done():
		return nil, &Error{Kind: Timeout, TimeoutName: i.commandName, TimeoutValue: req.Timeout}
	case <-i.shutdownCh:
		return nil, &Error{Kind: Cancellation}
	}
}

func (i *Invoker) ensureSubscribed(ctx context.Context) error {
	i.mu.Lock()
	state := i.state
	i.mu.Unlock()

	switch state {
	case invokerSubscribed:
		return nil
	case invokerShutdownInitiated, invokerShutdownSuccessful:
		return &Error{Kind: Cancellation}
	}

	i.subscribeOnce.Do(func() {
		receiver, err := i.client.Subscribe(ctx, i.response.AsSubscribeTopic(), 1)
		if err != nil {
			i.subscribeErr = &Error{Kind: TransportError, Parent: err}
			return
		}
		i.receiver = receiver
		i.mu.Lock()
		i.state = invokerSubscribed
		i.mu.Unlock()
		i.wg.Add(1)
		go i.pump()
	})
	return i.subscribeErr
}

func (i *Invoker) pump() {
	defer i.wg.Done()
	for {
		select {
		case d := <-i.receiver.Deliveries():
			i.handleDelivery(d)
		case <-i.shutdownCh:
			return
		}
	}
}

func (i *Invoker) handleDelivery(d dispatch.Delivery) {
	if d.Token != nil {
		defer d.Token.Release()
	}

	props := d.Publish.Properties
	if props == nil || len(props.CorrelationData) != 16 {
		i.logger.Debug("dropping response with missing or malformed correlation data")
		return
	}

	key := string(props.CorrelationData)
	i.pendingMu.Lock()
	ch, ok := i.pending[key]
	i.pendingMu.Unlock()
	if !ok {
		i.logger.Debug("dropping mis-correlated or duplicate response")
		return
	}

	select {
	case ch <- d.Publish:
	default:
		i.logger.Debug("dropping duplicate response for already-completed invoke")
	}
}

func (i *Invoker) decodeResponse(pub dispatch.Publish) (*InvokeResponse, error) {
	props := pub.Properties

	if protVer, ok := props.Get(PropProtocolVersion); ok {
		major, _, _ := strings.Cut(protVer, ".")
		if major != SupportedMajorVersion {
			return nil, &Error{Kind: UnsupportedVersion, RequestedVersion: protVer, SupportedVersions: []string{SupportedMajorVersion}}
		}
	}

	if tsStr, ok := props.Get(PropTimestamp); ok {
		if remote, err := hlc.Parse(tsStr); err == nil {
			_ = i.clock.Update(remote)
		}
	}

	statStr, ok := props.Get(PropStatus)
	if !ok {
		return nil, &Error{Kind: HeaderMissing, HeaderName: PropStatus}
	}
	status, err := strconv.Atoi(statStr)
	if err != nil {
		return nil, &Error{Kind: HeaderInvalid, HeaderName: PropStatus, HeaderValue: statStr}
	}

	switch status {
	case StatusOK:
		return &InvokeResponse{
			Payload:        pub.Payload,
			ContentType:    props.ContentType,
			PayloadFormat:  props.PayloadFormatIndicator,
			UserProperties: userPropertiesToMap(props.UserProperties),
		}, nil

	case StatusNoContent:
		if len(pub.Payload) > 0 {
			return nil, &Error{Kind: PayloadInvalid, Message: "204 response carried a non-empty payload"}
		}
		return &InvokeResponse{UserProperties: userPropertiesToMap(props.UserProperties)}, nil

	case StatusBadRequest:
		if val, ok := props.Get(PropInvalidPropVal); ok {
			name, _ := props.Get(PropInvalidPropName)
			return nil, &Error{Kind: HeaderInvalid, HeaderName: name, HeaderValue: val}
		}
		if name, ok := props.Get(PropInvalidPropName); ok {
			return nil, &Error{Kind: HeaderMissing, HeaderName: name}
		}
		return nil, &Error{Kind: PayloadInvalid}

	case StatusRequestTimeout:
		e := &Error{Kind: Timeout, TimeoutName: i.commandName}
		if v, ok := props.Get(PropInvalidPropVal); ok {
			if d, err := parseISO8601Duration(v); err == nil {
				e.TimeoutValue = d
			}
		}
		return nil, e

	case StatusUnsupportedMedia:
		return nil, &Error{Kind: HeaderInvalid, Message: "content negotiation failed"}

	case StatusInternalServerError:
		if appErr, ok := props.Get(PropAppError); ok && strings.EqualFold(appErr, "true") {
			msg, _ := props.Get(PropStatusMessage)
			return nil, &Error{Kind: ExecutionException, Message: msg}
		}
		if name, ok := props.Get(PropInvalidPropName); ok {
			return nil, &Error{Kind: InternalLogicError, HeaderName: name}
		}
		msg, _ := props.Get(PropStatusMessage)
		return nil, &Error{Kind: UnknownError, Message: msg}

	case StatusServiceUnavailable:
		return nil, &Error{Kind: StateInvalid}

	case StatusVersionNotSupported:
		supported, _ := props.Get(PropSupportedMajors)
		return nil, &Error{Kind: UnsupportedVersion, SupportedVersions: strings.Fields(supported)}

	default:
		msg, _ := props.Get(PropStatusMessage)
		return nil, &Error{Kind: UnknownError, Message: msg}
	}
}

func userPropertiesToMap(ups []dispatch.UserProperty) map[string]string {
	if len(ups) == 0 {
		return nil
	}
	m := make(map[string]string, len(ups))
	for _, up := range ups {
		if _, exists := m[up.Key]; !exists {
			m[up.Key] = up.Value
		}
	}
	return m
}

// Shutdown cancels all outstanding Invoke calls with Cancellation,
// stops the response pump, and best-effort unsubscribes. It is
// idempotent.
func (i *Invoker) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if i.state == invokerShutdownSuccessful {
		i.mu.Unlock()
		return nil
	}
	alreadyInitiated := i.state == invokerShutdownInitiated
	i.state = invokerShutdownInitiated
	i.mu.Unlock()

	if !alreadyInitiated {
		close(i.shutdownCh)
	}
	i.wg.Wait()

	if i.receiver != nil {
		i.receiver.Close()
		filter := i.response.AsSubscribeTopic()
		go func() {
			_ = i.client.Unsubscribe(context.Background(), filter)
		}()
	}

	i.mu.Lock()
	i.state = invokerShutdownSuccessful
	i.mu.Unlock()
	return nil
}
