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

	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/mqproto/dispatch"
	"github.com/gonzalop/mqproto/hlc"
	"github.com/gonzalop/mqproto/topic"
)

type executorState int

const (
	executorNew executorState = iota
	executorSubscribed
	executorShutdownSuccessful
)

const defaultMessageExpiry = 10 * time.Second

// ExecutorOption configures a NewExecutor call.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	requestTemplate string
	namespace       string
	tokenMap        map[string]string
	clock           *hlc.Clock
	logger          *slog.Logger
	concurrency     int
	cacheTTL        time.Duration
}

func defaultExecutorOptions() *executorOptions {
	return &executorOptions{tokenMap: make(map[string]string), cacheTTL: time.Hour}
}

// WithExecutorRequestTopic sets the request topic template this executor
// subscribes to.
func WithExecutorRequestTopic(template string) ExecutorOption {
	return func(o *executorOptions) { o.requestTemplate = template }
}

// WithExecutorNamespace prefixes the request topic template.
func WithExecutorNamespace(ns string) ExecutorOption {
	return func(o *executorOptions) { o.namespace = ns }
}

// WithExecutorTokenMap supplies topic-token bindings resolved at build
// time (e.g. "{executorId}").
func WithExecutorTokenMap(m map[string]string) ExecutorOption {
	return func(o *executorOptions) {
		for k, v := range m {
			o.tokenMap[k] = v
		}
	}
}

// WithExecutorClock supplies a shared Hybrid Logical Clock.
func WithExecutorClock(c *hlc.Clock) ExecutorOption {
	return func(o *executorOptions) { o.clock = c }
}

// WithExecutorLogger sets the executor's logger (default: discarding).
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(o *executorOptions) { o.logger = l }
}

// WithExecutorConcurrency bounds how many requests are processed at
// once (default: unbounded, like the teacher's unbounded per-connection
// handler goroutines).
func WithExecutorConcurrency(n int) ExecutorOption {
	return func(o *executorOptions) { o.concurrency = n }
}

// WithExecutorCacheTTL overrides how long a completed response stays
// cached for idempotent retries after its own expiry (default 1h).
func WithExecutorCacheTTL(d time.Duration) ExecutorOption {
	return func(o *executorOptions) { o.cacheTTL = d }
}

// Request is the typed inbound work item the application receives from
// Requests(). The application must eventually call exactly one of Respond
// or Fail, and may then observe how the resulting response publish
// concluded on Completion().
type Request struct {
	Payload        []byte
	ContentType    string
	PayloadFormat  *uint8
	UserProperties map[string]string
	CorrelationID  []byte

	respond    chan response
	done       chan struct{}
	completion chan error
}

// Completion returns the oneshot channel on which the executor reports the
// outcome of publishing this request's response: nil once the publish
// (or deliberate no-op, for a request with no response topic) has
// succeeded, an *Error with Kind TransportError if the publish failed, an
// *Error with Kind Timeout if the deadline elapsed before the response
// could be published, or Kind Cancellation if the executor shut down first.
func (r *Request) Completion() <-chan error {
	return r.completion
}

// completePublish delivers the publish outcome on the completion channel.
// Every code path in process reaches exactly one completePublish call per
// request, but the channel is buffered and the send non-blocking so a
// caller that never reads Completion() cannot wedge the executor.
func (r *Request) completePublish(err error) {
	select {
	case r.completion <- err:
	default:
	}
}

type response struct {
	payload       []byte
	contentType   string
	payloadFormat *uint8
	err           error
}

// Respond completes the request successfully.
func (r *Request) Respond(payload []byte, contentType string, payloadFormat *uint8) {
	select {
	case r.respond <- response{payload: payload, contentType: contentType, payloadFormat: payloadFormat}:
	case <-r.done:
	}
}

// Fail completes the request with an application error; the executor
// reports it to the invoker as a 500 with __appErr=true.
func (r *Request) Fail(err error) {
	select {
	case r.respond <- response{err: err}:
	case <-r.done:
	}
}

type cacheEntry struct {
	payload    []byte
	props      *dispatch.PublishProperties
	expiresAt  time.Time
}

// Executor implements the RPC command executor: it subscribes to a
// request topic, delivers typed Requests to the application, and
// publishes the application's response (or a protocol-level error)
// within the request's deadline, caching completed responses so
// redelivered requests get an idempotent reply.
//
// State machine: New -> Subscribed -> ShutdownSuccessful.
type Executor struct {
	client  MqttClient
	request *topic.Pattern
	clock   *hlc.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	state executorState

	receiver *dispatch.Receiver
	requests chan *Request

	group      *errgroup.Group
	groupCtx   context.Context
	cancelFunc context.CancelFunc

	cacheMu  sync.Mutex
	cache    map[string]cacheEntry
	cacheTTL time.Duration

	sem chan struct{}
}

// NewExecutor builds an Executor from client and the supplied options.
// WithExecutorRequestTopic is required.
func NewExecutor(client MqttClient, opts ...ExecutorOption) (*Executor, error) {
	o := defaultExecutorOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.requestTemplate == "" {
		return nil, &Error{Kind: ConfigurationInvalid, Message: "request topic template is required"}
	}

	reqPattern, err := topic.Build(o.requestTemplate, o.namespace, o.tokenMap)
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

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	var sem chan struct{}
	if o.concurrency > 0 {
		sem = make(chan struct{}, o.concurrency)
	}

	return &Executor{
		client:     client,
		request:    reqPattern,
		clock:      clock,
		logger:     logger,
		requests:   make(chan *Request, 16),
		group:      group,
		groupCtx:   groupCtx,
		cancelFunc: cancel,
		cache:      make(map[string]cacheEntry),
		cacheTTL:   o.cacheTTL,
		sem:        sem,
	}, nil
}

// Requests returns the channel of inbound typed requests. Each must be
// completed via Request.Respond or Request.Fail.
func (e *Executor) Requests() <-chan *Request {
	return e.requests
}

// Start subscribes to the request topic and begins dispatching inbound
// publishes to Requests(). It is idempotent; calling it more than once
// after the first successful subscribe is a no-op.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != executorNew {
		return nil
	}

	receiver, err := e.client.Subscribe(ctx, e.request.AsSubscribeTopic(), 1)
	if err != nil {
		return &Error{Kind: TransportError, Parent: err}
	}
	e.receiver = receiver
	e.state = executorSubscribed

	e.group.Go(func() error {
		e.pump()
		return nil
	})
	return nil
}

func (e *Executor) pump() {
	for {
		select {
		case d, ok := <-e.receiver.Deliveries():
			if !ok {
				return
			}
			e.handleDelivery(d)
		case <-e.groupCtx.Done():
			return
		}
	}
}

func cacheKey(responseTopic string, correlation []byte) string {
	return responseTopic + "\x00" + string(correlation)
}

func (e *Executor) handleDelivery(d dispatch.Delivery) {
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
		case <-e.groupCtx.Done():
			if d.Token != nil {
				d.Token.Release()
			}
			return
		}
	}

	e.group.Go(func() error {
		if e.sem != nil {
			defer func() { <-e.sem }()
		}
		e.process(d)
		return nil
	})
}

func (e *Executor) process(d dispatch.Delivery) {
	defer func() {
		if d.Token != nil {
			d.Token.Release()
		}
	}()

	receivedAt := time.Now()
	p := d.Publish
	props := p.Properties

	var expiry time.Duration = defaultMessageExpiry
	if props != nil && props.MessageExpiryInterval != nil {
		expiry = time.Duration(*props.MessageExpiryInterval) * time.Second
	}
	deadline := receivedAt.Add(expiry)

	resp := e.validate(props)

	if time.Now().After(deadline) {
		return
	}

	haveCorrelation := props != nil && len(props.CorrelationData) == 16 && props.ResponseTopic != ""

	if resp == nil && haveCorrelation {
		key := cacheKey(props.ResponseTopic, props.CorrelationData)
		if cached, ok := e.cachedResponse(key); ok {
			e.publishResponse(props.ResponseTopic, cached.payload, cached.props)
			return
		}
	}

	var req *Request
	if resp == nil {
		req = &Request{
			Payload:        p.Payload,
			ContentType:    props.ContentType,
			PayloadFormat:  props.PayloadFormatIndicator,
			UserProperties: userPropertiesToMap(props.UserProperties),
			CorrelationID:  props.CorrelationData,
			respond:        make(chan response, 1),
			done:           make(chan struct{}),
			completion:     make(chan error, 1),
		}
		stripReservedUserProperties(req.UserProperties, e.logger)

		select {
		case e.requests <- req:
		case <-e.groupCtx.Done():
			return
		}

		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()

		select {
		case rsp := <-req.respond:
			if rsp.err != nil {
				resp = &assembledResponse{status: StatusInternalServerError, appError: true, message: rsp.err.Error()}
			} else {
				resp = &assembledResponse{status: StatusOK, payload: rsp.payload, contentType: rsp.contentType, payloadFormat: rsp.payloadFormat}
			}
		case <-timer.C:
			resp = &assembledResponse{status: StatusRequestTimeout, timeoutValue: remaining}
		case <-e.groupCtx.Done():
			close(req.done)
			req.completePublish(&Error{Kind: Cancellation, Message: "executor shut down before the response could be published"})
			return
		}
		close(req.done)
	}

	if !haveCorrelation {
		if req != nil {
			req.completePublish(nil)
		}
		return
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		if req != nil {
			req.completePublish(&Error{Kind: Timeout, TimeoutName: "messageExpiryInterval", TimeoutValue: remaining})
		}
		return
	}

	outProps := e.assembleProperties(resp, deadline)
	key := cacheKey(props.ResponseTopic, props.CorrelationData)
	e.storeCache(key, resp.payload, outProps, deadline.Add(e.cacheTTL))

	pubErr := e.publishResponse(props.ResponseTopic, resp.payload, outProps)
	if req != nil {
		req.completePublish(pubErr)
	}
}

// stripReservedUserProperties removes and logs every request user property
// using the wire protocol's reserved prefix before handing the map to the
// application, including the keys the invoker itself sends (such as
// "__ts" and "__protVer").
func stripReservedUserProperties(props map[string]string, logger *slog.Logger) {
	for k, v := range props {
		if strings.HasPrefix(k, ReservedPrefix) {
			logger.Warn("request carried reserved user property, stripping", "key", k, "value", v)
			delete(props, k)
		}
	}
}

// assembledResponse is the internal result of either validation failure
// or application completion, prior to property assembly.
type assembledResponse struct {
	status        int
	payload       []byte
	contentType   string
	payloadFormat *uint8

	appError       bool
	message        string
	invalidName    string
	invalidValue   string
	supportedMajor []string
	requestedMajor string
	timeoutValue   time.Duration
}

func (e *Executor) validate(props *dispatch.PublishProperties) *assembledResponse {
	if props == nil || len(props.CorrelationData) != 16 {
		return &assembledResponse{status: StatusBadRequest, invalidName: "correlationData"}
	}
	if props.MessageExpiryInterval == nil {
		return &assembledResponse{status: StatusBadRequest, invalidName: "messageExpiryInterval"}
	}

	if protVer, ok := props.Get(PropProtocolVersion); ok {
		major, _, _ := strings.Cut(protVer, ".")
		if major != SupportedMajorVersion {
			return &assembledResponse{status: StatusVersionNotSupported, requestedMajor: protVer, supportedMajor: []string{SupportedMajorVersion}}
		}
	} else {
		return &assembledResponse{status: StatusVersionNotSupported, supportedMajor: []string{SupportedMajorVersion}}
	}

	if props.ContentType != "" && props.ContentType != Raw.ContentType() && props.ContentType != JSON.ContentType() {
		return &assembledResponse{status: StatusUnsupportedMedia}
	}

	tsStr, ok := props.Get(PropTimestamp)
	if !ok {
		return &assembledResponse{status: StatusBadRequest, invalidName: PropTimestamp}
	}
	remote, err := hlc.Parse(tsStr)
	if err != nil {
		return &assembledResponse{status: StatusBadRequest, invalidName: PropTimestamp, invalidValue: tsStr}
	}
	if err := e.clock.Update(remote); err != nil {
		switch err {
		case hlc.ErrClockDrift:
			return &assembledResponse{status: StatusServiceUnavailable, message: err.Error()}
		case hlc.ErrOverflow:
			return &assembledResponse{status: StatusInternalServerError, message: err.Error()}
		default:
			return &assembledResponse{status: StatusInternalServerError, message: err.Error()}
		}
	}

	return nil
}

func (e *Executor) assembleProperties(resp *assembledResponse, deadline time.Time) *dispatch.PublishProperties {
	remaining := time.Until(deadline)
	seconds := uint32(math.Ceil(remaining.Seconds()))
	if remaining <= 0 {
		seconds = 1
	}

	ups := []dispatch.UserProperty{
		{Key: PropStatus, Value: strconv.Itoa(resp.status)},
		{Key: PropProtocolVersion, Value: WireProtocolVersion},
		{Key: PropTimestamp, Value: e.clock.UpdateNow()},
	}
	if resp.message != "" {
		ups = append(ups, dispatch.UserProperty{Key: PropStatusMessage, Value: resp.message})
	}
	if resp.appError {
		ups = append(ups, dispatch.UserProperty{Key: PropAppError, Value: "true"})
	}
	if resp.invalidName != "" {
		ups = append(ups, dispatch.UserProperty{Key: PropInvalidPropName, Value: resp.invalidName})
	}
	if resp.invalidValue != "" {
		ups = append(ups, dispatch.UserProperty{Key: PropInvalidPropVal, Value: resp.invalidValue})
	}
	if resp.status == StatusRequestTimeout {
		ups = append(ups, dispatch.UserProperty{Key: PropInvalidPropVal, Value: formatISO8601Duration(resp.timeoutValue)})
	}
	if len(resp.supportedMajor) > 0 {
		ups = append(ups, dispatch.UserProperty{Key: PropSupportedMajors, Value: strings.Join(resp.supportedMajor, " ")})
	}
	if resp.requestedMajor != "" {
		ups = append(ups, dispatch.UserProperty{Key: PropRequestedVer, Value: resp.requestedMajor})
	}

	contentType := resp.contentType
	if contentType == "" && resp.status == StatusOK {
		contentType = Raw.ContentType()
	}

	return &dispatch.PublishProperties{
		ContentType:            contentType,
		PayloadFormatIndicator: resp.payloadFormat,
		MessageExpiryInterval:  &seconds,
		UserProperties:         ups,
	}
}

func (e *Executor) cachedResponse(key string) (cacheEntry, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (e *Executor) storeCache(key string, payload []byte, props *dispatch.PublishProperties, expiresAt time.Time) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	now := time.Now()
	for k, v := range e.cache {
		if now.After(v.expiresAt) {
			delete(e.cache, k)
		}
	}
	e.cache[key] = cacheEntry{payload: payload, props: props, expiresAt: expiresAt}
}

func (e *Executor) publishResponse(responseTopic string, payload []byte, props *dispatch.PublishProperties) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.client.Publish(ctx, responseTopic, 1, payload, props); err != nil {
		e.logger.Warn("response publish failed", "topic", responseTopic, "error", err)
		return &Error{Kind: TransportError, Parent: err}
	}
	return nil
}

// Shutdown cancels all in-flight processing tasks, closes the receiver
// and joins the pump goroutine. Queued but not-yet-processed publishes
// auto-ack via dispatch's own QoS handling. It is idempotent.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.state == executorShutdownSuccessful {
		e.mu.Unlock()
		return nil
	}
	e.state = executorShutdownSuccessful
	e.mu.Unlock()

	e.cancelFunc()
	if e.receiver != nil {
		e.receiver.Close()
	}

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return &Error{Kind: InternalLogicError, Parent: err}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rpc: executor shutdown: %w", ctx.Err())
	}
}
