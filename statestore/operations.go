package statestore

import (
	"context"
	"strconv"
	"time"

	"github.com/gonzalop/mqproto/hlc"
	"github.com/gonzalop/mqproto/rpc"
)

func (c *Client) invokeCommand(ctx context.Context, timeout time.Duration, fencing *hlc.Timestamp, args ...[]byte) (respValue, hlc.Timestamp, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	resp, err := c.invoker.Invoke(ctx, rpc.InvokeRequest{
		Payload:        encodeCommand(args...),
		ContentType:    rpc.Raw.ContentType(),
		UserProperties: fencingProperties(fencing),
		Timeout:        timeout,
	})
	if err != nil {
		return respValue{}, hlc.Timestamp{}, &Error{Kind: TransportError, Parent: err}
	}

	reply, _, err := decodeReply(resp.Payload)
	if err != nil {
		return respValue{}, hlc.Timestamp{}, &Error{Kind: UnexpectedPayload, Parent: err}
	}
	if reply.kind == respError {
		return respValue{}, hlc.Timestamp{}, &Error{Kind: ServiceError, Message: reply.str}
	}

	var version hlc.Timestamp
	if tsStr, ok := resp.UserProperties[rpc.PropTimestamp]; ok {
		version, _ = hlc.Parse(tsStr)
	}
	return reply, version, nil
}

// Set stores value under key. Returns Applied=true unless a condition in
// options prevented the write.
func (c *Client) Set(ctx context.Context, key, value []byte, timeout time.Duration, fencing *hlc.Timestamp, options SetOptions) (*SetResult, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	args := [][]byte{[]byte("SET"), key, value}
	switch options.Condition {
	case OnlyIfDoesNotExist:
		args = append(args, []byte("NX"))
	case OnlyIfEqualOrDoesNotExist:
		args = append(args, []byte("NEX"))
	}
	if options.Expires != nil {
		args = append(args, []byte("PX"), []byte(strconv.FormatInt(options.Expires.Milliseconds(), 10)))
	}

	reply, version, err := c.invokeCommand(ctx, timeout, fencing, args...)
	if err != nil {
		return nil, err
	}

	switch reply.kind {
	case respSimpleString:
		if reply.str != "OK" {
			return nil, &Error{Kind: UnexpectedPayload, Message: "unexpected simple-string reply " + reply.str}
		}
		return &SetResult{Applied: true, Version: version}, nil
	case respInteger:
		if reply.integer > 0 {
			return nil, &Error{Kind: UnexpectedPayload, Message: "unexpected integer reply for SET"}
		}
		return &SetResult{Applied: false, Version: version}, nil
	default:
		return nil, &Error{Kind: UnexpectedPayload, Message: "unexpected reply type for SET"}
	}
}

// Get retrieves the value stored under key.
func (c *Client) Get(ctx context.Context, key []byte, timeout time.Duration) (*GetResult, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	reply, version, err := c.invokeCommand(ctx, timeout, nil, []byte("GET"), key)
	if err != nil {
		return nil, err
	}

	switch reply.kind {
	case respBulkString:
		return &GetResult{Value: reply.bulk, Found: true, Version: version}, nil
	case respNil:
		return &GetResult{Found: false, Version: version}, nil
	default:
		return nil, &Error{Kind: UnexpectedPayload, Message: "unexpected reply type for GET"}
	}
}

// Del deletes key unconditionally.
func (c *Client) Del(ctx context.Context, key []byte, fencing *hlc.Timestamp, timeout time.Duration) (*DelResult, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return c.delInternal(ctx, timeout, fencing, []byte("DEL"), key)
}

// VDel deletes key only if its current value equals value.
func (c *Client) VDel(ctx context.Context, key, value []byte, fencing *hlc.Timestamp, timeout time.Duration) (*DelResult, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return c.delInternal(ctx, timeout, fencing, []byte("VDEL"), key, value)
}

func (c *Client) delInternal(ctx context.Context, timeout time.Duration, fencing *hlc.Timestamp, args ...[]byte) (*DelResult, error) {
	reply, version, err := c.invokeCommand(ctx, timeout, fencing, args...)
	if err != nil {
		return nil, err
	}

	switch reply.kind {
	case respNil:
		return &DelResult{Count: 0, Version: version}, nil
	case respInteger:
		if reply.integer < 0 {
			return &DelResult{Count: -1, Version: version}, nil
		}
		return &DelResult{Count: reply.integer, Version: version}, nil
	default:
		return nil, &Error{Kind: UnexpectedPayload, Message: "unexpected reply type for DEL/VDEL"}
	}
}

const observationBuffer = 16

// Observe begins observing key for changes. At most one live observation
// per key is permitted; a second Observe call while the prior
// KeyObservation is still open fails with DuplicateObserve. The
// observation entry is inserted before the network call and removed on
// failure.
func (c *Client) Observe(ctx context.Context, key []byte, timeout time.Duration) (*KeyObservation, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := c.ensureNotifyReceiver(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.observers[string(key)]; ok && !existing.closed {
		c.mu.Unlock()
		return nil, &Error{Kind: DuplicateObserve}
	}
	ch := make(chan KeyNotification, observationBuffer)
	obs := &KeyObservation{Notifications: ch, ch: ch}
	c.observers[string(key)] = obs
	c.mu.Unlock()

	reply, _, err := c.invokeCommand(ctx, timeout, nil, []byte("KEYNOTIFY"), key)
	if err != nil {
		c.mu.Lock()
		delete(c.observers, string(key))
		c.mu.Unlock()
		return nil, err
	}
	if !isAckReply(reply) {
		c.mu.Lock()
		delete(c.observers, string(key))
		c.mu.Unlock()
		return nil, &Error{Kind: UnexpectedPayload, Message: "unexpected reply type for KEYNOTIFY"}
	}

	return obs, nil
}

// Unobserve stops observing key.
func (c *Client) Unobserve(ctx context.Context, key []byte, timeout time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	reply, _, err := c.invokeCommand(ctx, timeout, nil, []byte("KEYNOTIFY"), key, []byte("STOP"))
	if err != nil {
		return err
	}
	if !isAckReply(reply) {
		return &Error{Kind: UnexpectedPayload, Message: "unexpected reply type for KEYNOTIFY STOP"}
	}

	c.mu.Lock()
	if obs, ok := c.observers[string(key)]; ok {
		obs.Close()
		delete(c.observers, string(key))
	}
	c.mu.Unlock()
	return nil
}

func isAckReply(reply respValue) bool {
	switch reply.kind {
	case respSimpleString:
		return reply.str == "OK"
	case respInteger:
		return true
	default:
		return false
	}
}
