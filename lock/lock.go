// Package lock implements a leased lock client composed over the
// statestore package: a lock is a named key whose value is the current
// holder's identity, with HLC fencing tokens gating mutations performed
// inside the critical section.
package lock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gonzalop/mqproto/hlc"
	"github.com/gonzalop/mqproto/statestore"
)

// ErrorKind classifies a lock package Error.
type ErrorKind int

const (
	InvalidArgument ErrorKind = iota
	TransportError
	NotHeld
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case TransportError:
		return "TransportError"
	case NotHeld:
		return "NotHeld"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by this package's operations.
type Error struct {
	Kind   ErrorKind
	Parent error
}

func (e *Error) Error() string {
	if e.Parent != nil {
		return fmt.Sprintf("lock: %s: %s", e.Kind, e.Parent.Error())
	}
	return fmt.Sprintf("lock: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Parent }

func (e *Error) Is(target error) bool {
	if k, ok := target.(ErrorKind); ok {
		return e.Kind == k
	}
	return false
}

func (k ErrorKind) Error() string { return k.String() }

// Client is a named-lock client built on a statestore.Client.
type Client struct {
	store    *statestore.Client
	holderID string
	logger   *slog.Logger
}

// ClientOption configures New.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger *slog.Logger
}

// WithLogger sets the client's logger (default: discarding).
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// New builds a lock Client identifying itself as holderID (typically the
// owning MQTT client ID) in every lock it acquires.
func New(store *statestore.Client, holderID string, opts ...ClientOption) (*Client, error) {
	if holderID == "" {
		return nil, &Error{Kind: InvalidArgument}
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{store: store, holderID: holderID, logger: o.logger}, nil
}

// TryAcquireLock attempts a single, non-blocking acquisition of
// lockName, leased for expiry. Success means the lock is now held by
// this client's holderID; the returned Timestamp is the fencing token
// for mutations performed while holding it.
func (c *Client) TryAcquireLock(ctx context.Context, lockName string, expiry, timeout time.Duration) (*hlc.Timestamp, bool, error) {
	result, err := c.store.Set(ctx, []byte(lockName), []byte(c.holderID), timeout, nil, statestore.SetOptions{
		Condition: statestore.OnlyIfDoesNotExist,
		Expires:   &expiry,
	})
	if err != nil {
		return nil, false, &Error{Kind: TransportError, Parent: err}
	}
	if !result.Applied {
		return nil, false, nil
	}
	return &result.Version, true, nil
}

// AcquireLock repeatedly tries to acquire lockName, waiting on lock-hold
// notifications between attempts, until success or ctx is done.
func (c *Client) AcquireLock(ctx context.Context, lockName string, expiry, timeout time.Duration) (*hlc.Timestamp, error) {
	token, acquired, err := c.TryAcquireLock(ctx, lockName, expiry, timeout)
	if err != nil {
		return nil, err
	}
	if acquired {
		return token, nil
	}

	obs, err := c.ObserveLock(ctx, lockName, timeout)
	if err != nil {
		return nil, err
	}
	defer c.UnobserveLock(ctx, lockName, timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: TransportError, Parent: ctx.Err()}
		case <-obs.Notifications:
			token, acquired, err := c.TryAcquireLock(ctx, lockName, expiry, timeout)
			if err != nil {
				return nil, err
			}
			if acquired {
				return token, nil
			}
		}
	}
}

// ReleaseLock releases lockName iff it is still held by this client's
// holderID; it returns success regardless of whether this client was
// actually the holder.
func (c *Client) ReleaseLock(ctx context.Context, lockName string, timeout time.Duration) error {
	_, err := c.store.VDel(ctx, []byte(lockName), []byte(c.holderID), nil, timeout)
	if err != nil {
		return &Error{Kind: TransportError, Parent: err}
	}
	return nil
}

// GetLockHolder returns the current holder's identity, or nil if the
// lock is not held.
func (c *Client) GetLockHolder(ctx context.Context, lockName string, timeout time.Duration) ([]byte, error) {
	result, err := c.store.Get(ctx, []byte(lockName), timeout)
	if err != nil {
		return nil, &Error{Kind: TransportError, Parent: err}
	}
	if !result.Found {
		return nil, nil
	}
	return result.Value, nil
}

// ObserveLock begins observing lockName for release/expiry/change.
func (c *Client) ObserveLock(ctx context.Context, lockName string, timeout time.Duration) (*statestore.KeyObservation, error) {
	obs, err := c.store.Observe(ctx, []byte(lockName), timeout)
	if err != nil {
		return nil, &Error{Kind: TransportError, Parent: err}
	}
	return obs, nil
}

// UnobserveLock stops observing lockName.
func (c *Client) UnobserveLock(ctx context.Context, lockName string, timeout time.Duration) error {
	if err := c.store.Unobserve(ctx, []byte(lockName), timeout); err != nil {
		return &Error{Kind: TransportError, Parent: err}
	}
	return nil
}

// UpdateAction is the application callback's verdict for
// AcquireLockAndUpdateValue.
type UpdateAction int

const (
	Update UpdateAction = iota
	Delete
	NoOp
)

// UpdateResult is the application callback's decision.
type UpdateResult struct {
	Action  UpdateAction
	Value   []byte
	Options statestore.SetOptions
}

// AcquireLockAndUpdateValue acquires lockName, reads its companion value
// key, invokes update with the current value (nil if absent), and
// applies update's verdict fenced by the lock's own acquisition token,
// releasing the lock afterward regardless of outcome.
func (c *Client) AcquireLockAndUpdateValue(
	ctx context.Context,
	lockName, valueKey string,
	expiry, timeout time.Duration,
	update func(current []byte, found bool) (UpdateResult, error),
) error {
	fencingToken, err := c.AcquireLock(ctx, lockName, expiry, timeout)
	if err != nil {
		return err
	}
	defer c.ReleaseLock(ctx, lockName, timeout)

	current, err := c.store.Get(ctx, []byte(valueKey), timeout)
	if err != nil {
		return &Error{Kind: TransportError, Parent: err}
	}

	result, err := update(current.Value, current.Found)
	if err != nil {
		return err
	}

	switch result.Action {
	case Update:
		if _, err := c.store.Set(ctx, []byte(valueKey), result.Value, timeout, fencingToken, result.Options); err != nil {
			return &Error{Kind: TransportError, Parent: err}
		}
	case Delete:
		if _, err := c.store.Del(ctx, []byte(valueKey), fencingToken, timeout); err != nil {
			return &Error{Kind: TransportError, Parent: err}
		}
	case NoOp:
	}
	return nil
}
