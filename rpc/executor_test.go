package rpc

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonzalop/mqproto/dispatch"
	"github.com/gonzalop/mqproto/hlc"
)

func makeValidRequestProps(clock *hlc.Clock, responseTopic string, correlation []byte) *dispatch.PublishProperties {
	expiry := uint32(5)
	return &dispatch.PublishProperties{
		ContentType:           Raw.ContentType(),
		CorrelationData:       correlation,
		ResponseTopic:         responseTopic,
		MessageExpiryInterval: &expiry,
		UserProperties: []dispatch.UserProperty{
			{Key: PropTimestamp, Value: clock.UpdateNow()},
			{Key: PropProtocolVersion, Value: WireProtocolVersion},
		},
	}
}

func TestExecutorRespondsOK(t *testing.T) {
	client := newFakeClient("executor-1")
	exec, err := NewExecutor(client, WithExecutorRequestTopic("svc/echo/req"))
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))

	go func() {
		req := <-exec.Requests()
		req.Respond(append([]byte("echo:"), req.Payload...), "", nil)
	}()

	var captured dispatch.Publish
	captureCh := make(chan struct{})
	client.relay = func(topic string, p dispatch.Publish) {
		captured = p
		close(captureCh)
	}

	corr := []byte("0123456789abcdef")
	props := makeValidRequestProps(exec.clock, "resp/echo", corr)
	ok := client.deliverTo("svc/echo/req", dispatch.Publish{Payload: []byte("hi"), Properties: props})
	require.True(t, ok)

	select {
	case <-captureCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no response published")
	}

	require.Equal(t, "resp/echo", captured.Topic)
	require.Equal(t, []byte("echo:hi"), captured.Payload)
	status, ok := captured.Properties.Get(PropStatus)
	require.True(t, ok)
	require.Equal(t, strconv.Itoa(StatusOK), status)
}

func TestExecutorAppErrorBecomes500(t *testing.T) {
	client := newFakeClient("executor-2")
	exec, err := NewExecutor(client, WithExecutorRequestTopic("svc/fail/req"))
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))

	go func() {
		req := <-exec.Requests()
		req.Fail(errors.New("boom"))
	}()

	captureCh := make(chan dispatch.Publish, 1)
	client.relay = func(topic string, p dispatch.Publish) { captureCh <- p }

	corr := []byte("fedcba9876543210")
	props := makeValidRequestProps(exec.clock, "resp/fail", corr)
	client.deliverTo("svc/fail/req", dispatch.Publish{Payload: []byte("x"), Properties: props})

	select {
	case p := <-captureCh:
		status, _ := p.Properties.Get(PropStatus)
		require.Equal(t, strconv.Itoa(StatusInternalServerError), status)
		appErr, _ := p.Properties.Get(PropAppError)
		require.Equal(t, "true", appErr)
		msg, _ := p.Properties.Get(PropStatusMessage)
		require.Equal(t, "boom", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no response published")
	}
}

func TestExecutorMissingCorrelationRejected(t *testing.T) {
	client := newFakeClient("executor-3")
	exec, err := NewExecutor(client, WithExecutorRequestTopic("svc/bad/req"))
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))

	captureCh := make(chan dispatch.Publish, 1)
	client.relay = func(topic string, p dispatch.Publish) { captureCh <- p }

	props := makeValidRequestProps(exec.clock, "resp/bad", nil)
	client.deliverTo("svc/bad/req", dispatch.Publish{Payload: []byte("x"), Properties: props})

	select {
	case <-captureCh:
		t.Fatal("no response should be published without correlation data and response topic")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestExecutorCachesCompletedResponse(t *testing.T) {
	client := newFakeClient("executor-4")
	exec, err := NewExecutor(client, WithExecutorRequestTopic("svc/cache/req"))
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))

	calls := 0
	go func() {
		for req := range exec.Requests() {
			calls++
			req.Respond([]byte("result"), "", nil)
		}
	}()

	captureCh := make(chan dispatch.Publish, 4)
	client.relay = func(topic string, p dispatch.Publish) { captureCh <- p }

	corr := []byte("aaaaaaaaaaaaaaaa")
	props := makeValidRequestProps(exec.clock, "resp/cache", corr)
	client.deliverTo("svc/cache/req", dispatch.Publish{Payload: []byte("x"), Dup: false, Properties: props})

	var first dispatch.Publish
	select {
	case first = <-captureCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no first response")
	}
	require.Equal(t, []byte("result"), first.Payload)

	// Redelivery with the same correlation/response-topic must hit the
	// cache, not re-invoke the application.
	props2 := makeValidRequestProps(exec.clock, "resp/cache", corr)
	client.deliverTo("svc/cache/req", dispatch.Publish{Payload: []byte("x"), Properties: props2})

	select {
	case second := <-captureCh:
		require.Equal(t, []byte("result"), second.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no cached redelivery response")
	}

	require.Equal(t, 1, calls)
}

func TestExecutorShutdownJoinsInFlight(t *testing.T) {
	client := newFakeClient("executor-5")
	exec, err := NewExecutor(client, WithExecutorRequestTopic("svc/slow/req"))
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, exec.Shutdown(ctx))
}
