package rpc

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonzalop/mqproto/ack"
	"github.com/gonzalop/mqproto/dispatch"
)

// fakeClient is an in-memory MqttClient used by both invoker and executor
// tests: Publish hands the envelope to whichever fake peer is wired up
// via the relay function, and delivery back to this client's own
// subscriptions goes through a real dispatch.Dispatcher, with no network
// involved at all.
type fakeClient struct {
	id string

	disp  *dispatch.Dispatcher
	pkid  uint32
	relay func(topic string, p dispatch.Publish)
}

func newFakeClient(id string) *fakeClient {
	noopAcker := ack.AckerFunc(func(uint16) error { return nil })
	return &fakeClient{id: id, disp: dispatch.New(noopAcker, 8, nil)}
}

func (c *fakeClient) ClientID() string { return c.id }

func (c *fakeClient) Publish(ctx context.Context, topic string, qos uint8, payload []byte, props *dispatch.PublishProperties) error {
	if c.relay != nil {
		c.relay(topic, dispatch.Publish{Topic: topic, Payload: payload, QoS: qos, Properties: props})
	}
	return nil
}

func (c *fakeClient) Subscribe(ctx context.Context, filter string, qos uint8) (*dispatch.Receiver, error) {
	return c.disp.CreateFilteredReceiver(filter), nil
}

func (c *fakeClient) Unsubscribe(ctx context.Context, filter string) error {
	return nil
}

// deliverTo routes p through this client's own dispatcher as though it
// arrived from the broker on topic.
func (c *fakeClient) deliverTo(topic string, p dispatch.Publish) bool {
	p.Topic = topic
	p.QoS = 1
	p.PKID = uint16(atomic.AddUint32(&c.pkid, 1))
	n, err := c.disp.Dispatch(p)
	return err == nil && n > 0
}

func TestInvokerRequestResponseRoundTrip(t *testing.T) {
	invokerSide := newFakeClient("invoker-1")
	executorSide := newFakeClient("executor-1")

	invokerSide.relay = func(topic string, p dispatch.Publish) {
		status := "200"
		resp := dispatch.Publish{
			Topic:   p.Properties.ResponseTopic,
			Payload: []byte("pong"),
			QoS:     1,
			Properties: &dispatch.PublishProperties{
				CorrelationData: p.Properties.CorrelationData,
				UserProperties: []dispatch.UserProperty{
					{Key: PropStatus, Value: status},
				},
			},
		}
		go invokerSide.deliverTo(p.Properties.ResponseTopic, resp)
	}

	inv, err := NewInvoker(invokerSide, WithRequestTopic("svc/ping/req"))
	require.NoError(t, err)

	// Also register the response filter on the executor's fake client; the
	// relay above delivers the response through the invoker's own client,
	// whose receiver Invoke reads.
	respFilter := "clients/invoker-1/svc/ping/req"
	_, err = executorSide.Subscribe(context.Background(), respFilter, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := inv.Invoke(ctx, InvokeRequest{Payload: []byte("ping"), Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), resp.Payload)
}

func TestInvokerTimeout(t *testing.T) {
	client := newFakeClient("invoker-2")
	inv, err := NewInvoker(client, WithRequestTopic("svc/slow/req"), WithCommandName("slow"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = inv.Invoke(ctx, InvokeRequest{Payload: []byte("x"), Timeout: 1100 * time.Millisecond})
	require.Error(t, err)

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, Timeout, rpcErr.Kind)
	require.Equal(t, "slow", rpcErr.TimeoutName)
}

func TestInvokerRejectsReservedUserProperty(t *testing.T) {
	client := newFakeClient("invoker-3")
	inv, err := NewInvoker(client, WithRequestTopic("svc/ping/req"))
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), InvokeRequest{
		Payload:        []byte("x"),
		Timeout:        time.Second,
		UserProperties: map[string]string{"__stat": "200"},
	})
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, ArgumentInvalid, rpcErr.Kind)
}

func TestInvokerDecodesExecutionException(t *testing.T) {
	client := newFakeClient("invoker-4")
	client.relay = func(topic string, p dispatch.Publish) {
		resp := dispatch.Publish{
			Topic: p.Properties.ResponseTopic,
			Properties: &dispatch.PublishProperties{
				CorrelationData: p.Properties.CorrelationData,
				UserProperties: []dispatch.UserProperty{
					{Key: PropStatus, Value: strconv.Itoa(StatusInternalServerError)},
					{Key: PropAppError, Value: "true"},
					{Key: PropStatusMessage, Value: "divide by zero"},
				},
			},
		}
		go client.deliverTo(p.Properties.ResponseTopic, resp)
	}

	inv, err := NewInvoker(client, WithRequestTopic("svc/div/req"))
	require.NoError(t, err)
	_, err = client.Subscribe(context.Background(), "clients/invoker-4/svc/div/req", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = inv.Invoke(ctx, InvokeRequest{Payload: []byte("1/0"), Timeout: time.Second})
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, ExecutionException, rpcErr.Kind)
	require.Equal(t, "divide by zero", rpcErr.Message)
}

func TestInvokerShutdownCancelsPending(t *testing.T) {
	client := newFakeClient("invoker-5")
	inv, err := NewInvoker(client, WithRequestTopic("svc/never/req"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := inv.Invoke(context.Background(), InvokeRequest{Payload: []byte("x"), Timeout: 10 * time.Second})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, inv.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		require.Error(t, err)
		var rpcErr *Error
		require.ErrorAs(t, err, &rpcErr)
		require.Equal(t, Cancellation, rpcErr.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("invoke did not return after shutdown")
	}
}
