package inmem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-eventhubs/amqp"
	"github.com/infigaming-com/go-eventhubs/amqp/driver/inmem"
)

const endpoint = "amqps://test.servicebus.example.net"

func openSession(t *testing.T, b *inmem.Broker) (amqp.Connection, amqp.Session) {
	t.Helper()
	ctx := context.Background()
	conn, err := b.Open(ctx, endpoint, amqp.ConnectionOptions{})
	require.NoError(t, err)
	sess, err := conn.NewSession(ctx)
	require.NoError(t, err)
	return conn, sess
}

func TestSendReceive(t *testing.T) {
	ctx := context.Background()
	b := inmem.New(inmem.WithEventHub("orders", 2))
	_, sess := openSession(t, b)

	sender, err := sess.NewSender(ctx, amqp.SenderOptions{Target: amqp.SenderAddress("orders", "1")})
	require.NoError(t, err)
	require.NoError(t, sender.Send(ctx, &amqp.Message{Body: []byte("hello")}))
	require.NoError(t, sender.Send(ctx, &amqp.Message{Body: []byte("world")}))

	receiver, err := sess.NewReceiver(ctx, amqp.ReceiverOptions{
		Source: amqp.ReceiverAddress("orders", "$Default", "1"),
		Start:  amqp.StartPosition{Earliest: true},
	})
	require.NoError(t, err)

	first, err := receiver.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(first.Body))
	assert.Equal(t, int64(0), first.SequenceNumber)
	assert.Equal(t, "0", first.Offset)
	assert.Equal(t, "1", first.PartitionID)

	second, err := receiver.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.SequenceNumber)
	assert.Equal(t, "5", second.Offset)
}

func TestReceiveStartPositions(t *testing.T) {
	ctx := context.Background()
	b := inmem.New(inmem.WithEventHub("orders", 1))
	for _, body := range []string{"a", "b", "c"} {
		_, err := b.Publish("orders", "0", &amqp.Message{Body: []byte(body)})
		require.NoError(t, err)
	}
	_, sess := openSession(t, b)
	seq := int64(1)

	tests := []struct {
		name  string
		start amqp.StartPosition
		want  string
	}{
		{name: "earliest", start: amqp.StartPosition{Earliest: true}, want: "a"},
		{name: "after sequence", start: amqp.StartPosition{SequenceNumber: &seq}, want: "c"},
		{name: "at sequence", start: amqp.StartPosition{SequenceNumber: &seq, Inclusive: true}, want: "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := sess.NewReceiver(ctx, amqp.ReceiverOptions{Source: amqp.ReceiverAddress("orders", "$Default", "0"), Start: tt.start})
			require.NoError(t, err)
			msg, err := r.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(msg.Body))
		})
	}

	t.Run("latest blocks until publish", func(t *testing.T) {
		r, err := sess.NewReceiver(ctx, amqp.ReceiverOptions{Source: amqp.ReceiverAddress("orders", "$Default", "0")})
		require.NoError(t, err)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = b.Publish("orders", "0", &amqp.Message{Body: []byte("d")})
		}()
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		msg, err := r.Receive(waitCtx)
		require.NoError(t, err)
		assert.Equal(t, "d", string(msg.Body))
	})
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	busy := amqp.NewDescribedError(amqp.ConditionServerBusy, "busy", nil)
	b := inmem.New(inmem.WithEventHub("orders", 1))

	b.FailOpen(busy)
	_, err := b.Open(ctx, endpoint, amqp.ConnectionOptions{})
	assert.ErrorIs(t, err, busy)

	_, sess := openSession(t, b)
	assert.Equal(t, int64(2), b.Opens())

	b.FailAttach(busy)
	_, err = sess.NewManagementLink(ctx, amqp.ManagementLinkOptions{})
	assert.ErrorIs(t, err, busy)
	mgmt, err := sess.NewManagementLink(ctx, amqp.ManagementLinkOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Attaches())

	b.FailCall(busy)
	_, err = mgmt.Call(ctx, "READ", map[string]any{"name": "orders", "type": "com.microsoft:eventhub"})
	assert.ErrorIs(t, err, busy)
	resp, err := mgmt.Call(ctx, "READ", map[string]any{"name": "orders", "type": "com.microsoft:eventhub"})
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, resp["partition_ids"])
}

func TestDropConnections(t *testing.T) {
	ctx := context.Background()
	b := inmem.New(inmem.WithEventHub("orders", 1))
	_, sess := openSession(t, b)
	assert.Equal(t, 1, b.LiveConnections())

	r, err := sess.NewReceiver(ctx, amqp.ReceiverOptions{Source: amqp.ReceiverAddress("orders", "$Default", "0")})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Receive(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.DropConnections()

	select {
	case err := <-errCh:
		var amqpErr *amqp.Error
		require.True(t, errors.As(err, &amqpErr))
		assert.Equal(t, amqp.ConditionConnectionForced, amqpErr.Condition)
	case <-time.After(time.Second):
		t.Fatal("receiver was not released by dropped connection")
	}
	assert.Equal(t, 0, b.LiveConnections())

	_, err = sess.NewSender(ctx, amqp.SenderOptions{Target: "orders"})
	assert.Error(t, err)
}

func TestManagementReadPartition(t *testing.T) {
	ctx := context.Background()
	b := inmem.New(inmem.WithEventHub("orders", 2))
	_, err := b.Publish("orders", "1", &amqp.Message{Body: []byte("x")})
	require.NoError(t, err)
	_, sess := openSession(t, b)
	mgmt, err := sess.NewManagementLink(ctx, amqp.ManagementLinkOptions{})
	require.NoError(t, err)

	resp, err := mgmt.Call(ctx, "READ", map[string]any{"name": "orders", "type": "com.microsoft:partition", "partition": "1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp["last_enqueued_sequence_number"])
	assert.Equal(t, false, resp["is_partition_empty"])

	_, err = mgmt.Call(ctx, "READ", map[string]any{"name": "missing", "type": "com.microsoft:eventhub"})
	var amqpErr *amqp.Error
	require.True(t, errors.As(err, &amqpErr))
	assert.Equal(t, 404, amqpErr.StatusCode)

	resp, err = mgmt.Call(ctx, "op", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "op", resp["operation"])
}
