package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/message"
)

func newGoChannel(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	return pubsub
}

func publish(t *testing.T, pubsub *gochannel.GoChannel, topic string, msg *message.Message) {
	t.Helper()
	require.NoError(t, pubsub.Publish(topic, message.ToWatermill(msg)))
}

func TestWatermillChannelReceiveAndAck(t *testing.T) {
	t.Parallel()
	pubsub := newGoChannel(t)
	factory, err := NewWatermillFactory(pubsub, pubsub, nil)
	require.NoError(t, err)
	ch, err := factory.CreateChannel(Options{Name: "orders-channel", RoutingKey: "orders"})
	require.NoError(t, err)
	defer ch.Close()

	sent := cmd("orders")
	sent.Header.CorrelationID = "corr-1"
	publish(t, pubsub, "orders", sent)

	got, err := ch.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, sent.Header.ID, got.Header.ID)
	assert.Equal(t, message.TypeCommand, got.Header.Type)
	assert.Equal(t, "corr-1", got.Header.CorrelationID)
	require.NoError(t, ch.Acknowledge(got))
	assert.Error(t, ch.Acknowledge(got))

	none, err := ch.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, none.IsNone())
}

func TestWatermillChannelRequeueCarriesHandledCount(t *testing.T) {
	t.Parallel()
	pubsub := newGoChannel(t)
	factory, err := NewWatermillFactory(pubsub, pubsub, nil)
	require.NoError(t, err)
	ch, err := factory.CreateChannel(Options{Name: "orders-channel", RoutingKey: "orders"})
	require.NoError(t, err)
	defer ch.Close()

	publish(t, pubsub, "orders", cmd("orders"))
	got, err := ch.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	got.IncrementHandledCount()
	require.NoError(t, ch.Reject(got, true))

	again, err := ch.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, got.Header.ID, again.Header.ID)
	assert.Equal(t, 1, again.Header.HandledCount)
	require.NoError(t, ch.Acknowledge(again))
}

func TestWatermillChannelDeadLetter(t *testing.T) {
	t.Parallel()
	pubsub := newGoChannel(t)
	factory, err := NewWatermillFactory(pubsub, pubsub, nil, WithDeadLetterTopic("orders.dlq"))
	require.NoError(t, err)
	ch, err := factory.CreateChannel(Options{Name: "orders-channel", RoutingKey: "orders"})
	require.NoError(t, err)
	defer ch.Close()

	dead, err := pubsub.Subscribe(context.Background(), "orders.dlq")
	require.NoError(t, err)

	msg := cmd("orders")
	publish(t, pubsub, "orders", msg)
	got, err := ch.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, ch.Reject(got, false))

	select {
	case wm := <-dead:
		assert.Equal(t, msg.Header.ID, wm.UUID)
		wm.Ack()
	case <-time.After(time.Second):
		t.Fatal("dead letter not published")
	}
}

func TestWatermillChannelStopAndClose(t *testing.T) {
	t.Parallel()
	pubsub := newGoChannel(t)
	factory, err := NewWatermillFactory(pubsub, nil, nil)
	require.NoError(t, err)
	ch, err := factory.CreateChannel(Options{Name: "orders-channel", RoutingKey: "orders"})
	require.NoError(t, err)

	ch.Stop()
	got, err := ch.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, got.IsQuit())

	require.NoError(t, ch.Purge())
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, err = ch.Receive(context.Background(), time.Millisecond)
	assert.True(t, errors.Is(err, errs.ErrChannelFailure))
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, string) (<-chan *wmmessage.Message, error) {
	return nil, errors.New("broker unreachable")
}

func (failingSubscriber) Close() error { return nil }

func TestWatermillChannelSubscribeFailure(t *testing.T) {
	t.Parallel()
	factory, err := NewWatermillFactory(failingSubscriber{}, nil, nil)
	require.NoError(t, err)
	ch, err := factory.CreateChannel(Options{Name: "orders-channel", RoutingKey: "orders"})
	require.NoError(t, err)

	_, err = ch.Receive(context.Background(), time.Millisecond)
	var failure *errs.ChannelFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "orders-channel", failure.Channel)
}

func TestWatermillFactoryValidation(t *testing.T) {
	t.Parallel()
	_, err := NewWatermillFactory(nil, nil, nil)
	assert.True(t, errs.IsConfiguration(err))

	factory, err := NewWatermillFactory(newGoChannel(t), nil, nil)
	require.NoError(t, err)
	_, err = factory.CreateChannel(Options{Name: "x"})
	assert.Error(t, err)
}
