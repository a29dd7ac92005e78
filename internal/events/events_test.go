package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func TestBrokerFiltersByWorkflow(t *testing.T) {
	b := NewBroker(4)
	all, cancelAll := b.Subscribe("")
	defer cancelAll()
	one, cancelOne := b.Subscribe("wf-1")

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, New(StepStarted, "wf-1")))
	require.NoError(t, b.Publish(ctx, New(StepStarted, "wf-2")))

	require.Equal(t, "wf-1", (<-one).WorkflowID)
	require.Equal(t, "wf-1", (<-all).WorkflowID)
	require.Equal(t, "wf-2", (<-all).WorkflowID)
	require.Len(t, one, 0)

	cancelOne()
	cancelOne()
	_, open := <-one
	require.False(t, open)
	require.Equal(t, 1, b.Subscribers())
}

func TestBrokerDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewBroker(1)
	ch, cancel := b.Subscribe("")
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), New(StepRetrying, "wf")))
	}
	require.Len(t, ch, 1)
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestRabbitMQPublisherRoutesByType(t *testing.T) {
	fake := &fakeChannel{}
	p := &RabbitMQPublisher{ch: fake, exchange: "agenthub.events"}

	evt := New(WorkflowCompleted, "wf-9")
	require.NoError(t, p.Publish(context.Background(), evt))
	require.Equal(t, "agenthub.events", fake.exchange)
	require.Equal(t, "workflow.completed", fake.key)
	require.Equal(t, "application/json", fake.msg.ContentType)

	var decoded Event
	require.NoError(t, json.Unmarshal(fake.msg.Body, &decoded))
	require.Equal(t, evt.ID, decoded.ID)
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	f := Fanout{
		PublisherFunc(func(context.Context, Event) error { calls++; return nil }),
		nil,
		PublisherFunc(func(context.Context, Event) error { calls++; return boom }),
	}
	err := f.Publish(context.Background(), New(StepFailed, "wf"))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, calls)
}
