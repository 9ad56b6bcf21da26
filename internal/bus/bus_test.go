package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("topic", func(_ context.Context, _ string, _ any) { got = append(got, "first") })
	b.Subscribe("topic", func(_ context.Context, _ string, _ any) { got = append(got, "second") })
	b.Subscribe("other", func(_ context.Context, _ string, _ any) { got = append(got, "wrong") })

	require.NoError(t, b.Publish(context.Background(), "topic", 42))
	require.Equal(t, []string{"first", "second"}, got)
}

func TestPublishIsSynchronous(t *testing.T) {
	b := New()
	delivered := false
	b.Subscribe("topic", func(_ context.Context, _ string, payload any) {
		require.Equal(t, "payload", payload)
		delivered = true
	})
	require.NoError(t, b.Publish(context.Background(), "topic", "payload"))
	require.True(t, delivered, "handler must run before Publish returns")
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	count := 0
	cancel := b.Subscribe("topic", func(_ context.Context, _ string, _ any) { count++ })

	require.NoError(t, b.Publish(context.Background(), "topic", nil))
	cancel()
	require.NoError(t, b.Publish(context.Background(), "topic", nil))
	require.Equal(t, 1, count)
}

func TestSubscribeAll(t *testing.T) {
	b := New()
	var topics []string
	cancel := b.SubscribeAll([]string{"a", "b"}, func(_ context.Context, topic string, _ any) {
		topics = append(topics, topic)
	})

	require.NoError(t, b.Publish(context.Background(), "a", nil))
	require.NoError(t, b.Publish(context.Background(), "b", nil))
	require.Equal(t, []string{"a", "b"}, topics)

	cancel()
	require.NoError(t, b.Publish(context.Background(), "a", nil))
	require.Len(t, topics, 2)
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	b := New()
	reached := false
	b.Subscribe("topic", func(_ context.Context, _ string, _ any) { panic("boom") })
	b.Subscribe("topic", func(_ context.Context, _ string, _ any) { reached = true })

	require.NoError(t, b.Publish(context.Background(), "topic", nil))
	require.True(t, reached)
}

func TestNilContextRejected(t *testing.T) {
	b := New()
	//nolint:staticcheck // passing nil deliberately
	require.Error(t, b.Publish(nil, "topic", nil))
}
