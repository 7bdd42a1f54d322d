package server

import (
	"testing"
	"time"

	"github.com/Tyrowin/gorelay/internal/observability"
	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, busSize, sendSize int, metrics *observability.Metrics) *Hub {
	t.Helper()
	hub := NewHub(busSize, sendSize, testLogger(), metrics)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return hub
}

func receive(t *testing.T, sub *Subscription) (protocol.Envelope, bool) {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		return env, ok
	case <-time.After(readTimeout):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}, false
	}
}

func TestHubDeliversInPublishOrder(t *testing.T) {
	hub := startHub(t, 16, 16, nil)

	a, err := hub.Subscribe(uuid.New())
	require.NoError(t, err)
	b, err := hub.Subscribe(uuid.New())
	require.NoError(t, err)

	names := []string{"one", "two", "three", "four"}
	for _, name := range names {
		require.NoError(t, hub.Publish(protocol.Envelope{Content: protocol.Joined{ID: uuid.New(), Name: name}}))
	}

	for _, sub := range []*Subscription{a, b} {
		for _, want := range names {
			env, ok := receive(t, sub)
			require.True(t, ok)
			require.Equal(t, want, env.Content.(protocol.Joined).Name)
		}
	}
}

func TestHubSubscribeIsLiveOnReturn(t *testing.T) {
	hub := startHub(t, 4, 4, nil)

	sub, err := hub.Subscribe(uuid.New())
	require.NoError(t, err)
	require.NoError(t, hub.Publish(protocol.Envelope{Content: protocol.Left{ID: uuid.New(), Name: "x"}}))

	_, ok := receive(t, sub)
	require.True(t, ok)
	require.Equal(t, 1, hub.SubscriberCount())
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	metrics := observability.NewMetrics()
	hub := startHub(t, 16, 1, metrics)

	slow, err := hub.Subscribe(uuid.New())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(protocol.Envelope{Content: protocol.Joined{ID: uuid.New(), Name: "n"}}))
	}

	_, ok := receive(t, slow)
	require.True(t, ok, "buffered envelope is still delivered")
	_, ok = receive(t, slow)
	require.False(t, ok)
	require.ErrorIs(t, slow.Err(), ErrSlowConsumer)

	waitFor(t, func() bool { return hub.SubscriberCount() == 0 })
	require.EqualValues(t, 1, metrics.Count(observability.Drops))
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := startHub(t, 4, 4, nil)

	sub, err := hub.Subscribe(uuid.New())
	require.NoError(t, err)
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	_, ok := receive(t, sub)
	require.False(t, ok)
	require.NoError(t, sub.Err())
}

func TestHubShutdownEndsSubscriptions(t *testing.T) {
	hub := NewHub(4, 4, testLogger(), nil)
	go hub.Run()

	sub, err := hub.Subscribe(uuid.New())
	require.NoError(t, err)

	require.NoError(t, hub.Shutdown(time.Second))

	_, ok := receive(t, sub)
	require.False(t, ok)
	require.ErrorIs(t, sub.Err(), ErrHubClosed)

	_, err = hub.Subscribe(uuid.New())
	require.ErrorIs(t, err, ErrHubClosed)
	require.ErrorIs(t, hub.Publish(protocol.Envelope{Content: protocol.Left{}}), ErrHubClosed)
}
