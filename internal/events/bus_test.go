package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToTypedSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsub := Subscribe[BuildStarted](b, 4)
	defer unsub()

	evt := BuildStarted{BuildID: "b1", UnitKey: "/about"}
	require.NoError(t, b.Publish(t.Context(), evt))

	select {
	case got := <-ch:
		assert.Equal(t, evt, got)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestPublishSkipsOtherTypes(t *testing.T) {
	b := NewBus()
	defer b.Close()

	started, unsub := Subscribe[BuildStarted](b, 4)
	defer unsub()

	require.NoError(t, b.Publish(t.Context(), BuildCompleted{BuildID: "b1"}))

	select {
	case evt := <-started:
		t.Fatalf("unexpected delivery: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishBlocksOnFullBuffer(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsub := Subscribe[BuildStarted](b, 1)
	defer unsub()

	require.NoError(t, b.Publish(t.Context(), BuildStarted{BuildID: "1"}))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, BuildStarted{BuildID: "2"})
	require.Error(t, err, "publish into a full buffer must block until ctx expires")

	<-ch
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsub := Subscribe[BuildStarted](b, 1)
	require.Equal(t, 1, SubscriberCount[BuildStarted](b))

	unsub()
	assert.Zero(t, SubscriberCount[BuildStarted](b))

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not block or error.
	require.NoError(t, b.Publish(t.Context(), BuildStarted{}))
}

func TestCloseClosesAllSubscriptions(t *testing.T) {
	b := NewBus()

	started, _ := Subscribe[BuildStarted](b, 1)
	completed, _ := Subscribe[BuildCompleted](b, 1)

	b.Close()

	_, open := <-started
	assert.False(t, open)
	_, open = <-completed
	assert.False(t, open)

	require.Error(t, b.Publish(t.Context(), BuildStarted{}))
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	b := NewBus()
	b.Close()

	ch, unsub := Subscribe[BuildStarted](b, 1)
	unsub()

	_, open := <-ch
	assert.False(t, open)
}
