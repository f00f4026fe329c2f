package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devserve/internal/events"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Append(t.Context(), "b1", "build_started", map[string]string{"unit": "/about"}))
	require.NoError(t, s.Append(t.Context(), "b1", "build_completed", map[string]string{"unit": "/about"}))

	got, err := s.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, "build_completed", got[0].EventType)
	assert.Equal(t, "build_started", got[1].EventType)
	assert.Equal(t, "b1", got[0].BuildID)
	assert.JSONEq(t, `{"unit":"/about"}`, string(got[0].Payload))
}

func TestRecentHonorsLimit(t *testing.T) {
	s := openStore(t)

	for range 5 {
		require.NoError(t, s.Append(t.Context(), "", "tick", struct{}{}))
	}

	got, err := s.Recent(t.Context(), 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestPruneBefore(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Append(t.Context(), "", "old", struct{}{}))

	removed, err := s.PruneBefore(t.Context(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	got, err := s.Recent(t.Context(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPruneKeepsNewerEvents(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Append(t.Context(), "", "fresh", struct{}{}))

	removed, err := s.PruneBefore(t.Context(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestConsumerJournalsBusEvents(t *testing.T) {
	s := openStore(t)
	bus := events.NewBus()
	defer bus.Close()

	go NewConsumer(s, bus).Run(t.Context())

	require.Eventually(t, func() bool {
		return events.SubscriberCount[events.BuildStarted](bus) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(t.Context(), events.BuildStarted{BuildID: "b1", UnitKey: "/x"}))

	require.Eventually(t, func() bool {
		got, err := s.Recent(t.Context(), 10)
		return err == nil && len(got) == 1 && got[0].EventType == "build_started"
	}, 2*time.Second, 10*time.Millisecond)
}
