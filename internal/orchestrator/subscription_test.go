package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devserve/internal/engine"
	"git.home.luguber.info/inful/devserve/internal/engine/enginetest"
	"git.home.luguber.info/inful/devserve/internal/hub"
	"git.home.luguber.info/inful/devserve/internal/issues"
)

func newSubManager(t *testing.T) (*SubscriptionManager, *issues.Ledger, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	ledger := issues.NewLedger()
	coalescer := NewCoalescer(time.Millisecond, ledger.Empty, sink.send, nil)
	t.Cleanup(coalescer.Close)
	m := NewSubscriptionManager(ledger, coalescer, nil)
	t.Cleanup(m.Shutdown)
	return m, ledger, sink
}

func passthrough(unitKey string, _ engine.ChangeEvent) (hub.Message, bool) {
	return hub.NewClientChanged(unitKey), true
}

func TestSubscribeDeliversChanges(t *testing.T) {
	m, _, sink := newSubManager(t)
	ep := enginetest.NewDescriptor("/about.html")

	m.Subscribe(t.Context(), "/about", engine.PhaseClient, false, ep, passthrough)
	require.True(t, m.Has("/about", engine.PhaseClient))

	ep.EmitClientChange(engine.ChangeEvent{})
	sink.await(t, 1)
	assert.Equal(t, hub.NewClientChanged("/about"), sink.messages()[0])
}

func TestSubscribeIsIdempotent(t *testing.T) {
	m, _, _ := newSubManager(t)
	ep := enginetest.NewDescriptor("/about.data")

	m.Subscribe(t.Context(), "/about", engine.PhaseServer, true, ep, passthrough)
	m.Subscribe(t.Context(), "/about", engine.PhaseServer, true, ep, passthrough)

	assert.Len(t, m.Units(), 1)
}

func TestServerPhaseRecordsIssues(t *testing.T) {
	m, ledger, _ := newSubManager(t)
	ep := enginetest.NewDescriptor("/about.data")

	issuesSeen := make(chan int, 4)
	m.onIssues = func(_ string, n int) { issuesSeen <- n }

	m.Subscribe(t.Context(), "/about", engine.PhaseServer, true, ep, passthrough)
	assert.True(t, ep.LastIncludeIssues())

	ep.EmitServerChange(engine.ChangeEvent{Issues: []engine.Issue{
		{Severity: engine.SeverityError, Message: "boom", FilePath: "pages/about.tsx"},
	}})

	select {
	case n := <-issuesSeen:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("issue callback never fired")
	}
	assert.False(t, ledger.Empty())

	// The next clean event wipes the bucket.
	ep.EmitServerChange(engine.ChangeEvent{})
	select {
	case n := <-issuesSeen:
		assert.Zero(t, n)
	case <-time.After(2 * time.Second):
		t.Fatal("issue callback never fired")
	}
	assert.True(t, ledger.Empty())
}

func TestClientPhaseNeverTouchesLedger(t *testing.T) {
	m, ledger, sink := newSubManager(t)
	ep := enginetest.NewDescriptor("/about.html")

	m.Subscribe(t.Context(), "/about", engine.PhaseClient, false, ep, passthrough)
	ep.EmitClientChange(engine.ChangeEvent{Issues: []engine.Issue{
		{Severity: engine.SeverityError, Message: "boom"},
	}})

	sink.await(t, 1)
	assert.True(t, ledger.Empty(), "client-phase events must not clobber the issue ledger")
}

func TestUnsubscribeIsSynchronous(t *testing.T) {
	m, _, _ := newSubManager(t)
	ep := enginetest.NewDescriptor("/about.html")

	m.Subscribe(t.Context(), "/about", engine.PhaseClient, false, ep, passthrough)
	m.Unsubscribe("/about", engine.PhaseClient)

	// After Unsubscribe returns the pair must be re-armable immediately.
	assert.False(t, m.Has("/about", engine.PhaseClient))
	m.Subscribe(t.Context(), "/about", engine.PhaseClient, false, ep, passthrough)
	assert.True(t, m.Has("/about", engine.PhaseClient))
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	m, _, _ := newSubManager(t)
	m.Unsubscribe("/ghost", engine.PhaseServer)
	m.UnsubscribeUnit("/ghost")
}

func TestShutdownStopsAll(t *testing.T) {
	m, _, _ := newSubManager(t)

	for _, unit := range []string{"/a", "/b", "/c"} {
		m.Subscribe(t.Context(), unit, engine.PhaseClient, false, enginetest.NewDescriptor(unit), passthrough)
	}
	require.Len(t, m.Units(), 3)

	m.Shutdown()
	assert.Empty(t, m.Units())
}
