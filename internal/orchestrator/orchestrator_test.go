package orchestrator

import (
	"testing"
	"time"

	"git.home.luguber.info/inful/devserve/internal/engine/enginetest"
	"git.home.luguber.info/inful/devserve/internal/events"
	"git.home.luguber.info/inful/devserve/internal/issues"
	"git.home.luguber.info/inful/devserve/internal/manifest"
)

func TestIssuesRecordedSurvivesStuckSubscriber(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	// A subscriber that never drains: the first event fills its buffer.
	_, unsub := events.Subscribe[events.IssuesUpdated](bus, 1)
	defer unsub()

	o := New(enginetest.NewProject(), issues.NewLedger(), manifest.NewAggregator(t.TempDir()),
		fanout{newRecordingSink()}, Options{Bus: bus})
	t.Cleanup(o.Shutdown)

	// Snapshot apply waits on subscription goroutines, which run this hook;
	// a stuck subscriber must cost a bounded timeout, never a deadlock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.issuesRecorded("/a", 1)
		o.issuesRecorded("/a", 0)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("issuesRecorded blocked on a stuck subscriber")
	}
}
