package issues

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devserve/internal/engine"
)

func errIssue(msg, path string) engine.Issue {
	return engine.Issue{Severity: engine.SeverityError, Message: msg, FilePath: path}
}

func warnIssue(msg, path string) engine.Issue {
	return engine.Issue{Severity: engine.SeverityWarning, Message: msg, FilePath: path}
}

func TestRecordReplacesWholesale(t *testing.T) {
	l := NewLedger()

	blocking := l.Record("/about", []engine.Issue{errIssue("syntax error", "pages/about.tsx")})
	require.True(t, blocking)
	require.Len(t, l.Snapshot(), 1)

	// A clean compile wipes the old bucket.
	blocking = l.Record("/about", nil)
	assert.False(t, blocking)
	assert.Empty(t, l.Snapshot())
	assert.True(t, l.Empty())
}

func TestRecordDeduplicatesByKey(t *testing.T) {
	l := NewLedger()

	l.Record("/about", []engine.Issue{
		errIssue("syntax error", "pages/about.tsx"),
		errIssue("syntax error", "pages/about.tsx"),
		errIssue("other error", "pages/about.tsx"),
	})

	assert.Len(t, l.Snapshot(), 2)
}

func TestWarningsDoNotGate(t *testing.T) {
	l := NewLedger()

	blocking := l.Record("/about", []engine.Issue{warnIssue("unused import", "pages/about.tsx")})
	assert.False(t, blocking)
	assert.True(t, l.Empty(), "warnings must not hold back notification flushes")
	assert.Empty(t, l.Snapshot())
	assert.Len(t, l.WarningSnapshot(), 1)
}

func TestDependencyBoundaryErrorsAreNotBlocking(t *testing.T) {
	l := NewLedger()

	blocking := l.Record("/shop", []engine.Issue{
		errIssue("type mismatch", "/node_modules/lodash/index.js"),
	})
	assert.False(t, blocking, "third-party errors must not abort the triggering request")

	// They still gate flushes and still reach clients.
	assert.False(t, l.Empty())
	assert.Len(t, l.Snapshot(), 1)
	assert.Empty(t, l.Blocking("/shop"))
}

func TestBlockingMixesFirstAndThirdParty(t *testing.T) {
	l := NewLedger()

	blocking := l.Record("/shop", []engine.Issue{
		errIssue("type mismatch", "/node_modules/lodash/index.js"),
		errIssue("syntax error", "pages/shop.tsx"),
	})
	require.True(t, blocking)

	own := l.Blocking("/shop")
	require.Len(t, own, 1)
	assert.Equal(t, "pages/shop.tsx", own[0].FilePath)
}

func TestClearRemovesAllSeverities(t *testing.T) {
	l := NewLedger()
	l.Record("/a", []engine.Issue{errIssue("e", "a.ts"), warnIssue("w", "a.ts")})

	l.Clear("/a")

	assert.True(t, l.Empty())
	assert.Empty(t, l.WarningSnapshot())
	assert.Empty(t, l.Keys())
}

func TestSnapshotOrderIsStable(t *testing.T) {
	l := NewLedger()
	l.Record("/b", []engine.Issue{errIssue("z", "b.ts"), errIssue("a", "b.ts")})
	l.Record("/a", []engine.Issue{errIssue("m", "a.ts")})

	first := l.Snapshot()
	second := l.Snapshot()
	require.Equal(t, first, second)

	assert.Equal(t, "/a", first[0].UnitKey)
	assert.Equal(t, "/b", first[1].UnitKey)
	assert.Equal(t, "/b", first[2].UnitKey)
	assert.LessOrEqual(t, first[1].Issue.Key(), first[2].Issue.Key())
}

func TestKeysCoverBothMaps(t *testing.T) {
	l := NewLedger()
	l.Record("/err", []engine.Issue{errIssue("e", "x.ts")})
	l.Record("/warn", []engine.Issue{warnIssue("w", "y.ts")})

	assert.Equal(t, []string{"/err", "/warn"}, l.Keys())
}

func TestCustomBoundaries(t *testing.T) {
	l := NewLedgerWithBoundaries([]string{"/third_party/"})

	blocking := l.Record("/x", []engine.Issue{errIssue("e", "/third_party/dep.js")})
	assert.False(t, blocking)

	blocking = l.Record("/y", []engine.Issue{errIssue("e", "/node_modules/dep.js")})
	assert.True(t, blocking, "default boundaries must not apply when custom ones are set")
}
