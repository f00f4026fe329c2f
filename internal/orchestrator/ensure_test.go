package orchestrator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devserve/internal/engine"
	"git.home.luguber.info/inful/devserve/internal/engine/enginetest"
	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
	"git.home.luguber.info/inful/devserve/internal/hub"
	"git.home.luguber.info/inful/devserve/internal/issues"
	"git.home.luguber.info/inful/devserve/internal/manifest"
)

// fanout adapts the recording sink to the Broadcaster interface.
type fanout struct{ sink *recordingSink }

func (f fanout) Broadcast(msg hub.Message) { f.sink.send(msg) }

type fixture struct {
	orch    *Orchestrator
	project *enginetest.Project
	sink    *recordingSink
	ledger  *issues.Ledger
	outDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	project := enginetest.NewProject()
	sink := newRecordingSink()
	ledger := issues.NewLedger()
	outDir := t.TempDir()

	o := New(project, ledger, manifest.NewAggregator(outDir), fanout{sink}, Options{
		CoalesceWindow: time.Millisecond,
	})
	t.Cleanup(o.Shutdown)

	return &fixture{orch: o, project: project, sink: sink, ledger: ledger, outDir: outDir}
}

// start runs the orchestrator loop and applies an initial snapshot.
func (f *fixture) start(t *testing.T, snap engine.EntrypointsSnapshot) {
	t.Helper()
	go func() { _ = f.orch.Run(t.Context()) }()
	f.project.EmitSnapshot(snap)
	require.NoError(t, f.orch.Directory().Await(t.Context()))
}

func TestEnsureBuildsPageUnit(t *testing.T) {
	f := newFixture(t)
	route, html, data := enginetest.PageRoute("/about")
	f.start(t, snapshotWith(map[string]engine.Route{"/about": route}))

	err := f.orch.Ensure(t.Context(), "/about", EnsureOptions{Requestor: "test"})
	require.NoError(t, err)

	assert.Equal(t, 1, html.WriteCalls())
	assert.Equal(t, 1, data.WriteCalls())
	assert.True(t, f.orch.Readiness().IsReady("/about"))

	// Server phase carries issues, client phase does not.
	assert.True(t, data.LastIncludeIssues())

	// Manifests are written to disk after the merge.
	assert.FileExists(t, filepath.Join(f.outDir, "routes-manifest.json"))
	assert.FileExists(t, filepath.Join(f.outDir, "build-manifest.json"))
}

func TestEnsureEmitsBuildingThenBuilt(t *testing.T) {
	f := newFixture(t)
	route, _, _ := enginetest.PageRoute("/about")
	f.start(t, snapshotWith(map[string]engine.Route{"/about": route}))

	require.NoError(t, f.orch.Ensure(t.Context(), "/about", EnsureOptions{}))

	// Building is broadcast immediately; Built arrives via the coalescer.
	f.sink.await(t, 2)
	msgs := f.sink.messages()
	assert.Equal(t, "building", msgs[0].Action())

	var actions []string
	for _, m := range msgs {
		actions = append(actions, m.Action())
	}
	assert.Contains(t, actions, "built")
}

func TestEnsureShortCircuitsWhenReady(t *testing.T) {
	f := newFixture(t)
	route, html, _ := enginetest.PageRoute("/about")
	f.start(t, snapshotWith(map[string]engine.Route{"/about": route}))

	require.NoError(t, f.orch.Ensure(t.Context(), "/about", EnsureOptions{}))
	require.NoError(t, f.orch.Ensure(t.Context(), "/about", EnsureOptions{}))

	assert.Equal(t, 1, html.WriteCalls(), "ready unit must not rebuild")
}

func TestEnsureForceRebuilds(t *testing.T) {
	f := newFixture(t)
	route, html, _ := enginetest.PageRoute("/about")
	f.start(t, snapshotWith(map[string]engine.Route{"/about": route}))

	require.NoError(t, f.orch.Ensure(t.Context(), "/about", EnsureOptions{}))
	require.NoError(t, f.orch.Ensure(t.Context(), "/about", EnsureOptions{ForceRebuild: true}))

	assert.Equal(t, 2, html.WriteCalls())
}

func TestEnsureUnknownUnitIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.start(t, snapshotWith(map[string]engine.Route{}))

	err := f.orch.Ensure(t.Context(), "/ghost", EnsureOptions{})
	require.Error(t, err)
	assert.True(t, ferrors.IsNotFound(err))
}

func TestEnsureExemptAliasesAreNoops(t *testing.T) {
	f := newFixture(t)
	f.start(t, snapshotWith(map[string]engine.Route{}))

	for _, alias := range []string{"_app", "_document", "_error", "/_app", "middleware", "instrumentation"} {
		assert.NoError(t, f.orch.Ensure(t.Context(), alias, EnsureOptions{}), alias)
	}
}

func TestEnsureKindMismatch(t *testing.T) {
	f := newFixture(t)
	page, _, _ := enginetest.PageRoute("/about")
	appPage, _, _ := enginetest.AppPageRoute("/blog")
	f.start(t, snapshotWith(map[string]engine.Route{"/about": page, "/blog": appPage}))

	err := f.orch.Ensure(t.Context(), "/about", EnsureOptions{Expect: ExpectAppRouter})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryValidation, ferrors.CategoryOf(err))

	err = f.orch.Ensure(t.Context(), "/blog", EnsureOptions{Expect: ExpectPagesRouter})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryValidation, ferrors.CategoryOf(err))

	// Matching expectations succeed.
	assert.NoError(t, f.orch.Ensure(t.Context(), "/about", EnsureOptions{Expect: ExpectPagesRouter}))
	assert.NoError(t, f.orch.Ensure(t.Context(), "/blog", EnsureOptions{Expect: ExpectAppRouter}))
}

func TestEnsureThrowsOnBlockingIssues(t *testing.T) {
	f := newFixture(t)
	route, _, data := enginetest.PageRoute("/broken")
	data.SetIssues(engine.Issue{
		Severity: engine.SeverityError,
		Message:  "unexpected token",
		FilePath: "pages/broken.tsx",
	})
	f.start(t, snapshotWith(map[string]engine.Route{"/broken": route}))

	err := f.orch.Ensure(t.Context(), "/broken", EnsureOptions{})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryBuild, ferrors.CategoryOf(err))

	// The failed build must not leak a permanently-building unit, and must
	// not be served as ready either.
	assert.False(t, f.orch.Readiness().IsBuilding("/broken"))
	assert.False(t, f.orch.Readiness().IsReady("/broken"))
	// The ledger now gates notification flushes.
	assert.False(t, f.ledger.Empty())

	// Once the source is fixed, the next ensure rebuilds instead of
	// short-circuiting on stale state.
	data.SetIssues()
	require.NoError(t, f.orch.Ensure(t.Context(), "/broken", EnsureOptions{}))
	assert.True(t, f.orch.Readiness().IsReady("/broken"))
}

func TestEnsureDependencyErrorsDoNotThrow(t *testing.T) {
	f := newFixture(t)
	route, _, data := enginetest.PageRoute("/shop")
	data.SetIssues(engine.Issue{
		Severity: engine.SeverityError,
		Message:  "type mismatch",
		FilePath: "/node_modules/lodash/index.js",
	})
	f.start(t, snapshotWith(map[string]engine.Route{"/shop": route}))

	err := f.orch.Ensure(t.Context(), "/shop", EnsureOptions{})
	require.NoError(t, err, "third-party errors must not abort the request")

	// They still gate flushes.
	assert.False(t, f.ledger.Empty())
}

func TestEnsureWriteFailure(t *testing.T) {
	f := newFixture(t)
	route, html, _ := enginetest.PageRoute("/about")
	html.SetWriteError(ferrors.EngineError("disk full").Build())
	f.start(t, snapshotWith(map[string]engine.Route{"/about": route}))

	err := f.orch.Ensure(t.Context(), "/about", EnsureOptions{})
	require.Error(t, err)
	assert.False(t, f.orch.Readiness().IsBuilding("/about"))
	assert.False(t, f.orch.Readiness().IsReady("/about"))

	// Clearing the fault lets the next ensure build for real.
	html.SetWriteError(nil)
	require.NoError(t, f.orch.Ensure(t.Context(), "/about", EnsureOptions{}))
	assert.True(t, f.orch.Readiness().IsReady("/about"))
	assert.GreaterOrEqual(t, html.WriteCalls(), 2)
}

func TestEnsureMiddleware(t *testing.T) {
	f := newFixture(t)
	mwEp := enginetest.NewDescriptor("middleware")
	f.start(t, engine.EntrypointsSnapshot{
		Routes:     map[string]engine.Route{},
		Middleware: &engine.MiddlewareEndpoint{Endpoint: mwEp},
	})

	require.NoError(t, f.orch.Ensure(t.Context(), "middleware", EnsureOptions{}))
	assert.Equal(t, 1, mwEp.WriteCalls())
	assert.True(t, f.orch.Readiness().IsReady("middleware"))
}

func TestEnsureMiddlewareIssuesNeverThrow(t *testing.T) {
	f := newFixture(t)
	mwEp := enginetest.NewDescriptor("middleware")
	mwEp.SetIssues(engine.Issue{
		Severity: engine.SeverityError,
		Message:  "middleware broke",
		FilePath: "middleware.ts",
	})
	f.start(t, engine.EntrypointsSnapshot{
		Routes:     map[string]engine.Route{},
		Middleware: &engine.MiddlewareEndpoint{Endpoint: mwEp},
	})

	require.NoError(t, f.orch.Ensure(t.Context(), "middleware", EnsureOptions{}))
	assert.False(t, f.ledger.Empty(), "middleware issues are recorded without throwing")
}

func TestEnsureInstrumentation(t *testing.T) {
	f := newFixture(t)
	nodeEp := enginetest.NewDescriptor("instrumentation.nodejs")
	edgeEp := enginetest.NewDescriptor("instrumentation.edge")
	f.start(t, engine.EntrypointsSnapshot{
		Routes: map[string]engine.Route{},
		Instrumentation: &engine.InstrumentationEndpoints{
			NodeJS: nodeEp,
			Edge:   edgeEp,
		},
	})

	require.NoError(t, f.orch.Ensure(t.Context(), "instrumentation", EnsureOptions{}))
	assert.Equal(t, 1, nodeEp.WriteCalls())
	assert.Equal(t, 1, edgeEp.WriteCalls())
}

func TestSnapshotPrunesVanishedUnits(t *testing.T) {
	f := newFixture(t)
	about, _, aboutData := enginetest.PageRoute("/about")
	f.start(t, snapshotWith(map[string]engine.Route{"/about": about}))

	require.NoError(t, f.orch.Ensure(t.Context(), "/about", EnsureOptions{}))
	// Seed an error so we can observe the ledger prune.
	aboutData.EmitServerChange(engine.ChangeEvent{Issues: []engine.Issue{
		{Severity: engine.SeverityError, Message: "boom", FilePath: "pages/about.tsx"},
	}})
	require.Eventually(t, func() bool { return !f.ledger.Empty() }, 2*time.Second, 5*time.Millisecond)

	// /about vanishes from the graph.
	contact, _, _ := enginetest.PageRoute("/contact")
	f.project.EmitSnapshot(snapshotWith(map[string]engine.Route{"/contact": contact}))

	require.Eventually(t, func() bool {
		return f.orch.Directory().Lookup("/about") == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return f.ledger.Empty() }, 2*time.Second, 5*time.Millisecond,
		"vanished unit's diagnostics must be pruned")
	assert.False(t, f.orch.Readiness().IsReady("/about"))
}

func TestMiddlewarePresenceChangeNotifiesClients(t *testing.T) {
	f := newFixture(t)
	f.start(t, snapshotWith(map[string]engine.Route{}))

	f.project.EmitSnapshot(engine.EntrypointsSnapshot{
		Routes:     map[string]engine.Route{},
		Middleware: &engine.MiddlewareEndpoint{Endpoint: enginetest.NewDescriptor("middleware")},
	})

	f.sink.await(t, 1)
	found := false
	for _, m := range f.sink.messages() {
		if mc, ok := m.(hub.MiddlewareChanged); ok {
			assert.True(t, mc.Present)
			found = true
		}
	}
	assert.True(t, found, "middleware presence transition must notify clients")
}

func TestCurrentHashAdvancesPerRound(t *testing.T) {
	f := newFixture(t)
	route, _, _ := enginetest.PageRoute("/about")
	f.start(t, snapshotWith(map[string]engine.Route{"/about": route}))

	initial := f.orch.CurrentHash()
	require.NoError(t, f.orch.Ensure(t.Context(), "/about", EnsureOptions{}))
	f.sink.await(t, 2)
	assert.NotEqual(t, initial, f.orch.CurrentHash())
}
