package fsengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devserve/internal/engine"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func createProject(t *testing.T, root string) engine.Project {
	t.Helper()
	p, err := New().CreateProject(t.Context(), engine.ProjectConfig{
		RootDir:   root,
		OutputDir: t.TempDir(),
		DevMode:   true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func firstSnapshot(t *testing.T, p engine.Project) engine.EntrypointsSnapshot {
	t.Helper()
	stream, err := p.Entrypoints(t.Context())
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	select {
	case snap := <-stream.C:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
		return engine.EntrypointsSnapshot{}
	}
}

func TestScanClassifiesLayout(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pages/index.js", "home")
	writeFile(t, root, "pages/about.js", "about")
	writeFile(t, root, "pages/api/users.js", "handler")
	writeFile(t, root, "app/blog/page.js", "blog page")
	writeFile(t, root, "app/feed/route.js", "feed handler")
	writeFile(t, root, "middleware.js", "mw")
	writeFile(t, root, "instrumentation.js", "inst")

	p := createProject(t, root)
	snap := firstSnapshot(t, p)

	require.Len(t, snap.Routes, 5)
	assert.Equal(t, engine.KindPage, snap.Routes["/"].Kind)
	assert.Equal(t, engine.KindPage, snap.Routes["/about"].Kind)
	assert.Equal(t, engine.KindPageAPI, snap.Routes["/api/users"].Kind)
	assert.Equal(t, engine.KindAppPage, snap.Routes["/blog"].Kind)
	assert.Equal(t, engine.KindAppRoute, snap.Routes["/feed"].Kind)

	require.NotNil(t, snap.Middleware)
	require.NotNil(t, snap.Instrumentation)
	assert.NotNil(t, snap.Instrumentation.NodeJS)
	assert.NotNil(t, snap.Instrumentation.Edge)

	page := snap.Routes["/about"]
	require.NotNil(t, page.HTML)
	require.NotNil(t, page.Data)

	appPage := snap.Routes["/blog"]
	require.Len(t, appPage.Variants, 1)
	assert.Equal(t, "/blog/page", appPage.Variants[0].LogicalName)
}

func TestScanIgnoresDependencyDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pages/real.js", "ok")
	writeFile(t, root, "node_modules/pages/fake.js", "dep")
	writeFile(t, root, ".cache/pages/fake.js", "cache")

	p := createProject(t, root)
	snap := firstSnapshot(t, p)

	assert.Len(t, snap.Routes, 1)
	assert.Contains(t, snap.Routes, "/real")
}

func TestWriteToDiskContentAddressed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pages/about.js", "about v1")

	p := createProject(t, root)
	snap := firstSnapshot(t, p)

	written, err := snap.Routes["/about"].HTML.WriteToDisk(t.Context())
	require.NoError(t, err)
	require.Len(t, written.ServerPaths, 1)
	assert.NotEmpty(t, written.ServerPaths[0].ContentHash)
	assert.FileExists(t, written.ServerPaths[0].Path)
	assert.Equal(t, engine.RuntimeNodeJS, written.Runtime)
	assert.Empty(t, written.Issues)
}

func TestWriteToDiskReportsMarkers(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pages/broken.js",
		"line one\n// BUILD-ERROR: unexpected token\n// BUILD-WARNING: unused import\n")

	p := createProject(t, root)
	snap := firstSnapshot(t, p)

	written, err := snap.Routes["/broken"].HTML.WriteToDisk(t.Context())
	require.NoError(t, err)
	require.Len(t, written.Issues, 2)

	assert.Equal(t, engine.SeverityError, written.Issues[0].Severity)
	assert.Equal(t, "unexpected token", written.Issues[0].Message)
	assert.Equal(t, 2, written.Issues[0].Line)
	assert.Equal(t, engine.SeverityWarning, written.Issues[1].Severity)
}

func TestWriteToDiskEdgeRuntime(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "app/edge/route.js", "// runtime=edge\nexport {}\n")

	p := createProject(t, root)
	snap := firstSnapshot(t, p)

	written, err := snap.Routes["/edge"].Endpoint.WriteToDisk(t.Context())
	require.NoError(t, err)
	assert.Equal(t, engine.RuntimeEdge, written.Runtime)
}

func TestFileCreationEmitsNewSnapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pages/index.js", "home")

	p := createProject(t, root)
	stream, err := p.Entrypoints(t.Context())
	require.NoError(t, err)
	t.Cleanup(stream.Close)
	<-stream.C

	writeFile(t, root, "pages/new.js", "new page")

	require.Eventually(t, func() bool {
		select {
		case snap := <-stream.C:
			_, ok := snap.Routes["/new"]
			return ok
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestChangeStreamFiresOnEdit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pages/about.js", "v1")

	p := createProject(t, root)
	snap := firstSnapshot(t, p)

	stream, err := snap.Routes["/about"].Data.ServerChanged(t.Context(), true)
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	writeFile(t, root, "pages/about.js", "v2\n// BUILD-ERROR: broke it\n")

	select {
	case ev := <-stream.C:
		require.Len(t, ev.Issues, 1)
		assert.Equal(t, "broke it", ev.Issues[0].Message)
	case <-time.After(5 * time.Second):
		t.Fatal("change event never fired")
	}
}

func TestHMRStreamInitialThenUpdates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pages/about.js", "v1")

	p := createProject(t, root)
	stream, err := p.HMREvents(t.Context(), "/about")
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	select {
	case initial := <-stream.C:
		assert.Contains(t, string(initial), "initial")
	case <-time.After(time.Second):
		t.Fatal("no initial item")
	}

	writeFile(t, root, "pages/about.js", "v2")

	select {
	case update := <-stream.C:
		assert.Contains(t, string(update), "update")
	case <-time.After(5 * time.Second):
		t.Fatal("no update item")
	}
}

func TestCreateProjectRejectsMissingRoot(t *testing.T) {
	_, err := New().CreateProject(t.Context(), engine.ProjectConfig{
		RootDir:   filepath.Join(t.TempDir(), "absent"),
		OutputDir: t.TempDir(),
	})
	require.Error(t, err)
}
