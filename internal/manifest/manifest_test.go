package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devserve/internal/engine"
)

func readManifest(t *testing.T, dir, name string, doc any) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, doc))
}

func TestWriteAllProducesEveryFile(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregator(dir)

	require.NoError(t, a.WriteAll())

	for _, name := range []string{
		RoutesManifestFile, BuildManifestFile, ServerReferenceManifestFile,
		FontManifestFile, LazyComponentManifestFile, MiddlewareManifestFile,
	} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestMergeFoldsIntoManifests(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregator(dir)

	a.Merge(Partial{
		UnitKey: "/about",
		Kind:    engine.KindPage,
		Runtime: engine.RuntimeNodeJS,
		Files:   []string{"about.html.out", "about.data.out"},
		Fonts:   []string{"inter.woff2"},
	})
	a.Merge(Partial{
		UnitKey:          "/blog",
		Kind:             engine.KindAppPage,
		Runtime:          engine.RuntimeEdge,
		Files:            []string{"blog.rsc.out"},
		ServerReferences: map[string]string{"ref1": "blog.rsc.out"},
		LazyComponents:   map[string][]string{"Gallery": {"gallery.chunk"}},
	})
	require.NoError(t, a.WriteAll())

	var routes struct {
		Version int `json:"version"`
		Routes  []struct {
			Page    string `json:"page"`
			Kind    string `json:"kind"`
			Runtime string `json:"runtime"`
		} `json:"routes"`
	}
	readManifest(t, dir, RoutesManifestFile, &routes)
	require.Len(t, routes.Routes, 2)
	assert.Equal(t, "/about", routes.Routes[0].Page)
	assert.Equal(t, "page", routes.Routes[0].Kind)
	assert.Equal(t, "/blog", routes.Routes[1].Page)
	assert.Equal(t, "edge", routes.Routes[1].Runtime)

	var build struct {
		Pages map[string][]string `json:"pages"`
	}
	readManifest(t, dir, BuildManifestFile, &build)
	assert.Equal(t, []string{"about.html.out", "about.data.out"}, build.Pages["/about"])

	var refs struct {
		References map[string]string `json:"references"`
	}
	readManifest(t, dir, ServerReferenceManifestFile, &refs)
	assert.Equal(t, "blog.rsc.out", refs.References["ref1"])

	var fonts struct {
		Fonts []string `json:"fonts"`
	}
	readManifest(t, dir, FontManifestFile, &fonts)
	assert.Equal(t, []string{"inter.woff2"}, fonts.Fonts)
}

func TestMergeReplacesEarlierContribution(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregator(dir)

	a.Merge(Partial{UnitKey: "/a", Kind: engine.KindPage, Files: []string{"stale.out"}})
	a.Merge(Partial{UnitKey: "/a", Kind: engine.KindPage, Files: []string{"fresh.out"}})
	require.NoError(t, a.WriteAll())

	var build struct {
		Pages map[string][]string `json:"pages"`
	}
	readManifest(t, dir, BuildManifestFile, &build)
	assert.Equal(t, []string{"fresh.out"}, build.Pages["/a"])
}

func TestRemovePrunesUnit(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregator(dir)

	a.Merge(Partial{UnitKey: "/a", Kind: engine.KindPage, Files: []string{"a.out"}})
	a.Remove("/a")
	require.NoError(t, a.WriteAll())

	var build struct {
		Pages map[string][]string `json:"pages"`
	}
	readManifest(t, dir, BuildManifestFile, &build)
	assert.Empty(t, build.Pages)
}

func TestMiddlewareGoesToOwnManifest(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregator(dir)

	a.Merge(Partial{
		UnitKey:            "middleware",
		Kind:               engine.KindMiddleware,
		Runtime:            engine.RuntimeEdge,
		MiddlewareMatchers: []string{"/api/.*"},
	})
	require.NoError(t, a.WriteAll())

	var mw struct {
		Present  bool     `json:"present"`
		Matchers []string `json:"matchers"`
		Runtime  string   `json:"runtime"`
	}
	readManifest(t, dir, MiddlewareManifestFile, &mw)
	assert.True(t, mw.Present)
	assert.Equal(t, []string{"/api/.*"}, mw.Matchers)
	assert.Equal(t, "edge", mw.Runtime)

	// Middleware must not leak into the routing table.
	var routes struct {
		Routes []any `json:"routes"`
	}
	readManifest(t, dir, RoutesManifestFile, &routes)
	assert.Empty(t, routes.Routes)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregator(dir)
	a.Merge(Partial{UnitKey: "/a", Kind: engine.KindPage})

	require.NoError(t, a.WriteAll())
	require.NoError(t, a.WriteAll())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 6, "only the six manifests may remain after writes")
}
