package cacheregistry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (r *Registry, base string) {
	base = t.TempDir()
	root := filepath.Join(base, "Downloads")
	require.NoError(t, os.MkdirAll(root, 0o750))
	r, err := New(filepath.Join(base, "cacheRegistry.xml"), root, log.Default)
	require.NoError(t, err)
	return
}

func writeItem(t *testing.T, root, ns, name string) string {
	path := filepath.Join(root, ns, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(name), 0o640))
	return path
}

func TestNewRequiresRootedPath(t *testing.T) {
	_, err := New("x.xml", "relative", log.Default)
	assert.ErrorIs(t, err, ErrNotRooted)
}

func TestIsInCacheDir(t *testing.T) {
	r, base := newTestRegistry(t)
	inside := writeItem(t, r.Root(), "videos", "clip.mp4")

	ok, err := r.IsInCacheDir(inside, true)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same name, different root.
	outside := writeItem(t, filepath.Join(base, "Elsewhere"), "videos", "clip.mp4")
	ok, err = r.IsInCacheDir(outside, true)
	require.NoError(t, err)
	assert.False(t, ok)

	// A sibling whose name has the root as a prefix.
	ok, err = r.IsInCacheDir(filepath.Join(base, "Downloads2", "videos", "clip.mp4"), false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.IsInCacheDir(r.Root(), false)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.IsInCacheDir(filepath.Join("videos", "clip.mp4"), false)
	assert.ErrorIs(t, err, ErrNotRooted)

	missing := filepath.Join(r.Root(), "videos", "nope")
	ok, err = r.IsInCacheDir(missing, false)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = r.IsInCacheDir(missing, true)
	assert.ErrorIs(t, err, ErrPathNotExist)

	ok, err = r.IsInCacheDir(filepath.Join(r.Root(), "videos", "..", "..", "Downloads", "videos", "clip.mp4"), true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegisterRejectsOutsidePaths(t *testing.T) {
	r, base := newTestRegistry(t)
	err := r.Register("videos", "clip.mp4", filepath.Join(base, "clip.mp4"))
	assert.ErrorIs(t, err, ErrOutsideCache)
	err = r.Register("videos", "clip.mp4", "clip.mp4")
	assert.ErrorIs(t, err, ErrNotRooted)
	assert.Empty(t, r.Entries())
}

func TestSaveLoad(t *testing.T) {
	r, base := newTestRegistry(t)
	a := writeItem(t, r.Root(), "videos", "clip.mp4")
	require.NoError(t, r.Register("videos", "clip.mp4", a))
	require.NoError(t, r.Register("music", "song", filepath.Join(r.Root(), "music", "song")))
	require.NoError(t, r.Save())

	r2, err := New(filepath.Join(base, "cacheRegistry.xml"), r.Root(), log.Default)
	require.NoError(t, err)
	assert.True(t, r2.Load())
	assert.Equal(t, r.Entries(), r2.Entries())
	e, ok := r2.Lookup("videos", "clip.mp4")
	require.True(t, ok)
	assert.Equal(t, a, e.Path)
	assert.True(t, e.Present)
}

func TestLoadCorrupt(t *testing.T) {
	r, base := newTestRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(base, "cacheRegistry.xml"), []byte("<cacheRegistry><entry"), 0o640))
	assert.False(t, r.Load())
	assert.Empty(t, r.Entries())
}

func TestLoadMissing(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.False(t, r.Load())
}

func TestLoadCacheDir(t *testing.T) {
	r, _ := newTestRegistry(t)
	writeItem(t, r.Root(), "videos", "clip.mp4")
	writeItem(t, r.Root(), "videos", ".swarmcache-tmp-clip.mp4.123")
	writeItem(t, r.Root(), "music", "song")
	writeItem(t, r.Root(), "music", ".profile")
	// Stray file at the namespace level.
	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), "stray"), nil, 0o640))
	gone := filepath.Join(r.Root(), "old", "thing")
	require.NoError(t, r.Register("old", "thing", gone))

	require.NoError(t, r.LoadCacheDir(r.Root()))
	entries := r.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, "music", entries[0].Namespace)
	assert.Equal(t, ".profile", entries[0].Name)
	assert.True(t, entries[0].Present)
	assert.Equal(t, "song", entries[1].Name)
	assert.Equal(t, "old", entries[2].Namespace)
	assert.False(t, entries[2].Present)
	assert.Equal(t, "videos", entries[3].Namespace)
	assert.Equal(t, "clip.mp4", entries[3].Name)
	assert.True(t, entries[3].Present)
}

func TestItemOf(t *testing.T) {
	r, base := newTestRegistry(t)
	ns, name, err := r.ItemOf(filepath.Join(r.Root(), "videos", "season1", "ep1.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "videos", ns)
	assert.Equal(t, "season1", name)

	_, _, err = r.ItemOf(filepath.Join(r.Root(), "videos"))
	assert.ErrorIs(t, err, ErrOutsideCache)
	_, _, err = r.ItemOf(filepath.Join(base, "videos", "x"))
	assert.ErrorIs(t, err, ErrOutsideCache)
	_, _, err = r.ItemOf("videos/x")
	assert.ErrorIs(t, err, ErrNotRooted)
}
