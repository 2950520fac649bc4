package enginetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/swarmcache/engine"
	"github.com/anacrolix/swarmcache/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *recorder) OnEvent(e engine.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) transitions() (ret []engine.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == engine.StateChanged {
			ret = append(ret, e.New)
		}
	}
	return
}

func waitState(t *testing.T, h engine.Handle, s engine.State) {
	require.Eventually(t, func() bool { return h.State() == s }, 5*time.Second, time.Millisecond)
}

func TestSeedWithoutPeers(t *testing.T) {
	e := New(NewSwarm())
	e.PieceLength = 1 << 14
	path, _ := testutil.RandomFile(t, t.TempDir(), "blob", 100_000, 1)
	d, err := e.CreateDescriptor(path)
	require.NoError(t, err)
	var r recorder
	h, err := e.Register(context.Background(), engine.RegisterOpts{
		Descriptor: d,
		SaveDir:    filepath.Dir(path),
		Mode:       engine.Seed,
		Observer:   &r,
	})
	require.NoError(t, err)
	defer h.Drop()
	waitState(t, h, engine.Seeding)
	assert.Equal(t, []engine.State{engine.Hashing, engine.Seeding}, r.transitions())
	stats := h.Stats()
	assert.Equal(t, 7, stats.PiecesHashed)
	assert.Equal(t, 7, stats.PiecesComplete)
}

func TestTransfer(t *testing.T) {
	swarm := NewSwarm()
	seeder := New(swarm)
	leecher := New(swarm)
	seeder.PieceLength = 1 << 14
	src, content := testutil.RandomFile(t, t.TempDir(), "blob", 100_000, 2)
	d, err := seeder.CreateDescriptor(src)
	require.NoError(t, err)

	saveDir := t.TempDir()
	var r recorder
	lh, err := leecher.Register(context.Background(), engine.RegisterOpts{
		Descriptor: d,
		SaveDir:    saveDir,
		Mode:       engine.Leech,
		Observer:   &r,
	})
	require.NoError(t, err)
	defer lh.Drop()
	waitState(t, lh, engine.Downloading)

	sh, err := seeder.Register(context.Background(), engine.RegisterOpts{
		Descriptor: d,
		SaveDir:    filepath.Dir(src),
	})
	require.NoError(t, err)
	defer sh.Drop()

	waitState(t, lh, engine.Seeding)
	assert.Equal(t, []engine.State{engine.Hashing, engine.Downloading, engine.Seeding}, r.transitions())
	got, err := os.ReadFile(filepath.Join(saveDir, "blob"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.EqualValues(t, len(content), lh.Stats().BytesDownloadedData)
	assert.EqualValues(t, len(content), sh.Stats().BytesUploadedData)
	assert.Equal(t, 2, swarm.Seeders(d.Hash()))
}

func TestTransferDirectory(t *testing.T) {
	swarm := NewSwarm()
	e := New(swarm)
	e.PieceLength = 1 << 14
	root := filepath.Join(t.TempDir(), "album")
	_, a := testutil.RandomFile(t, root, "a", 20_000, 3)
	_, b := testutil.RandomFile(t, filepath.Join(root, "sub"), "b", 30_000, 4)
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty"), nil, 0o640))
	d, err := e.CreateDescriptor(root)
	require.NoError(t, err)
	sh, err := e.Register(context.Background(), engine.RegisterOpts{Descriptor: d, SaveDir: filepath.Dir(root)})
	require.NoError(t, err)
	defer sh.Drop()
	waitState(t, sh, engine.Seeding)

	saveDir := t.TempDir()
	lh, err := New(swarm).Register(context.Background(), engine.RegisterOpts{Descriptor: d, SaveDir: saveDir, Mode: engine.Leech})
	require.NoError(t, err)
	defer lh.Drop()
	waitState(t, lh, engine.Seeding)
	got, err := os.ReadFile(filepath.Join(saveDir, "album", "a"))
	require.NoError(t, err)
	assert.Equal(t, a, got)
	got, err = os.ReadFile(filepath.Join(saveDir, "album", "sub", "b"))
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.FileExists(t, filepath.Join(saveDir, "album", "empty"))
}

func TestResumeSkipsHashing(t *testing.T) {
	e := New(NewSwarm())
	e.PieceLength = 1 << 14
	path, _ := testutil.RandomFile(t, t.TempDir(), "blob", 100_000, 5)
	d, err := e.CreateDescriptor(path)
	require.NoError(t, err)
	opts := engine.RegisterOpts{Descriptor: d, SaveDir: filepath.Dir(path)}
	h, err := e.Register(context.Background(), opts)
	require.NoError(t, err)
	waitState(t, h, engine.Seeding)
	cold := h.Stats().PiecesHashed
	resume, err := h.ResumeData()
	require.NoError(t, err)
	h.Drop()

	opts.Resume = resume
	h, err = e.Register(context.Background(), opts)
	require.NoError(t, err)
	defer h.Drop()
	waitState(t, h, engine.Seeding)
	assert.Less(t, h.Stats().PiecesHashed, cold)
	assert.Equal(t, d.NumPieces(), h.Stats().PiecesComplete)
}

func TestContextCancelDrops(t *testing.T) {
	swarm := NewSwarm()
	e := New(swarm)
	d, err := e.CreateDescriptor(testutil.CreateGreeting(t, t.TempDir()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	h, err := e.Register(ctx, engine.RegisterOpts{Descriptor: d, SaveDir: t.TempDir(), Mode: engine.Leech})
	require.NoError(t, err)
	waitState(t, h, engine.Downloading)
	assert.Len(t, e.Handles(), 1)
	cancel()
	require.Eventually(t, func() bool { return len(e.Handles()) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, e.Registrations())
}

func TestManual(t *testing.T) {
	e := New(NewSwarm())
	e.Manual = true
	d, err := e.CreateDescriptor(testutil.CreateGreeting(t, t.TempDir()))
	require.NoError(t, err)
	var r recorder
	h, err := e.Register(context.Background(), engine.RegisterOpts{Descriptor: d, Observer: &r})
	require.NoError(t, err)
	assert.Equal(t, engine.Stopped, h.State())
	mh := h.(*Handle)
	mh.SetState(engine.Hashing)
	mh.Emit(engine.Event{Kind: engine.PeerConnected, OpenConnections: 1})
	assert.Equal(t, []engine.State{engine.Hashing}, r.transitions())
	assert.Len(t, r.events, 2)
	assert.Equal(t, d.Hash(), r.events[1].InfoHash)

	require.NoError(t, e.Close())
	assert.True(t, mh.Dropped())
	_, err = e.Register(context.Background(), engine.RegisterOpts{Descriptor: d})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDropForgetsHandle(t *testing.T) {
	e := New(NewSwarm())
	e.Manual = true
	d, err := e.CreateDescriptor(testutil.CreateGreeting(t, t.TempDir()))
	require.NoError(t, err)
	h, err := e.Register(context.Background(), engine.RegisterOpts{Descriptor: d, SaveDir: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, e.Handles(), 1)
	h.Drop()
	assert.Empty(t, e.Handles())
	assert.True(t, h.(*Handle).Dropped())
	h.Drop()
	assert.Empty(t, e.Handles())
}
