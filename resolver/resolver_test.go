package resolver

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (me *fakeClock) Now() time.Time { return me.t }

func testResolverTTL(t *testing.T, r Resolver, clock *fakeClock) {
	ctx := context.Background()
	key := KeyFor("videos", "clip.mp4")
	_, err := r.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Put(ctx, key, []byte("descriptor"), time.Hour))
	v, err := r.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "descriptor", string(v))

	require.NoError(t, r.Put(ctx, key, []byte("replaced"), time.Hour))
	v, err = r.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(v))

	clock.t = clock.t.Add(time.Hour)
	_, err = r.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, r.Put(cancelled, key, nil, time.Hour), context.Canceled)
}

func TestMemory(t *testing.T) {
	clock := &fakeClock{time.Unix(1_700_000_000, 0)}
	m := NewMemory()
	m.Now = clock.Now
	testResolverTTL(t, m, clock)
	assert.Equal(t, 0, m.Len())
}

func TestBolt(t *testing.T) {
	clock := &fakeClock{time.Unix(1_700_000_000, 0)}
	path := filepath.Join(t.TempDir(), "names.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	b.Now = clock.Now
	testResolverTTL(t, b, clock)

	ctx := context.Background()
	require.NoError(t, b.Put(ctx, []byte("short"), []byte("a"), time.Minute))
	require.NoError(t, b.Put(ctx, []byte("long"), []byte("b"), 2*time.Hour))
	clock.t = clock.t.Add(time.Hour)
	n, err := b.Prune()
	require.NoError(t, err)
	// The entry from testResolverTTL and "short".
	assert.Equal(t, 2, n)
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer b.Close()
	b.Now = clock.Now
	v, err := b.Get(ctx, []byte("long"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(v))
}

func TestKeyFor(t *testing.T) {
	a := KeyFor("videos", "clip.mp4")
	assert.Len(t, a, KeySize)
	assert.Equal(t, a, KeyFor("videos", "clip.mp4"))
	assert.NotEqual(t, a, KeyFor("videos", "clip.mp3"))
	// The separator keeps the boundary unambiguous.
	assert.NotEqual(t, KeyFor("ab", "c"), KeyFor("a", "bc"))
}

func TestRecordInline(t *testing.T) {
	expires := time.Unix(1_700_000_000, 0)
	rec, chunks, err := makeRecord([]byte("small"), expires)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Empty(t, rec.Chunks)
	assert.Equal(t, expires.UnixNano(), rec.Expires)
	b, err := joinRecord(rec, nil)
	require.NoError(t, err)
	assert.Equal(t, "small", string(b))
}

func TestRecordChunked(t *testing.T) {
	value := make([]byte, 5*chunkSize+17)
	rand.New(rand.NewSource(1)).Read(value)
	rec, chunks, err := makeRecord(value, time.Now())
	require.NoError(t, err)
	require.Len(t, chunks, 6)
	require.Len(t, rec.Chunks, 6)
	assert.Nil(t, rec.Inline)
	assert.Len(t, chunks[5], 17)
	b, err := joinRecord(rec, chunks)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(value, b))

	_, err = joinRecord(rec, chunks[:5])
	assert.Error(t, err)
}

func TestRecordTooLarge(t *testing.T) {
	_, _, err := makeRecord(make([]byte, (maxChunks+1)*chunkSize), time.Now())
	assert.Error(t, err)
}

func TestDHTSalt(t *testing.T) {
	short := []byte("key")
	assert.Equal(t, short, dhtSalt(short))
	assert.Len(t, dhtSalt(make([]byte, 100)), 20)
}

func TestDHTWithoutNodesIsUnavailable(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.NoSecurity = true
	cfg.StartingNodes = func() ([]dht.Addr, error) { return nil, nil }
	cfg.Logger = log.Default.FilterLevel(log.Critical)
	s, err := dht.NewServer(cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = NewDHT(s, []byte("short"), log.Default)
	assert.Error(t, err)

	r, err := NewDHT(s, make([]byte, 32), log.Default)
	require.NoError(t, err)
	ctx := context.Background()
	assert.ErrorIs(t, r.Put(ctx, []byte("k"), []byte("v"), time.Hour), ErrUnavailable)
	_, err = r.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrUnavailable)
}
