package descriptor

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/swarmcache/internal/testutil"
)

func TestBuildIsDeterministic(t *testing.T) {
	a := testutil.CreateGreeting(t, filepath.Join(t.TempDir(), "a"))
	b := testutil.CreateGreeting(t, filepath.Join(t.TempDir(), "b"))
	da, err := Build(a, 0)
	require.NoError(t, err)
	db, err := Build(b, 0)
	require.NoError(t, err)
	assert.Equal(t, da.Hash(), db.Hash())
	assert.Equal(t, da.Bytes(), db.Bytes())
	assert.EqualValues(t, testutil.GreetingFileName, da.Name())
	assert.EqualValues(t, len(testutil.GreetingFileContents), da.Length())
	assert.EqualValues(t, 1, da.NumPieces())
}

func TestBuildDifferentContent(t *testing.T) {
	dir := t.TempDir()
	path := testutil.CreateGreeting(t, dir)
	d1, err := Build(path, 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("goodbye, world\n"), 0o640))
	d2, err := Build(path, 0)
	require.NoError(t, err)
	assert.NotEqual(t, d1.Hash(), d2.Hash())
}

func TestDecodeRoundTrip(t *testing.T) {
	path, _ := testutil.RandomFile(t, t.TempDir(), "blob", 100_000, 1)
	d, err := Build(path, 1<<14)
	require.NoError(t, err)
	d2, err := Decode(d.Bytes())
	require.NoError(t, err)
	assert.Equal(t, d.Hash(), d2.Hash())
	assert.Equal(t, d.NumPieces(), d2.NumPieces())
	assert.EqualValues(t, 7, d.NumPieces())
	assert.EqualValues(t, 1<<14, d.PieceSize(0))
	assert.EqualValues(t, 100_000-6*(1<<14), d.PieceSize(6))
	assert.Len(t, d.PieceHash(6), metainfo.HashSize)
}

func TestDecodeRejectsUnsafeName(t *testing.T) {
	info := metainfo.Info{
		Name:        "..",
		PieceLength: 1 << 14,
		Length:      1,
		Pieces:      make([]byte, metainfo.HashSize),
	}
	mi := metainfo.MetaInfo{InfoBytes: bencode.MustMarshal(info)}
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	_, err := Decode(buf.Bytes())
	assert.True(t, errors.Is(err, ErrInvalidName), "%v", err)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not bencode"))
	assert.Error(t, err)
}

func TestCheckName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "-", "a/b", `a\b`, "a\x00"} {
		assert.ErrorIs(t, CheckName(bad), ErrInvalidName, "%q", bad)
	}
	for _, good := range []string{"clip.mp4", "videos", "a b", ".hidden"} {
		assert.NoError(t, CheckName(good), "%q", good)
	}
}

func TestStore(t *testing.T) {
	base := t.TempDir()
	s := Store{Dir: filepath.Join(base, "Torrents")}
	d, err := Build(testutil.CreateGreeting(t, t.TempDir()), 0)
	require.NoError(t, err)
	path, err := s.Write("videos", d)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "Torrents", "videos", testutil.GreetingFileName), path)
	read, err := s.Read("videos", testutil.GreetingFileName)
	require.NoError(t, err)
	assert.Equal(t, d.Hash(), read.Hash())

	rc, fileName, err := s.Open("videos", testutil.GreetingFileName)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, d.Bytes(), b)
	assert.Equal(t, testutil.GreetingFileName, fileName)

	_, err = s.Read("..", "x")
	assert.ErrorIs(t, err, ErrInvalidName)

	var walked []string
	require.NoError(t, s.Walk(func(ns, name string, d *Descriptor, err error) error {
		require.NoError(t, err)
		walked = append(walked, ns+"/"+name)
		return nil
	}))
	assert.Equal(t, []string{"videos/" + testutil.GreetingFileName}, walked)
}

func TestStoreWalkMissingDir(t *testing.T) {
	s := Store{Dir: filepath.Join(t.TempDir(), "nope")}
	assert.NoError(t, s.Walk(func(string, string, *Descriptor, error) error {
		t.Fatal("unexpected call")
		return nil
	}))
}
