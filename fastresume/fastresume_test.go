package fastresume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/go-quicktest/qt"
)

func TestMissingFileIsEmpty(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "fastresume.data"), log.Default)
	qt.Assert(t, qt.Equals(s.Len(), 0))
}

func TestCorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastresume.data")
	qt.Assert(t, qt.IsNil(os.WriteFile(path, []byte("d3:abc"), 0o640)))
	s := Load(path, log.Default)
	qt.Assert(t, qt.Equals(s.Len(), 0))
	// Still usable after discarding the corrupt file.
	s.Set(metainfo.Hash{1}, []byte("x"))
	qt.Assert(t, qt.IsNil(s.Save()))
	qt.Assert(t, qt.Equals(Load(path, log.Default).Len(), 1))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "fastresume.data")
	s := Load(path, log.Default)
	a := metainfo.NewHashFromHex("0123456789abcdef0123456789abcdef01234567")
	b := metainfo.Hash{2}
	s.Set(a, []byte("blob a"))
	s.Set(b, []byte("blob b"))
	s.Set(a, []byte("blob a2"))
	qt.Assert(t, qt.IsNil(s.Save()))

	s2 := Load(path, log.Default)
	qt.Assert(t, qt.Equals(s2.Len(), 2))
	blob, ok := s2.Get(a)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(string(blob), "blob a2"))
	blob, ok = s2.Get(b)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(string(blob), "blob b"))
	_, ok = s2.Get(metainfo.Hash{3})
	qt.Check(t, qt.IsFalse(ok))
}

func TestSetCopies(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "fastresume.data"), log.Default)
	blob := []byte("abc")
	s.Set(metainfo.Hash{}, blob)
	blob[0] = 'z'
	got, _ := s.Get(metainfo.Hash{})
	qt.Assert(t, qt.Equals(string(got), "abc"))
}
