package torrentengine

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"github.com/anacrolix/swarmcache/engine"
)

// Piece completion for a single session, seeded from resume data. Pieces it has no record of are
// reported as unknown, so the client hashes them.
type resumeCompletion struct {
	mu       sync.Mutex
	known    *roaring.Bitmap
	complete *roaring.Bitmap
	hashed   int
}

var _ storage.PieceCompletion = (*resumeCompletion)(nil)

func newResumeCompletion(verified *roaring.Bitmap) *resumeCompletion {
	return &resumeCompletion{
		known:    verified.Clone(),
		complete: verified.Clone(),
	}
}

func (me *resumeCompletion) Get(pk metainfo.PieceKey) (c storage.Completion, err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	i := uint32(pk.Index)
	if !me.known.Contains(i) {
		return
	}
	c.Ok = true
	c.Complete = me.complete.Contains(i)
	return
}

func (me *resumeCompletion) Set(pk metainfo.PieceKey, complete bool) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	i := uint32(pk.Index)
	me.known.Add(i)
	if !complete {
		me.complete.Remove(i)
		return nil
	}
	// The client only marks pieces complete after hashing them.
	if me.complete.CheckedAdd(i) {
		me.hashed++
	}
	return nil
}

// Survives restarts through ResumeData.
func (me *resumeCompletion) Persistent() bool {
	return true
}

func (me *resumeCompletion) Close() error {
	return nil
}

func (me *resumeCompletion) stats() (hashed, complete int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.hashed, int(me.complete.GetCardinality())
}

func (me *resumeCompletion) resumeData() ([]byte, error) {
	me.mu.Lock()
	bm := me.complete.Clone()
	me.mu.Unlock()
	return engine.MarshalResume(bm)
}
