// Package enginetest provides an in-process transfer engine. Engines sharing a Swarm exchange
// content by copying verified pieces directly between each other's files.
package enginetest

import (
	"context"
	"crypto/sha1"
	"errors"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/swarmcache/descriptor"
	"github.com/anacrolix/swarmcache/engine"
)

// Swarm tracks seeding sessions across Engines.
type Swarm struct {
	mu      sync.Mutex
	seeders map[metainfo.Hash][]*Handle
	changed chansync.BroadcastCond
}

func NewSwarm() *Swarm {
	return &Swarm{seeders: make(map[metainfo.Hash][]*Handle)}
}

func (s *Swarm) addSeeder(h *Handle) {
	s.mu.Lock()
	s.seeders[h.InfoHash()] = append(s.seeders[h.InfoHash()], h)
	s.mu.Unlock()
	s.changed.Broadcast()
}

func (s *Swarm) removeSeeder(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.seeders[h.InfoHash()]
	for i, o := range hs {
		if o == h {
			hs = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(hs) == 0 {
		delete(s.seeders, h.InfoHash())
	} else {
		s.seeders[h.InfoHash()] = hs
	}
}

// Returns a seeder other than not, and a signal that fires when the seeders change.
func (s *Swarm) seeder(ih metainfo.Hash, not *Handle) (*Handle, events.Signaled) {
	s.mu.Lock()
	defer s.mu.Unlock()
	signaled := s.changed.Signaled()
	for _, h := range s.seeders[ih] {
		if h != not {
			return h, signaled
		}
	}
	return nil, signaled
}

// Seeders returns the number of sessions seeding ih.
func (s *Swarm) Seeders(ih metainfo.Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seeders[ih])
}

type Engine struct {
	// Passed to descriptor.Build.
	PieceLength int64
	// Sessions of a manual Engine don't progress on their own. Drive them with Handle.SetState.
	Manual bool
	Logger log.Logger

	swarm *Swarm

	mu            sync.Mutex
	handles       map[*Handle]struct{}
	registrations int
	closed        bool
}

var _ engine.Engine = (*Engine)(nil)

func New(swarm *Swarm) *Engine {
	return &Engine{
		swarm:   swarm,
		Logger:  log.Default.WithNames("enginetest"),
		handles: make(map[*Handle]struct{}),
	}
}

func (e *Engine) CreateDescriptor(path string) (*descriptor.Descriptor, error) {
	return descriptor.Build(path, e.PieceLength)
}

var ErrClosed = errors.New("engine closed")

func (e *Engine) Register(ctx context.Context, opts engine.RegisterOpts) (engine.Handle, error) {
	if opts.Descriptor == nil {
		return nil, errors.New("no descriptor")
	}
	h := &Handle{
		e:        e,
		opts:     opts,
		files:    newSpan(opts.Descriptor, opts.SaveDir),
		verified: roaring.New(),
	}
	h.stats.NumPieces = opts.Descriptor.NumPieces()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.handles[h] = struct{}{}
	e.registrations++
	e.mu.Unlock()
	h.ctx, h.cancel = context.WithCancel(ctx)
	context.AfterFunc(h.ctx, func() { e.forget(h) })
	if !e.Manual {
		go h.run()
	}
	return h, nil
}

func (e *Engine) forget(h *Handle) {
	e.swarm.removeSeeder(h)
	e.mu.Lock()
	delete(e.handles, h)
	e.mu.Unlock()
}

// Registrations returns how many sessions were ever registered.
func (e *Engine) Registrations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registrations
}

// Handles returns the sessions that haven't been dropped.
func (e *Engine) Handles() (ret []*Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for h := range e.handles {
		ret = append(ret, h)
	}
	return
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	hs := make([]*Handle, 0, len(e.handles))
	for h := range e.handles {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	for _, h := range hs {
		h.Drop()
	}
	return nil
}

type Handle struct {
	e      *Engine
	opts   engine.RegisterOpts
	files  span
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    engine.State
	stats    engine.Stats
	verified *roaring.Bitmap
}

var _ engine.Handle = (*Handle)(nil)

func (h *Handle) InfoHash() metainfo.Hash { return h.opts.Descriptor.Hash() }

func (h *Handle) Opts() engine.RegisterOpts { return h.opts }

func (h *Handle) State() engine.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Stats() engine.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handle) ResumeData() ([]byte, error) {
	h.mu.Lock()
	bm := h.verified.Clone()
	h.mu.Unlock()
	return engine.MarshalResume(bm)
}

// Drop cancels the session and removes it from Handles before returning.
func (h *Handle) Drop() {
	h.cancel()
	h.e.forget(h)
}

func (h *Handle) Dropped() bool {
	return h.ctx.Err() != nil
}

// SetState moves the session to s, notifying the observer.
func (h *Handle) SetState(s engine.State) {
	h.mu.Lock()
	old := h.state
	h.state = s
	h.mu.Unlock()
	h.Emit(engine.Event{Kind: engine.StateChanged, Old: old, New: s})
}

// Emit delivers e to the session's observer, filling in the hash and time.
func (h *Handle) Emit(e engine.Event) {
	if h.opts.Observer == nil {
		return
	}
	e.InfoHash = h.InfoHash()
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.opts.Observer.OnEvent(e)
}

func (h *Handle) complete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats.PiecesComplete == h.stats.NumPieces
}

func (h *Handle) setConnections(n int) {
	h.mu.Lock()
	h.stats.OpenConnections = n
	h.mu.Unlock()
}

func (h *Handle) addUploaded(n int64) {
	h.mu.Lock()
	h.stats.BytesUploadedData += n
	h.stats.BytesUploadedProtocol += n
	h.mu.Unlock()
}

// Hashes b against piece i, marking it verified on a match.
func (h *Handle) hashPiece(i int, b []byte) bool {
	sum := sha1.Sum(b)
	ok := string(sum[:]) == string(h.opts.Descriptor.PieceHash(i))
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.PiecesHashed++
	if ok {
		h.markVerifiedLocked(i)
	}
	return ok
}

func (h *Handle) markVerifiedLocked(i int) {
	if h.verified.CheckedAdd(uint32(i)) {
		h.stats.PiecesComplete++
	}
}

func (h *Handle) isVerified(i int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verified.Contains(uint32(i))
}

func (h *Handle) run() {
	d := h.opts.Descriptor
	logger := h.e.Logger
	h.SetState(engine.Hashing)
	resume, err := engine.UnmarshalResume(h.opts.Resume, d.NumPieces())
	if err != nil {
		logger.Levelf(log.Warning, "%v: ignoring resume data: %v", d, err)
		resume = roaring.New()
	}
	for i := range d.NumPieces() {
		if h.ctx.Err() != nil {
			return
		}
		if resume.Contains(uint32(i)) {
			h.mu.Lock()
			h.markVerifiedLocked(i)
			h.mu.Unlock()
			continue
		}
		b := make([]byte, d.PieceSize(i))
		if h.files.readAt(b, pieceOffset(d, i)) != nil {
			continue
		}
		h.hashPiece(i, b)
	}
	if err := h.files.touchEmpty(); err != nil {
		logger.Levelf(log.Warning, "%v: creating empty files: %v", d, err)
	}
	if !h.complete() {
		h.SetState(engine.Downloading)
		if !h.download() {
			return
		}
	}
	h.SetState(engine.Seeding)
	h.e.swarm.addSeeder(h)
	if h.ctx.Err() != nil {
		h.e.swarm.removeSeeder(h)
	}
}

// Fetches missing pieces from other seeders until complete or dropped.
func (h *Handle) download() bool {
	d := h.opts.Descriptor
	for {
		seeder, changed := h.e.swarm.seeder(d.Hash(), h)
		if seeder == nil {
			select {
			case <-changed:
				continue
			case <-h.ctx.Done():
				return false
			}
		}
		h.Emit(engine.Event{Kind: engine.PeersFound, NewPeers: 1})
		h.setConnections(1)
		h.Emit(engine.Event{Kind: engine.PeerConnected, OpenConnections: 1})
		h.fetchFrom(seeder)
		h.setConnections(0)
		h.Emit(engine.Event{Kind: engine.PeerDisconnected, OpenConnections: 0})
		if h.complete() {
			return true
		}
		select {
		case <-changed:
		case <-h.ctx.Done():
			return false
		}
	}
}

func (h *Handle) fetchFrom(seeder *Handle) {
	d := h.opts.Descriptor
	for i := range d.NumPieces() {
		if h.ctx.Err() != nil || seeder.Dropped() {
			return
		}
		if h.isVerified(i) {
			continue
		}
		b := make([]byte, d.PieceSize(i))
		if seeder.files.readAt(b, pieceOffset(d, i)) != nil {
			return
		}
		n := int64(len(b))
		seeder.addUploaded(n)
		h.mu.Lock()
		h.stats.BytesDownloadedData += n
		h.stats.BytesDownloadedProtocol += n
		h.mu.Unlock()
		if !h.hashPiece(i, b) {
			return
		}
		if err := h.files.writeAt(b, pieceOffset(d, i)); err != nil {
			h.e.Logger.Levelf(log.Warning, "writing piece %v: %v", i, err)
			h.mu.Lock()
			h.verified.Remove(uint32(i))
			h.stats.PiecesComplete--
			h.mu.Unlock()
			return
		}
	}
}
