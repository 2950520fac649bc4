package torrentengine

import (
	"context"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"github.com/anacrolix/swarmcache/engine"
)

type session struct {
	e          *Engine
	t          *torrent.Torrent
	opts       engine.RegisterOpts
	storage    storage.ClientImplCloser
	completion *resumeCompletion
	logger     log.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	dropped    chansync.SetOnce

	mu    sync.Mutex
	state engine.State
}

var _ engine.Handle = (*session)(nil)

func (s *session) InfoHash() metainfo.Hash { return s.opts.Descriptor.Hash() }

func (s *session) State() engine.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Stats() engine.Stats {
	ts := s.t.Stats()
	hashed, complete := s.completion.stats()
	return engine.Stats{
		BytesDownloadedData:     ts.BytesReadData.Int64(),
		BytesUploadedData:       ts.BytesWrittenData.Int64(),
		BytesDownloadedProtocol: ts.BytesRead.Int64(),
		BytesUploadedProtocol:   ts.BytesWritten.Int64(),
		OpenConnections:         ts.ActivePeers,
		PiecesHashed:            hashed,
		PiecesComplete:          complete,
		NumPieces:               s.opts.Descriptor.NumPieces(),
	}
}

func (s *session) ResumeData() ([]byte, error) {
	return s.completion.resumeData()
}

func (s *session) Drop() {
	s.cancel()
}

func (s *session) drop() {
	if !s.dropped.Set() {
		return
	}
	s.e.forget(s)
	s.t.Drop()
	if err := s.storage.Close(); err != nil {
		s.logger.Levelf(log.Warning, "closing storage: %v", err)
	}
}

func (s *session) emit(e engine.Event) {
	if s.opts.Observer == nil || s.dropped.IsSet() {
		return
	}
	e.InfoHash = s.InfoHash()
	e.Time = time.Now()
	s.opts.Observer.OnEvent(e)
}

func (s *session) setState(new engine.State) {
	s.mu.Lock()
	old := s.state
	s.state = new
	s.mu.Unlock()
	if old == new {
		return
	}
	s.logger.Levelf(log.Debug, "%v -> %v", old, new)
	s.emit(engine.Event{Kind: engine.StateChanged, Old: old, New: new})
}

// Whether any piece is being hashed, or still has unknown completion.
func (s *session) checking() bool {
	for _, r := range s.t.PieceStateRuns() {
		if r.Hashing || r.QueuedForHash || r.Marking || !r.Ok {
			return true
		}
	}
	return false
}

type peerCounts struct {
	active, total int
}

// Emits peer events for changes since last.
func (s *session) peerEvents(last *peerCounts) {
	ts := s.t.Stats()
	if ts.TotalPeers > last.total {
		s.emit(engine.Event{
			Kind:          engine.PeersFound,
			NewPeers:      ts.TotalPeers - last.total,
			ExistingPeers: last.total,
		})
	}
	for n := last.active; n < ts.ActivePeers; n++ {
		s.emit(engine.Event{Kind: engine.PeerConnected, OpenConnections: n + 1})
	}
	for n := last.active; n > ts.ActivePeers; n-- {
		s.emit(engine.Event{Kind: engine.PeerDisconnected, OpenConnections: n - 1})
	}
	last.total = ts.TotalPeers
	last.active = ts.ActivePeers
}

// Derives lifecycle transitions from piece state. All of a session's state events come from here,
// so they're delivered in order.
func (s *session) run() {
	sub := s.t.SubscribePieceStateChanges()
	defer sub.Close()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	select {
	case <-s.t.GotInfo():
	case <-s.ctx.Done():
		return
	}
	s.setState(engine.Hashing)
	var peers peerCounts
	for {
		s.peerEvents(&peers)
		switch s.State() {
		case engine.Hashing:
			if s.checking() {
				break
			}
			if s.t.Complete().Bool() {
				s.setState(engine.Seeding)
			} else {
				s.t.DownloadAll()
				s.setState(engine.Downloading)
			}
		case engine.Downloading:
			if s.t.Complete().Bool() && !s.checking() {
				s.setState(engine.Seeding)
			}
		}
		select {
		case <-sub.Values:
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}
}
