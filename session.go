package swarmcache

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/swarmcache/descriptor"
	"github.com/anacrolix/swarmcache/engine"
)

// Session is the single active transfer for some content. Publishes and retrieves of the same
// content share it.
type Session struct {
	o       *Orchestrator
	desc    *descriptor.Descriptor
	saveDir string
	mode    engine.Mode
	started time.Time
	logger  log.Logger

	// Set once registration with the engine finishes, successfully or not.
	registered chansync.SetOnce
	handle     engine.Handle
	regErr     error
	cancel     context.CancelFunc

	// Guarded by Orchestrator.mu.
	refs int

	mu          sync.Mutex
	state       engine.State
	seeded      bool
	completions []*Completion
}

func (s *Session) Descriptor() *descriptor.Descriptor { return s.desc }

func (s *Session) InfoHash() metainfo.Hash { return s.desc.Hash() }

func (s *Session) SaveDir() string { return s.saveDir }

// DataPath is where the session's content lives.
func (s *Session) DataPath() string {
	return filepath.Join(s.saveDir, s.desc.Name())
}

func (s *Session) Mode() engine.Mode { return s.mode }

func (s *Session) Started() time.Time { return s.started }

// State is the last lifecycle state observed from the engine.
func (s *Session) State() engine.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Stats() engine.Stats {
	if !s.registered.IsSet() || s.handle == nil {
		return engine.Stats{NumPieces: s.desc.NumPieces()}
	}
	return s.handle.Stats()
}

// Refs is the number of publishes and retrieves holding the session.
func (s *Session) Refs() int {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	return s.refs
}

// Seeded reports whether the session has ever had all its content.
func (s *Session) Seeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeded
}

func (s *Session) String() string {
	return fmt.Sprintf("%v %v in %q", s.mode, s.desc, s.saveDir)
}

// Arranges for c to be set when the session first has all its content, or immediately if it
// already has.
func (s *Session) attachCompletion(c *Completion) {
	s.mu.Lock()
	if !s.seeded {
		s.completions = append(s.completions, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	c.set()
}

// OnEvent observes the engine. It must not block, and doesn't touch the session table.
func (s *Session) OnEvent(e engine.Event) {
	s.o.metrics.events.WithLabelValues(e.Kind.String()).Inc()
	switch e.Kind {
	case engine.StateChanged:
		s.onStateChanged(e.Old, e.New)
	case engine.AnnounceComplete, engine.AnnounceStateChanged:
		if e.Err != nil {
			s.logger.Levelf(log.Warning, "%v", e)
			return
		}
		s.logger.Levelf(log.Debug, "%v", e)
	default:
		s.logger.Levelf(log.Debug, "%v", e)
	}
}

func (s *Session) onStateChanged(old, new engine.State) {
	s.mu.Lock()
	prev := s.state
	s.state = new
	// Any first entry into Seeding counts, not only from Downloading, so content that was
	// already complete when hashed still completes waiters.
	first := new == engine.Seeding && !s.seeded
	var completions []*Completion
	if first {
		s.seeded = true
		completions = s.completions
		s.completions = nil
	}
	s.mu.Unlock()
	s.o.metrics.sessions.WithLabelValues(prev.String()).Dec()
	s.o.metrics.sessions.WithLabelValues(new.String()).Inc()
	s.logger.Levelf(log.Debug, "%v -> %v", old, new)
	if !first {
		return
	}
	for _, c := range completions {
		c.set()
	}
	s.o.metrics.completions.Inc()
	s.o.enqueuePersist(s)
}

// Balances the state gauge when the session goes away.
func (s *Session) forgetState() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	s.o.metrics.sessions.WithLabelValues(state.String()).Dec()
}
