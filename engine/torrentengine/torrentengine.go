// Package torrentengine implements the transfer engine with an anacrolix/torrent Client. Sessions
// are torrents whose data lives in the session's save directory.
package torrentengine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"golang.org/x/time/rate"

	"github.com/anacrolix/swarmcache/descriptor"
	"github.com/anacrolix/swarmcache/engine"
	"github.com/anacrolix/swarmcache/version"
)

var (
	ErrClosed            = errors.New("engine closed")
	ErrAlreadyRegistered = errors.New("session already registered for content")
)

type Engine struct {
	config *Config
	cl     *torrent.Client
	logger log.Logger

	mu       sync.Mutex
	sessions map[metainfo.Hash]*session
	peers    []*Engine
	closed   bool
}

var _ engine.Engine = (*Engine)(nil)

func (c *Config) clientConfig() *torrent.ClientConfig {
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = c.DataDir
	cfg.DefaultStorage = storage.NewFileOpts(storage.NewFileClientOpts{
		ClientBaseDir:   c.DataDir,
		PieceCompletion: storage.NewMapPieceCompletion(),
		UsePartFiles:    g.Some(false),
	})
	// Sessions seed until dropped.
	cfg.Seed = true
	cfg.NoDHT = c.NoDHT
	cfg.DisableTrackers = c.DisableTrackers
	cfg.DisableUTP = c.DisableUTP
	cfg.DisableIPv6 = c.DisableIPv6
	cfg.NoDefaultPortForwarding = !c.PortForwarding
	cfg.ListenPort = c.ListenPort
	if c.ListenHost != "" {
		host := c.ListenHost
		cfg.ListenHost = func(string) string { return host }
	}
	if c.UploadRate > 0 {
		cfg.UploadRateLimiter = rate.NewLimiter(c.UploadRate, 256<<10)
	}
	if c.DownloadRate > 0 {
		cfg.DownloadRateLimiter = rate.NewLimiter(c.DownloadRate, 1<<20)
	}
	cfg.Bep20 = version.Bep20Prefix
	cfg.ExtendedHandshakeClientVersion = version.ExtendedHandshakeClientVersion
	cfg.HTTPUserAgent = version.HttpUserAgent
	cfg.Logger = c.Logger.WithNames("torrent")
	return cfg
}

func New(config *Config) (*Engine, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	e := &Engine{
		config:   config,
		logger:   config.Logger.WithNames("torrentengine"),
		sessions: make(map[metainfo.Hash]*session),
	}
	cfg := config.clientConfig()
	cfg.Callbacks.StatusUpdated = append(cfg.Callbacks.StatusUpdated, e.onStatusUpdated)
	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating torrent client: %w", err)
	}
	e.cl = cl
	return e, nil
}

// Client exposes the underlying torrent client, such as for WriteStatus.
func (e *Engine) Client() *torrent.Client {
	return e.cl
}

// AddPeerEngine makes other a peer of every session this Engine registers from now on.
func (e *Engine) AddPeerEngine(other *Engine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers = append(e.peers, other)
}

func (e *Engine) CreateDescriptor(path string) (*descriptor.Descriptor, error) {
	return descriptor.Build(path, e.config.PieceLength)
}

func (e *Engine) staticPeers() (ret []torrent.PeerInfo) {
	for _, s := range e.config.StaticPeers {
		addr, err := net.ResolveTCPAddr("tcp", s)
		if err != nil {
			e.logger.Levelf(log.Warning, "resolving static peer %q: %v", s, err)
			continue
		}
		ret = append(ret, torrent.PeerInfo{
			Addr:    addr,
			Trusted: true,
		})
	}
	return
}

func (e *Engine) Register(ctx context.Context, opts engine.RegisterOpts) (engine.Handle, error) {
	d := opts.Descriptor
	if d == nil {
		return nil, errors.New("no descriptor")
	}
	verified, err := engine.UnmarshalResume(opts.Resume, d.NumPieces())
	if err != nil {
		e.logger.Levelf(log.Warning, "%v: ignoring resume data: %v", d, err)
		verified, _ = engine.UnmarshalResume(nil, 0)
	}
	s := &session{
		e:          e,
		opts:       opts,
		completion: newResumeCompletion(verified),
		logger:     e.logger.WithNames(d.Hash().HexString()[:8]),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	// Reserve the hash without holding the lock during client calls, as client callbacks take it.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.cancel()
		return nil, ErrClosed
	}
	if _, ok := e.sessions[d.Hash()]; ok {
		e.mu.Unlock()
		s.cancel()
		return nil, fmt.Errorf("%w: %v", ErrAlreadyRegistered, d)
	}
	e.sessions[d.Hash()] = s
	peers := append([]*Engine(nil), e.peers...)
	e.mu.Unlock()
	s.storage = storage.NewFileOpts(storage.NewFileClientOpts{
		ClientBaseDir:   opts.SaveDir,
		PieceCompletion: s.completion,
		UsePartFiles:    g.Some(false),
	})
	s.t, _ = e.cl.AddTorrentOpt(torrent.AddTorrentOpts{
		InfoHash: d.Hash(),
		Storage:  s.storage,
	})
	if err := s.t.SetInfoBytes(d.MetaInfo().InfoBytes); err != nil {
		s.dropped.Set()
		e.forget(s)
		s.t.Drop()
		s.storage.Close()
		s.cancel()
		return nil, fmt.Errorf("setting info: %w", err)
	}
	s.t.AddPeers(e.staticPeers())
	for _, other := range peers {
		s.t.AddClientPeer(other.cl)
	}
	context.AfterFunc(s.ctx, s.drop)
	go s.run()
	return s, nil
}

func (e *Engine) forget(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.InfoHash()] == s {
		delete(e.sessions, s.InfoHash())
	}
}

func (e *Engine) session(ih metainfo.Hash) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[ih]
}

// Announce results from tracker clients. Only some tracker types report these.
func (e *Engine) onStatusUpdated(ev torrent.StatusUpdatedEvent) {
	var kind engine.EventKind
	switch ev.Event {
	case torrent.TrackerAnnounceSuccessful, torrent.TrackerAnnounceError:
		kind = engine.AnnounceComplete
	case torrent.TrackerConnected, torrent.TrackerDisconnected:
		kind = engine.AnnounceStateChanged
	default:
		return
	}
	ih, ok := parseInfoHash(ev.InfoHash)
	if !ok {
		e.logger.Levelf(log.Debug, "tracker %q: %v: %v", ev.Url, ev.Event, ev.Error)
		return
	}
	s := e.session(ih)
	if s == nil {
		return
	}
	s.emit(engine.Event{Kind: kind, URL: ev.Url, Err: ev.Error})
}

func parseInfoHash(s string) (ih metainfo.Hash, ok bool) {
	switch len(s) {
	case metainfo.HashSize:
		copy(ih[:], s)
		return ih, true
	case 2 * metainfo.HashSize:
		_, err := hex.Decode(ih[:], []byte(s))
		return ih, err == nil
	}
	return
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.Drop()
	}
	return errors.Join(e.cl.Close()...)
}

const pollInterval = 500 * time.Millisecond
