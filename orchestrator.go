// Package swarmcache publishes local content under logical (namespace, name) keys, and retrieves
// content published by peers. Keys resolve to descriptors through a name resolver, and content
// bytes move through a swarm transfer engine. Retrieved content lands in a managed cache directory.
package swarmcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/swarmcache/cacheregistry"
	"github.com/anacrolix/swarmcache/descriptor"
	"github.com/anacrolix/swarmcache/engine"
	"github.com/anacrolix/swarmcache/fastresume"
	"github.com/anacrolix/swarmcache/resolver"
)

type Orchestrator struct {
	config      *Config
	resolver    resolver.Resolver
	engine      engine.Engine
	logger      log.Logger
	metrics     *metrics
	descriptors descriptor.Store
	fastResume  *fastresume.Store
	registry    *cacheregistry.Registry

	// Parent of every session's registration context.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[metainfo.Hash]*Session
	closed   chansync.SetOnce

	persistMu    sync.Mutex
	persistQueue []*Session
	persistCond  chansync.BroadcastCond
	persistDone  chansync.SetOnce
}

// New loads persisted state under cfg.BaseDir and starts the persistence worker. The resolver and
// engine remain owned by the caller.
func New(cfg *Config, r resolver.Resolver, e engine.Engine) (*Orchestrator, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if !filepath.IsAbs(cfg.BaseDir) {
		return nil, fmt.Errorf("base dir: %w: %q", ErrNotRooted, cfg.BaseDir)
	}
	if r == nil || e == nil {
		return nil, errors.New("resolver and engine are required")
	}
	if err := descriptor.CheckName(cfg.Namespace); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	base := filepath.Clean(cfg.BaseDir)
	for _, dir := range []string{
		filepath.Join(base, downloadsDirName),
		filepath.Join(base, descriptorsDirName),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger.WithNames("swarmcache")
	registry, err := cacheregistry.New(
		filepath.Join(base, cacheRegistryFileName),
		filepath.Join(base, downloadsDirName),
		logger,
	)
	if err != nil {
		return nil, err
	}
	if !registry.Load() {
		logger.Levelf(log.Info, "rebuilding cache registry from %q", registry.Root())
	}
	if err := registry.LoadCacheDir(registry.Root()); err != nil {
		logger.Levelf(log.Warning, "scanning cache dir: %v", err)
	}
	o := &Orchestrator{
		config:      cfg,
		resolver:    r,
		engine:      e,
		logger:      logger,
		metrics:     newMetrics(cfg.MetricsRegisterer),
		descriptors: descriptor.Store{Dir: filepath.Join(base, descriptorsDirName)},
		fastResume:  fastresume.Load(filepath.Join(base, fastResumeFileName), logger),
		registry:    registry,
		sessions:    make(map[metainfo.Hash]*Session),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	go o.persistWorker()
	return o, nil
}

func (o *Orchestrator) BaseDir() string { return filepath.Clean(o.config.BaseDir) }

func (o *Orchestrator) DownloadsDir() string { return o.registry.Root() }

func (o *Orchestrator) FastResume() *fastresume.Store { return o.fastResume }

func (o *Orchestrator) CacheRegistry() *cacheregistry.Registry { return o.registry }

// PathLookup returns where the item would be materialized in the cache. It doesn't touch the
// filesystem.
func (o *Orchestrator) PathLookup(namespace, name string) string {
	return filepath.Join(o.BaseDir(), downloadsDirName, namespace, name)
}

// IsInCacheDir reports whether path exists within the managed cache directory.
func (o *Orchestrator) IsInCacheDir(path string) (bool, error) {
	return o.registry.IsInCacheDir(path, true)
}

// Publish makes the content at path retrievable under key, and starts seeding it. It returns once
// the seeding session is registered.
func (o *Orchestrator) Publish(ctx context.Context, key []byte, namespace, path string) (*descriptor.Descriptor, error) {
	d, err := o.publish(ctx, key, namespace, path, false)
	o.metrics.operation("publish", err)
	return d, err
}

// Update is Publish, except that an existing key is overwritten regardless of what it resolves to.
func (o *Orchestrator) Update(ctx context.Context, key []byte, namespace, path string) (*descriptor.Descriptor, error) {
	d, err := o.publish(ctx, key, namespace, path, true)
	o.metrics.operation("update", err)
	return d, err
}

func (o *Orchestrator) publish(ctx context.Context, key []byte, namespace, path string, overwrite bool) (*descriptor.Descriptor, error) {
	if o.closed.IsSet() {
		return nil, ErrClosed
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: %q", ErrNotRooted, path)
	}
	if err := descriptor.CheckName(namespace); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrPathNotExist, path)
	} else if err != nil {
		return nil, err
	}
	d, err := o.engine.CreateDescriptor(path)
	if err != nil {
		return nil, fmt.Errorf("creating descriptor for %q: %w", path, err)
	}
	if !overwrite {
		if err := o.checkDuplicate(ctx, key, d); err != nil {
			return nil, err
		}
	}
	descPath, err := o.descriptors.Write(namespace, d)
	if err != nil {
		return nil, err
	}
	o.logger.Levelf(log.Debug, "wrote descriptor %q", descPath)
	started := time.Now()
	err = o.resolver.Put(ctx, key, d.Bytes(), o.config.DescriptorTTL)
	o.metrics.resolverSeconds.WithLabelValues("put").Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, resolverError("put", err)
	}
	s, err := o.startSession(d, filepath.Dir(filepath.Clean(path)), engine.Seed, nil)
	if err != nil {
		return nil, err
	}
	o.logger.Levelf(log.Info, "published %v under %x", s, key)
	return d, nil
}

// A key already resolving to the same content can be republished. Anything else at the key is a
// duplicate.
func (o *Orchestrator) checkDuplicate(ctx context.Context, key []byte, d *descriptor.Descriptor) error {
	started := time.Now()
	b, err := o.resolver.Get(ctx, key)
	o.metrics.resolverSeconds.WithLabelValues("get").Observe(time.Since(started).Seconds())
	if errors.Is(err, resolver.ErrNotFound) {
		return nil
	}
	if err != nil {
		return resolverError("get", err)
	}
	existing, err := descriptor.Decode(b)
	if err == nil && existing.Hash() == d.Hash() {
		return nil
	}
	return fmt.Errorf("%w: %x", ErrDuplicateKey, key)
}

// Retrieve resolves key to a descriptor, stores it under namespace, and starts downloading the
// content into saveDir. It returns once the session is registered. If completion is not nil, it's
// set when the content is complete.
func (o *Orchestrator) Retrieve(ctx context.Context, key []byte, namespace, saveDir string, completion *Completion) (*descriptor.Descriptor, error) {
	d, err := o.retrieve(ctx, key, namespace, saveDir, completion)
	o.metrics.operation("retrieve", err)
	return d, err
}

func (o *Orchestrator) retrieve(ctx context.Context, key []byte, namespace, saveDir string, completion *Completion) (*descriptor.Descriptor, error) {
	if o.closed.IsSet() {
		return nil, ErrClosed
	}
	if !filepath.IsAbs(saveDir) {
		return nil, fmt.Errorf("save dir: %w: %q", ErrNotRooted, saveDir)
	}
	if err := descriptor.CheckName(namespace); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	started := time.Now()
	b, err := o.resolver.Get(ctx, key)
	o.metrics.resolverSeconds.WithLabelValues("get").Observe(time.Since(started).Seconds())
	if errors.Is(err, resolver.ErrNotFound) {
		return nil, fmt.Errorf("%x: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, resolverError("get", err)
	}
	d, err := descriptor.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decoding descriptor for %x: %w", key, err)
	}
	if _, err := o.descriptors.Write(namespace, d); err != nil {
		return nil, err
	}
	s, err := o.startSession(d, filepath.Clean(saveDir), engine.Leech, completion)
	if err != nil {
		return nil, err
	}
	o.logger.Levelf(log.Info, "retrieving %v", s)
	return d, nil
}

// Returns the session for d, creating it if there's none. Each call takes a reference that's
// returned with Release.
func (o *Orchestrator) startSession(d *descriptor.Descriptor, saveDir string, mode engine.Mode, completion *Completion) (*Session, error) {
	o.mu.Lock()
	if o.closed.IsSet() {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := o.sessions[d.Hash()]; ok {
		s.refs++
		o.mu.Unlock()
		o.metrics.sessionReuses.Inc()
		<-s.registered.Done()
		if s.regErr != nil {
			o.Release(d.Hash())
			return nil, s.regErr
		}
		if saveDir != s.saveDir {
			s.logger.Levelf(log.Debug, "joined existing session in %q instead of %q", s.saveDir, saveDir)
		}
		if completion != nil {
			s.attachCompletion(completion)
		}
		return s, nil
	}
	s := &Session{
		o:       o,
		desc:    d,
		saveDir: saveDir,
		mode:    mode,
		started: time.Now(),
		logger:  o.logger.WithNames(d.Hash().HexString()[:8]),
		refs:    1,
	}
	if completion != nil {
		s.completions = append(s.completions, completion)
	}
	o.sessions[d.Hash()] = s
	o.mu.Unlock()
	o.metrics.sessions.WithLabelValues(s.State().String()).Inc()

	resume, ok := o.fastResume.Get(d.Hash())
	if ok {
		s.logger.Levelf(log.Debug, "using fast resume data")
	}
	var observer engine.Observer = s
	if o.config.Observer != nil {
		observer = engine.Observers{s, o.config.Observer}
	}
	ctx, cancel := context.WithCancel(o.ctx)
	h, err := o.engine.Register(ctx, engine.RegisterOpts{
		Descriptor: d,
		SaveDir:    saveDir,
		Mode:       mode,
		Resume:     resume,
		Observer:   observer,
	})
	if err != nil {
		cancel()
		s.regErr = engineError("register", err)
		s.registered.Set()
		o.Release(d.Hash())
		return nil, s.regErr
	}
	s.handle = h
	s.cancel = cancel
	s.registered.Set()
	return s, nil
}

// Release returns a reference to the session for ih taken by Publish or Retrieve. The session is
// dropped when no references remain.
func (o *Orchestrator) Release(ih metainfo.Hash) error {
	o.mu.Lock()
	s, ok := o.sessions[ih]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("session %v: %w", ih, ErrNotFound)
	}
	s.refs--
	if s.refs > 0 {
		o.mu.Unlock()
		return nil
	}
	delete(o.sessions, ih)
	o.mu.Unlock()
	o.dropSession(s)
	return nil
}

func (o *Orchestrator) dropSession(s *Session) {
	<-s.registered.Done()
	if s.handle != nil {
		s.handle.Drop()
		s.cancel()
	}
	s.forgetState()
	s.logger.Levelf(log.Debug, "dropped %v", s)
}

func (o *Orchestrator) Session(ih metainfo.Hash) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[ih]
	return s, ok
}

// Sessions returns a snapshot of the active sessions.
func (o *Orchestrator) Sessions() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	ret := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		ret = append(ret, s)
	}
	return ret
}

// Close drops all sessions, and flushes the fast resume and cache registry files. The resolver and
// engine aren't closed.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if !o.closed.Set() {
		o.mu.Unlock()
		return nil
	}
	sessions := o.sessions
	o.sessions = nil
	o.mu.Unlock()
	for _, s := range sessions {
		o.dropSession(s)
	}
	o.cancel()
	o.persistCond.Broadcast()
	<-o.persistDone.Done()
	return o.saveState()
}
