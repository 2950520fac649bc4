package swarmcache

import (
	"context"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/swarmcache/descriptor"
	"github.com/anacrolix/swarmcache/engine"
	"github.com/anacrolix/swarmcache/util/dirwatch"
)

// WatchDescriptors seeds cached content as its descriptors appear in the descriptor store,
// including those already there. Sessions started this way are released when their descriptor is
// removed, or when WatchDescriptors returns. It blocks until ctx is done.
func (o *Orchestrator) WatchDescriptors(ctx context.Context) error {
	w, err := dirwatch.New(o.descriptors.Dir, o.logger)
	if err != nil {
		return err
	}
	defer w.Close()
	seeding := make(map[metainfo.Hash]struct{})
	defer func() {
		for ih := range seeding {
			o.Release(ih)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.closed.Done():
			return ErrClosed
		case e := <-w.Events:
			switch e.Change {
			case dirwatch.Added:
				if _, ok := seeding[e.InfoHash]; ok {
					continue
				}
				if o.seedDescriptor(e) {
					seeding[e.InfoHash] = struct{}{}
				}
			case dirwatch.Removed:
				if _, ok := seeding[e.InfoHash]; !ok {
					continue
				}
				delete(seeding, e.InfoHash)
				o.Release(e.InfoHash)
			}
		}
	}
}

func (o *Orchestrator) seedDescriptor(e dirwatch.Event) bool {
	d, err := descriptor.Load(e.Path)
	if err != nil {
		o.logger.Levelf(log.Debug, "loading descriptor %q: %v", e.Path, err)
		return false
	}
	saveDir := filepath.Join(o.DownloadsDir(), e.Namespace)
	if !exists(filepath.Join(saveDir, d.Name())) {
		o.logger.Levelf(log.Debug, "no content for descriptor %q", e.Path)
		return false
	}
	s, err := o.startSession(d, saveDir, engine.Seed, nil)
	if err != nil {
		o.logger.Levelf(log.Warning, "seeding %q: %v", e.Path, err)
		return false
	}
	o.logger.Levelf(log.Info, "seeding %v from watched descriptor", s)
	return true
}
