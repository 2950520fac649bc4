package swarmcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/anacrolix/log"

	"github.com/anacrolix/swarmcache/descriptor"
	"github.com/anacrolix/swarmcache/resolver"
)

// Get retrieves the item into the cache and blocks until it's complete. It returns the local path
// of the content.
func (o *Orchestrator) Get(ctx context.Context, namespace, name string) (string, error) {
	path, c, err := o.GetAsync(ctx, namespace, name)
	if err != nil {
		return "", err
	}
	if err := c.Wait(ctx); err != nil {
		return "", err
	}
	return path, nil
}

// GetAsync starts retrieving the item into the cache. The returned Completion is set when the
// content at the returned path is complete. Items already present in the cache are returned
// without contacting the resolver.
func (o *Orchestrator) GetAsync(ctx context.Context, namespace, name string) (string, *Completion, error) {
	if err := checkItem(namespace, name); err != nil {
		return "", nil, err
	}
	if e, ok := o.registry.Lookup(namespace, name); ok && e.Present && exists(e.Path) {
		o.logger.Levelf(log.Debug, "%s/%s is cached at %q", namespace, name, e.Path)
		c := NewCompletion()
		c.set()
		return e.Path, c, nil
	}
	return o.getTo(ctx, namespace, name, filepath.Join(o.DownloadsDir(), namespace))
}

// GetTo retrieves the item into saveDir, blocking until it's complete.
func (o *Orchestrator) GetTo(ctx context.Context, namespace, name, saveDir string) (string, error) {
	if err := checkItem(namespace, name); err != nil {
		return "", err
	}
	path, c, err := o.getTo(ctx, namespace, name, saveDir)
	if err != nil {
		return "", err
	}
	if err := c.Wait(ctx); err != nil {
		return "", err
	}
	return path, nil
}

func (o *Orchestrator) getTo(ctx context.Context, namespace, name, saveDir string) (string, *Completion, error) {
	c := NewCompletion()
	d, err := o.Retrieve(ctx, resolver.KeyFor(namespace, name), namespace, saveDir, c)
	if err != nil {
		return "", nil, err
	}
	s, ok := o.Session(d.Hash())
	if !ok {
		return "", nil, ErrClosed
	}
	return s.DataPath(), c, nil
}

// PublishItem publishes the cached item at Downloads/<namespace>/<name> under its name-derived key.
func (o *Orchestrator) PublishItem(ctx context.Context, namespace, name string) error {
	return o.publishItem(ctx, namespace, name, false)
}

// UpdateItem is PublishItem, overwriting whatever the key resolved to.
func (o *Orchestrator) UpdateItem(ctx context.Context, namespace, name string) error {
	return o.publishItem(ctx, namespace, name, true)
}

func (o *Orchestrator) publishItem(ctx context.Context, namespace, name string, overwrite bool) error {
	if err := checkItem(namespace, name); err != nil {
		return err
	}
	path := o.PathLookup(namespace, name)
	publish := o.Publish
	if overwrite {
		publish = o.Update
	}
	if _, err := publish(ctx, resolver.KeyFor(namespace, name), namespace, path); err != nil {
		return err
	}
	o.registerCached(namespace, name, path)
	return nil
}

// PublishPath publishes arbitrary content. Paths inside the cache are published as their item.
// Anything else is published under the configured namespace and the path's base name.
func (o *Orchestrator) PublishPath(ctx context.Context, path string) error {
	return o.publishPath(ctx, path, false)
}

// UpdatePath is PublishPath, overwriting whatever the key resolved to.
func (o *Orchestrator) UpdatePath(ctx context.Context, path string) error {
	return o.publishPath(ctx, path, true)
}

func (o *Orchestrator) publishPath(ctx context.Context, path string, overwrite bool) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %q", ErrNotRooted, path)
	}
	path = filepath.Clean(path)
	ns, name, err := o.registry.ItemOf(path)
	if err == nil && path == o.PathLookup(ns, name) {
		return o.publishItem(ctx, ns, name, overwrite)
	}
	if err != nil && !errors.Is(err, ErrOutsideCache) {
		return err
	}
	ns, name = o.config.Namespace, filepath.Base(path)
	publish := o.Publish
	if overwrite {
		publish = o.Update
	}
	_, err = publish(ctx, resolver.KeyFor(ns, name), ns, path)
	return err
}

// ItemOf returns the item in the cache containing path.
func (o *Orchestrator) ItemOf(path string) (namespace, name string, err error) {
	return o.registry.ItemOf(path)
}

// DescriptorPath is where the descriptor for an item is stored.
func (o *Orchestrator) DescriptorPath(namespace, name string) string {
	return o.descriptors.Path(namespace, name)
}

// OpenDescriptor returns the stored descriptor for an item, and the file name to serve it as.
func (o *Orchestrator) OpenDescriptor(namespace, name string) (io.ReadCloser, string, error) {
	return o.descriptors.Open(namespace, name)
}

func (o *Orchestrator) registerCached(namespace, name, path string) {
	if err := o.registry.Register(namespace, name, path); err != nil {
		o.logger.Levelf(log.Warning, "registering %s/%s: %v", namespace, name, err)
	}
	o.enqueueSave()
}

// Has the persistence worker flush state without any session to persist.
func (o *Orchestrator) enqueueSave() {
	o.enqueuePersist(nil)
}

func checkItem(namespace, name string) error {
	if err := descriptor.CheckName(namespace); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}
	if err := descriptor.CheckName(name); err != nil {
		return fmt.Errorf("name: %w", err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
