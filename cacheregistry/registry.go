// Package cacheregistry indexes materialized content under a managed cache root by namespace and
// name.
package cacheregistry

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/swarmcache/internal/atomicfile"
)

var (
	ErrNotRooted    = errors.New("path is not rooted")
	ErrOutsideCache = errors.New("path is outside the cache directory")
	ErrPathNotExist = errors.New("path does not exist")
)

type Entry struct {
	Namespace string `xml:"namespace,attr"`
	Name      string `xml:"name,attr"`
	Path      string `xml:"path,attr"`
	Present   bool   `xml:"present,attr"`
}

type itemKey struct {
	namespace, name string
}

// Registry maps (namespace, name) to paths inside Root. Safe for concurrent use.
type Registry struct {
	file   string
	root   string
	logger log.Logger

	mu      sync.RWMutex
	entries map[itemKey]Entry
}

type registryFile struct {
	XMLName xml.Name `xml:"cacheRegistry"`
	Entries []Entry  `xml:"entry"`
}

// New returns an empty registry persisted at file, managing content under root. root must be
// absolute.
func New(file, root string, logger log.Logger) (*Registry, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: %q", ErrNotRooted, root)
	}
	return &Registry{
		file:    file,
		root:    filepath.Clean(root),
		logger:  logger.WithNames("cacheregistry"),
		entries: make(map[itemKey]Entry),
	}, nil
}

func (r *Registry) Root() string { return r.root }

// Load merges entries from the registry file. A missing file is not an error, and a corrupt one is
// logged and ignored. It returns whether any entries were read.
func (r *Registry) Load() bool {
	b, err := os.ReadFile(r.file)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err != nil {
		r.logger.Levelf(log.Warning, "reading %q: %v", r.file, err)
		return false
	}
	var f registryFile
	if err := xml.Unmarshal(b, &f); err != nil {
		r.logger.Levelf(log.Warning, "discarding corrupt cache registry %q: %v", r.file, err)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range f.Entries {
		if !r.contains(e.Path) {
			r.logger.Levelf(log.Warning, "ignoring registry entry %q/%q outside cache: %q", e.Namespace, e.Name, e.Path)
			continue
		}
		r.entries[itemKey{e.Namespace, e.Name}] = e
		n++
	}
	return n != 0
}

// LoadCacheDir scans dir/<namespace>/<name> and registers everything found as present. Known
// entries no longer on disk are marked not present.
func (r *Registry) LoadCacheDir(dir string) error {
	namespaces, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		namespaces = nil
	} else if err != nil {
		return err
	}
	found := make(map[itemKey]Entry)
	for _, ns := range namespaces {
		if !ns.IsDir() {
			continue
		}
		items, err := os.ReadDir(filepath.Join(dir, ns.Name()))
		if err != nil {
			return err
		}
		for _, item := range items {
			if atomicfile.IsTemp(item.Name()) {
				continue
			}
			path, err := filepath.Abs(filepath.Join(dir, ns.Name(), item.Name()))
			if err != nil {
				return err
			}
			found[itemKey{ns.Name(), item.Name()}] = Entry{
				Namespace: ns.Name(),
				Name:      item.Name(),
				Path:      path,
				Present:   true,
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if _, ok := found[k]; ok {
			continue
		}
		if e.Present && !exists(e.Path) {
			e.Present = false
			r.entries[k] = e
		}
	}
	for k, e := range found {
		if !r.contains(e.Path) {
			continue
		}
		r.entries[k] = e
	}
	r.logger.Levelf(log.Debug, "scanned %q: %v items", dir, len(found))
	return nil
}

// Register records path as the present location of (namespace, name). path must lie inside the
// cache root.
func (r *Registry) Register(namespace, name, path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %q", ErrNotRooted, path)
	}
	path = filepath.Clean(path)
	if !r.contains(path) {
		return fmt.Errorf("%w: %q", ErrOutsideCache, path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[itemKey{namespace, name}] = Entry{
		Namespace: namespace,
		Name:      name,
		Path:      path,
		Present:   true,
	}
	return nil
}

func (r *Registry) Lookup(namespace, name string) (e Entry, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok = r.entries[itemKey{namespace, name}]
	return
}

// Entries returns a snapshot sorted by namespace then name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	ret := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		ret = append(ret, e)
	}
	r.mu.RUnlock()
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Namespace != ret[j].Namespace {
			return ret[i].Namespace < ret[j].Namespace
		}
		return ret[i].Name < ret[j].Name
	})
	return ret
}

func (r *Registry) Save() error {
	b, err := xml.MarshalIndent(registryFile{Entries: r.Entries()}, "", "\t")
	if err != nil {
		return err
	}
	b = append([]byte(xml.Header), b...)
	return atomicfile.WriteFile(r.file, append(b, '\n'), 0o640)
}

// IsInCacheDir reports whether path has the cache root in its ancestor chain. Non-rooted paths are
// rejected. If requireExists, a contained path that doesn't exist returns ErrPathNotExist.
func (r *Registry) IsInCacheDir(path string, requireExists bool) (bool, error) {
	if !filepath.IsAbs(path) {
		return false, fmt.Errorf("%w: %q", ErrNotRooted, path)
	}
	if !r.contains(path) {
		return false, nil
	}
	if requireExists && !exists(path) {
		return false, fmt.Errorf("%w: %q", ErrPathNotExist, path)
	}
	return true, nil
}

// ItemOf returns the namespace and name of the item containing path.
func (r *Registry) ItemOf(path string) (namespace, name string, err error) {
	if !filepath.IsAbs(path) {
		err = fmt.Errorf("%w: %q", ErrNotRooted, path)
		return
	}
	if !r.contains(path) {
		err = fmt.Errorf("%w: %q", ErrOutsideCache, path)
		return
	}
	var elems []string
	for p := filepath.Clean(path); p != r.root; p = filepath.Dir(p) {
		elems = append(elems, filepath.Base(p))
	}
	if len(elems) < 2 {
		err = fmt.Errorf("%w: %q is not within an item", ErrOutsideCache, path)
		return
	}
	namespace = elems[len(elems)-1]
	name = elems[len(elems)-2]
	return
}

// Walks the ancestors of path looking for the root. The root itself doesn't count.
func (r *Registry) contains(path string) bool {
	p := filepath.Clean(path)
	for {
		parent := filepath.Dir(p)
		if parent == r.root {
			return true
		}
		if parent == p {
			return false
		}
		p = parent
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
