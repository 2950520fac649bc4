package descriptor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/anacrolix/swarmcache/internal/atomicfile"
)

// Store keeps one encoded descriptor per item at <Dir>/<namespace>/<name>.
type Store struct {
	Dir string
}

func (s Store) Path(namespace, name string) string {
	return filepath.Join(s.Dir, namespace, name)
}

// Write persists d under namespace, replacing any existing file atomically, and returns the path
// written.
func (s Store) Write(namespace string, d *Descriptor) (string, error) {
	if err := CheckName(namespace); err != nil {
		return "", fmt.Errorf("namespace: %w", err)
	}
	path := s.Path(namespace, d.Name())
	if err := atomicfile.WriteFile(path, d.Bytes(), 0o640); err != nil {
		return "", fmt.Errorf("writing descriptor %q: %w", path, err)
	}
	return path, nil
}

func (s Store) Read(namespace, name string) (*Descriptor, error) {
	if err := checkItem(namespace, name); err != nil {
		return nil, err
	}
	return Load(s.Path(namespace, name))
}

// Open returns a stream of the encoded descriptor, and the file name it should be served as.
func (s Store) Open(namespace, name string) (rc io.ReadCloser, fileName string, err error) {
	if err = checkItem(namespace, name); err != nil {
		return
	}
	path := s.Path(namespace, name)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	return f, filepath.Base(path), nil
}

// Walk calls fn for every descriptor file in the store. Unparseable descriptors are passed with a
// non-nil error, and Walk continues. Walk stops if fn returns an error.
func (s Store) Walk(fn func(namespace, name string, d *Descriptor, err error) error) error {
	namespaces, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		if !ns.IsDir() {
			continue
		}
		items, err := os.ReadDir(filepath.Join(s.Dir, ns.Name()))
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.IsDir() || atomicfile.IsTemp(item.Name()) {
				continue
			}
			d, err := Load(s.Path(ns.Name(), item.Name()))
			if err := fn(ns.Name(), item.Name(), d, err); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkItem(namespace, name string) error {
	if err := CheckName(namespace); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}
	return CheckName(name)
}
