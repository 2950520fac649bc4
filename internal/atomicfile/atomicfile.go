// Package atomicfile replaces files so that readers see either the old or the new contents.
package atomicfile

import (
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".swarmcache-tmp-"

// WriteFile writes b to a temporary file in the same directory as path, and renames it over path.
// Missing parent directories are created.
func WriteFile(path string, b []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o750); err != nil {
		return
	}
	f, err := os.CreateTemp(dir, tempPrefix+filepath.Base(path)+".*")
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name())
		}
	}()
	_, err = f.Write(b)
	if err == nil {
		err = f.Chmod(perm)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return
	}
	return os.Rename(f.Name(), path)
}

// IsTemp reports whether name looks like one of WriteFile's temporary files.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}
