package enginetest

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/anacrolix/swarmcache/descriptor"
)

type file struct {
	path   string
	offset int64
	length int64
}

// The files of some content laid end to end, so pieces can be addressed by offset.
type span []file

func newSpan(d *descriptor.Descriptor, saveDir string) (ret span) {
	info := d.Info()
	var off int64
	for _, fi := range info.UpvertedFiles() {
		ret = append(ret, file{
			path:   filepath.Join(append([]string{saveDir, info.Name}, fi.BestPath()...)...),
			offset: off,
			length: fi.Length,
		})
		off += fi.Length
	}
	return
}

// Reads exactly len(b) bytes at off. Missing files read as an error.
func (s span) readAt(b []byte, off int64) error {
	for _, f := range s {
		if len(b) == 0 {
			return nil
		}
		if off >= f.offset+f.length {
			continue
		}
		n := min(int64(len(b)), f.offset+f.length-off)
		if err := readFileAt(f.path, b[:n], off-f.offset); err != nil {
			return err
		}
		b = b[n:]
		off += n
	}
	if len(b) != 0 {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func readFileAt(path string, b []byte, off int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.ReadAt(b, off)
	return err
}

func (s span) writeAt(b []byte, off int64) error {
	for _, f := range s {
		if len(b) == 0 {
			return nil
		}
		if off >= f.offset+f.length {
			continue
		}
		n := min(int64(len(b)), f.offset+f.length-off)
		if err := writeFileAt(f.path, b[:n], off-f.offset); err != nil {
			return err
		}
		b = b[n:]
		off += n
	}
	return nil
}

func writeFileAt(path string, b []byte, off int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o640)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(b, off)
	return errors.Join(err, f.Close())
}

// Creates any zero-length files, which have no pieces to carry them.
func (s span) touchEmpty() error {
	for _, f := range s {
		if f.length != 0 {
			continue
		}
		if _, err := os.Stat(f.path); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := writeFileAt(f.path, nil, 0); err != nil {
			return err
		}
	}
	return nil
}

func pieceOffset(d *descriptor.Descriptor, i int) int64 {
	return int64(i) * d.PieceLength()
}
