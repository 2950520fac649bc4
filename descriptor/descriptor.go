// Package descriptor binds a content hash to the piece layout of some local content. Descriptors
// are BitTorrent v1 metainfo, and the content hash is the infohash.
package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

const (
	DefaultPieceLength = 1 << 18
	// Stable so that identical content always encodes identically.
	createdBy = "swarmcache"
)

var ErrInvalidName = errors.New("invalid descriptor name")

// Immutable once created.
type Descriptor struct {
	raw  []byte
	mi   metainfo.MetaInfo
	info metainfo.Info
	hash metainfo.Hash
}

// Build creates a descriptor for the file or directory at root. It's deterministic: the same bytes
// under the same root name always produce the same descriptor.
func Build(root string, pieceLength int64) (*Descriptor, error) {
	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}
	info := metainfo.Info{
		PieceLength: pieceLength,
	}
	err := info.BuildFromFilePath(root)
	if err != nil {
		return nil, fmt.Errorf("building info from path %q: %w", root, err)
	}
	if err := CheckName(info.Name); err != nil {
		return nil, err
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshalling info: %w", err)
	}
	mi := metainfo.MetaInfo{
		InfoBytes: infoBytes,
		CreatedBy: createdBy,
	}
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return nil, fmt.Errorf("encoding metainfo: %w", err)
	}
	return Decode(buf.Bytes())
}

// Decode parses an encoded descriptor, such as one fetched from a name resolver.
func Decode(b []byte) (*Descriptor, error) {
	mi, err := metainfo.Load(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("loading metainfo: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("unmarshalling info: %w", err)
	}
	if !info.HasV1() {
		return nil, errors.New("descriptor has no v1 piece hashes")
	}
	if err := CheckName(info.Name); err != nil {
		return nil, err
	}
	if len(info.Pieces)%metainfo.HashSize != 0 {
		return nil, fmt.Errorf("piece hashes length %v not a multiple of %v", len(info.Pieces), metainfo.HashSize)
	}
	return &Descriptor{
		raw:  append([]byte(nil), b...),
		mi:   *mi,
		info: info,
		hash: mi.HashInfoBytes(),
	}, nil
}

func Load(path string) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// CheckName returns ErrInvalidName unless name is usable as a single path element.
func CheckName(name string) error {
	if name == "" || name == "." || name == ".." || name == metainfo.NoName ||
		strings.ContainsAny(name, "/\\\x00") || strings.ContainsRune(name, filepath.Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// The encoded descriptor. Callers must not modify it.
func (d *Descriptor) Bytes() []byte { return d.raw }

func (d *Descriptor) Hash() metainfo.Hash { return d.hash }

func (d *Descriptor) Name() string { return d.info.Name }

func (d *Descriptor) Length() int64 { return d.info.TotalLength() }

func (d *Descriptor) PieceLength() int64 { return d.info.PieceLength }

func (d *Descriptor) NumPieces() int { return len(d.info.Pieces) / metainfo.HashSize }

func (d *Descriptor) PieceHash(i int) []byte {
	return d.info.Pieces[i*metainfo.HashSize : (i+1)*metainfo.HashSize]
}

// The length of piece i, accounting for the short final piece.
func (d *Descriptor) PieceSize(i int) int64 {
	if i == d.NumPieces()-1 {
		if rem := d.Length() % d.PieceLength(); rem != 0 {
			return rem
		}
	}
	return d.PieceLength()
}

func (d *Descriptor) IsDir() bool { return d.info.IsDir() }

func (d *Descriptor) MetaInfo() *metainfo.MetaInfo {
	mi := d.mi
	return &mi
}

func (d *Descriptor) Info() *metainfo.Info {
	info := d.info
	return &info
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%q (%v)", d.Name(), d.hash.HexString())
}
