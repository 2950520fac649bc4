// Package fastresume persists opaque per-content verification state, so that restarting a transfer
// doesn't re-hash data that was already confirmed.
package fastresume

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/swarmcache/internal/atomicfile"
)

// Store is a single mapping of content hash to resume blob, backed by one bencoded dictionary file.
// Records are only ever added or replaced.
type Store struct {
	path   string
	logger log.Logger

	mu      sync.RWMutex
	records map[metainfo.Hash][]byte
}

// Load reads the store at path. A missing or corrupt file results in an empty store.
func Load(path string, logger log.Logger) *Store {
	s := &Store{
		path:    path,
		logger:  logger.WithNames("fastresume"),
		records: make(map[metainfo.Hash][]byte),
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s
	}
	if err != nil {
		s.logger.Levelf(log.Warning, "reading %q: %v", path, err)
		return s
	}
	var raw map[string][]byte
	if err := bencode.Unmarshal(b, &raw); err != nil {
		s.logger.Levelf(log.Warning, "discarding corrupt fast resume file %q: %v", path, err)
		return s
	}
	for k, v := range raw {
		if len(k) != metainfo.HashSize {
			s.logger.Levelf(log.Warning, "skipping fast resume record with bad key length %v", len(k))
			continue
		}
		var h metainfo.Hash
		copy(h[:], k)
		s.records[h] = v
	}
	return s
}

func (s *Store) Path() string { return s.path }

func (s *Store) Get(h metainfo.Hash) (blob []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok = s.records[h]
	return
}

func (s *Store) Set(h metainfo.Hash, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[h] = append([]byte(nil), blob...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Save writes all records to the backing file.
func (s *Store) Save() error {
	s.mu.RLock()
	raw := make(map[string][]byte, len(s.records))
	for h, v := range s.records {
		raw[h.AsString()] = v
	}
	s.mu.RUnlock()
	b, err := bencode.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshalling fast resume records: %w", err)
	}
	return atomicfile.WriteFile(s.path, b, 0o640)
}
