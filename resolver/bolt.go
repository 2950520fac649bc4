package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"go.etcd.io/bbolt"
)

var boltBucketKey = []byte("names")

type boltRecord struct {
	Value   []byte `bencode:"v"`
	Expires int64  `bencode:"e"`
}

// Bolt is a Resolver persisted to a local bbolt database. It suits a single host, or hosts sharing
// a filesystem.
type Bolt struct {
	db *bbolt.DB
	// Defaults to time.Now.
	Now func() time.Time
}

var _ Resolver = (*Bolt)(nil)

func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (me *Bolt) now() time.Time {
	if me.Now != nil {
		return me.Now()
	}
	return time.Now()
}

func (me *Bolt) Close() error {
	return me.db.Close()
}

func (me *Bolt) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := bencode.Marshal(boltRecord{
		Value:   value,
		Expires: me.now().Add(ttl).UnixNano(),
	})
	if err != nil {
		return err
	}
	return me.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucketKey).Put(key, b)
	})
}

func (me *Bolt) Get(ctx context.Context, key []byte) (ret []byte, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	now := me.now()
	err = me.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucketKey).Get(key)
		if b == nil {
			return ErrNotFound
		}
		var r boltRecord
		if err := bencode.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("decoding record: %w", err)
		}
		if now.UnixNano() >= r.Expires {
			return ErrNotFound
		}
		// The bolt value is only valid for the life of the transaction, but Unmarshal copied.
		ret = r.Value
		return nil
	})
	return
}

// Prune deletes expired records, returning how many were removed.
func (me *Bolt) Prune() (n int, err error) {
	now := me.now().UnixNano()
	err = me.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucketKey)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var r boltRecord
			if bencode.Unmarshal(v, &r) != nil || now >= r.Expires {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return
}
