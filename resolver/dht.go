package resolver

import (
	"context"
	"crypto/ed25519"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/bep44"
	"github.com/anacrolix/dht/v2/exts/getput"
	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

const (
	// BEP 44 limits v to 1000 bytes once bencoded. These leave room for the record framing.
	maxInline = 900
	chunkSize = 990
	maxChunks = 38
	maxSalt   = 64
)

// No DHT nodes are known, so nothing can be stored or found.
var ErrUnavailable = errors.New("resolver backend unavailable")

// The mutable item stored under each key.
type dhtRecord struct {
	Expires int64    `bencode:"e"`
	Length  int      `bencode:"n"`
	Inline  []byte   `bencode:"i,omitempty"`
	Chunks  [][]byte `bencode:"c,omitempty"`
}

// DHT is a Resolver over BEP 44 items in the mainline DHT. All cooperating nodes must share the
// same signing seed, since mutable items are addressed by public key and salt. Values are
// compressed, and those that don't fit in a single item are split into immutable chunks listed by
// the mutable record. The DHT itself forgets items after a couple of hours unless they're
// republished, so ttl is enforced by an expiry time embedded in the record.
type DHT struct {
	s      *dht.Server
	priv   ed25519.PrivateKey
	pub    [32]byte
	logger log.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	// Defaults to time.Now.
	Now func() time.Time
}

var _ Resolver = (*DHT)(nil)

// NewDHT uses s for queries. The caller retains ownership of s. seed must be
// ed25519.SeedSize bytes.
func NewDHT(s *dht.Server, seed []byte, logger log.Logger) (*DHT, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed has length %v, expected %v", len(seed), ed25519.SeedSize)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	ret := &DHT{
		s:      s,
		priv:   ed25519.NewKeyFromSeed(seed),
		logger: logger.WithNames("resolver", "dht"),
		enc:    enc,
		dec:    dec,
	}
	copy(ret.pub[:], ret.priv.Public().(ed25519.PublicKey))
	return ret, nil
}

func (me *DHT) now() time.Time {
	if me.Now != nil {
		return me.Now()
	}
	return time.Now()
}

func (me *DHT) checkNodes() error {
	if me.s.NumNodes() == 0 {
		return fmt.Errorf("%w: no dht nodes", ErrUnavailable)
	}
	return nil
}

// BEP 44 salts are limited in size, so long keys are hashed.
func dhtSalt(key []byte) []byte {
	if len(key) <= maxSalt {
		return key
	}
	h := sha1.Sum(key)
	return h[:]
}

func (me *DHT) mutableTarget(salt []byte) bep44.Target {
	put := bep44.Put{K: &me.pub, Salt: salt}
	return put.Target()
}

func (me *DHT) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	if err := me.checkNodes(); err != nil {
		return err
	}
	rec, chunks, err := makeRecord(me.enc.EncodeAll(value, nil), me.now().Add(ttl))
	if err != nil {
		return err
	}
	ctx = log.ContextWithLogger(ctx, me.logger)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		put := bep44.Put{V: c}
		g.Go(func() error {
			_, err := getput.Put(gctx, krpc.ID(put.Target()), me.s, nil, func(int64) bep44.Put {
				return put
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("putting chunks: %w", err)
	}
	salt := dhtSalt(key)
	_, err = getput.Put(ctx, krpc.ID(me.mutableTarget(salt)), me.s, salt, func(seq int64) bep44.Put {
		put := bep44.Put{
			V:    rec,
			K:    &me.pub,
			Salt: salt,
			Seq:  seq + 1,
		}
		put.Sign(me.priv)
		return put
	})
	if err != nil {
		return err
	}
	me.logger.Levelf(log.Debug, "put %x: %v bytes in %v chunks", key, len(value), len(chunks))
	return nil
}

func (me *DHT) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := me.checkNodes(); err != nil {
		return nil, err
	}
	ctx = log.ContextWithLogger(ctx, me.logger)
	salt := dhtSalt(key)
	res, _, err := getput.Get(ctx, me.mutableTarget(salt), me.s, nil, salt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		me.logger.Levelf(log.Debug, "getting %x: %v", key, err)
		return nil, ErrNotFound
	}
	var rec dhtRecord
	if err := bencode.Unmarshal(res.V, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if me.now().UnixNano() >= rec.Expires {
		return nil, ErrNotFound
	}
	chunks := make([][]byte, len(rec.Chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range rec.Chunks {
		if len(c) != len(bep44.Target{}) {
			return nil, fmt.Errorf("chunk %v has bad target length %v", i, len(c))
		}
		var target bep44.Target
		copy(target[:], c)
		g.Go(func() error {
			res, _, err := getput.Get(gctx, target, me.s, nil, nil)
			if err != nil {
				return fmt.Errorf("getting chunk %v: %w", i, err)
			}
			return bencode.Unmarshal(res.V, &chunks[i])
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Partial values are as good as absent.
		me.logger.Levelf(log.Warning, "getting %x: %v", key, err)
		return nil, ErrNotFound
	}
	compressed, err := joinRecord(rec, chunks)
	if err != nil {
		return nil, err
	}
	return me.dec.DecodeAll(compressed, nil)
}

// Splits a compressed value into a record and the immutable chunks it references.
func makeRecord(compressed []byte, expires time.Time) (rec dhtRecord, chunks [][]byte, err error) {
	rec.Expires = expires.UnixNano()
	rec.Length = len(compressed)
	if len(compressed) <= maxInline {
		rec.Inline = compressed
		return
	}
	for off := 0; off < len(compressed); off += chunkSize {
		c := compressed[off:min(off+chunkSize, len(compressed))]
		put := bep44.Put{V: c}
		target := put.Target()
		rec.Chunks = append(rec.Chunks, target[:])
		chunks = append(chunks, c)
	}
	if len(chunks) > maxChunks {
		err = fmt.Errorf("compressed value of %v bytes exceeds %v chunks", len(compressed), maxChunks)
	}
	return
}

func joinRecord(rec dhtRecord, chunks [][]byte) ([]byte, error) {
	ret := rec.Inline
	if len(rec.Chunks) != 0 {
		ret = nil
		for _, c := range chunks {
			ret = append(ret, c...)
		}
	}
	if len(ret) != rec.Length {
		return nil, fmt.Errorf("value has length %v, record says %v", len(ret), rec.Length)
	}
	return ret, nil
}
