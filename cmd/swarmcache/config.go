package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/anacrolix/swarmcache"
)

const (
	resolverDHT  = "dht"
	resolverBolt = "bolt"

	defaultNetwork = "swarmcache"
)

type config struct {
	swarmcache.Config `yaml:",inline"`

	// dht or bolt.
	Resolver string `yaml:"resolver"`
	// Nodes sharing a network name and DHT seed see each other's published names. Anyone who
	// knows the seed can publish names, so a network name used to derive it is a shared secret.
	Network string `yaml:"network"`
	// Hex ed25519 seed. Derived from Network if empty, which requires a non-default Network.
	DHTSeed string `yaml:"dht_seed"`
	// The DHT listens on ListenPort+1.
	ListenPort  int           `yaml:"listen_port"`
	NoDHT       bool          `yaml:"no_dht"`
	StaticPeers []string      `yaml:"static_peers"`
	HTTPAddr    string        `yaml:"http_addr"`
	PruneEvery  time.Duration `yaml:"prune_every"`
}

func defaultConfig() config {
	return config{
		Config:     *swarmcache.NewDefaultConfig(),
		Resolver:   resolverDHT,
		Network:    defaultNetwork,
		ListenPort: 42069,
		HTTPAddr:   "localhost:8042",
		PruneEvery: time.Hour,
	}
}

func defaultBaseDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "swarmcache")
}

// Merges the YAML file at path into c. A missing file is fine if it's the default.
func (c *config) load(path string, required bool) error {
	b, err := os.ReadFile(path)
	if !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parsing %q: %w", path, err)
	}
	return nil
}

func (c *config) validate() error {
	switch c.Resolver {
	case resolverDHT, resolverBolt:
	default:
		return fmt.Errorf("unknown resolver %q", c.Resolver)
	}
	if c.BaseDir == "" {
		c.BaseDir = defaultBaseDir()
	}
	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return err
	}
	c.BaseDir = abs
	if c.Resolver == resolverDHT && c.NoDHT {
		return errors.New("dht resolver needs the dht")
	}
	return nil
}

var errPublicSeed = errors.New("dht_seed or a private network name is required: the default network name gives a publicly known signing key")

func (c *config) dhtSeed() ([]byte, error) {
	if c.DHTSeed == "" {
		if c.Network == "" || c.Network == defaultNetwork {
			return nil, errPublicSeed
		}
		sum := blake3.Sum256([]byte(c.Network))
		return sum[:], nil
	}
	b, err := hex.DecodeString(c.DHTSeed)
	if err != nil {
		return nil, fmt.Errorf("decoding dht seed: %w", err)
	}
	return b, nil
}
