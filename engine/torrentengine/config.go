package torrentengine

import (
	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/anacrolix/swarmcache/descriptor"
)

type Config struct {
	// Storage for anything not added through Register, such as torrents added by peers.
	DataDir    string
	ListenHost string
	// 0 picks a free port.
	ListenPort      int
	NoDHT           bool
	DisableTrackers bool
	DisableUTP      bool
	DisableIPv6     bool
	PortForwarding  bool
	// Passed to descriptor.Build.
	PieceLength int64
	// Addresses (host:port) added as peers to every session.
	StaticPeers []string
	// Bytes per second. Zero is unlimited.
	UploadRate   rate.Limit
	DownloadRate rate.Limit
	Logger       log.Logger
}

func NewDefaultConfig() *Config {
	return &Config{
		ListenPort:     42069,
		PortForwarding: true,
		PieceLength:    descriptor.DefaultPieceLength,
		Logger:         log.Default,
	}
}
