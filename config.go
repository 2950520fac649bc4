package swarmcache

import (
	"time"

	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anacrolix/swarmcache/engine"
)

const (
	downloadsDirName      = "Downloads"
	descriptorsDirName    = "Torrents"
	fastResumeFileName    = "fastresume.data"
	cacheRegistryFileName = "cacheRegistry.xml"
)

// Probably not safe to modify this after it's given to an Orchestrator.
type Config struct {
	// Absolute. Holds the cache, descriptors and persisted state.
	BaseDir string `yaml:"base_dir"`
	// Used when publishing content outside the cache by path.
	Namespace string `yaml:"namespace"`
	// How long published descriptors resolve for.
	DescriptorTTL time.Duration `yaml:"descriptor_ttl"`
	Logger        log.Logger    `yaml:"-"`
	// If nil, metrics are collected but not exported.
	MetricsRegisterer prometheus.Registerer `yaml:"-"`
	// Receives every session's engine events after the session handles them. Must not block.
	Observer engine.Observer `yaml:"-"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Namespace:     "self",
		DescriptorTTL: 24 * time.Hour,
		Logger:        log.Default,
	}
}
