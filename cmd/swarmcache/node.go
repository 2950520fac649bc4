package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anacrolix/swarmcache"
	"github.com/anacrolix/swarmcache/engine/torrentengine"
	"github.com/anacrolix/swarmcache/resolver"
)

// Everything a subcommand needs, torn down in reverse.
type node struct {
	*swarmcache.Orchestrator
	engine   *torrentengine.Engine
	resolver resolver.Resolver
	registry *prometheus.Registry
	logger   log.Logger
	closers  []func() error
}

func (n *node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	return errors.Join(errs...)
}

func newNode(ctx context.Context, c config) (n *node, err error) {
	n = &node{
		registry: prometheus.NewRegistry(),
		logger:   c.Logger.WithNames("swarmcache", "cmd"),
	}
	defer func() {
		if err != nil {
			n.Close()
			n = nil
		}
	}()
	ec := torrentengine.NewDefaultConfig()
	ec.DataDir = filepath.Join(c.BaseDir, "Data")
	ec.ListenPort = c.ListenPort
	ec.NoDHT = c.NoDHT
	ec.StaticPeers = c.StaticPeers
	ec.Logger = c.Logger
	n.engine, err = torrentengine.New(ec)
	if err != nil {
		return
	}
	n.closers = append(n.closers, n.engine.Close)
	switch c.Resolver {
	case resolverBolt:
		var b *resolver.Bolt
		b, err = resolver.OpenBolt(filepath.Join(c.BaseDir, "names.bolt"))
		if err != nil {
			return
		}
		n.closers = append(n.closers, b.Close)
		n.resolver = b
	case resolverDHT:
		n.resolver, err = n.newDHTResolver(ctx, c)
		if err != nil {
			return
		}
	}
	oc := c.Config
	oc.MetricsRegisterer = n.registry
	n.Orchestrator, err = swarmcache.New(&oc, n.resolver, n.engine)
	if err != nil {
		return
	}
	n.closers = append(n.closers, n.Orchestrator.Close)
	return
}

func (n *node) newDHTResolver(ctx context.Context, c config) (resolver.Resolver, error) {
	seed, err := c.dhtSeed()
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", c.ListenPort+1))
	if err != nil {
		return nil, fmt.Errorf("listening for dht: %w", err)
	}
	sc := dht.NewDefaultServerConfig()
	sc.Conn = conn
	sc.Logger = c.Logger.WithNames("dht")
	s, err := dht.NewServer(sc)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.closers = append(n.closers, func() error {
		s.Close()
		return nil
	})
	go func() {
		ts, err := s.Bootstrap(ctx)
		if err != nil {
			n.logger.Levelf(log.Warning, "bootstrapping dht: %v", err)
			return
		}
		n.logger.Levelf(log.Info, "dht bootstrapped: %+v", ts)
	}()
	return resolver.NewDHT(s, seed, c.Logger)
}

// Removes expired names from a local resolver until ctx is done.
func (n *node) pruneNames(ctx context.Context, every time.Duration) {
	b, ok := n.resolver.(*resolver.Bolt)
	if !ok || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pruned, err := b.Prune()
		if err != nil {
			n.logger.Levelf(log.Warning, "pruning names: %v", err)
			continue
		}
		n.logger.Levelf(log.Debug, "pruned %v expired names", pruned)
	}
}
