// Publishes and retrieves content by namespace and name over a BitTorrent swarm.
//
//	swarmcache [--config FILE] [--base-dir DIR] [--namespace NS] [--resolver dht|bolt] [--listen-port PORT] COMMAND
//
// Commands:
//
//	serve                 seed the cache and serve status, metrics and descriptors over HTTP
//	publish PATH          publish PATH and seed it until interrupted
//	get NAMESPACE NAME    retrieve an item into the cache and print its path
//	key NAMESPACE NAME    print the resolver key for an item
//	descriptor FILE       dump a descriptor file
//	version               print version and peer identification
//
// The dht resolver signs names with a key derived from dht_seed in the config file, or from a
// network name other than the default. Nodes sharing the key can overwrite each other's names.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/anacrolix/bargle/v2"
	"github.com/anacrolix/envpprof"
	g "github.com/anacrolix/generics"
	app "github.com/anacrolix/gostdapp"
	"github.com/anacrolix/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/swarmcache/descriptor"
	"github.com/anacrolix/swarmcache/resolver"
	"github.com/anacrolix/swarmcache/version"
)

func main() {
	defer envpprof.Stop()
	app.RunContext(mainErr)
}

type flags struct {
	config     g.Option[string]
	baseDir    g.Option[string]
	namespace  g.Option[string]
	resolver   g.Option[string]
	listenPort g.Option[string]
}

// Layers the config file and then flags over the defaults.
func (f flags) resolve() (c config, err error) {
	c = defaultConfig()
	c.BaseDir = defaultBaseDir()
	if f.baseDir.Ok {
		c.BaseDir = f.baseDir.Value
	}
	path, required := filepath.Join(c.BaseDir, "config.yaml"), false
	if f.config.Ok {
		path, required = f.config.Value, true
	}
	if err = c.load(path, required); err != nil {
		return
	}
	if f.baseDir.Ok {
		c.BaseDir = f.baseDir.Value
	}
	if f.namespace.Ok {
		c.Namespace = f.namespace.Value
	}
	if f.resolver.Ok {
		c.Resolver = f.resolver.Value
	}
	if f.listenPort.Ok {
		c.ListenPort, err = strconv.Atoi(f.listenPort.Value)
		if err != nil {
			err = fmt.Errorf("parsing listen port: %w", err)
			return
		}
	}
	c.Logger = log.Default
	err = c.validate()
	return
}

func mainErr(ctx context.Context) error {
	p := bargle.NewParser()
	defer p.DoHelpIfHelping()
	var f flags
	bargle.ParseAll(
		p,
		bargle.Long("config", bargle.BuiltinOptionUnmarshaler(&f.config)),
		bargle.Long("base-dir", bargle.BuiltinOptionUnmarshaler(&f.baseDir)),
		bargle.Long("namespace", bargle.BuiltinOptionUnmarshaler(&f.namespace)),
		bargle.Long("resolver", bargle.BuiltinOptionUnmarshaler(&f.resolver)),
		bargle.Long("listen-port", bargle.BuiltinOptionUnmarshaler(&f.listenPort)),
	)
	var run func(context.Context, flags) error
	switch {
	case p.Parse(bargle.Keyword("serve")):
		run = func(ctx context.Context, f flags) error {
			return withNode(ctx, f, func(n *node, c config) error {
				return serve(ctx, n, c)
			})
		}
	case p.Parse(bargle.Keyword("publish")):
		var path string
		p.Parse(bargle.Positional("path", bargle.BuiltinUnmarshaler(&path)))
		run = func(ctx context.Context, f flags) error {
			return publish(ctx, f, path)
		}
	case p.Parse(bargle.Keyword("get")):
		var ns, name string
		bargle.ParseAll(
			p,
			bargle.Positional("namespace", bargle.BuiltinUnmarshaler(&ns)),
			bargle.Positional("name", bargle.BuiltinUnmarshaler(&name)),
		)
		run = func(ctx context.Context, f flags) error {
			return withNode(ctx, f, func(n *node, _ config) error {
				path, err := n.Get(ctx, ns, name)
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			})
		}
	case p.Parse(bargle.Keyword("key")):
		var ns, name string
		bargle.ParseAll(
			p,
			bargle.Positional("namespace", bargle.BuiltinUnmarshaler(&ns)),
			bargle.Positional("name", bargle.BuiltinUnmarshaler(&name)),
		)
		run = func(context.Context, flags) error {
			fmt.Printf("%x\n", resolver.KeyFor(ns, name))
			return nil
		}
	case p.Parse(bargle.Keyword("descriptor")):
		var file string
		p.Parse(bargle.Positional("file", bargle.BuiltinUnmarshaler(&file)))
		run = func(context.Context, flags) error {
			return dumpDescriptor(file)
		}
	case p.Parse(bargle.Keyword("version")):
		run = func(context.Context, flags) error {
			fmt.Printf("swarmcache %v\n", version.Module)
			fmt.Printf("peer id prefix %q, client %q\n", version.Bep20Prefix, version.ExtendedHandshakeClientVersion)
			return nil
		}
	default:
		p.Fail()
	}
	p.FailIfArgsRemain()
	if !p.Ok() {
		return p.Err()
	}
	return run(ctx, f)
}

func withNode(ctx context.Context, f flags, run func(*node, config) error) error {
	c, err := f.resolve()
	if err != nil {
		return err
	}
	n, err := newNode(ctx, c)
	if err != nil {
		return err
	}
	return errors.Join(run(n, c), n.Close())
}

func publish(ctx context.Context, f flags, path string) error {
	if path == "" {
		return errors.New("path not specified")
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return withNode(ctx, f, func(n *node, c config) error {
		if err := n.PublishPath(ctx, path); err != nil {
			return err
		}
		ns, name, err := n.ItemOf(path)
		if err != nil || n.PathLookup(ns, name) != path {
			ns, name = c.Namespace, filepath.Base(path)
		}
		n.logger.Levelf(log.Info, "published %s/%s (key %x), seeding until interrupted", ns, name, resolver.KeyFor(ns, name))
		<-ctx.Done()
		return nil
	})
}

func dumpDescriptor(file string) error {
	d, err := descriptor.Load(file)
	if err != nil {
		return err
	}
	fmt.Printf("%v: %s in %v pieces of %s\n",
		d, humanize.Bytes(uint64(d.Length())), d.NumPieces(), humanize.Bytes(uint64(d.PieceLength())))
	info := d.Info()
	spew.Dump(struct {
		Name      string
		InfoHash  string
		Files     int
		CreatedBy string
	}{
		Name:      info.Name,
		InfoHash:  d.Hash().HexString(),
		Files:     len(info.UpvertedFiles()),
		CreatedBy: d.MetaInfo().CreatedBy,
	})
	return nil
}

func init() {
	if v, ok := os.LookupEnv("SWARMCACHE_DEBUG"); ok && v != "" {
		log.Default = log.Default.FilterLevel(log.Debug)
	}
}
