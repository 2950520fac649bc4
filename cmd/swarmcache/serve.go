package main

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/swarmcache"
)

func statusHandler(n *node) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		n.WriteStatus(w)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/descriptor/{namespace}/{name}", func(w http.ResponseWriter, r *http.Request) {
		rc, fileName, err := n.OpenDescriptor(r.PathValue("namespace"), r.PathValue("name"))
		if errors.Is(err, swarmcache.ErrInvalidName) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/x-bittorrent")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
			"filename": fileName + ".torrent",
		}))
		io.Copy(w, rc)
	})
	return mux
}

// Seeds everything in the cache that has a descriptor, and serves status until ctx is done.
func serve(ctx context.Context, n *node, c config) error {
	g, ctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              c.HTTPAddr,
		Handler:           statusHandler(n),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		n.logger.Levelf(log.Info, "serving status on http://%s", c.HTTPAddr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := n.WatchDescriptors(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		n.pruneNames(ctx, c.PruneEvery)
		return nil
	})
	return g.Wait()
}
