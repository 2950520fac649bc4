package swarmcache

import (
	"errors"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
)

// Queues s to have its resume data and cache entry persisted. A nil s only flushes state. Safe to
// call from engine callbacks.
func (o *Orchestrator) enqueuePersist(s *Session) {
	o.persistMu.Lock()
	o.persistQueue = append(o.persistQueue, s)
	o.persistMu.Unlock()
	o.persistCond.Broadcast()
}

// The only writer of the fast resume and cache registry files while the Orchestrator is open.
func (o *Orchestrator) persistWorker() {
	defer o.persistDone.Set()
	for {
		o.persistMu.Lock()
		queue := o.persistQueue
		o.persistQueue = nil
		signaled := o.persistCond.Signaled()
		o.persistMu.Unlock()
		for _, s := range queue {
			o.persistSeeded(s)
		}
		if len(queue) != 0 {
			if err := o.saveState(); err != nil {
				o.logger.Levelf(log.Error, "saving state: %v", err)
			}
			continue
		}
		select {
		case <-signaled:
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) persistSeeded(s *Session) {
	if s == nil {
		return
	}
	<-s.registered.Done()
	if s.handle == nil {
		return
	}
	b, err := s.handle.ResumeData()
	if err != nil {
		s.logger.Levelf(log.Warning, "getting resume data: %v", err)
	} else {
		o.fastResume.Set(s.InfoHash(), b)
		o.metrics.persisted.Inc()
	}
	ns, name, err := o.registry.ItemOf(s.DataPath())
	switch {
	case err == nil:
		if err := o.registry.Register(ns, name, s.DataPath()); err != nil {
			s.logger.Levelf(log.Warning, "registering cache entry: %v", err)
		}
	case errors.Is(err, ErrOutsideCache):
	default:
		s.logger.Levelf(log.Warning, "resolving cache entry for %q: %v", s.DataPath(), err)
	}
	stats := s.Stats()
	elapsed := time.Since(s.Started())
	s.logger.Levelf(log.Info,
		"%v complete after %v: data %v down (%v/s), %v up, protocol %v down, %v up, %v/%v pieces hashed",
		s,
		elapsed.Truncate(time.Millisecond),
		humanize.Bytes(uint64(stats.BytesDownloadedData)),
		humanize.Bytes(uint64(float64(stats.BytesDownloadedData)/max(elapsed.Seconds(), 1e-3))),
		humanize.Bytes(uint64(stats.BytesUploadedData)),
		humanize.Bytes(uint64(stats.BytesDownloadedProtocol)),
		humanize.Bytes(uint64(stats.BytesUploadedProtocol)),
		stats.PiecesHashed,
		stats.NumPieces,
	)
}

func (o *Orchestrator) saveState() error {
	return errors.Join(o.fastResume.Save(), o.registry.Save())
}
