package pystemon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FetcherPool runs N worker goroutines per site, each draining the site's
// queue and invoking Pastie.Process. Workers share the site's UserAgent
// configuration but each request gets its own HTTP session.
//
// Grounded on pystemon/pastie.py's ThreadPasties and walker's
// fetcher.go fetcher struct (quit/done channel pair per worker).
type FetcherPool struct {
	site       *Site
	ua         *UserAgent
	dispatcher *StorageDispatcher
	notifier   Notifier
	extractor  Extractor
	workers    int

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewFetcherPool builds a pool of the given size for site.
func NewFetcherPool(site *Site, ua *UserAgent, dispatcher *StorageDispatcher, notifier Notifier, extractor Extractor, workers int) *FetcherPool {
	if workers < 1 {
		workers = 1
	}
	return &FetcherPool{
		site:       site,
		ua:         ua,
		dispatcher: dispatcher,
		notifier:   notifier,
		extractor:  extractor,
		workers:    workers,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker goroutines. It returns immediately.
func (fp *FetcherPool) Start(ctx context.Context) {
	for i := 0; i < fp.workers; i++ {
		fp.wg.Add(1)
		go fp.worker(ctx, i)
	}
}

func (fp *FetcherPool) worker(ctx context.Context, id int) {
	defer fp.wg.Done()
	logger := log.With().Str("site", fp.site.Name).Int("worker", id).Logger()
	logger.Debug().Msg("fetcher worker started")

	for {
		select {
		case <-fp.stopCh:
			logger.Debug().Msg("fetcher worker stopped")
			return
		case p, ok := <-fp.site.Queue:
			if !ok {
				return
			}
			p.Process(ctx, fp.ua, fp.dispatcher, fp.notifier, fp.extractor)
		case <-time.After(5 * time.Second):
			// bounded wait so the stop flag is re-checked promptly even
			// when the queue is idle.
		}
	}
}

// Stop asks every worker to exit after its current request settles, and
// waits for them to do so.
func (fp *FetcherPool) Stop() {
	close(fp.stopCh)
	fp.wg.Wait()
}
