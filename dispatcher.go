package pystemon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// storageScheduler wraps a Storage backend to run either synchronously on
// the caller's goroutine or asynchronously on a dedicated worker.
//
// Grounded on pystemon/storage/__init__.py's StorageScheduler/StorageSync/
// StorageThread.
type storageScheduler interface {
	save(ctx context.Context, p *Pastie, timeout time.Duration)
	seen(ctx context.Context, site, id string) (bool, error)
	name() string
}

// SyncStorage calls the wrapped backend inline.
type SyncStorage struct {
	backend Storage
}

// NewSyncStorage wraps backend for synchronous dispatch.
func NewSyncStorage(backend Storage) *SyncStorage { return &SyncStorage{backend: backend} }

func (s *SyncStorage) save(ctx context.Context, p *Pastie, _ time.Duration) {
	if err := s.backend.Save(ctx, p); err != nil {
		log.Error().Err(err).Str("backend", s.backend.Name()).Str("id", p.ID).Msg("failed to save pastie")
	}
}

func (s *SyncStorage) seen(ctx context.Context, site, id string) (bool, error) {
	if !s.backend.Lookup() {
		return false, nil
	}
	return s.backend.Seen(ctx, site, id)
}

func (s *SyncStorage) name() string { return s.backend.Name() }

// AsyncStorage runs a dedicated worker goroutine draining a bounded queue.
// Save enqueues with a timeout and logs (rather than blocking forever) when
// the queue is full.
//
// Grounded on pystemon/storage/__init__.py's StorageThread.
type AsyncStorage struct {
	backend Storage
	queue   chan *Pastie
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// NewAsyncStorage wraps backend with a bounded async queue of the given
// size and starts its worker goroutine.
func NewAsyncStorage(ctx context.Context, backend Storage, queueSize int) *AsyncStorage {
	if queueSize <= 0 {
		queueSize = 1000
	}
	a := &AsyncStorage{
		backend: backend,
		queue:   make(chan *Pastie, queueSize),
		stopCh:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run(ctx)
	return a
}

func (a *AsyncStorage) run(ctx context.Context) {
	defer a.wg.Done()
	log.Info().Str("backend", a.backend.Name()).Msg("storage worker started")
	for {
		select {
		case <-a.stopCh:
			log.Info().Str("backend", a.backend.Name()).Msg("storage worker stopped")
			return
		case p, ok := <-a.queue:
			if !ok {
				return
			}
			if err := a.backend.Save(ctx, p); err != nil {
				log.Error().Err(err).Str("backend", a.backend.Name()).Str("id", p.ID).Msg("failed to save pastie")
			}
		}
	}
}

func (a *AsyncStorage) save(_ context.Context, p *Pastie, timeout time.Duration) {
	select {
	case a.queue <- p:
	case <-time.After(timeout):
		log.Error().Str("backend", a.backend.Name()).Str("id", p.ID).Msg("unable to save pastie: queue is full")
	}
}

func (a *AsyncStorage) seen(ctx context.Context, site, id string) (bool, error) {
	if !a.backend.Lookup() {
		return false, nil
	}
	return a.backend.Seen(ctx, site, id)
}

func (a *AsyncStorage) name() string { return a.backend.Name() }

// Stop terminates the worker goroutine, waiting for any in-flight save to
// finish. Queued-but-undrained pasties are dropped.
func (a *AsyncStorage) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// StorageDispatcher fans a pastie out to every configured backend. Save
// invokes every backend; Seen short-circuits on the first backend to report
// true.
//
// Grounded on pystemon/storage/__init__.py's StorageDispatcher.
type StorageDispatcher struct {
	mu       sync.RWMutex
	backends []storageScheduler
}

// NewStorageDispatcher returns an empty dispatcher; add backends with
// AddSync/AddAsync.
func NewStorageDispatcher() *StorageDispatcher {
	return &StorageDispatcher{}
}

// AddSync registers backend for synchronous dispatch.
func (d *StorageDispatcher) AddSync(backend Storage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends = append(d.backends, NewSyncStorage(backend))
}

// AddAsync registers backend for asynchronous dispatch with the given
// queue size, starting its worker goroutine.
func (d *StorageDispatcher) AddAsync(ctx context.Context, backend Storage, queueSize int) *AsyncStorage {
	a := NewAsyncStorage(ctx, backend, queueSize)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends = append(d.backends, a)
	return a
}

// Save fans p out to every backend with a fixed 5-second per-backend
// enqueue timeout (meaningful only for async backends).
func (d *StorageDispatcher) Save(ctx context.Context, p *Pastie) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, b := range d.backends {
		b.save(ctx, p, 5*time.Second)
	}
	return nil
}

// Seen returns true as soon as any backend reports the id as known.
func (d *StorageDispatcher) Seen(ctx context.Context, site, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, b := range d.backends {
		seen, err := b.seen(ctx, site, id)
		if err != nil {
			log.Error().Err(err).Str("backend", b.name()).Str("id", id).Msg("seen lookup failed")
			continue
		}
		if seen {
			log.Debug().Str("backend", b.name()).Str("id", id).Msg("pastie found")
			return true, nil
		}
	}
	return false, nil
}

// Stop terminates every async backend's worker goroutine.
func (d *StorageDispatcher) Stop() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, b := range d.backends {
		if a, ok := b.(*AsyncStorage); ok {
			a.Stop()
		}
	}
}
