package pystemon

import (
	"context"
	"sync"
	"testing"
	"time"
)

type mockStorage struct {
	mu      sync.Mutex
	nm      string
	lookup  bool
	seenIDs map[string]bool
	saved   []string
	saveErr error
}

func newMockStorage(name string, lookup bool) *mockStorage {
	return &mockStorage{nm: name, lookup: lookup, seenIDs: map[string]bool{}}
}

func (m *mockStorage) Name() string { return m.nm }
func (m *mockStorage) Lookup() bool { return m.lookup }

func (m *mockStorage) Save(ctx context.Context, p *Pastie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, p.ID)
	return nil
}

func (m *mockStorage) Seen(ctx context.Context, site, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seenIDs[id], nil
}

func (m *mockStorage) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func TestSyncStorageSaveAndSeen(t *testing.T) {
	backend := newMockStorage("mem", true)
	backend.seenIDs["x"] = true
	s := NewSyncStorage(backend)

	s.save(context.Background(), &Pastie{ID: "a"}, 0)
	if backend.savedCount() != 1 {
		t.Fatalf("expected the backend to receive the save inline")
	}

	seen, err := s.seen(context.Background(), "site", "x")
	if err != nil || !seen {
		t.Fatalf("expected seen=true, got %v err=%v", seen, err)
	}
}

func TestSyncStorageSeenFalseWithoutLookup(t *testing.T) {
	backend := newMockStorage("mem", false)
	backend.seenIDs["x"] = true
	s := NewSyncStorage(backend)

	seen, err := s.seen(context.Background(), "site", "x")
	if err != nil || seen {
		t.Fatalf("expected a non-lookup backend to always report unseen")
	}
}

func TestAsyncStorageDrainsQueue(t *testing.T) {
	backend := newMockStorage("mem", false)
	a := NewAsyncStorage(context.Background(), backend, 10)
	defer a.Stop()

	a.save(context.Background(), &Pastie{ID: "a"}, time.Second)
	a.save(context.Background(), &Pastie{ID: "b"}, time.Second)

	deadline := time.Now().Add(time.Second)
	for backend.savedCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if backend.savedCount() != 2 {
		t.Fatalf("expected async worker to drain both saves, got %d", backend.savedCount())
	}
}

func TestAsyncStorageDropsOnFullQueue(t *testing.T) {
	backend := newMockStorage("mem", false)
	backend.mu.Lock()
	backend.saveErr = nil
	backend.mu.Unlock()

	a := &AsyncStorage{backend: backend, queue: make(chan *Pastie), stopCh: make(chan struct{})}
	// no worker goroutine started: queue capacity 0 means save always blocks
	// until the timeout fires, which is the full-queue drop path.
	start := time.Now()
	a.save(context.Background(), &Pastie{ID: "a"}, 10*time.Millisecond)
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected save to wait out the timeout before dropping")
	}
	if backend.savedCount() != 0 {
		t.Fatalf("expected the pastie to be dropped, not saved")
	}
}

func TestStorageDispatcherSaveFansOutToAllBackends(t *testing.T) {
	a := newMockStorage("a", false)
	b := newMockStorage("b", false)
	d := NewStorageDispatcher()
	d.AddSync(a)
	d.AddSync(b)

	if err := d.Save(context.Background(), &Pastie{ID: "1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a.savedCount() != 1 || b.savedCount() != 1 {
		t.Fatalf("expected both backends to receive the save")
	}
}

func TestStorageDispatcherSeenShortCircuits(t *testing.T) {
	a := newMockStorage("a", true)
	b := newMockStorage("b", true)
	b.seenIDs["x"] = true
	d := NewStorageDispatcher()
	d.AddSync(a)
	d.AddSync(b)

	seen, err := d.Seen(context.Background(), "site", "x")
	if err != nil || !seen {
		t.Fatalf("expected dispatcher to report seen via backend b, got %v err=%v", seen, err)
	}
}

func TestStorageDispatcherSeenFalseWhenNoBackendKnowsIt(t *testing.T) {
	a := newMockStorage("a", true)
	d := NewStorageDispatcher()
	d.AddSync(a)

	seen, err := d.Seen(context.Background(), "site", "unknown")
	if err != nil || seen {
		t.Fatalf("expected false for an id no backend has seen")
	}
}
