package pystemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSiteIdentityKeyChangesWithTemplate(t *testing.T) {
	s1, _ := NewSite("demo", 10)
	s1.DownloadURLTemplate = "https://a/{id}"
	s2, _ := NewSite("demo", 10)
	s2.DownloadURLTemplate = "https://b/{id}"

	if s1.IdentityKey() == s2.IdentityKey() {
		t.Fatalf("expected identity keys to differ when download URL templates differ")
	}
}

func TestSiteSeenRecordsOnlyAfterConfirmedNovel(t *testing.T) {
	s, _ := NewSite("demo", 10)
	ctx := context.Background()

	if s.Seen(ctx, "id1", nil) {
		t.Fatalf("expected first check of an unseen id to report false")
	}
	if !s.Seen(ctx, "id1", nil) {
		t.Fatalf("expected the ring to remember id1 after the first check")
	}
}

func TestSiteSeenConsultsDispatcherOnRingMiss(t *testing.T) {
	s, _ := NewSite("demo", 10)
	backend := newMockStorage("mem", true)
	backend.seenIDs["already-known"] = true
	d := NewStorageDispatcher()
	d.AddSync(backend)

	if !s.Seen(context.Background(), "already-known", d) {
		t.Fatalf("expected dispatcher-known id to report seen even on ring miss")
	}
	// A second check must hit the ring, not the dispatcher again.
	backend.seenIDs = map[string]bool{}
	if !s.Seen(context.Background(), "already-known", d) {
		t.Fatalf("expected the ring to now remember the id independent of the backend")
	}
}

func TestPollOnceEnqueuesUnseenIDs(t *testing.T) {
	s, _ := NewSite("demo", 10)
	re, err := defaultRegexpCompile("[A-Z]+")
	if err != nil {
		t.Fatalf("compiling regex: %v", err)
	}
	s.ArchiveRegex = re
	s.Patterns = &PatternSet{}
	s.DownloadURLTemplate = "https://paste.example/{id}"

	archiveBody := "AAA\nBBB\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(archiveBody))
	}))
	defer srv.Close()
	s.ArchiveURL = srv.URL

	s.pollOnce(context.Background(), NewUserAgent(nil, nil, nil, ""), nil, zerolog.Nop())

	if len(s.Queue) != 2 {
		t.Fatalf("expected 2 pasties enqueued, got %d", len(s.Queue))
	}
}

func TestSiteStop(t *testing.T) {
	s, _ := NewSite("demo", 10)
	s.UpdateMin, s.UpdateMax = 3600, 3600
	s.ArchiveRegex, _ = defaultRegexpCompile("x")
	s.Patterns = &PatternSet{}

	ua := NewUserAgent(nil, nil, nil, "")
	ua.Stop() // forces ArchiveURL fetches to fail fast instead of retrying

	done := make(chan struct{})
	go func() {
		s.Poll(context.Background(), ua, nil)
		close(done)
	}()
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Poll to have returned once Stop completed")
	}
}
