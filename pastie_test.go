package pystemon

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"
)

func newTestSite(t *testing.T) *Site {
	t.Helper()
	site, err := NewSite("demo", 10)
	if err != nil {
		t.Fatalf("NewSite: %v", err)
	}
	site.DownloadURLTemplate = "https://paste.example/raw/{id}"
	site.PublicURLTemplate = "https://paste.example/{id}"
	site.Patterns = &PatternSet{}
	return site
}

func TestNewPastieExpandsTemplates(t *testing.T) {
	site := newTestSite(t)
	p := NewPastie(site, "ab/cd")

	if p.URL != "https://paste.example/raw/ab/cd" {
		t.Fatalf("unexpected URL: %q", p.URL)
	}
	if p.PublicURL != "https://paste.example/ab/cd" {
		t.Fatalf("unexpected PublicURL: %q", p.PublicURL)
	}
	if p.Filename != "ab_cd" {
		t.Fatalf("expected filename with / replaced by _, got %q", p.Filename)
	}
}

func TestPastieProcessComputesMD5AndMatches(t *testing.T) {
	site := newTestSite(t)
	pattern, err := CompilePattern("AAA", "", "", 0, nil, nil, EngineRE2, false)
	if err != nil {
		t.Fatalf("CompilePattern: %v", err)
	}
	site.Patterns = &PatternSet{Patterns: []*Pattern{pattern}}

	p := NewPastie(site, "1")
	content := []byte("contains AAA here")

	// The stub extractor supplies the content, so Process runs without
	// network access.
	p.Process(context.Background(), NewUserAgent(nil, nil, nil, ""), nil, nil, stubExtractor{content: content})
	sum := md5.Sum(content)

	if !p.Matched {
		t.Fatalf("expected pastie to match")
	}
	if p.MD5 != hex.EncodeToString(sum[:]) {
		t.Fatalf("MD5 mismatch")
	}
	if p.MatchesToText() != "AAA" {
		t.Fatalf("expected matches text %q, got %q", "AAA", p.MatchesToText())
	}
}

func TestPastieProcessSkipsEmptyContent(t *testing.T) {
	site := newTestSite(t)
	p := NewPastie(site, "empty")
	// A nil/empty Content fetch should leave the pastie unmatched and
	// untouched by storage/notification -- Process returns early.
	p.Process(context.Background(), NewUserAgent(nil, nil, nil, ""), nil, nil, stubExtractor{content: nil})
	if p.Matched {
		t.Fatalf("expected an empty fetch to never match")
	}
}

type stubExtractor struct {
	content []byte
	err     error
}

func (s stubExtractor) Fetch(ctx context.Context, p *Pastie, ua *UserAgent) error {
	if s.err != nil {
		return s.err
	}
	p.Content = s.content
	return nil
}
