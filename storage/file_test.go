package storage

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cvandeplas/pystemon"
)

func testPastie(id string, matched bool, content []byte) *pystemon.Pastie {
	site := &pystemon.Site{Name: "demo"}
	p := pystemon.NewPastie(site, id)
	p.Content = content
	p.Matched = matched
	return p
}

func TestNewFileStorageRequiresADir(t *testing.T) {
	if _, err := NewFileStorage(FileConfig{}); err == nil {
		t.Fatalf("expected an error when neither SaveDir nor ArchiveDir is set")
	}
}

func TestFileStorageSavesMatchedUnderSaveDir(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(FileConfig{Name: "save", SaveDir: dir})
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	p := testPastie("abc", true, []byte("hello world"))

	if err := fs.Save(context.Background(), p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	found := false
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if !info.IsDir() && info.Name() == "abc" {
			found = true
			data, _ := os.ReadFile(path)
			if string(data) != "hello world" {
				t.Fatalf("unexpected file contents: %q", data)
			}
		}
		return nil
	})
	if !found {
		t.Fatalf("expected the matched pastie to be written under SaveDir")
	}
}

func TestFileStorageSkipsUnmatchedWithoutSaveAll(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(FileConfig{Name: "save", SaveDir: dir})
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	p := testPastie("xyz", false, []byte("irrelevant"))

	if err := fs.Save(context.Background(), p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected nothing written for an unmatched pastie without save-all")
	}
}

func TestFileStorageSaveAllArchivesEveryPastie(t *testing.T) {
	archiveDir := t.TempDir()
	fs, err := NewFileStorage(FileConfig{Name: "archive", ArchiveDir: archiveDir, SaveAll: true})
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	p := testPastie("unmatched-id", false, []byte("content"))

	if err := fs.Save(context.Background(), p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	found := false
	filepath.Walk(archiveDir, func(path string, info os.FileInfo, err error) error {
		if !info.IsDir() && info.Name() == "unmatched-id" {
			found = true
		}
		return nil
	})
	if !found {
		t.Fatalf("expected save-all to archive even an unmatched pastie")
	}
}

func TestFileStorageSeenRequiresLookupEnabled(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(FileConfig{Name: "save", SaveDir: dir, Lookup: false})
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	seen, err := fs.Seen(context.Background(), "demo", "abc")
	if err != nil || seen {
		t.Fatalf("expected Seen to report false when Lookup is disabled")
	}
}

func TestFileStorageSeenFindsWrittenFile(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(FileConfig{Name: "save", SaveDir: dir, Lookup: true})
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	p := testPastie("a/b", true, []byte("data"))
	if err := fs.Save(context.Background(), p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	seen, err := fs.Seen(context.Background(), "demo", "a/b")
	if err != nil || !seen {
		t.Fatalf("expected Seen to find the file written with / replaced by _, got seen=%v err=%v", seen, err)
	}
}

func TestFileStorageCompressWritesGzip(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(FileConfig{Name: "save", SaveDir: dir, Compress: true, Lookup: true})
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	p := testPastie("c", true, []byte("compressed body"))
	if err := fs.Save(context.Background(), p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	written, _ := filepath.Glob(filepath.Join(dir, "demo", "*", "*", "*", "c.gz"))
	if len(written) != 1 {
		t.Fatalf("expected exactly one c.gz file, got %v", written)
	}
	f, err := os.Open(written[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("expected a gzip stream: %v", err)
	}
	data, _ := io.ReadAll(gz)
	if string(data) != "compressed body" {
		t.Fatalf("unexpected decompressed contents: %q", data)
	}

	seen, err := fs.Seen(context.Background(), "demo", "c")
	if err != nil || !seen {
		t.Fatalf("expected Seen to locate the .gz variant, got seen=%v err=%v", seen, err)
	}
}
