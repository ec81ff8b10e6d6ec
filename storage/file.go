// Package storage provides the pluggable Save/Seen backends pystemon
// dispatches pasties to: a local file tree, SQLite, MongoDB, Redis and
// Telegram.
//
// Grounded on pystemon/storage/__init__.py's PastieStorage base class
// (format_directory, the lookup flag, the timing+logging wrapper around
// each backend's save/seen implementation).
package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cvandeplas/pystemon"
)

// FileConfig configures FileStorage.
type FileConfig struct {
	Name       string
	SaveDir    string // matched pasties
	ArchiveDir string // every successfully fetched pastie, when SaveAll
	SaveAll    bool
	Compress   bool
	Lookup     bool
}

// FileStorage writes pasties to a date-partitioned directory tree.
//
// Grounded on pystemon/storage/filestorage.py's FileStorage and the
// teacher's simplehandler/handler.go (MkdirAll + file-write + logging
// idiom, generalized from "one file per crawled URL" to "one file per
// paste under a YYYY/MM/DD tree").
type FileStorage struct {
	cfg FileConfig
}

// NewFileStorage constructs a FileStorage from cfg.
func NewFileStorage(cfg FileConfig) (*FileStorage, error) {
	if cfg.SaveDir == "" && cfg.ArchiveDir == "" {
		return nil, fmt.Errorf("filestorage: at least one of SaveDir/ArchiveDir is required")
	}
	return &FileStorage{cfg: cfg}, nil
}

func (f *FileStorage) Name() string { return f.cfg.Name }
func (f *FileStorage) Lookup() bool { return f.cfg.Lookup }

func formatDirectory(root string) string {
	now := time.Now()
	return filepath.Join(root, fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", now.Month()), fmt.Sprintf("%02d", now.Day()))
}

// Save writes p.Content (and, when set, p.Metadata) under archiveDir always
// (when SaveAll), and under saveDir when p.Matched.
func (f *FileStorage) Save(ctx context.Context, p *pystemon.Pastie) error {
	start := time.Now()
	var errs []error

	if f.cfg.SaveAll && f.cfg.ArchiveDir != "" {
		if err := f.writeOne(p, filepath.Join(f.cfg.ArchiveDir, p.Site.Name)); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Matched && f.cfg.SaveDir != "" {
		if err := f.writeOne(p, filepath.Join(f.cfg.SaveDir, p.Site.Name)); err != nil {
			errs = append(errs, err)
		}
	}

	log.Debug().Str("backend", f.cfg.Name).Str("id", p.ID).Dur("elapsed", time.Since(start)).Msg("saved pastie")
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (f *FileStorage) writeOne(p *pystemon.Pastie, siteRoot string) error {
	dir := formatDirectory(siteRoot)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return fmt.Errorf("filestorage: mkdir %v: %w", dir, err)
	}

	filename := p.Filename
	if f.cfg.Compress {
		filename += ".gz"
	}
	path := filepath.Join(dir, filename)
	if err := writeBytes(path, p.Content, f.cfg.Compress); err != nil {
		return fmt.Errorf("filestorage: write %v: %w", path, err)
	}

	if len(p.Metadata) > 0 {
		metaPath := path + ".metadata"
		if err := writeBytes(metaPath, p.Metadata, false); err != nil {
			return fmt.Errorf("filestorage: write metadata %v: %w", metaPath, err)
		}
	}
	return nil
}

func writeBytes(path string, content []byte, compress bool) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	if !compress {
		_, err = out.Write(content)
		return err
	}

	gz := gzip.NewWriter(out)
	defer gz.Close()
	_, err = io.Copy(gz, bytes.NewReader(content))
	return err
}

// Seen checks for file existence under today's date in either root.
//
// This compares paths under today's date only, so a paste discovered just
// before midnight and re-seen just after may be reprocessed -- behavior
// carried over from the Python original rather than a bug.
func (f *FileStorage) Seen(ctx context.Context, site, id string) (bool, error) {
	if !f.cfg.Lookup {
		return false, nil
	}
	filename := strings.ReplaceAll(id, "/", "_")
	for _, root := range []string{f.cfg.SaveDir, f.cfg.ArchiveDir} {
		if root == "" {
			continue
		}
		dir := formatDirectory(filepath.Join(root, site))
		candidates := []string{filepath.Join(dir, filename), filepath.Join(dir, filename+".gz")}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				return true, nil
			}
		}
	}
	return false, nil
}
