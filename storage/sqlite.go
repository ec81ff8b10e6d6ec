package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/cvandeplas/pystemon"
)

// SQLiteStorage persists one row per (site,id) in a single pasties table,
// using WAL journaling so one writer does not block concurrent readers.
//
// Grounded on pystemon/storage/sqlite3storage.py's Sqlite3Storage. The
// Python original caches one cursor per thread identity under a lock; here
// a single *sql.DB connection pool plays that role since database/sql
// already manages per-goroutine connection checkout safely.
type SQLiteStorage struct {
	name   string
	lookup bool
	db     *sql.DB
	mu     sync.Mutex
}

// NewSQLiteStorage opens (and creates if needed) the database at path.
func NewSQLiteStorage(name, path string, lookup bool) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestorage: open %v: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("sqlitestorage: enable WAL: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS pasties (
		site TEXT,
		id TEXT,
		md5 TEXT,
		url TEXT,
		local_path TEXT,
		timestamp DATE,
		matches TEXT
	)`); err != nil {
		return nil, fmt.Errorf("sqlitestorage: create table: %w", err)
	}
	return &SQLiteStorage{name: name, lookup: lookup, db: db}, nil
}

func (s *SQLiteStorage) Name() string { return s.name }
func (s *SQLiteStorage) Lookup() bool { return s.lookup }

// Save does an upsert: update the row for (site,id) if present, else
// insert, mirroring Sqlite3Storage.__save_pastie__'s seen-then-update-or-
// insert pattern.
func (s *SQLiteStorage) Save(ctx context.Context, p *pystemon.Pastie) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	localPath := p.Filename
	seen, err := s.seenLocked(ctx, p.Site.Name, p.ID)
	if err != nil {
		return err
	}

	if seen {
		_, err = s.db.ExecContext(ctx, `UPDATE pasties SET md5=?, url=?, local_path=?, timestamp=?, matches=? WHERE site=? AND id=?`,
			p.MD5, p.URL, localPath, time.Now(), p.MatchesToText(), p.Site.Name, p.ID)
	} else {
		_, err = s.db.ExecContext(ctx, `INSERT INTO pasties (site, id, md5, url, local_path, timestamp, matches) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Site.Name, p.ID, p.MD5, p.URL, localPath, time.Now(), p.MatchesToText())
	}
	if err != nil {
		log.Error().Err(err).Str("site", p.Site.Name).Str("id", p.ID).Msg("cannot save pastie in the sqlite database")
		return err
	}
	return nil
}

func (s *SQLiteStorage) Seen(ctx context.Context, site, id string) (bool, error) {
	if !s.lookup {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seenLocked(ctx, site, id)
}

func (s *SQLiteStorage) seenLocked(ctx context.Context, site, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT count(id) FROM pasties WHERE site=? AND id=?`, site, id)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
