// Package store is the relational-store adapter (spec §6 schema). SQLite
// is treated as an opaque transactional key-indexed engine, the same
// posture the teacher takes toward Plex's own database in
// internal/plex/dvr.go — open a handle, run statements, no ORM layer.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the database handle and exposes typed repositories.
type Store struct {
	db *sql.DB

	Devices    *DeviceRepo
	Series     *SeriesRepo
	Episodes   *EpisodeRepo
	Guide      *GuideRepo
	Rules      *RuleRepo
	Tuners     *TunerRepo
	Viewers    *ViewerRepo
}

// Open opens (creating if absent) the SQLite database at path, applies
// the schema, and returns a ready Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows only one writer at a time; the teacher's own use of
	// it (plex/dvr.go) is a single short-lived open-exec-close, but this
	// process holds the handle for its lifetime, so cap to one
	// connection to avoid "database is locked" under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	s.Devices = &DeviceRepo{db: db}
	s.Series = &SeriesRepo{db: db}
	s.Episodes = &EpisodeRepo{db: db}
	s.Guide = &GuideRepo{db: db}
	s.Rules = &RuleRepo{db: db}
	s.Tuners = &TunerRepo{db: db}
	s.Viewers = &ViewerRepo{db: db}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for the rare cross-repo transaction.
func (s *Store) DB() *sql.DB { return s.db }
