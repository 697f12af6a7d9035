// Package snapshotstore persists chart snapshots (layout plus the last
// fetched data pages) in SQLite so they can be replayed offline.
package snapshotstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/soma-tiles/scatterbins/internal/hypercube"
)

// Snapshot is a persisted chart layout.
type Snapshot struct {
	ID        string           `json:"snapshot_id"`
	ChartID   string           `json:"chart_id"`
	Layout    hypercube.Layout `json:"layout"`
	CreatedAt time.Time        `json:"created_at"`
}

// Summary describes a snapshot without its pages.
type Summary struct {
	ID        string    `json:"snapshot_id"`
	ChartID   string    `json:"chart_id"`
	PagesSize int       `json:"pages_size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides persistent storage for snapshots using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore creates a new SQLite-based snapshot store.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		snapshot_id TEXT PRIMARY KEY,
		chart_id TEXT NOT NULL,
		layout_json TEXT NOT NULL,
		pages_zst BLOB,
		pages_size INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_chart ON snapshots(chart_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save stores a snapshot. The layout's data pages are JSON encoded and
// zstd compressed separately from the rest of the layout.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	layout := snap.Layout
	pages := layout.DataPages
	layout.DataPages = nil

	layoutJSON, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("failed to marshal layout: %w", err)
	}

	var blob []byte
	if pages != nil {
		pagesJSON, err := json.Marshal(pages)
		if err != nil {
			return fmt.Errorf("failed to marshal pages: %w", err)
		}
		blob = s.enc.EncodeAll(pagesJSON, nil)
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO snapshots (snapshot_id, chart_id, layout_json, pages_zst, pages_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		snap.ID,
		snap.ChartID,
		string(layoutJSON),
		blob,
		len(blob),
		snap.CreatedAt.UnixNano(),
	)
	return err
}

// Get retrieves a snapshot by ID. It returns nil, nil when none exists.
func (s *Store) Get(id string) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT snapshot_id, chart_id, layout_json, pages_zst, created_at
		FROM snapshots WHERE snapshot_id = ?
	`, id)

	var snap Snapshot
	var layoutJSON string
	var blob []byte
	var createdAt int64

	err := row.Scan(&snap.ID, &snap.ChartID, &layoutJSON, &blob, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(layoutJSON), &snap.Layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal layout: %w", err)
	}
	if len(blob) > 0 {
		pagesJSON, err := s.dec.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress pages: %w", err)
		}
		if err := json.Unmarshal(pagesJSON, &snap.Layout.DataPages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pages: %w", err)
		}
	}
	snap.CreatedAt = time.Unix(0, createdAt)

	return &snap, nil
}

// List returns summaries for a chart, newest first.
func (s *Store) List(chartID string) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT snapshot_id, chart_id, pages_size, created_at
		FROM snapshots WHERE chart_id = ?
		ORDER BY created_at DESC
	`, chartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		var createdAt int64
		if err := rows.Scan(&sum.ID, &sum.ChartID, &sum.PagesSize, &createdAt); err != nil {
			return nil, err
		}
		sum.CreatedAt = time.Unix(0, createdAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a snapshot.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM snapshots WHERE snapshot_id = ?", id)
	return err
}

// DeleteOlderThan removes snapshots created before now - retention and
// returns their ids.
func (s *Store) DeleteOlderThan(retention time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).UnixNano()
	rows, err := s.db.Query("SELECT snapshot_id FROM snapshots WHERE created_at < ?", cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.Exec("DELETE FROM snapshots WHERE created_at < ?", cutoff); err != nil {
		return nil, err
	}
	return ids, nil
}
