package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/sortctl/internal/cages"
	logs "github.com/danmuck/sortctl/internal/logging"
	"github.com/danmuck/sortctl/internal/sorter"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const DefaultPath = "local/sortctl.db"

var ErrClosed = errors.New("journal: store closed")

// Record is one persisted delivery.
type Record struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	At         time.Time `json:"at"`
	Cage       int       `json:"cage"`
	CageName   string    `json:"cage_name"`
	FireAction string    `json:"fire_action"`
	Sex        string    `json:"sex,omitempty"`
	Overflow   bool      `json:"overflow"`
	Manual     bool      `json:"manual"`
	Sequence   int       `json:"sequence"`
}

// Store is a sorter.Journal backed by one SQLite file.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	closed bool
}

var _ sorter.Journal = (*Store)(nil)

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("journal: create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logs.Infof("journal.Open path=%q", path)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			at TEXT NOT NULL,
			cage INTEGER NOT NULL,
			cage_name TEXT NOT NULL,
			fire_action TEXT NOT NULL,
			sex TEXT NOT NULL DEFAULT '',
			overflow INTEGER NOT NULL DEFAULT 0,
			manual INTEGER NOT NULL DEFAULT 0,
			sequence INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS deliveries_run ON deliveries(run_id)`,
		`CREATE TABLE IF NOT EXISTS cage_counts (
			cage INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			males INTEGER NOT NULL,
			females INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return nil
}

// RecordDelivery stores d and, for counted deliveries, the cage tally that
// resulted from it.
func (s *Store) RecordDelivery(ctx context.Context, d sorter.Delivery) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	sex := ""
	if !d.Manual {
		sex = d.Allocation.Sex.String()
	}
	at := d.At.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deliveries(run_id, at, cage, cage_name, fire_action, sex, overflow, manual, sequence)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		d.RunID, at, d.Allocation.Cage, d.Allocation.Name, d.Allocation.FireAction,
		sex, d.Allocation.Overflow, d.Manual, d.Sequence,
	); err != nil {
		return fmt.Errorf("journal: insert delivery: %w", err)
	}

	if !d.Manual && !d.Allocation.Overflow {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cage_counts(cage, name, males, females, updated_at) VALUES(?,?,?,?,?)
			 ON CONFLICT(cage) DO UPDATE SET name=excluded.name, males=excluded.males,
			 females=excluded.females, updated_at=excluded.updated_at`,
			d.Cage.Index, d.Cage.Name, d.Cage.NumberMales, d.Cage.NumberFemales, at,
		); err != nil {
			return fmt.Errorf("journal: upsert counts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	return nil
}

// LatestCounts returns the last committed tally per cage in index order.
func (s *Store) LatestCounts(ctx context.Context) ([]cages.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT cage, males, females FROM cage_counts ORDER BY cage`)
	if err != nil {
		return nil, fmt.Errorf("journal: select counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []cages.Counts
	for rows.Next() {
		var c cages.Counts
		if err := rows.Scan(&c.Index, &c.Males, &c.Females); err != nil {
			return nil, fmt.Errorf("journal: scan counts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Deliveries lists the newest records first. An empty runID matches every
// run; limit <= 0 means no limit.
func (s *Store) Deliveries(ctx context.Context, runID string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	query := `SELECT id, run_id, at, cage, cage_name, fire_action, sex, overflow, manual, sequence FROM deliveries`
	var args []any
	if runID = strings.TrimSpace(runID); runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: select deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			at string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &at, &r.Cage, &r.CageName, &r.FireAction, &r.Sex, &r.Overflow, &r.Manual, &r.Sequence); err != nil {
			return nil, fmt.Errorf("journal: scan delivery: %w", err)
		}
		if r.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("journal: parse time %q: %w", at, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
