package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Schema for the stepd record store.
const schema = `
CREATE TABLE IF NOT EXISTS step_records (
    id          TEXT PRIMARY KEY,
    step_count  INTEGER NOT NULL CHECK (step_count >= 0),
    from_ns     INTEGER NOT NULL,
    to_ns       INTEGER NOT NULL,
    source      TEXT NOT NULL,
    confidence  REAL
);

CREATE INDEX IF NOT EXISTS idx_step_records_from ON step_records(from_ns);
CREATE INDEX IF NOT EXISTS idx_step_records_range ON step_records(from_ns, to_ns);
CREATE INDEX IF NOT EXISTS idx_step_records_source ON step_records(source, from_ns);
`

// ErrNotInitialized is returned when an operation runs against a closed
// or never-opened store.
var ErrNotInitialized = errors.New("store not initialized")

// Store represents the SQLite step record store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the SQLite database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Reopen discards the current database handle and opens a fresh one at the
// same path. Used to recover from a transient persistence failure.
func (s *Store) Reopen() error {
	if s.db != nil {
		s.db.Close()
	}

	db, err := sql.Open("sqlite3", s.path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("reopen database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("apply schema: %w", err)
	}

	s.db = db
	return nil
}

// Append inserts a new step record. A missing ID is assigned.
func (s *Store) Append(r *StepRecord) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	var confidence any
	if r.Confidence != nil {
		confidence = *r.Confidence
	}

	_, err := s.db.Exec(`
		INSERT INTO step_records (id, step_count, from_ns, to_ns, source, confidence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.StepCount, r.FromTime.UnixNano(), r.ToTime.UnixNano(), string(r.Source), confidence,
	)
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}

	return nil
}

// SumSteps returns the total step count of records matching the filter.
// A record matches when its full range falls inside the filter window.
func (s *Store) SumSteps(f Filter) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotInitialized
	}

	query, args := buildFilter(`SELECT COALESCE(SUM(step_count), 0) FROM step_records`, f)

	var total uint64
	if err := s.db.QueryRow(query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum steps: %w", err)
	}

	return total, nil
}

// QueryRecords retrieves records matching the filter, ordered by start time.
func (s *Store) QueryRecords(f Filter) ([]StepRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	query, args := buildFilter(`SELECT id, step_count, from_ns, to_ns, source, confidence FROM step_records`, f)
	query += ` ORDER BY from_ns ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// FindFuzzyDuplicate looks for a record whose start and end both fall within
// the tolerance window of the requested range. A zero stepCount or empty
// source matches any value.
func (s *Store) FindFuzzyDuplicate(fromTime, toTime time.Time, tolerance time.Duration, stepCount uint32, source Source) (*StepRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	tolNs := tolerance.Nanoseconds()
	conds := []string{
		"from_ns BETWEEN ? AND ?",
		"to_ns BETWEEN ? AND ?",
	}
	args := []any{
		fromTime.UnixNano() - tolNs, fromTime.UnixNano() + tolNs,
		toTime.UnixNano() - tolNs, toTime.UnixNano() + tolNs,
	}
	if stepCount > 0 {
		conds = append(conds, "step_count = ?")
		args = append(args, stepCount)
	}
	if source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(source))
	}

	query := `SELECT id, step_count, from_ns, to_ns, source, confidence FROM step_records WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY from_ns ASC LIMIT 1`

	row := s.db.QueryRow(query, args...)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find fuzzy duplicate: %w", err)
	}

	return rec, nil
}

// DeleteBefore removes all records that ended before the given time and
// returns the number deleted.
func (s *Store) DeleteBefore(t time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotInitialized
	}

	result, err := s.db.Exec(`DELETE FROM step_records WHERE to_ns < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete records before: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return n, nil
}

// DeleteAll removes every record from the store.
func (s *Store) DeleteAll() error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}

	if _, err := s.db.Exec(`DELETE FROM step_records`); err != nil {
		return fmt.Errorf("delete all records: %w", err)
	}

	return nil
}

// buildFilter appends WHERE clauses for the filter to a base query.
func buildFilter(base string, f Filter) (string, []any) {
	var conds []string
	var args []any

	if !f.From.IsZero() {
		conds = append(conds, "from_ns >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		conds = append(conds, "to_ns <= ?")
		args = append(args, f.To.UnixNano())
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(f.Source))
	}

	if len(conds) > 0 {
		base += " WHERE " + strings.Join(conds, " AND ")
	}
	return base, args
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a single step record row.
func scanRecord(row rowScanner) (*StepRecord, error) {
	var r StepRecord
	var fromNs, toNs int64
	var source string
	var confidence sql.NullFloat64

	if err := row.Scan(&r.ID, &r.StepCount, &fromNs, &toNs, &source, &confidence); err != nil {
		return nil, err
	}

	r.FromTime = time.Unix(0, fromNs).UTC()
	r.ToTime = time.Unix(0, toNs).UTC()
	r.Source = Source(source)
	if confidence.Valid {
		c := confidence.Float64
		r.Confidence = &c
	}

	return &r, nil
}

// scanRecords is a helper to scan record rows into a slice.
func scanRecords(rows *sql.Rows) ([]StepRecord, error) {
	var records []StepRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step records: %w", err)
	}

	return records, nil
}
