package costs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/WessleyAI/docchat/engine/costs/migrations"
	"github.com/WessleyAI/docchat/engine/domain"
)

// Fixed width so lexical order in SQLite matches time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore is the durable Store. It runs in WAL mode and inserts each
// record in its own transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("costs: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("costs: open database: %w", err)
	}

	// SQLite has a single writer; funnel everything through one connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("costs: run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate(fsys fs.FS) error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var ups []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	for _, name := range ups {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec CostRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewPersistenceError("begin", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM cost_records WHERE request_id = ?)", rec.RequestID,
	).Scan(&exists); err != nil {
		return domain.NewPersistenceError("check duplicate", err)
	}
	if exists {
		return domain.NewPersistenceError("insert cost record", fmt.Errorf("%w: %s", domain.ErrDuplicateRecord, rec.RequestID))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cost_records (
			request_id, timestamp, model, provider,
			input_tokens, output_tokens, total_tokens,
			input_cost, output_cost, total_cost,
			query, response_length, latency_ms, approximate
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RequestID, rec.Timestamp.UTC().Format(tsLayout), rec.Model, string(rec.Provider),
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.InputCost, rec.OutputCost, rec.TotalCost,
		rec.Query, rec.ResponseLength, rec.LatencyMS, rec.Approximate)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			err = fmt.Errorf("%w: %s", domain.ErrDuplicateRecord, rec.RequestID)
		}
		return domain.NewPersistenceError("insert cost record", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.NewPersistenceError("commit", err)
	}
	return nil
}

func (s *SQLiteStore) Range(ctx context.Context, from, to time.Time) ([]CostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, timestamp, model, provider,
			input_tokens, output_tokens, total_tokens,
			input_cost, output_cost, total_cost,
			query, response_length, latency_ms, approximate
		FROM cost_records
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp, request_id
	`, from.UTC().Format(tsLayout), to.UTC().Format(tsLayout))
	if err != nil {
		return nil, domain.NewPersistenceError("query cost records", err)
	}
	defer rows.Close()

	var out []CostRecord
	for rows.Next() {
		var (
			r        CostRecord
			ts, prov string
		)
		if err := rows.Scan(&r.RequestID, &ts, &r.Model, &prov,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.InputCost, &r.OutputCost, &r.TotalCost,
			&r.Query, &r.ResponseLength, &r.LatencyMS, &r.Approximate); err != nil {
			return nil, domain.NewPersistenceError("scan cost record", err)
		}
		r.Provider = Provider(prov)
		if r.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, domain.NewPersistenceError("parse timestamp", errors.Join(err, fmt.Errorf("request %s", r.RequestID)))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate cost records", err)
	}
	return out, nil
}
