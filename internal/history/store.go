// Package history persists finished runs. Runs only ever write here; the
// `history` command is the only reader.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flarebyte/diffgate/internal/logging"
	"github.com/flarebyte/diffgate/internal/pipeline"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Off disables the history store when used as a dsn.
const Off = "off"

// timeLayout is fixed width so that text ordering of started_at is
// chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// DefaultDSN is the sqlite file used when no dsn is configured.
func DefaultDSN(cacheDir string) string {
	return filepath.Join(cacheDir, "history.db")
}

// Summary is one row of the run list.
type Summary struct {
	ID           string    `json:"id" yaml:"id"`
	StartedAt    time.Time `json:"startedAt" yaml:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt" yaml:"finishedAt"`
	BaseRef      string    `json:"baseRef,omitempty" yaml:"baseRef,omitempty"`
	BaseCommit   string    `json:"baseCommit,omitempty" yaml:"baseCommit,omitempty"`
	State        string    `json:"state" yaml:"state"`
	Diagnostic   string    `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
	ChangedFiles int       `json:"changedFiles" yaml:"changedFiles"`
}

// StageRow is one recorded stage of a run.
type StageRow struct {
	Name       string        `json:"name" yaml:"name"`
	Status     string        `json:"status" yaml:"status"`
	Reason     string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
	ExitCode   int           `json:"exitCode" yaml:"exitCode"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

// Store is a run history backed by sqlite or postgres.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects to dsn and migrates the schema. A postgres:// or
// postgresql:// dsn selects postgres; anything else is a sqlite path.
func Open(ctx context.Context, dsn string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Nop()
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == Off {
		return nil, errors.New("history: no dsn configured")
	}
	s := &Store{postgres: isPostgres(dsn)}
	var err error
	if s.postgres {
		s.db, err = openPostgres(ctx, dsn)
	} else {
		s.db, err = openSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	}
	if err != nil {
		return nil, err
	}
	dialect := "sqlite"
	if s.postgres {
		dialect = "postgres"
	}
	if err := migrate(s.db, dialect, log); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	return s, nil
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func openSQLite(path string) (*sql.DB, error) {
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(time.Minute)
	return db, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres history: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres history: %w", err)
	}
	return db, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record writes r and all of its stages in one transaction.
func (s *Store) Record(ctx context.Context, r pipeline.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO runs
		(run_id, started_at, finished_at, base_ref, base_commit, state, diagnostic, changed_files)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID,
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
		r.BaseRef,
		r.BaseCommit,
		string(r.State),
		r.Diagnostic,
		len(r.ChangeSet),
	); err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	for i, st := range r.Stages {
		detail, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode stage %s: %w", st.Name, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO stages
			(run_id, position, name, status, reason, diagnostic, exit_code, duration_ms, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			r.ID, i, st.Name, string(st.Status), st.Reason, st.Diagnostic, st.ExitCode, st.Duration.Milliseconds(), string(detail),
		); err != nil {
			return fmt.Errorf("insert stage %s: %w", st.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns the most recent runs first.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT run_id, started_at, finished_at, base_ref, base_commit, state, diagnostic, changed_files
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var (
			sum              Summary
			started, finished string
		)
		if err := rows.Scan(&sum.ID, &started, &finished, &sum.BaseRef, &sum.BaseCommit, &sum.State, &sum.Diagnostic, &sum.ChangedFiles); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.StartedAt, _ = time.Parse(timeLayout, started)
		sum.FinishedAt, _ = time.Parse(timeLayout, finished)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Stages returns the recorded stages of a run in pipeline order.
func (s *Store) Stages(ctx context.Context, runID string) ([]StageRow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT name, status, reason, diagnostic, exit_code, duration_ms
		FROM stages WHERE run_id = ? ORDER BY position`), runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()
	var out []StageRow
	for rows.Next() {
		var (
			row StageRow
			ms  int64
		)
		if err := rows.Scan(&row.Name, &row.Status, &row.Reason, &row.Diagnostic, &row.ExitCode, &ms); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		row.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, row)
	}
	return out, rows.Err()
}
