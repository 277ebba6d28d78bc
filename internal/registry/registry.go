// Package registry is the durable process registry from spec §4.3: a
// single-file SQLite store, keyed by OS pid, recording each session's
// assistant name, argv, prompt, log path, IPC endpoint, status, and
// timestamps. Grounded on the teacher's internal/statedb package, which
// backs its own session list the same way (modernc.org/sqlite, WAL mode,
// busy timeout).
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Status values (spec §3).
const (
	StatusIdle   = "idle"
	StatusActive = "active"
	StatusExited = "exited"
)

// Record is one row of pid_records (spec §6 schema).
type Record struct {
	PID         int
	Assistant   string
	Argv        []string
	Prompt      string
	LogFile     string
	IPCEndpoint string
	Status      string
	ExitReason  string
	ExitCode    *int
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// Registry wraps the pid.sqlite database for one workspace.
type Registry struct {
	db   *sql.DB
	path string
}

// DBPath returns <cwd>/.agent-yes/pid.sqlite.
func DBPath(cwd string) string {
	return filepath.Join(cwd, ".agent-yes", "pid.sqlite")
}

// Open creates/opens the registry database, enables WAL mode and a busy
// timeout so concurrent readers don't collide with the writing
// supervisor, ensures the schema, and runs stale cleanup (spec §4.3
// "init"). If the store can't be opened (e.g. read-only filesystem) it
// returns a nil *Registry and a non-nil error; callers should fall back
// to NewNull() per spec §4.3 "degrades to a no-op in-memory fallback".
func Open(cwd string) (*Registry, error) {
	path := DBPath(cwd)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("registry: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: busy timeout: %w", err)
	}

	r := &Registry{db: db, path: path}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := r.staleCleanup(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS pid_records (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			pid        INTEGER UNIQUE NOT NULL,
			cli        TEXT NOT NULL,
			args       TEXT NOT NULL DEFAULT '[]',
			prompt     TEXT,
			logFile    TEXT NOT NULL DEFAULT '',
			fifoFile   TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL CHECK (status IN ('idle','active','exited')),
			exitReason TEXT NOT NULL DEFAULT '',
			exitCode   INTEGER,
			startedAt  INTEGER NOT NULL,
			updatedAt  INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

// staleCleanup force-exits any row whose status isn't already 'exited'
// but whose pid is no longer alive (spec §4.3). A workspace-scoped
// advisory file lock (gofrs/flock) serializes this pass across
// supervisors racing to start up in the same directory at once, so the
// idempotence property (spec §8.3: "running init twice... does not
// modify any row on the second run") holds even under concurrent
// startup.
func (r *Registry) staleCleanup() error {
	lockPath := r.path + ".cleanup.lock"
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		// Advisory locking unsupported (e.g. some network filesystems):
		// proceed without it rather than block startup (spec §7,
		// "Errors that degrade observability or convenience... are
		// logged and swallowed").
		return r.staleCleanupLocked()
	}
	if !locked {
		// Another supervisor is cleaning up right now; the rows it
		// leaves behind are exactly what we'd produce ourselves.
		return nil
	}
	defer fl.Unlock()
	return r.staleCleanupLocked()
}

func (r *Registry) staleCleanupLocked() error {
	rows, err := r.db.Query(`SELECT pid FROM pid_records WHERE status != 'exited'`)
	if err != nil {
		return fmt.Errorf("registry: stale scan: %w", err)
	}
	var dead []int
	for rows.Next() {
		var pid int
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return err
		}
		if !processAlive(pid) {
			dead = append(dead, pid)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, pid := range dead {
		if err := r.UpdateStatus(pid, StatusExited, "stale-cleanup", nil); err != nil {
			return err
		}
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without affecting the process.
	return proc.Signal(syscall.Signal(0)) == nil
}

// Register inserts or, if pid is already present (the OS reused it),
// upserts the row, setting status=active and fresh timestamps (spec
// §4.3, invariant "UNIQUE(pid)... a re-registration... is treated as an
// update").
func (r *Registry) Register(rec Record) error {
	argvJSON, err := json.Marshal(rec.Argv)
	if err != nil {
		return fmt.Errorf("registry: marshal argv: %w", err)
	}
	now := time.Now().UnixMilli()

	_, err = r.db.Exec(`
		INSERT INTO pid_records (pid, cli, args, prompt, logFile, fifoFile, status, exitReason, startedAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, 'active', '', ?, ?)
		ON CONFLICT(pid) DO UPDATE SET
			cli = excluded.cli,
			args = excluded.args,
			prompt = excluded.prompt,
			logFile = excluded.logFile,
			fifoFile = excluded.fifoFile,
			status = 'active',
			exitReason = '',
			exitCode = NULL,
			startedAt = excluded.startedAt,
			updatedAt = excluded.updatedAt
	`, rec.PID, rec.Assistant, string(argvJSON), nullableString(rec.Prompt), rec.LogFile, rec.IPCEndpoint, now, now)
	if err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}
	return nil
}

// UpdateStatus partially updates the trailing fields of a row (spec
// §4.3).
func (r *Registry) UpdateStatus(pid int, status, exitReason string, exitCode *int) error {
	_, err := r.db.Exec(`
		UPDATE pid_records SET status = ?, exitReason = ?, exitCode = ?, updatedAt = ?
		WHERE pid = ?
	`, status, exitReason, exitCode, time.Now().UnixMilli(), pid)
	if err != nil {
		return fmt.Errorf("registry: update status: %w", err)
	}
	return nil
}

// FindActiveIPC returns the most-recently-started non-exited record, for
// an out-of-band invocation looking for a session to forward input into
// (spec §4.3, §6).
func (r *Registry) FindActiveIPC() (*Record, error) {
	row := r.db.QueryRow(`
		SELECT pid, cli, args, prompt, logFile, fifoFile, status, exitReason, exitCode, startedAt, updatedAt
		FROM pid_records WHERE status != 'exited' ORDER BY startedAt DESC, id DESC LIMIT 1
	`)
	return scanRecord(row)
}

// FindByPID looks up a record by pid, for log retrieval after exit (spec
// §4.3).
func (r *Registry) FindByPID(pid int) (*Record, error) {
	row := r.db.QueryRow(`
		SELECT pid, cli, args, prompt, logFile, fifoFile, status, exitReason, exitCode, startedAt, updatedAt
		FROM pid_records WHERE pid = ?
	`, pid)
	return scanRecord(row)
}

// ListAll returns every record ordered by most-recently-started first,
// for the `agentkeep list` command (SPEC_FULL §4.10).
func (r *Registry) ListAll() ([]*Record, error) {
	rows, err := r.db.Query(`
		SELECT pid, cli, args, prompt, logFile, fifoFile, status, exitReason, exitCode, startedAt, updatedAt
		FROM pid_records ORDER BY startedAt DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	rec, err := scanRowLike(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRow(rows *sql.Rows) (*Record, error) {
	return scanRowLike(rows)
}

func scanRowLike(s rowScanner) (*Record, error) {
	var rec Record
	var argvJSON string
	var prompt sql.NullString
	var exitCode sql.NullInt64
	var startedAt, updatedAt int64

	err := s.Scan(&rec.PID, &rec.Assistant, &argvJSON, &prompt, &rec.LogFile, &rec.IPCEndpoint,
		&rec.Status, &rec.ExitReason, &exitCode, &startedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argvJSON), &rec.Argv); err != nil {
		return nil, fmt.Errorf("registry: unmarshal argv: %w", err)
	}
	if prompt.Valid {
		rec.Prompt = prompt.String
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		rec.ExitCode = &c
	}
	rec.StartedAt = time.UnixMilli(startedAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close closes the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}
