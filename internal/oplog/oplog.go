// Package oplog is the process-wide operational log: one rotating file
// (supervisor.log) in the configured directory, which cmd/agentkeep sets
// to the workspace's .agent-yes/logs (so one per workspace, not per
// session), recording supervisor lifecycle events —
// spawns, crashes, restarts, registry errors. This is distinct from the
// per-session debug trace in internal/logsink, which never rotates
// (spec §3 invariant) because a reader tailing one session's history
// must never see it truncated out from under them; the operational log
// has no such per-session continuity requirement, so it is the one
// place lumberjack's rotation is a good fit.
package oplog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the knobs the teacher's logging.Config exposes, pared
// to what a single-binary CLI supervisor needs.
type Config struct {
	// Dir is the directory the rotating file lives in, typically
	// <cwd>/.agent-yes/logs. Empty disables the operational log (all
	// records discarded); per-session logsink output is unaffected.
	Dir string

	// MaxSizeMB is the size threshold that triggers rotation.
	MaxSizeMB int

	// MaxBackups is how many rotated files are retained.
	MaxBackups int

	// MaxAgeDays is how long rotated files are retained.
	MaxAgeDays int

	Compress bool
}

var (
	mu       sync.RWMutex
	logger   *slog.Logger
	rotating *lumberjack.Logger
)

// Init sets up the global operational logger. Safe to call more than
// once (e.g. across a robust restart within the same process); the
// previous rotating writer, if any, is closed first.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	if rotating != nil {
		rotating.Close()
		rotating = nil
	}

	if cfg.Dir == "" {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		return
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 14
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		return
	}

	rotating = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "supervisor.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	logger = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Logger returns the process-wide operational logger. Safe to call
// before Init (returns a discarding logger).
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return logger
}

// Shutdown closes the rotating writer, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if rotating != nil {
		rotating.Close()
		rotating = nil
	}
	logger = nil
}
