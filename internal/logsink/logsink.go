// Package logsink manages the three per-session append-only log files
// from spec §4.2: raw bytes, decoded lines, and a structured debug
// trace. None of the three ever rotates mid-session (spec §3 invariant
// "Log files never rotate mid-session").
package logsink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Root is the workspace-relative directory all session state lives
// under (spec §6).
const Root = ".agent-yes"

// gitignoreBody is written once per workspace, create-if-absent, never
// overwritten (spec §4.2).
const gitignoreBody = "logs/\nfifo/\n*.sqlite*\n"

// WorkspaceDir returns <cwd>/.agent-yes.
func WorkspaceDir(cwd string) string {
	return filepath.Join(cwd, Root)
}

// LogsDir returns <cwd>/.agent-yes/logs.
func LogsDir(cwd string) string {
	return filepath.Join(WorkspaceDir(cwd), "logs")
}

// EnsureWorkspace creates .agent-yes/ and .agent-yes/logs/ if absent,
// and writes .gitignore if it doesn't already exist.
func EnsureWorkspace(cwd string) error {
	if err := os.MkdirAll(LogsDir(cwd), 0o755); err != nil {
		return fmt.Errorf("logsink: mkdir: %w", err)
	}

	gitignorePath := filepath.Join(WorkspaceDir(cwd), ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(gitignorePath, []byte(gitignoreBody), 0o644); err != nil {
			return fmt.Errorf("logsink: write .gitignore: %w", err)
		}
	}
	return nil
}

// Sinks holds the three open log files for one session.
type Sinks struct {
	Raw   *os.File
	Lines *os.File
	Debug *os.File

	// DebugLog is a structured logger writing JSON records to Debug.
	DebugLog *slog.Logger

	closed bool
}

// Open creates (or, across a restart, appends to) the three log files
// for pid under <cwd>/.agent-yes/logs/.
func Open(cwd string, pid int) (*Sinks, error) {
	if err := EnsureWorkspace(cwd); err != nil {
		return nil, err
	}
	dir := LogsDir(cwd)

	raw, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%d.raw.log", pid)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open raw log: %w", err)
	}
	lines, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%d.lines.log", pid)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("logsink: open lines log: %w", err)
	}
	debug, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%d.debug.log", pid)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		raw.Close()
		lines.Close()
		return nil, fmt.Errorf("logsink: open debug log: %w", err)
	}

	debugLog := slog.New(slog.NewJSONHandler(debug, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return &Sinks{Raw: raw, Lines: lines, Debug: debug, DebugLog: debugLog}, nil
}

// WriteRaw appends verbatim bytes to the raw log and returns any write
// error. The sink is not dropped after an error: the supervisor ignores
// the error, keeps the rest of the pipeline running, and writes the next
// chunk to this same sink.
func (s *Sinks) WriteRaw(p []byte) error {
	_, err := s.Raw.Write(p)
	return err
}

// WriteLine appends one decoded, newline-terminated line to the lines
// log.
func (s *Sinks) WriteLine(line string) error {
	_, err := s.Lines.Write([]byte(line + "\n"))
	return err
}

// Close flushes and closes all three files. Safe to call more than
// once.
func (s *Sinks) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, f := range []*os.File{s.Raw, s.Lines, s.Debug} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogPath returns the canonical "primary" log path recorded in the
// registry: the decoded lines log, since that's what a peer retrieving
// history after exit wants (spec §6).
func LogPath(cwd string, pid int) string {
	return filepath.Join(LogsDir(cwd), fmt.Sprintf("%d.lines.log", pid))
}
