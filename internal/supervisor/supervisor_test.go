//go:build !windows

package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopkeep/agentkeep/internal/profile"
	"github.com/loopkeep/agentkeep/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shellProfile(name string) *profile.Profile {
	return &profile.Profile{Name: name, Binary: "/bin/sh", ReplyKeys: "\n"}
}

func baseConfig(t *testing.T, p *profile.Profile, args []string) Config {
	t.Helper()
	return Config{
		CWD:       t.TempDir(),
		Assistant: p.Name,
		Args:      args,
		Profiles:  map[string]*profile.Profile{p.Name: p},
		Cols:      80,
		Rows:      24,
		Stdout:    io.Discard,
	}
}

func runWithTimeout(t *testing.T, s *Supervisor) int {
	t.Helper()
	done := make(chan int, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case code := <-done:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor.Run did not return in time")
		return -1
	}
}

func TestRun_NormalExitPropagatesCodeAndReason(t *testing.T) {
	t.Parallel()

	p := shellProfile("normal-exit")
	cfg := baseConfig(t, p, []string{"-c", "exit 0"})
	store := registry.NewNull()
	s := New(cfg, store, discardLogger())

	code := runWithTimeout(t, s)
	require.Equal(t, 0, code)

	rec, err := store.FindByPID(s.sessionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, registry.StatusExited, rec.Status)
	require.Equal(t, ReasonNormal, rec.ExitReason)
}

func TestRun_NonRobustCrashPropagatesExitCode(t *testing.T) {
	t.Parallel()

	p := shellProfile("crash-exit")
	cfg := baseConfig(t, p, []string{"-c", "exit 3"})
	store := registry.NewNull()
	s := New(cfg, store, discardLogger())

	code := runWithTimeout(t, s)
	require.Equal(t, 3, code)

	rec, err := store.FindByPID(s.sessionID)
	require.NoError(t, err)
	require.Equal(t, ReasonCrash, rec.ExitReason)
}

func TestRun_RobustRestartRecoversFromOneCrash(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	script := fmt.Sprintf(`test -f %s && exit 0 || { touch %s; exit 1; }`, marker, marker)

	p := shellProfile("flaky")
	cfg := baseConfig(t, p, []string{"-c", script})
	cfg.Robust = true
	store := registry.NewNull()
	s := New(cfg, store, discardLogger())

	code := runWithTimeout(t, s)
	require.Equal(t, 0, code, "the robust restart's second attempt should see the marker and succeed")

	rec, err := store.FindByPID(s.sessionID)
	require.NoError(t, err)
	require.Equal(t, ReasonNormal, rec.ExitReason)
}

func TestRun_FatalPatternSkipsRobustRestart(t *testing.T) {
	t.Parallel()

	p := shellProfile("fatal")
	p.FatalPatterns = []*regexp.Regexp{regexp.MustCompile(`boom`)}
	cfg := baseConfig(t, p, []string{"-c", "echo boom; exit 1"})
	cfg.Robust = true
	store := registry.NewNull()
	s := New(cfg, store, discardLogger())

	code := runWithTimeout(t, s)
	require.Equal(t, 1, code)

	rec, err := store.FindByPID(s.sessionID)
	require.NoError(t, err)
	require.Equal(t, ReasonFatal, rec.ExitReason)
}

func TestRun_IdleTimeoutSendsExitCommand(t *testing.T) {
	t.Parallel()

	p := shellProfile("idle")
	p.ReadyPatterns = []*regexp.Regexp{regexp.MustCompile(`> $`)}
	p.ExitCommand = []string{"exit"}
	cfg := baseConfig(t, p, []string{"-c", `printf '> '; read line; exit 0`})
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.PreReadyTimeout = 5 * time.Second
	store := registry.NewNull()
	s := New(cfg, store, discardLogger())

	code := runWithTimeout(t, s)
	require.Equal(t, 0, code, "the idle-timeout exit command should reach the child's stdin read")
}

// TestRun_AutoYesReplyReachesChildThroughMux covers spec §4.6: the
// auto-responder's reply must actually reach the child's stdin, routed
// through the Input Mux rather than written straight to the pty driver,
// so it shares ordering with user/IPC input instead of racing it.
func TestRun_AutoYesReplyReachesChildThroughMux(t *testing.T) {
	t.Parallel()

	p := shellProfile("confirm")
	p.ConfirmPatterns = []*regexp.Regexp{regexp.MustCompile(`Proceed\?`)}
	p.ReplyKeys = "y\n"
	script := `printf 'Proceed? (y/N) '; read ans; if [ "$ans" = "y" ]; then exit 0; else exit 9; fi`
	cfg := baseConfig(t, p, []string{"-c", script})
	cfg.AutoYes = true
	store := registry.NewNull()
	s := New(cfg, store, discardLogger())

	code := runWithTimeout(t, s)
	require.Equal(t, 0, code, "the auto-responder's reply should reach the child's read via the input mux")
}

// TestRun_PreReadyCtrlCAbortsWithExit130 covers spec scenario S4: a
// Ctrl-C delivered before the engine has ever reached Ready aborts the
// session instead of reaching the child, and the process reports the
// conventional signal-interrupted exit code.
func TestRun_PreReadyCtrlCAbortsWithExit130(t *testing.T) {
	origStdin := os.Stdin
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdin = r
	defer func() {
		os.Stdin = origStdin
		r.Close()
	}()

	p := shellProfile("never-ready")
	// No ReadyPatterns: the engine never leaves Starting on its own.
	cfg := baseConfig(t, p, []string{"-c", "sleep 30"})
	cfg.PreReadyTimeout = time.Hour
	store := registry.NewNull()
	s := New(cfg, store, discardLogger())

	done := make(chan int, 1)
	go func() { done <- s.Run(context.Background()) }()

	// Give the mux a moment to start reading stdin before we write.
	time.Sleep(200 * time.Millisecond)
	_, err = w.Write([]byte{0x03})
	require.NoError(t, err)

	select {
	case code := <-done:
		require.Equal(t, 130, code)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor.Run did not return after pre-ready ctrl-c")
	}
}
