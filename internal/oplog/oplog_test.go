package oplog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Package-global state means these tests cannot run in parallel with each
// other; each calls Shutdown before returning so the next test starts from
// a clean slate.

func TestLogger_BeforeInitDiscardsSilently(t *testing.T) {
	Shutdown()
	require.NotPanics(t, func() {
		Logger().Info("no-op before Init")
	})
}

func TestInit_EmptyDirDiscardsButDoesNotPanic(t *testing.T) {
	Init(Config{})
	defer Shutdown()

	require.NotPanics(t, func() {
		Logger().Info("discarded")
	})
}

func TestInit_WritesToRotatingFile(t *testing.T) {
	dir := t.TempDir()
	Init(Config{Dir: dir})
	defer Shutdown()

	Logger().Info("hello from the supervisor")

	data, err := os.ReadFile(filepath.Join(dir, "supervisor.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "hello from the supervisor")
}

func TestInit_CalledTwiceClosesPreviousWriter(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	Init(Config{Dir: dir1})
	Logger().Info("first")

	Init(Config{Dir: dir2})
	defer Shutdown()
	Logger().Info("second")

	data, err := os.ReadFile(filepath.Join(dir2, "supervisor.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "second")
	require.NotContains(t, string(data), "first")
}

func TestShutdown_IsSafeWithoutInit(t *testing.T) {
	Shutdown()
	require.NotPanics(t, Shutdown)
}
