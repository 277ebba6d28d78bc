package registry

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterUpsertsOnSamePID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(Record{PID: os.Getpid(), Assistant: "claude", Argv: []string{"claude"}}))
	require.NoError(t, r.Register(Record{PID: os.Getpid(), Assistant: "gemini", Argv: []string{"gemini", "-p"}}))

	all, err := r.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 1, "same pid registered twice must yield one row")
	require.Equal(t, "gemini", all[0].Assistant)
	require.Equal(t, StatusActive, all[0].Status)
}

func TestRegistry_UpdateStatus(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(Record{PID: os.Getpid(), Assistant: "claude"}))
	code := 1
	require.NoError(t, r.UpdateStatus(os.Getpid(), StatusExited, "crash", &code))

	rec, err := r.FindByPID(os.Getpid())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StatusExited, rec.Status)
	require.Equal(t, "crash", rec.ExitReason)
	require.NotNil(t, rec.ExitCode)
	require.Equal(t, 1, *rec.ExitCode)
}

func TestRegistry_FindActiveIPCReturnsMostRecent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(Record{PID: 100001, Assistant: "claude", IPCEndpoint: "/tmp/a"}))
	require.NoError(t, r.Register(Record{PID: 100002, Assistant: "gemini", IPCEndpoint: "/tmp/b"}))

	rec, err := r.FindActiveIPC()
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, 100002, rec.PID)

	require.NoError(t, r.UpdateStatus(100002, StatusExited, "normal", nil))
	rec, err = r.FindActiveIPC()
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, 100001, rec.PID)
}

// TestRegistry_StaleCleanupIdempotence covers spec §8.3: a second init
// pass over an already-cleaned registry must not touch any row.
func TestRegistry_StaleCleanupIdempotence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	const deadPID = 999999
	require.NoError(t, r.Register(Record{PID: deadPID, Assistant: "claude"}))
	require.NoError(t, r.Close())

	// Reopen twice: Open() runs stale cleanup on every call (spec §4.3
	// "init"). The pid used here (999999) should never be a live process.
	r2, err := Open(dir)
	require.NoError(t, err)
	rec, err := r2.FindByPID(deadPID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StatusExited, rec.Status)
	require.Equal(t, "stale-cleanup", rec.ExitReason)
	updatedAfterFirst := rec.UpdatedAt
	require.NoError(t, r2.Close())

	r3, err := Open(dir)
	require.NoError(t, err)
	defer r3.Close()
	rec, err = r3.FindByPID(deadPID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, updatedAfterFirst, rec.UpdatedAt, "second init must not modify an already-exited row")

	active, err := r3.FindActiveIPC()
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestRegistry_ListAllOrdersMostRecentFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(Record{PID: 200001, Assistant: "first"}))
	require.NoError(t, r.Register(Record{PID: 200002, Assistant: "second"}))

	all, err := r.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "second", all[0].Assistant)
	require.Equal(t, "first", all[1].Assistant)
}
