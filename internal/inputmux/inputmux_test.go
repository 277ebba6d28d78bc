package inputmux

import (
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/loopkeep/agentkeep/internal/ipc"
	"github.com/loopkeep/agentkeep/internal/matchengine"
	"github.com/loopkeep/agentkeep/internal/profile"
)

type fakeWriter struct {
	writes [][]byte
	err    error
}

func (w *fakeWriter) Write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return nil
}

type fakeAcker struct {
	forwarded int
}

func (a *fakeAcker) MarkUserInputForwarded() { a.forwarded++ }

type fakeAborter struct {
	aborted int
}

func (a *fakeAborter) AbortBeforeReady() { a.aborted++ }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine() *matchengine.Engine {
	return matchengine.New(&profile.Profile{Name: "test"}, nil)
}

func TestMux_PreReadyCtrlCAborts(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	ab := &fakeAborter{}
	e := testEngine() // starts in Starting
	m := New(w, e, nil, ab, nil, discardLogger())

	m.handleStdin([]byte{0x03})

	require.Equal(t, 1, ab.aborted)
	require.Empty(t, w.writes, "ctrl-c before ready must not reach the pty")
}

func TestMux_CtrlCAfterReadyPassesThrough(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	ab := &fakeAborter{}
	e := testEngine()
	e.ForcePastStarting()
	m := New(w, e, nil, ab, nil, discardLogger())

	m.handleStdin([]byte{0x03})

	require.Zero(t, ab.aborted)
	require.Len(t, w.writes, 1)
	require.Equal(t, []byte{0x03}, w.writes[0])
}

// TestMux_CtrlCStillAbortsWhenStartingJumpsStraightToConfirmation covers
// a profile whose very first output is itself a confirmation prompt: the
// engine never visits Ready, so State() alone can't gate the pre-Ready
// window, but Ctrl-C must still abort rather than reach the pty.
func TestMux_CtrlCStillAbortsWhenStartingJumpsStraightToConfirmation(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	ab := &fakeAborter{}
	p := &profile.Profile{
		Name:            "test",
		ConfirmPatterns: []*regexp.Regexp{regexp.MustCompile(`\(y/N\)`)},
	}
	e := matchengine.New(p, nil)
	e.FeedLine("Apply changes? (y/N) ")
	e.Tick(time.Now().Add(time.Second))
	require.Equal(t, matchengine.AwaitingConfirmation, e.State())
	require.False(t, e.HasReachedReady())

	m := New(w, e, nil, ab, nil, discardLogger())
	m.handleStdin([]byte{0x03})

	require.Equal(t, 1, ab.aborted)
	require.Empty(t, w.writes, "ctrl-c must still abort even though Ready was skipped")
}

func TestMux_ForwardDoesNotAckOutsideDangerousConfirmation(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	a := &fakeAcker{}
	e := testEngine()
	e.ForcePastStarting()
	m := New(w, e, a, nil, nil, discardLogger())

	m.forward([]byte("x"))
	require.Zero(t, a.forwarded, "ordinary input outside a dangerous confirmation must not ack")
}

func TestMux_ForwardAcksDuringDangerousConfirmation(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	a := &fakeAcker{}
	p := &profile.Profile{
		Name:              "test",
		DangerousPatterns: []*regexp.Regexp{regexp.MustCompile(`rm -rf`)},
	}
	e := matchengine.New(p, nil)
	e.ForcePastStarting()
	e.FeedLine("about to rm -rf /tmp/x (y/N) ")
	e.Tick(time.Now().Add(time.Second))
	require.Equal(t, matchengine.AwaitingDangerousConfirmation, e.State())

	m := New(w, e, a, nil, nil, discardLogger())
	m.forward([]byte("y"))
	require.Equal(t, 1, a.forwarded)
}

func TestMux_RestoreIsSafeWithoutRawMode(t *testing.T) {
	t.Parallel()

	e := testEngine()
	m := New(&fakeWriter{}, e, nil, nil, nil, discardLogger())

	require.NotPanics(t, func() { m.Restore() })
}

func TestMux_AdoptRestoreStateTransfersAndClears(t *testing.T) {
	t.Parallel()

	e := testEngine()
	prev := New(&fakeWriter{}, e, nil, nil, nil, discardLogger())
	prev.restoreState = &term.State{}

	next := New(&fakeWriter{}, e, nil, nil, nil, discardLogger())
	next.AdoptRestoreState(prev)

	require.Nil(t, prev.restoreState)
	require.NotNil(t, next.restoreState)
}

func TestMux_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	e := testEngine()
	m := New(&fakeWriter{}, e, nil, nil, nil, discardLogger())

	require.NotPanics(t, func() {
		m.Stop()
		m.Stop()
	})
}

func TestFrameToBytes_AppendsCROnlyWhenMissing(t *testing.T) {
	t.Parallel()

	require.Equal(t, []byte("hello\r"), frameToBytes(ipc.Frame{Text: "hello"}))
	require.Equal(t, []byte("hello\r"), frameToBytes(ipc.Frame{Text: "hello\r"}))
}
