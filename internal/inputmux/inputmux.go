// Package inputmux merges the three sources of input a session accepts
// — the user's raw-mode terminal, the out-of-band IPC endpoint, and the
// auto-responder — into a single ordered write stream to the PTY (spec
// §4.7), and implements the pre-Ready Ctrl-C abort policy (spec §4.8).
package inputmux

import (
	"bytes"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/loopkeep/agentkeep/internal/ipc"
	"github.com/loopkeep/agentkeep/internal/matchengine"
)

// ctrlC is the byte value of Ctrl-C (ETX, 0x03).
const ctrlC = 0x03

// Writer is the narrow interface the mux needs from the PTY driver.
type Writer interface {
	Write(p []byte) error
}

// Acker lets the mux tell the match engine that user input reached the
// PTY while a dangerous confirmation was pending (spec §4.5 diagram
// edge "user input").
type Acker interface {
	MarkUserInputForwarded()
}

// Aborter is invoked when the pre-Ready Ctrl-C abort fires: it should
// terminate the child and arrange for the process to exit 130.
type Aborter interface {
	AbortBeforeReady()
}

// Mux owns the raw-mode terminal restore and fans input from stdin, an
// IPC endpoint, and direct injections (the auto-responder) into one PTY
// writer.
type Mux struct {
	pty     Writer
	engine  *matchengine.Engine
	acker   Acker
	aborter Aborter
	log     *slog.Logger

	stdinFd      int
	restoreState *term.State

	endpoint ipc.Endpoint
	inject   chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Mux. endpoint may be nil if the session's IPC endpoint
// failed to open (spec §7, "degrades to terminal-only input").
func New(pty Writer, engine *matchengine.Engine, acker Acker, aborter Aborter, endpoint ipc.Endpoint, log *slog.Logger) *Mux {
	return &Mux{
		pty:      pty,
		engine:   engine,
		acker:    acker,
		aborter:  aborter,
		endpoint: endpoint,
		log:      log,
		stdinFd:  int(os.Stdin.Fd()),
		inject:   make(chan []byte, 16),
		stop:     make(chan struct{}),
	}
}

// Inject queues bytes to be written to the PTY as if they arrived from
// the terminal, used by the auto-responder.
func (m *Mux) Inject(p []byte) {
	select {
	case m.inject <- p:
	case <-m.stop:
	}
}

// EnterRawMode puts the controlling terminal into raw mode, if stdin is
// a terminal, and remembers the previous state for Restore. A
// non-terminal stdin (piped input, tests) is left untouched (spec §4.7,
// "when stdin is not a TTY the mux still multiplexes IPC and
// auto-responder input, but forwards stdin bytes verbatim without
// raw-mode translation").
func (m *Mux) EnterRawMode() error {
	if !term.IsTerminal(m.stdinFd) {
		return nil
	}
	state, err := term.MakeRaw(m.stdinFd)
	if err != nil {
		return err
	}
	m.restoreState = state
	return nil
}

// Restore returns the terminal to its original mode. Safe to call even
// if EnterRawMode was a no-op.
func (m *Mux) Restore() {
	if m.restoreState != nil {
		_ = term.Restore(m.stdinFd, m.restoreState)
		m.restoreState = nil
	}
}

// AdoptRestoreState transfers a previously-entered raw-mode restore
// state from prev, so a replacement Mux built across a robust restart
// restores the terminal at final teardown instead of leaving it raw (the
// new Mux never calls EnterRawMode itself, since the stdin fd never
// actually left raw mode across the restart).
func (m *Mux) AdoptRestoreState(prev *Mux) {
	m.restoreState = prev.restoreState
	prev.restoreState = nil
}

// Run blocks, fanning input from stdin, the IPC endpoint, and injected
// bytes into the PTY until Stop is called. When stdin reaches EOF only
// that source ends; IPC frames and injections keep flowing. Intended to
// run in its own goroutine alongside the PTY's read loop.
func (m *Mux) Run() {
	stdinCh := make(chan []byte)
	go m.readStdin(stdinCh)

	var ipcFrames <-chan ipc.Frame
	if m.endpoint != nil {
		ipcFrames = m.endpoint.Frames()
	}

	for {
		select {
		case <-m.stop:
			return
		case b, ok := <-stdinCh:
			if !ok {
				stdinCh = nil
				continue
			}
			m.handleStdin(b)
		case f, ok := <-ipcFrames:
			if !ok {
				ipcFrames = nil
				continue
			}
			m.forward(frameToBytes(f))
		case b := <-m.inject:
			m.forward(b)
		}
	}
}

// Stop ends Run's loop. Does not itself close stdin; the goroutine
// reading it exits on the next read error or EOF. Safe to call more
// than once.
func (m *Mux) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Mux) readStdin(out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-m.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handleStdin applies the pre-Ready Ctrl-C abort policy (spec §4.8):
// before the session has ever reached Ready, a Ctrl-C byte aborts the
// session instead of being forwarded; afterward it passes through like
// any other byte.
func (m *Mux) handleStdin(b []byte) {
	if !m.engine.HasReachedReady() {
		if bytes.IndexByte(b, ctrlC) >= 0 {
			m.log.Info("pre-ready ctrl-c, aborting session")
			if m.aborter != nil {
				m.aborter.AbortBeforeReady()
			}
			return
		}
	}
	m.forward(b)
}

func (m *Mux) forward(b []byte) {
	if len(b) == 0 {
		return
	}
	if err := m.pty.Write(b); err != nil {
		m.log.Warn("inputmux write failed", "error", err)
		return
	}
	if m.acker != nil && m.engine.State() == matchengine.AwaitingDangerousConfirmation {
		m.acker.MarkUserInputForwarded()
	}
}

func frameToBytes(f ipc.Frame) []byte {
	text := f.Text
	if len(text) == 0 || text[len(text)-1] != '\r' {
		text += "\r"
	}
	return []byte(text)
}

