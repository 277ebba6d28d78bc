// Package supervisor orchestrates the whole session: it wires the PTY
// driver, log sinks, registry, output pipeline, match engine,
// auto-responder and input mux together and runs the startup, signal
// handling, and shutdown sequence from spec §4.8.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loopkeep/agentkeep/internal/autoresponder"
	"github.com/loopkeep/agentkeep/internal/decoder"
	"github.com/loopkeep/agentkeep/internal/inputmux"
	"github.com/loopkeep/agentkeep/internal/ipc"
	"github.com/loopkeep/agentkeep/internal/logsink"
	"github.com/loopkeep/agentkeep/internal/matchengine"
	"github.com/loopkeep/agentkeep/internal/profile"
	"github.com/loopkeep/agentkeep/internal/ptydriver"
	"github.com/loopkeep/agentkeep/internal/registry"
	"github.com/loopkeep/agentkeep/internal/ringbuffer"
	"github.com/loopkeep/agentkeep/internal/tail"
)

// Exit reasons recorded in the registry (spec §4.8).
const (
	ReasonNormal    = "normal"
	ReasonCrash     = "crash"
	ReasonUserAbort = "user-abort"
	ReasonFatal     = "fatal-pattern"
)

// defaultPreReadyTimeout resolves the spec's open question about a
// profile whose readyPatterns never match: after this long in Starting,
// the engine is promoted to Ready so the pre-Ready Ctrl-C window can't
// deadlock a session forever (spec §9, second Open Question).
const defaultPreReadyTimeout = 30 * time.Second

const heartbeat = 50 * time.Millisecond

// Notifier is the narrow interface internal/notify satisfies; kept here
// to avoid a dependency from supervisor on notify's webpush internals.
type Notifier interface {
	DangerousConfirmation(assistant string)
	SessionExited(assistant string, reason string, code *int)
}

// currentDriver returns the live PTY driver under s.mu. restart()
// replaces s.driver from the exiting child's own callback goroutine
// while watchSignals, watchResize, wait, and finish all read it from
// other goroutines; every cross-goroutine access goes through this
// instead of touching s.driver directly, to avoid racing the swap.
func (s *Supervisor) currentDriver() *ptydriver.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

func (s *Supervisor) setDriver(d *ptydriver.Driver) {
	s.mu.Lock()
	s.driver = d
	s.mu.Unlock()
}

// muxInjector adapts inputmux.Mux.Inject to autoresponder.Writer, so the
// auto-responder's reply goes through the Input Mux instead of straight
// to the PTY (spec §4.6: "so it interleaves correctly with user
// typing"). Inject never fails; the mux's own forward path logs a write
// failure against the PTY.
type muxInjector struct{ mux *inputmux.Mux }

func (w muxInjector) Write(p []byte) error {
	w.mux.Inject(p)
	return nil
}

// Config holds everything the startup sequence needs.
type Config struct {
	CWD       string
	Assistant string
	Args      []string
	Prompt    string
	Profiles  map[string]*profile.Profile

	AutoYes     bool
	Robust      bool
	IdleTimeout time.Duration

	PreReadyTimeout time.Duration

	Cols, Rows int

	Notifier Notifier

	// RemoteTail opts into the localhost-only read-only tail websocket
	// (SPEC_FULL §4.9). Off by default: the core spec never requires it.
	RemoteTail bool

	// Stdout is where PTY output is mirrored; defaults to os.Stdout.
	Stdout interface {
		Write(p []byte) (int, error)
	}
}

// Supervisor runs exactly one session from spawn to exit.
type Supervisor struct {
	cfg     Config
	profile *profile.Profile
	log     *slog.Logger

	store    registry.Store
	sinks    *logsink.Sinks
	driver   *ptydriver.Driver
	dec      *decoder.Decoder
	ring     *ringbuffer.RingBuffer
	engine   *matchengine.Engine
	resp     *autoresponder.Responder
	mux      *inputmux.Mux
	endpoint ipc.Endpoint
	tailSrv  *tail.Server

	binary   string
	coreArgv []string // profile prefix + defaults + user args, no restore args, no prompt

	// sessionID is the OS pid of the FIRST child spawned. It identifies
	// the session's Registry row, log files, and IPC endpoint for the
	// session's whole lifetime, even across a robust restart that spawns
	// a child with a different real pid — the spec models Session as
	// "session-id = child pid", which this generalizes to "the child pid
	// that started the session" rather than requiring every restart to
	// burn a fresh Registry row and fresh log files.
	sessionID int

	// eg joins the resize-watcher and signal-watcher goroutines, the
	// session's background watchers alongside the PTY driver's own
	// reader goroutine, as one cancelable group (spec §5 "parallel-thread
	// implementation option").
	eg *errgroup.Group

	mu          sync.Mutex
	exitReason  string
	exitCode    *int
	aborted     bool
	restarted   bool
	childExited chan struct{}
	startedAt   time.Time
}

// New validates nothing (profile.Lookup never fails); it just prepares
// a Supervisor for Run.
func New(cfg Config, store registry.Store, log *slog.Logger) *Supervisor {
	if cfg.PreReadyTimeout <= 0 {
		cfg.PreReadyTimeout = defaultPreReadyTimeout
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	p := profile.Lookup(cfg.Profiles, cfg.Assistant)
	return &Supervisor{
		cfg:         cfg,
		profile:     p,
		log:         log,
		store:       store,
		dec:         decoder.New(),
		ring:        ringbuffer.New(),
		childExited: make(chan struct{}),
	}
}

// Run executes the full startup → lifecycle → shutdown sequence and
// returns the process exit code (spec §6 "Exit codes").
func (s *Supervisor) Run(ctx context.Context) int {
	s.startedAt = time.Now()

	watcherCtx, cancelWatchers := context.WithCancel(ctx)
	var eg errgroup.Group
	s.eg = &eg
	defer func() { _ = s.eg.Wait() }()
	defer cancelWatchers()

	s.binary = s.profile.Binary
	if s.binary == "" {
		s.binary = s.profile.Name
	}
	s.coreArgv = append(append([]string{}, s.profile.ArgvPrefix...), s.profile.DefaultArgs...)
	s.coreArgv = append(s.coreArgv, s.cfg.Args...)

	initialArgv := append(append([]string{}, s.coreArgv...), s.promptArgv()...)

	driver, err := ptydriver.Spawn(ptydriver.Options{
		Binary: s.binary,
		Args:   initialArgv,
		Dir:    s.cfg.CWD,
		Cols:   s.cfg.Cols,
		Rows:   s.cfg.Rows,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep: failed to start %s: %v\n", s.binary, err)
		return 1
	}
	s.setDriver(driver)
	s.sessionID = driver.Pid()

	s.engine = matchengine.New(s.profile, s.onTransition)

	if s.store == nil {
		s.store = registry.NewNull()
	}

	if s.sinks, err = logsink.Open(s.cfg.CWD, s.sessionID); err != nil {
		s.log.Warn("log sinks unavailable, continuing without on-disk logs", "error", err)
	}

	fifoPath := ipc.FifoPath(s.cfg.CWD, s.sessionID)
	s.endpoint, err = ipc.Listen(fifoPath)
	ipcAddr := ""
	if err != nil {
		s.log.Warn("ipc endpoint unavailable, session continues terminal-only", "error", err)
	} else {
		ipcAddr = s.endpoint.Address()
	}

	if err := s.store.Register(registry.Record{
		PID:         s.sessionID,
		Assistant:   s.profile.Name,
		Argv:        initialArgv,
		Prompt:      s.cfg.Prompt,
		LogFile:     logsink.LogPath(s.cfg.CWD, s.sessionID),
		IPCEndpoint: ipcAddr,
		Status:      registry.StatusActive,
		StartedAt:   s.startedAt,
		UpdatedAt:   s.startedAt,
	}); err != nil {
		s.log.Warn("registry write failed, continuing without durable history", "error", err)
	}

	if s.cfg.RemoteTail {
		if srv, addr, err := tail.Listen(s.profile.Name, s.ring, s.log); err != nil {
			s.log.Warn("remote tail endpoint unavailable", "error", err)
		} else {
			s.tailSrv = srv
			s.log.Info("remote tail endpoint listening", "address", addr)
		}
	}

	s.mux = inputmux.New(s.driver, s.engine, s.engine, s, s.endpoint, s.log)
	s.resp = autoresponder.New(s.profile, s.engine, muxInjector{s.mux}, s.engine, s.log, s.cfg.AutoYes, autoresponder.DefaultRate, autoresponder.DefaultBurst)

	s.driver.OnData(s.onData)
	s.driver.OnExit(s.onExit)
	s.driver.Start()

	if err := s.mux.EnterRawMode(); err != nil {
		s.log.Warn("raw mode unavailable", "error", err)
	}
	defer func() { s.mux.Restore() }()
	go s.mux.Run()
	defer func() { s.mux.Stop() }()

	stopResize := s.watchResize(watcherCtx)
	defer stopResize()

	stopSig := s.watchSignals(watcherCtx)
	defer stopSig()

	if s.profile.PromptViaStdin && s.cfg.Prompt != "" {
		_ = s.currentDriver().Write([]byte(s.cfg.Prompt + "\n"))
	}

	return s.wait(ctx)
}

// promptArgv returns the trailing "-- <prompt>" argv suffix for the
// initial spawn, empty when the profile types the prompt into the PTY
// instead (spec §4.8 step 1).
func (s *Supervisor) promptArgv() []string {
	if s.cfg.Prompt == "" || s.profile.PromptViaStdin {
		return nil
	}
	return []string{"--", s.cfg.Prompt}
}

// onData is the PTY driver's per-chunk callback: it fans raw bytes out
// to the terminal, the raw log, and the decoder, preserving PTY read
// order across all three sinks (spec §4.4, §5).
func (s *Supervisor) onData(chunk []byte) {
	_, _ = s.cfg.Stdout.Write(chunk)
	if s.sinks != nil {
		_ = s.sinks.WriteRaw(chunk)
	}

	for _, line := range s.dec.Feed(chunk) {
		if s.sinks != nil {
			_ = s.sinks.WriteLine(line)
		}
		s.ring.Append(line)
		s.engine.FeedLine(decoder.TraceSnippet(line, 4096))
	}
	// A prompt usually ends without a newline, so an unterminated partial
	// line is classified too; NoEOL profiles re-check the tail on every
	// chunk even when nothing is pending.
	if pending := s.dec.Pending(); pending != "" || s.profile.NoEOL {
		s.engine.FeedChunk(pending)
	}
}

// onExit is the PTY driver's exit callback. A crash (non-zero or
// unknown exit code, not a user abort, no fatal pattern in the tail) is
// given one robust-restart attempt when cfg.Robust is set (SPEC_FULL
// §3.1); every other case, or a failed restart attempt, proceeds to
// final teardown.
func (s *Supervisor) onExit(code *int) {
	s.mu.Lock()
	aborted := s.aborted
	alreadyRestarted := s.restarted
	s.mu.Unlock()

	fatal := s.engine.TailMatches(s.profile.FatalPatterns)
	crashed := !aborted && (code == nil || *code != 0)

	if crashed && !fatal && s.cfg.Robust && !alreadyRestarted {
		s.mu.Lock()
		s.restarted = true
		s.mu.Unlock()
		if s.restart() {
			return
		}
	}

	close(s.childExited)
	s.mu.Lock()
	if s.exitReason == "" {
		switch {
		case aborted:
			s.exitReason = ReasonUserAbort
		case fatal:
			s.exitReason = ReasonFatal
		case crashed:
			s.exitReason = ReasonCrash
		default:
			s.exitReason = ReasonNormal
		}
		s.exitCode = code
	}
	s.mu.Unlock()
	s.engine.Terminate()
}

// restart respawns the child after a crash, reusing the session's
// binary and core argv (SPEC_FULL §3.1, grounded on
// original_source/rs/src/context.rs's one-shot respawn-on-crash). It
// drops the profile's RestoreArgs (e.g. "--continue") when the dying
// tail matched RestartWithoutContinuePatterns, since resuming a
// conversation that never started would just fail again. The Registry
// row, log files, and IPC endpoint keep addressing sessionID, the
// original child's pid, rather than the replacement's.
func (s *Supervisor) restart() bool {
	withoutContinue := s.engine.TailMatches(s.profile.RestartWithoutContinuePatterns)

	argv := append([]string{}, s.coreArgv...)
	if !withoutContinue {
		argv = append(argv, s.profile.RestoreArgs...)
	}

	driver, err := ptydriver.Spawn(ptydriver.Options{
		Binary: s.binary,
		Args:   argv,
		Dir:    s.cfg.CWD,
		Cols:   s.cfg.Cols,
		Rows:   s.cfg.Rows,
	})
	if err != nil {
		s.log.Warn("robust restart failed to spawn replacement", "error", err)
		return false
	}

	s.log.Warn("child exited abnormally, restarting",
		"without_continue", withoutContinue, "new_pid", driver.Pid())

	oldMux := s.mux
	oldMux.Stop()

	s.setDriver(driver)
	s.startedAt = time.Now()
	s.engine = matchengine.New(s.profile, s.onTransition)

	s.mux = inputmux.New(driver, s.engine, s.engine, s, s.endpoint, s.log)
	s.mux.AdoptRestoreState(oldMux)
	s.resp = autoresponder.New(s.profile, s.engine, muxInjector{s.mux}, s.engine, s.log, s.cfg.AutoYes, autoresponder.DefaultRate, autoresponder.DefaultBurst)

	driver.OnData(s.onData)
	driver.OnExit(s.onExit)
	driver.Start()

	go s.mux.Run()

	if cols, rows, ok := currentTerminalSize(); ok {
		_ = driver.Resize(cols, rows)
	} else if s.cfg.Cols > 0 && s.cfg.Rows > 0 {
		_ = driver.Resize(s.cfg.Cols, s.cfg.Rows)
	}

	return true
}

// onTransition is wired as the match engine's callback: it records a
// debug-trace entry and forwards the transition to the auto-responder
// and, for dangerous confirmations, the optional notifier.
func (s *Supervisor) onTransition(tx matchengine.Transition) {
	if s.sinks != nil && s.sinks.DebugLog != nil {
		s.sinks.DebugLog.Info("transition", "from", tx.From.String(), "to", tx.To.String())
	}
	s.resp.Handle(tx)
	if tx.To == matchengine.AwaitingDangerousConfirmation && s.cfg.Notifier != nil {
		s.cfg.Notifier.DangerousConfirmation(s.profile.Name)
	}
}

// AbortBeforeReady implements inputmux.Aborter: the pre-Ready Ctrl-C
// policy (spec §4.7).
func (s *Supervisor) AbortBeforeReady() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.exitReason = ReasonUserAbort
	s.mu.Unlock()

	fmt.Fprintln(os.Stdout, "User aborted: SIGINT")
	_ = s.currentDriver().Kill(sigterm())
}

// wait blocks until the child has exited (with robust-restart handling)
// and the idle/pre-ready timers, if any, have been serviced, then runs
// teardown and returns the final process exit code.
func (s *Supervisor) wait(ctx context.Context) int {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.childExited:
			return s.finish()
		case <-ctx.Done():
			_ = s.currentDriver().Kill(sigterm())
			select {
			case <-s.childExited:
			case <-time.After(5 * time.Second):
				_ = s.currentDriver().Kill(sigkill())
				<-s.childExited
			}
			return s.finish()
		case now := <-ticker.C:
			s.engine.Tick(now)
			s.promotePastStarting(now)
			s.checkIdleTimeout(now)
		}
	}
}

func (s *Supervisor) promotePastStarting(now time.Time) {
	if s.engine.State() != matchengine.Starting {
		return
	}
	if now.Sub(s.startedAt) < s.cfg.PreReadyTimeout {
		return
	}
	s.log.Warn("no readyPattern matched within pre-ready timeout, promoting to Ready",
		"timeout", s.cfg.PreReadyTimeout)
	s.engine.ForcePastStarting()
}

// checkIdleTimeout implements the SPEC_FULL §3.1 idle-timeout exit: if
// configured and the assistant has been idle (no working pattern
// active) for longer than IdleTimeout, type the profile's exit command
// and let the child shut itself down. Gated on state == Ready so a long
// tool call mid-Working is never mistaken for an abandoned session
// (SPEC_FULL §4.5).
func (s *Supervisor) checkIdleTimeout(now time.Time) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	if s.engine.State() != matchengine.Ready {
		return
	}
	if s.engine.TailMatches(s.profile.WorkingPatterns) {
		return
	}
	if now.Sub(s.engine.LastOutputAt()) < s.cfg.IdleTimeout {
		return
	}
	s.mu.Lock()
	already := s.exitReason != ""
	s.mu.Unlock()
	if already {
		return
	}
	s.log.Info("idle timeout reached, sending exit command")
	driver := s.currentDriver()
	for _, line := range s.profile.ExitCommand {
		_ = driver.Write([]byte(line + "\n"))
	}
}

// finish tears down the log sinks, IPC endpoint, and registry record,
// and returns the process exit code.
func (s *Supervisor) finish() int {
	s.mu.Lock()
	reason := s.exitReason
	code := s.exitCode
	aborted := s.aborted
	s.mu.Unlock()

	if reason == "" {
		reason = ReasonNormal
	}

	if s.endpoint != nil {
		_ = s.endpoint.Close()
	}
	if s.tailSrv != nil {
		_ = s.tailSrv.Close()
	}
	if s.sinks != nil {
		_ = s.sinks.Close()
	}
	_ = s.store.UpdateStatus(s.sessionID, registry.StatusExited, reason, code)
	_ = s.currentDriver().Close()

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.SessionExited(s.profile.Name, reason, code)
	}

	if aborted {
		return 130
	}
	if code != nil {
		return *code
	}
	// Killed by signal with no recoverable exit code: spec §6 "128+signal
	// on supervisor killed by signal" describes the supervisor's own
	// death; a child killed by signal with unknown number reports a
	// generic non-zero failure instead of guessing the signal number.
	return 1
}
