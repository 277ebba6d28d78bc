//go:build !windows

package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

func sigterm() os.Signal { return syscall.SIGTERM }
func sigkill() os.Signal { return syscall.SIGKILL }

// watchSignals forwards SIGINT/SIGTERM received by the supervisor to
// the child (spec §4.8 "On SIGINT/SIGTERM... forward the same signal to
// the child"). Pre-Ready SIGINT still goes through the terminal Ctrl-C
// path in inputmux; this covers signals sent directly to the supervisor
// process (e.g. from a shell's job control) rather than typed at the
// keyboard. Registered on the session's errgroup (§5 "parallel-thread
// implementation") so it's joined the same way as every other
// background watcher at teardown.
func (s *Supervisor) watchSignals(ctx context.Context) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	s.eg.Go(func() error {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return nil
				}
				s.log.Info("forwarding signal to child", "signal", sig.String())
				_ = s.currentDriver().Kill(sig)
			case <-ctx.Done():
				return nil
			}
		}
	})

	return func() { signal.Stop(ch) }
}

// currentTerminalSize reads the live controlling terminal size, used to
// size a replacement child across a robust restart (the original Cols/
// Rows in Config may be stale after any SIGWINCH since startup).
func currentTerminalSize() (cols, rows int, ok bool) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	return cols, rows, err == nil
}

// watchResize forwards SIGWINCH and the initial terminal size to the
// PTY (spec §4.8 "On terminal resize").
func (s *Supervisor) watchResize(ctx context.Context) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGWINCH)

	resize := func() {
		cols, rows, ok := currentTerminalSize()
		if !ok {
			return
		}
		_ = s.currentDriver().Resize(cols, rows)
	}
	resize()

	s.eg.Go(func() error {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return nil
				}
				resize()
			case <-ctx.Done():
				return nil
			}
		}
	})

	return func() { signal.Stop(ch) }
}
