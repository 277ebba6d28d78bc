//go:build !windows

// Package ptydriver opens a pseudo-terminal and spawns the supervised
// assistant inside it (spec §4.1). It is a thin wrapper over
// github.com/creack/pty: callers get a byte-oriented on_data/on_exit
// interface rather than a raw *os.File, so the rest of the supervisor
// never has to reason about PTY-specific syscalls.
package ptydriver

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// MinCols is the minimum column count the driver will honor on resize,
// clamped to avoid assistant TUI layout bugs at very narrow widths
// (spec §4.1).
const MinCols = 20

// Driver supervises one PTY-spawned child process.
type Driver struct {
	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex
	exited  bool

	onData func([]byte)
	onExit func(code *int)

	exitOnce sync.Once
}

// Options configures a spawn.
type Options struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string // additional environment entries, appended to os.Environ()
	Cols   int
	Rows   int
}

// Spawn opens a PTY sized (Cols, Rows) and starts Binary inside it with
// the current process's environment plus Env, and Dir as the working
// directory. The TERM is forced to xterm-color per spec §4.1.
func Spawn(opts Options) (*Driver, error) {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}

	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(append([]string{}, os.Environ()...), "TERM=xterm-color")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(opts.Cols),
		Rows: uint16(opts.Rows),
	})
	if err != nil {
		return nil, fmt.Errorf("ptydriver: spawn %s: %w", opts.Binary, err)
	}

	return &Driver{cmd: cmd, ptmx: ptmx}, nil
}

// OnData registers the callback invoked with each byte chunk read from
// the child. Not line-buffered: chunks arrive exactly as the PTY
// delivers them. Must be called before Start.
func (d *Driver) OnData(fn func([]byte)) { d.onData = fn }

// OnExit registers the callback invoked exactly once with the child's
// exit code (nil if the child was killed by a signal rather than
// exiting normally). Must be called before Start.
func (d *Driver) OnExit(fn func(code *int)) { d.onExit = fn }

// Start launches the background reader and waiter goroutines. Call once,
// after OnData/OnExit are registered.
func (d *Driver) Start() {
	go d.readLoop()
	go d.waitLoop()
}

func (d *Driver) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := d.ptmx.Read(buf)
		if n > 0 && d.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			d.onData(chunk)
		}
		if err != nil {
			// EOF (and the platform-specific "input/output error" a
			// closed PTY master reports) both mean the child side is
			// gone; silently stop reading per spec §7 ("read/write
			// returning EOF... after child-exit is silently swallowed").
			return
		}
	}
}

func (d *Driver) waitLoop() {
	err := d.cmd.Wait()
	d.writeMu.Lock()
	d.exited = true
	d.writeMu.Unlock()

	var code *int
	if d.cmd.ProcessState != nil {
		if d.cmd.ProcessState.Exited() {
			c := d.cmd.ProcessState.ExitCode()
			code = &c
		}
		// else: killed by signal, code stays nil per spec §4.1.
	} else if err != nil {
		c := -1
		code = &c
	}

	d.exitOnce.Do(func() {
		if d.onExit != nil {
			d.onExit(code)
		}
	})
}

// Write enqueues bytes to the child's stdin. Write-after-exit is
// silently dropped (spec §4.1 "Failure semantics").
func (d *Driver) Write(p []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.exited {
		return nil
	}
	_, err := d.ptmx.Write(p)
	if err != nil && isBrokenPipe(err) {
		return nil
	}
	return err
}

func isBrokenPipe(err error) bool {
	return err == io.ErrClosedPipe || err == io.EOF
}

// Resize forwards a terminal size change to the PTY, clamping columns to
// MinCols (spec §4.1, §4.8).
func (d *Driver) Resize(cols, rows int) error {
	if cols < MinCols {
		cols = MinCols
	}
	return pty.Setsize(d.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill signals the child process.
func (d *Driver) Kill(sig os.Signal) error {
	if d.cmd.Process == nil {
		return nil
	}
	return d.cmd.Process.Signal(sig)
}

// Close releases the PTY master file descriptor.
func (d *Driver) Close() error {
	return d.ptmx.Close()
}

// Pid returns the child's operating-system process id.
func (d *Driver) Pid() int {
	if d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}
