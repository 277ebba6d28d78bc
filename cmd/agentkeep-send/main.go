// Command agentkeep-send is the out-of-band sender from spec §6: it
// forwards one line of text into a running session's stdin without
// holding the terminal, the way scenario S3 describes. It never creates
// a Registry record of its own; it only looks one up.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loopkeep/agentkeep/internal/registry"
)

// connectTimeout bounds how long the sender waits to open the target
// FIFO for writing. A named pipe's open(2) blocks until a reader is on
// the other end; if the supervisor's accept loop has wedged or the FIFO
// is stale, this keeps the sender from hanging forever (spec §7:
// "connection timeout ≥ 5 s" is a sender error).
const connectTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("agentkeep-send", flag.ContinueOnError)
	cwd := fs.String("cwd", "", "working directory whose active session to target (defaults to the current directory)")
	pid := fs.Int("pid", 0, "target a specific session pid instead of the most recently started active one")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	frame := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(frame) == "" {
		fmt.Fprintln(os.Stderr, "usage: agentkeep-send [-cwd dir] [-pid N] <text to send>")
		return 2
	}

	workDir := *cwd
	if workDir == "" {
		d, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentkeep-send: %v\n", err)
			return 1
		}
		workDir = d
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep-send: %v\n", err)
		return 1
	}

	store, err := registry.Open(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep-send: no session registry in %s: %v\n", workDir, err)
		return 1
	}
	defer store.Close()

	var rec *registry.Record
	if *pid > 0 {
		rec, err = store.FindByPID(*pid)
	} else {
		rec, err = store.FindActiveIPC()
	}
	if err != nil || rec == nil {
		fmt.Fprintf(os.Stderr, "agentkeep-send: no active session found in %s\n", workDir)
		return 1
	}
	if rec.Status == registry.StatusExited {
		fmt.Fprintf(os.Stderr, "agentkeep-send: session %d has already exited\n", rec.PID)
		return 1
	}
	if rec.IPCEndpoint == "" {
		fmt.Fprintf(os.Stderr, "agentkeep-send: session %d has no IPC endpoint\n", rec.PID)
		return 1
	}

	if err := sendFrame(rec.IPCEndpoint, frame, connectTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep-send: %v\n", err)
		return 1
	}
	return 0
}
