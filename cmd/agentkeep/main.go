// Command agentkeep supervises one AI coding assistant in a PTY,
// watching its output for ready/confirmation/dangerous-confirmation
// prompts and optionally answering them automatically (spec §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/loopkeep/agentkeep/internal/logsink"
	"github.com/loopkeep/agentkeep/internal/notify"
	"github.com/loopkeep/agentkeep/internal/oplog"
	"github.com/loopkeep/agentkeep/internal/profile"
	"github.com/loopkeep/agentkeep/internal/registry"
	"github.com/loopkeep/agentkeep/internal/supervisor"
)

const version = "0.1.0"

func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss's color profile from the
// environment, same override surface the teacher exposes, so startup
// banners degrade gracefully in a dumb or redirected terminal.
func initColorProfile() {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("AGENTKEEP_COLOR"))) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	if os.Getenv("COLORTERM") == "truecolor" {
		lipgloss.SetColorProfile(termenv.TrueColor)
	}
}

var (
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == "list" {
		return runList(args[1:])
	}
	if len(args) > 0 && (args[0] == "-v" || args[0] == "--version") {
		fmt.Println("agentkeep " + version)
		return 0
	}
	return runSupervise(args)
}

func runSupervise(args []string) int {
	fs := flag.NewFlagSet("agentkeep", flag.ContinueOnError)
	autoYes := fs.Bool("auto-yes", false, "automatically answer non-dangerous confirmations")
	robust := fs.Bool("robust", false, "respawn once, without --continue if needed, after a crash")
	idleTimeout := fs.Duration("idle-timeout", 0, "exit the assistant after this long idle at a Ready prompt (0 disables)")
	preReadyTimeout := fs.Duration("pre-ready-timeout", 0, "promote Starting to Ready after this long with no ready pattern match (0 uses the default)")
	remoteTail := fs.Bool("remote-tail", false, "expose a localhost-only read-only websocket tail of this session")
	pushSubject := fs.String("push-subject", "", "VAPID subject (mailto: or https: URL) for push notifications")
	cwd := fs.String("cwd", "", "working directory for the spawned assistant (defaults to the current directory)")
	cols := fs.Int("cols", 0, "initial PTY column count (defaults to the controlling terminal's width)")
	rows := fs.Int("rows", 0, "initial PTY row count (defaults to the controlling terminal's height)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	positional := fs.Args()
	if len(positional) == 0 {
		fmt.Fprintln(os.Stderr, "usage: agentkeep [flags] <assistant> [assistant args...] [-- prompt]")
		return 2
	}
	assistant := positional[0]
	rest := positional[1:]

	var userArgs []string
	var prompt string
	if idx := indexOf(rest, "--"); idx >= 0 {
		userArgs = rest[:idx]
		prompt = strings.Join(rest[idx+1:], " ")
	} else {
		userArgs = rest
	}

	workDir := *cwd
	if workDir == "" {
		d, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentkeep: %v\n", err)
			return 1
		}
		workDir = d
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep: %v\n", err)
		return 1
	}

	if err := logsink.EnsureWorkspace(workDir); err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep: %v\n", err)
		return 1
	}
	oplog.Init(oplog.Config{Dir: filepath.Join(workDir, logsink.Root, "logs")})
	defer oplog.Shutdown()
	log := oplog.Logger()

	profiles, err := profile.Load(workDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, warningStyle.Render("agentkeep: profile load failed, using defaults: "+err.Error()))
		profiles = profile.Defaults()
	}

	var reg registry.Store
	store, err := registry.Open(workDir)
	if err != nil {
		log.Warn("registry unavailable, continuing without durable history", "error", err)
		reg = registry.NewNull()
	} else {
		reg = store
		defer store.Close()
	}

	var notifier *notify.Notifier
	if n, err := notify.Open(workDir, *pushSubject, false, log); err != nil {
		log.Warn("push notifications unavailable", "error", err)
	} else {
		notifier = n
	}

	termCols, termRows := *cols, *rows
	if termCols <= 0 || termRows <= 0 {
		termCols, termRows = 80, 24
	}

	fmt.Println(bannerStyle.Render(fmt.Sprintf("agentkeep: supervising %s", assistant)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	sup := supervisor.New(supervisor.Config{
		CWD:             workDir,
		Assistant:       assistant,
		Args:            userArgs,
		Prompt:          prompt,
		Profiles:        profiles,
		AutoYes:         *autoYes,
		Robust:          *robust,
		IdleTimeout:     *idleTimeout,
		PreReadyTimeout: *preReadyTimeout,
		Cols:            termCols,
		Rows:            termRows,
		Notifier:        notifierOrNil(notifier),
		RemoteTail:      *remoteTail,
	}, reg, log)

	code := sup.Run(ctx)
	fmt.Println(bannerStyle.Render(fmt.Sprintf("agentkeep: %s exited (code %d)", assistant, code)))
	return code
}

// notifierOrNil returns a nil supervisor.Notifier interface value (not a
// non-nil interface wrapping a nil pointer) when notify.Open found no
// VAPID keys, so supervisor's own "cfg.Notifier != nil" checks behave.
func notifierOrNil(n *notify.Notifier) supervisor.Notifier {
	if n == nil || !n.Enabled() {
		return nil
	}
	return n
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}
