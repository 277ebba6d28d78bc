package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// overrideFile is the on-disk shape of profiles.toml. Loading/merging
// project- or home-scoped config layers is out of scope (spec §1); this
// is the single workspace-local override file consulted on top of
// Defaults().
type overrideFile struct {
	Profiles map[string]overrideEntry `toml:"profile"`
}

type overrideEntry struct {
	Ready       []string `toml:"ready"`
	Working     []string `toml:"working"`
	Confirm     []string `toml:"confirm"`
	Dangerous   []string `toml:"dangerous"`
	ReplyKeys   string   `toml:"reply_keys"`
	Fatal       []string `toml:"fatal"`
	ExitCommand []string `toml:"exit_command"`
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("profile: compile pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// applyOverride merges an overrideEntry onto a copy of base, replacing
// (not appending to) any field the override sets explicitly.
func applyOverride(base *Profile, o overrideEntry) (*Profile, error) {
	merged := *base
	var err error
	if len(o.Ready) > 0 {
		if merged.ReadyPatterns, err = compileAll(o.Ready); err != nil {
			return nil, err
		}
	}
	if len(o.Working) > 0 {
		if merged.WorkingPatterns, err = compileAll(o.Working); err != nil {
			return nil, err
		}
	}
	if len(o.Confirm) > 0 {
		if merged.ConfirmPatterns, err = compileAll(o.Confirm); err != nil {
			return nil, err
		}
	}
	if len(o.Dangerous) > 0 {
		if merged.DangerousPatterns, err = compileAll(o.Dangerous); err != nil {
			return nil, err
		}
	}
	if len(o.Fatal) > 0 {
		if merged.FatalPatterns, err = compileAll(o.Fatal); err != nil {
			return nil, err
		}
	}
	if o.ReplyKeys != "" {
		merged.ReplyKeys = o.ReplyKeys
	}
	if len(o.ExitCommand) > 0 {
		merged.ExitCommand = o.ExitCommand
	}
	return &merged, nil
}

// Load reads <cwd>/.agent-yes/profiles.toml, if present, and returns
// Defaults() with any named profiles overridden. A missing file is not
// an error; the zero value behaves like Defaults().
func Load(cwd string) (map[string]*Profile, error) {
	table := Defaults()
	path := filepath.Join(cwd, ".agent-yes", "profiles.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}

	var f overrideFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}

	for name, entry := range f.Profiles {
		base, ok := table[name]
		if !ok {
			base = &Profile{Name: name, ReplyKeys: "\n"}
		}
		merged, err := applyOverride(base, entry)
		if err != nil {
			return nil, err
		}
		merged.Name = name
		table[name] = merged
	}
	return table, nil
}

// Watcher reloads the override file whenever it changes on disk and
// publishes the resulting table through Current. The zero Watcher is not
// usable; construct with NewWatcher.
type Watcher struct {
	cwd string
	log *slog.Logger

	mu      sync.RWMutex
	current map[string]*Profile

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher loads the initial table and starts watching
// .agent-yes/profiles.toml for changes. The workspace directory
// (.agent-yes/) may not exist yet; the watcher is a best-effort
// convenience and degrades to "never reloads" if fsnotify setup fails,
// matching the spec's policy that observability conveniences are logged
// and swallowed rather than fatal (§7).
func NewWatcher(cwd string, log *slog.Logger) (*Watcher, error) {
	initial, err := Load(cwd)
	if err != nil {
		return nil, err
	}

	w := &Watcher{cwd: cwd, log: log, current: initial, done: make(chan struct{})}

	dir := filepath.Join(cwd, ".agent-yes")
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("profile: fsnotify unavailable, hot reload disabled", "error", err)
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		// Directory may not exist yet (created later by logsink.EnsureWorkspace);
		// that's fine, we just never see changes.
		_ = fw.Close()
		return w, nil
	}
	w.watcher = fw
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "profiles.toml" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			table, err := Load(w.cwd)
			if err != nil {
				w.log.Warn("profile: reload failed, keeping previous table", "error", err)
				continue
			}
			w.mu.Lock()
			w.current = table
			w.mu.Unlock()
			w.log.Info("profile: reloaded profiles.toml")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("profile: watch error", "error", err)
		}
	}
}

// Current returns the most recently loaded profile table.
func (w *Watcher) Current() map[string]*Profile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher. Safe to call even if fsnotify setup failed.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
