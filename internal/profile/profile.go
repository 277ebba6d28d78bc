// Package profile holds per-assistant pattern tables consulted by the
// match engine and auto-responder: which substrings mean the assistant is
// ready for input, which mean it is asking for a yes/no confirmation, and
// which key sequence answers a confirmation.
package profile

import "regexp"

// Profile is a plain data record describing one assistant's screen
// vocabulary. No behavior is attached to it; the match engine and
// auto-responder are the only things that interpret it.
type Profile struct {
	// Name is the profile key, e.g. "claude", "gemini".
	Name string

	// Binary overrides the executable name when it differs from Name.
	Binary string

	// ArgvPrefix is prepended to user-supplied arguments before spawn.
	ArgvPrefix []string

	// ReadyPatterns match an interactive prompt ("agent is idle").
	ReadyPatterns []*regexp.Regexp

	// WorkingPatterns match "still processing" banners (e.g. "esc to
	// interrupt"). Used to gate the idle timeout so a long tool call is
	// never mistaken for an idle, abandoned session.
	WorkingPatterns []*regexp.Regexp

	// ConfirmPatterns match an ordinary yes/no confirmation prompt.
	ConfirmPatterns []*regexp.Regexp

	// DangerousPatterns match a destructive-action confirmation prompt.
	// These take precedence over ConfirmPatterns and are never
	// auto-answered.
	DangerousPatterns []*regexp.Regexp

	// TypingRespond maps a literal response string to the patterns that
	// should trigger sending it verbatim (no trailing newline implied).
	TypingRespond map[string][]*regexp.Regexp

	// ReplyKeys is the key sequence sent on a non-dangerous confirmation.
	// Defaults to "\n" when empty.
	ReplyKeys string

	// FatalPatterns match unrecoverable output; the supervisor gives up
	// without restarting.
	FatalPatterns []*regexp.Regexp

	// RestartWithoutContinuePatterns match output produced when a
	// "--continue"-style resume flag fails because there is nothing to
	// resume; a robust restart retries once without RestoreArgs.
	RestartWithoutContinuePatterns []*regexp.Regexp

	// RestoreArgs is appended on a robust restart after a crash, e.g.
	// ["--continue"]. Omitted on the no-continue retry.
	RestoreArgs []string

	// ExitCommand is typed, one line at a time, when the idle timeout
	// fires and the assistant is not mid-tool-call.
	ExitCommand []string

	// DefaultArgs is appended after ArgvPrefix and before user args.
	DefaultArgs []string

	// NoEOL means the assistant repaints in place rather than emitting
	// newlines, so the tail is re-checked on every output chunk, not only
	// when a new line is decoded or a partial line is pending.
	NoEOL bool

	// PromptViaStdin means the initial prompt is typed into the PTY after
	// spawn rather than appended to argv, for assistants with no one-shot
	// CLI flag for an initial message. None of the built-in profiles need
	// this (all accept the prompt as a trailing argument); it exists for
	// a profiles.toml override describing an assistant that doesn't.
	PromptViaStdin bool
}

func re(pattern string) *regexp.Regexp {
	return regexp.MustCompile(pattern)
}

// Defaults returns the built-in profile table, grounded on the original
// tool's per-assistant screen vocabulary. Callers may override entries
// with an on-disk profiles.toml (see Load).
func Defaults() map[string]*Profile {
	return map[string]*Profile{
		"claude": {
			Name: "claude",
			ReadyPatterns: []*regexp.Regexp{
				re(`\? for shortcuts`),
				re(`^>[ \x{00A0}]`),
				re(`─{10,}`),
			},
			WorkingPatterns: []*regexp.Regexp{
				re(`esc to interrupt`),
				re(`to run in background`),
			},
			TypingRespond: map[string][]*regexp.Regexp{
				"1\n": {re(`Do you want to use this API key\?`)},
			},
			ConfirmPatterns: []*regexp.Regexp{
				re(`\(y/N\)`),
				re(`\(Y/n\)`),
			},
			DangerousPatterns: []*regexp.Regexp{
				re(`rm -rf`),
				re(`Do you want to proceed\?\s*$`),
			},
			ReplyKeys:                      "\n",
			FatalPatterns:                  []*regexp.Regexp{re(`Claude usage limit reached`), re(`^error: unknown option`)},
			RestoreArgs:                    []string{"--continue"},
			RestartWithoutContinuePatterns: []*regexp.Regexp{re(`No conversation found to continue`)},
			ExitCommand:                    []string{"/exit"},
		},
		"gemini": {
			Name:              "gemini",
			ReadyPatterns:     []*regexp.Regexp{re(`Type your message`)},
			ConfirmPatterns:   []*regexp.Regexp{re(`│ ● 1\. Allow once`), re(`│ ● 1\. Yes, allow once`)},
			DangerousPatterns: []*regexp.Regexp{re(`Yes, allow always`)},
			ReplyKeys:         "\n",
			FatalPatterns:     []*regexp.Regexp{re(`Error resuming session`), re(`No previous sessions found for this project`)},
			RestoreArgs:       []string{"--resume"},
			RestartWithoutContinuePatterns: []*regexp.Regexp{
				re(`No previous sessions found for this project`),
				re(`Error resuming session`),
			},
			ExitCommand: []string{"/chat save current", "/quit"},
		},
		"codex": {
			Name: "codex",
			ReadyPatterns: []*regexp.Regexp{
				re(`⏎ send`),
				re(`\? for shortcuts`),
			},
			ConfirmPatterns: []*regexp.Regexp{
				re(`› 1\. Yes,`),
				re(`> 1\. Yes,`),
			},
			DangerousPatterns: []*regexp.Regexp{re(`Approve and run now`)},
			ReplyKeys:         "\n",
			FatalPatterns:     []*regexp.Regexp{re(`Error: The cursor position could not be read within`)},
			DefaultArgs:       []string{"--search"},
			NoEOL:             true,
		},
		"copilot": {
			Name:              "copilot",
			ReadyPatterns:     []*regexp.Regexp{re(`^ +> `), re(`Ctrl\+c Exit`)},
			ConfirmPatterns:   []*regexp.Regexp{re(`❯ +1\. Yes`)},
			DangerousPatterns: []*regexp.Regexp{re(`│ ❯ +1\. Yes, proceed`)},
			ReplyKeys:         "\n",
		},
		"cursor": {
			Name:              "cursor",
			Binary:            "cursor-agent",
			ReadyPatterns:     []*regexp.Regexp{re(`/ commands`)},
			ConfirmPatterns:   []*regexp.Regexp{re(`→ Run \(once\) \(y\) \(enter\)`)},
			DangerousPatterns: []*regexp.Regexp{re(`▶ \[a\] Trust this workspace`)},
			ReplyKeys:         "\n",
			FatalPatterns:     []*regexp.Regexp{re(`Error: You've hit your usage limit`)},
		},
		"grok": {
			Name:            "grok",
			ReadyPatterns:   []*regexp.Regexp{re(`^  │ ❯ +`)},
			ConfirmPatterns: []*regexp.Regexp{re(`^   1\. Yes`)},
			ReplyKeys:       "\n",
		},
	}
}

// Lookup returns the named profile, or a conservative empty profile
// (ready patterns never match, nothing is auto-answered) if the name is
// unknown. This mirrors the original tool's fallback but never errors:
// a supervisor should still run as a plain logger+multiplexer for an
// unrecognized assistant, per spec §4.6 ("autoYes=false... purely as a
// logger+multiplexer").
func Lookup(table map[string]*Profile, name string) *Profile {
	if p, ok := table[name]; ok {
		return p
	}
	return &Profile{Name: name, ReplyKeys: "\n"}
}

// ReplyBytes returns the byte sequence to inject for a non-dangerous
// confirmation, defaulting to a bare newline.
func (p *Profile) ReplyBytes() []byte {
	if p.ReplyKeys == "" {
		return []byte("\n")
	}
	return []byte(p.ReplyKeys)
}

// ReplyFor returns the bytes the auto-responder should inject for the
// given tail text: a TypingRespond entry whose pattern matches takes
// precedence over the profile's default ReplyKeys (spec §4.6, "some
// confirmations require a specific typed answer rather than a bare
// reply key").
func (p *Profile) ReplyFor(tail string) []byte {
	for response, patterns := range p.TypingRespond {
		for _, re := range patterns {
			if re.MatchString(tail) {
				return []byte(response)
			}
		}
	}
	return p.ReplyBytes()
}
