// Package matchengine implements the output-pattern state machine from
// spec §4.5: a rolling matcher over the tail of decoded screen output
// that classifies the assistant's state and emits debounced transitions.
package matchengine

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loopkeep/agentkeep/internal/profile"
)

// State is one node of the state machine in spec §4.5.
type State int

const (
	Starting State = iota
	Ready
	AwaitingConfirmation
	AwaitingDangerousConfirmation
	Working
	Terminated

	// noMatch is an internal sentinel meaning "the tail currently
	// matches none of the classifying pattern lists" — it is never a
	// confirmed or emitted state.
	noMatch State = -1
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Ready:
		return "Idle/Ready"
	case AwaitingConfirmation:
		return "Awaiting-Confirmation"
	case AwaitingDangerousConfirmation:
		return "Awaiting-Dangerous-Confirmation"
	case Working:
		return "Working"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Tail window size: tracked as both a line cap and a byte cap. The
// window holds at most the last tailWindowLines lines, and their joined
// text is cut to at most the last tailWindowBytes bytes, so whichever
// cap is smaller for the current content bounds the window.
const tailWindowBytes = 8 * 1024
const tailWindowLines = 50

// debounce is the stability window from spec §4.5. No library in the
// example corpus provides a debounce primitive, so this uses a plain
// elapsed-time comparison against time.Now() rather than a timer
// goroutine — see DESIGN.md.
const debounce = 100 * time.Millisecond

// Transition describes a state change emitted by the engine.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Engine classifies the tail of decoded output and emits debounced
// transitions to subscribers.
type Engine struct {
	profile *profile.Profile
	onTx    func(Transition)

	mu        sync.Mutex
	lines     []string
	confirmed State

	pending      State
	pendingSince time.Time
	havePending  bool

	lastTransitionAt time.Time
	lastOutputAt     time.Time

	// everReady latches true the first time the engine reaches Ready and
	// never resets, since validEdgeLocked lets a tail match jump Starting
	// straight to a confirmation state without ever passing through
	// Ready. Callers that need "has the pre-Ready window closed" must
	// consult this instead of comparing State() against Starting.
	everReady bool
}

// New creates an Engine starting in Starting, consulting p for pattern
// classification, and invoking onTransition for every debounced
// transition (including the final transition to Terminated).
func New(p *profile.Profile, onTransition func(Transition)) *Engine {
	now := time.Now()
	return &Engine{profile: p, onTx: onTransition, confirmed: Starting, lastTransitionAt: now, lastOutputAt: now}
}

// State returns the current confirmed (debounced) state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmed
}

// HasReachedReady reports whether the engine has ever committed to
// Ready. Starting can jump directly to a confirmation state (spec
// §4.5's diagram draws confirm/dangerous edges from Idle/Ready, but
// validEdgeLocked permits them from Starting too, for profiles whose
// first output is itself a prompt), so "the pre-Ready window is still
// open" is not the same question as "State() == Starting".
func (e *Engine) HasReachedReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.everReady
}

// FeedLine appends one decoded line to the tail window and re-evaluates
// classification (spec §4.4, "fed as a rolling window into the Match
// Engine").
func (e *Engine) FeedLine(line string) {
	e.mu.Lock()
	e.lastOutputAt = time.Now()
	e.lines = append(e.lines, line)
	if len(e.lines) > tailWindowLines {
		e.lines = e.lines[len(e.lines)-tailWindowLines:]
	}
	tx, ok := e.evaluateLocked(classify(e.tailTextLocked(), e.profile))
	e.mu.Unlock()
	e.notify(tx, ok)
}

// FeedChunk re-evaluates classification against the tail plus an
// unterminated partial line, for prompts that end without a newline and
// for no-EOL assistants that repaint in place rather than emit newlines
// (profile field NoEOL). The supervisor calls this from its per-chunk
// output callback.
func (e *Engine) FeedChunk(partial string) {
	e.mu.Lock()
	e.lastOutputAt = time.Now()
	tx, ok := e.evaluateLocked(classify(e.tailTextLocked()+partial, e.profile))
	e.mu.Unlock()
	e.notify(tx, ok)
}

// Tick re-checks whether a pending classification has held stable for
// the debounce window, committing it if so even without new output
// (spec §4.5 "...or the debounce timer elapses with no further
// output"). The supervisor calls this periodically from its heartbeat.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	var tx Transition
	var ok bool
	if e.havePending && now.Sub(e.pendingSince) >= debounce {
		tx, ok = e.commitLocked(e.pending, now)
	}
	e.mu.Unlock()
	e.notify(tx, ok)
}

// MarkReplySent records that the Auto-Responder injected a reply to a
// non-dangerous confirmation, advancing AwaitingConfirmation->Working
// immediately (spec §4.5 diagram edge "reply sent"). Not subject to
// debounce: it is a direct consequence of an action this process took,
// not a classification of ambiguous screen text.
func (e *Engine) MarkReplySent() {
	e.mu.Lock()
	var tx Transition
	var ok bool
	if e.confirmed == AwaitingConfirmation {
		tx, ok = e.commitLocked(Working, time.Now())
	}
	e.mu.Unlock()
	e.notify(tx, ok)
}

// MarkUserInputForwarded records that user keystrokes reached the PTY
// while a dangerous confirmation was pending, advancing
// AwaitingDangerousConfirmation->Working (spec §4.5 diagram edge "user
// input").
func (e *Engine) MarkUserInputForwarded() {
	e.mu.Lock()
	var tx Transition
	var ok bool
	if e.confirmed == AwaitingDangerousConfirmation {
		tx, ok = e.commitLocked(Working, time.Now())
	}
	e.mu.Unlock()
	e.notify(tx, ok)
}

// Terminate immediately (no debounce) moves the engine to Terminated,
// per spec §4.5 "(any) -- (child exit) --> Terminated".
func (e *Engine) Terminate() {
	e.mu.Lock()
	tx, ok := e.commitLocked(Terminated, time.Now())
	e.mu.Unlock()
	e.notify(tx, ok)
}

// ForcePastStarting promotes Starting directly to Ready with no
// pattern match, used by the supervisor's pre-ready timeout fallback
// (spec §9, "expose a timeout override... to avoid deadlocks with
// profiles whose ready pattern never matches").
func (e *Engine) ForcePastStarting() {
	e.mu.Lock()
	var tx Transition
	var ok bool
	if e.confirmed == Starting {
		tx, ok = e.commitLocked(Ready, time.Now())
	}
	e.mu.Unlock()
	e.notify(tx, ok)
}

// LastTransitionAt returns the timestamp of the most recent committed
// transition.
func (e *Engine) LastTransitionAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTransitionAt
}

// LastOutputAt returns the timestamp of the most recent fed chunk or
// line, regardless of whether it caused a transition — used to gate the
// idle timeout on actual PTY silence rather than match-engine state
// changes.
func (e *Engine) LastOutputAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOutputAt
}

// TailMatches reports whether any of patterns matches the current tail
// window, used by the supervisor to check fatalPatterns and
// restartWithoutContinuePatterns around a crash exit.
func (e *Engine) TailMatches(patterns []*regexp.Regexp) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return anyMatch(patterns, e.tailTextLocked())
}

// TailText returns a snapshot of the current tail window, for the
// Auto-Responder to pick the specific reply text a TypingRespond entry
// calls for (spec §4.6).
func (e *Engine) TailText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tailTextLocked()
}

func (e *Engine) tailTextLocked() string {
	joined := strings.Join(e.lines, "\n")
	if len(joined) > tailWindowBytes {
		joined = joined[len(joined)-tailWindowBytes:]
	}
	return joined
}

// evaluateLocked applies a freshly classified tail. noMatch never
// overrides the confirmed state by itself — it only cancels a pending
// proposal that hasn't stabilized yet, per spec's description of the
// machine (Working and Terminated are reached through explicit actions,
// not by the absence of a ready/confirm/dangerous pattern).
func (e *Engine) evaluateLocked(classification State) (Transition, bool) {
	if classification == noMatch || classification == e.confirmed {
		e.havePending = false
		return Transition{}, false
	}
	if !validEdgeLocked(e.confirmed, classification) {
		e.havePending = false
		return Transition{}, false
	}

	now := time.Now()
	if e.havePending && e.pending == classification {
		if now.Sub(e.pendingSince) >= debounce {
			return e.commitLocked(classification, now)
		}
		return Transition{}, false
	}
	e.havePending = true
	e.pending = classification
	e.pendingSince = now
	return Transition{}, false
}

// validEdgeLocked restricts tail-driven transitions to the edges the
// spec §4.5 diagram actually draws from pattern matches: any state but
// Terminated may advance to Ready (via readyPatterns) or to the two confirmation
// states, but nothing tail-driven jumps straight to Working or
// Terminated — those are reached only through MarkReplySent,
// MarkUserInputForwarded, or Terminate.
func validEdgeLocked(from, to State) bool {
	switch to {
	case Ready, AwaitingConfirmation, AwaitingDangerousConfirmation:
		return from != Terminated
	default:
		return false
	}
}

// commitLocked records a state change while e.mu is held, but never
// invokes onTx itself: onTx runs synchronously and may call back into
// other Engine methods (e.g. the Auto-Responder's TailText), so every
// caller unlocks e.mu first and delivers the returned transition via
// notify. sync.Mutex is not reentrant; calling onTx here would deadlock
// the first auto-answered confirmation.
func (e *Engine) commitLocked(to State, at time.Time) (Transition, bool) {
	from := e.confirmed
	e.confirmed = to
	e.havePending = false
	if to == Ready {
		e.everReady = true
	}
	if from == to {
		return Transition{}, false
	}
	e.lastTransitionAt = at
	return Transition{From: from, To: to, At: at}, true
}

// notify delivers a committed transition to onTx. Callers invoke this
// only after releasing e.mu.
func (e *Engine) notify(tx Transition, ok bool) {
	if ok && e.onTx != nil {
		e.onTx(tx)
	}
}

// classify applies the tie-break rule from spec §4.6: dangerous takes
// precedence over confirm over ready, regardless of source order.
func classify(tail string, p *profile.Profile) State {
	if p == nil {
		return noMatch
	}
	if anyMatch(p.DangerousPatterns, tail) {
		return AwaitingDangerousConfirmation
	}
	if anyMatch(p.ConfirmPatterns, tail) {
		return AwaitingConfirmation
	}
	for response := range p.TypingRespond {
		if anyMatch(p.TypingRespond[response], tail) {
			return AwaitingConfirmation
		}
	}
	if anyMatch(p.ReadyPatterns, tail) {
		return Ready
	}
	return noMatch
}

func anyMatch(patterns []*regexp.Regexp, tail string) bool {
	for _, re := range patterns {
		if re.MatchString(tail) {
			return true
		}
	}
	return false
}
