// Package decoder turns a raw PTY byte stream into decoded lines: ANSI
// CSI/OSC escape sequences stripped, split on newline/carriage-return,
// with a partial trailing line buffered until the next chunk (spec
// §4.4).
package decoder

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// csiOSC matches ANSI CSI sequences (ESC [ ... letter) and OSC
// sequences (ESC ] ... BEL or ESC \), which is the bulk of what a TUI
// assistant emits for color, cursor movement, and window-title changes.
var csiOSC = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[()][0-9A-Za-z]|\x1b[=>]`)

// Strip removes ANSI escape sequences from s.
func Strip(s string) string {
	return csiOSC.ReplaceAllString(s, "")
}

// Decoder buffers a partial trailing line across chunks and emits
// complete, escape-stripped lines as they close.
type Decoder struct {
	pending strings.Builder
}

// New returns an empty Decoder.
func New() *Decoder { return &Decoder{} }

// Feed appends a chunk and returns the complete lines it closed, in
// order. Any remaining partial line stays buffered for the next call.
func (d *Decoder) Feed(chunk []byte) []string {
	d.pending.WriteString(Strip(string(chunk)))
	buffered := d.pending.String()

	// Normalize CRLF/CR to LF so "\r\n" and bare "\r" (common in
	// cursor-repainting TUIs) both close a line exactly once.
	buffered = strings.ReplaceAll(buffered, "\r\n", "\n")
	buffered = strings.ReplaceAll(buffered, "\r", "\n")

	parts := strings.Split(buffered, "\n")
	d.pending.Reset()
	d.pending.WriteString(parts[len(parts)-1])

	return parts[:len(parts)-1]
}

// Pending returns the current unterminated trailing line without
// consuming it.
func (d *Decoder) Pending() string { return d.pending.String() }

// TraceSnippet truncates s to at most width display columns (accounting
// for wide/multi-byte runes via go-runewidth), for embedding in a
// fixed-width debug trace column without corrupting alignment.
func TraceSnippet(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
