// Package ringbuffer implements the decoded-line tail buffer from spec
// §3 ("Ring Buffer"): a bounded, insertion-ordered sequence capped at
// 1,000 lines. It is the in-memory counterpart to the lines log — the
// lines log keeps everything on disk, the ring buffer keeps only the
// most recent window in memory for retrospective reads (spec §4.4).
package ringbuffer

import "sync"

// Cap is the hard line cap from spec §3.
const Cap = 1000

// RingBuffer is a thread-safe circular buffer of decoded lines.
type RingBuffer struct {
	mu    sync.Mutex
	lines []string
	start int // index of the oldest line within lines
	count int

	subs map[chan string]struct{}
}

// New returns an empty RingBuffer pre-sized to Cap.
func New() *RingBuffer {
	return &RingBuffer{lines: make([]string, Cap)}
}

// Append adds a line, evicting the oldest line if the buffer is full.
// Eviction preserves insertion order of the remaining lines (spec §8.1),
// and fans the line out to any active Subscribe channels, used by
// internal/tail to stream new lines to a connected peer (SPEC_FULL §4.9).
func (r *RingBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < Cap {
		idx := (r.start + r.count) % Cap
		r.lines[idx] = line
		r.count++
	} else {
		// Full: overwrite the oldest slot and advance start.
		r.lines[r.start] = line
		r.start = (r.start + 1) % Cap
	}

	for ch := range r.subs {
		select {
		case ch <- line:
		default:
			// Slow subscriber: drop rather than block the PTY read loop.
		}
	}
}

// Subscribe returns a channel receiving every line appended after this
// call, and an unsubscribe func to release it. The channel is buffered;
// a subscriber that falls behind silently misses lines rather than
// backpressuring Append.
func (r *RingBuffer) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 256)
	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[chan string]struct{})
	}
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
	return ch, unsubscribe
}

// Lines returns a snapshot of the buffered lines, oldest first.
func (r *RingBuffer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.lines[(r.start+i)%Cap]
	}
	return out
}

// Len returns the number of lines currently buffered: min(appends, Cap).
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
