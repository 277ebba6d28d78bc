package decoder

import (
	"testing"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/require"
)

func TestStrip_RemovesCSIAndOSC(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hello", Strip("\x1b[31mhello\x1b[0m"))
	require.Equal(t, "title", Strip("\x1b]0;window title\x07title"))
}

func TestDecoder_FeedSplitsCompleteLines(t *testing.T) {
	t.Parallel()

	d := New()
	lines := d.Feed([]byte("one\ntwo\nthree"))

	require.Equal(t, []string{"one", "two"}, lines)
	require.Equal(t, "three", d.Pending())
}

func TestDecoder_FeedAcrossChunks(t *testing.T) {
	t.Parallel()

	d := New()
	require.Empty(t, d.Feed([]byte("partial")))
	lines := d.Feed([]byte(" line\nnext"))

	require.Equal(t, []string{"partial line"}, lines)
	require.Equal(t, "next", d.Pending())
}

func TestDecoder_NormalizesCRLFAndBareCR(t *testing.T) {
	t.Parallel()

	d := New()
	lines := d.Feed([]byte("a\r\nb\rc\n"))
	require.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestDecoder_StripsEscapesBeforeSplitting(t *testing.T) {
	t.Parallel()

	d := New()
	lines := d.Feed([]byte("\x1b[32mok\x1b[0m\n"))
	require.Equal(t, []string{"ok"}, lines)
}

func TestTraceSnippet_TruncatesWideRunes(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", TraceSnippet("short", 10))

	snippet := TraceSnippet("a long line that exceeds the width", 10)
	require.LessOrEqual(t, runewidth.StringWidth(snippet), 10)
	require.Contains(t, snippet, "…")
}
