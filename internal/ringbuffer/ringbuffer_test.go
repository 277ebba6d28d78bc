package ringbuffer

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingBuffer_BoundAndOrder(t *testing.T) {
	t.Parallel()

	r := New()
	for i := 0; i < 1500; i++ {
		r.Append(strconv.Itoa(i))
	}

	require.Equal(t, Cap, r.Len())
	lines := r.Lines()
	require.Len(t, lines, Cap)
	require.Equal(t, "500", lines[0])
	require.Equal(t, "1499", lines[len(lines)-1])
}

func TestRingBuffer_BelowCap(t *testing.T) {
	t.Parallel()

	r := New()
	for i := 0; i < 10; i++ {
		r.Append(strconv.Itoa(i))
	}
	require.Equal(t, 10, r.Len())
	require.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, r.Lines())
}

func TestRingBuffer_SubscribeReceivesNewLines(t *testing.T) {
	t.Parallel()

	r := New()
	r.Append("before")

	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	r.Append("after")

	select {
	case line := <-ch:
		require.Equal(t, "after", line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed line")
	}
}

func TestRingBuffer_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	r := New()
	ch, unsubscribe := r.Subscribe()
	unsubscribe()

	r.Append("line")

	select {
	case line, ok := <-ch:
		t.Fatalf("expected no delivery after unsubscribe, got %q (ok=%v)", line, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRingBuffer_SlowSubscriberDoesNotBlockAppend(t *testing.T) {
	t.Parallel()

	r := New()
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Append(strconv.Itoa(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked on a full subscriber channel")
	}
	require.Equal(t, Cap, r.Len())
	_ = ch
}
