package tail

import (
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/loopkeep/agentkeep/internal/ringbuffer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: addr, Path: "/tail"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	return conn
}

func TestServer_SendsBacklogThenLiveLines(t *testing.T) {
	t.Parallel()

	ring := ringbuffer.New()
	ring.Append("backlog one")
	ring.Append("backlog two")

	srv, addr, err := Listen("claude", ring, discardLogger())
	require.NoError(t, err)
	defer srv.Close()
	require.True(t, strings.HasPrefix(addr, "127.0.0.1:"))

	conn := dial(t, addr)
	defer conn.Close()

	var got []lineMessage
	for i := 0; i < 2; i++ {
		var msg lineMessage
		require.NoError(t, conn.ReadJSON(&msg))
		got = append(got, msg)
	}
	require.Equal(t, "backlog", got[0].Type)
	require.Equal(t, "backlog one", got[0].Line)
	require.Equal(t, "backlog two", got[1].Line)

	ring.Append("live line")
	var live lineMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&live))
	require.Equal(t, "line", live.Type)
	require.Equal(t, "live line", live.Line)
}

func TestServer_EmptyRingSendsNoBacklog(t *testing.T) {
	t.Parallel()

	ring := ringbuffer.New()
	srv, addr, err := Listen("claude", ring, discardLogger())
	require.NoError(t, err)
	defer srv.Close()

	conn := dial(t, addr)
	defer conn.Close()

	ring.Append("only line")
	var msg lineMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "line", msg.Type)
	require.Equal(t, "only line", msg.Line)
}

func TestServer_CloseStopsAcceptingConnections(t *testing.T) {
	t.Parallel()

	ring := ringbuffer.New()
	srv, addr, err := Listen("claude", ring, discardLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	u := url.URL{Scheme: "ws", Host: addr, Path: "/tail"}
	_, _, err = websocket.DefaultDialer.Dial(u.String(), nil)
	require.Error(t, err)
}
