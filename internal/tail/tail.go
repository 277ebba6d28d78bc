// Package tail implements the optional, read-only remote-tail websocket
// endpoint from SPEC_FULL §4.9, grounded on the teacher's
// internal/web/handlers_ws.go and terminal_bridge.go: a connecting peer
// receives the ring buffer's current contents, then every newly decoded
// line as it arrives. It never accepts writes — the PTY's only writable
// surface is the IPC endpoint (spec §4.7) — and it binds to 127.0.0.1
// only, since it exists for local tooling (a second terminal, a status
// bar) rather than remote access.
package tail

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopkeep/agentkeep/internal/ringbuffer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves one session's ring buffer over a localhost-only
// websocket listener.
type Server struct {
	assistant string
	ring      *ringbuffer.RingBuffer
	log       *slog.Logger

	httpSrv  *http.Server
	listener net.Listener
}

type lineMessage struct {
	Type      string `json:"type"`
	Assistant string `json:"assistant,omitempty"`
	Line      string `json:"line,omitempty"`
}

// Listen binds a loopback listener on an OS-assigned port and starts
// serving. Returns the server and its address ("127.0.0.1:PORT") for
// the caller to record in the registry or print to the operator.
func Listen(assistant string, ring *ringbuffer.RingBuffer, log *slog.Logger) (*Server, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}

	s := &Server{assistant: assistant, ring: ring, log: log, listener: ln}
	mux := http.NewServeMux()
	mux.HandleFunc("/tail", s.handleTail)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn("tail server stopped", "error", err)
		}
	}()

	return s, ln.Addr().String(), nil
}

// Close shuts the listener and any open connections down.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(v)
	}

	ch, unsubscribe := s.ring.Subscribe()
	defer unsubscribe()

	for _, line := range s.ring.Lines() {
		if err := writeJSON(lineMessage{Type: "backlog", Assistant: s.assistant, Line: line}); err != nil {
			return
		}
	}

	// Drain any client messages (pings, or a closed connection) on a
	// separate goroutine so a dropped read doesn't block line delivery;
	// the handler itself never acts on read content since this endpoint
	// is read-only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := writeJSON(lineMessage{Type: "line", Assistant: s.assistant, Line: line}); err != nil {
				return
			}
		}
	}
}
