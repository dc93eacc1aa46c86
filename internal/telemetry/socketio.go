package telemetry

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
)

var errNoNamespace = errors.New("telemetry: socket.io namespace not registered")

var allowOriginFunc = func(r *http.Request) bool {
	return true
}

// SocketIOSink emits every payload as an "object-detected" event on the
// root namespace. New clients receive the last payload on connect.
type SocketIOSink struct {
	server *socketio.Server

	mu   sync.RWMutex
	last []byte
}

// NewSocketIOSink builds the Socket.IO server. Call Serve before mounting
// Server on "/socket.io/".
func NewSocketIOSink() *SocketIOSink {
	s := &SocketIOSink{}
	server := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})

	server.OnConnect("/", func(conn socketio.Conn) error {
		conn.SetContext("")
		log.Printf("telemetry: socket.io client %s connected from %s", conn.ID(), conn.RemoteAddr())
		if last := s.lastPayload(); last != nil {
			conn.Emit(EventObjectDetected, string(last))
		}
		return nil
	})

	server.OnError("/", func(conn socketio.Conn, e error) {
		if conn == nil {
			log.Printf("telemetry: socket.io error: %v", e)
			return
		}
		log.Printf("telemetry: socket.io client %s error: %v", conn.ID(), e)
	})

	server.OnDisconnect("/", func(conn socketio.Conn, reason string) {
		log.Printf("telemetry: socket.io client %s disconnected: %s", conn.ID(), reason)
	})

	s.server = server
	return s
}

// Server is the HTTP handler for "/socket.io/".
func (s *SocketIOSink) Server() http.Handler { return s.server }

// Serve runs the engine.io loop until Close.
func (s *SocketIOSink) Serve() error { return s.server.Serve() }

// Close shuts the server down.
func (s *SocketIOSink) Close() error { return s.server.Close() }

func (s *SocketIOSink) Name() string { return "socketio" }

// Publish broadcasts payload to every connected client.
func (s *SocketIOSink) Publish(_ context.Context, payload []byte) error {
	s.mu.Lock()
	s.last = payload
	s.mu.Unlock()

	if !s.server.BroadcastToNamespace("/", EventObjectDetected, string(payload)) {
		return errNoNamespace
	}
	return nil
}

func (s *SocketIOSink) lastPayload() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
