package progressbus

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketSink broadcasts a session's Progress stream to any number of
// connected observers, the same register/unregister/broadcast hub shape
// the teacher used for its DAG visualizer, retargeted to Progress events
// instead of DAGEvent.
type WebSocketSink struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan Progress
	done       chan struct{}
}

func NewWebSocketSink(log *slog.Logger) *WebSocketSink {
	return &WebSocketSink{
		log:     log,
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan Progress, 256),
		done:       make(chan struct{}),
	}
}

// Run drives the hub loop; intended to run on its own goroutine for the
// lifetime of the server process.
func (s *WebSocketSink) Run() {
	for {
		select {
		case conn := <-s.register:
			s.mu.Lock()
			s.clients[conn] = true
			s.mu.Unlock()
		case conn := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[conn]; ok {
				delete(s.clients, conn)
				conn.Close()
			}
			s.mu.Unlock()
		case p := <-s.broadcast:
			s.mu.RLock()
			for conn := range s.clients {
				if err := conn.WriteJSON(p); err != nil {
					s.log.Warn("progressbus: websocket write failed", "error", err)
					conn.Close()
					delete(s.clients, conn)
				}
			}
			s.mu.RUnlock()
		case <-s.done:
			return
		}
	}
}

// Publish implements the sink interface a Bus subscriber goroutine drives.
func (s *WebSocketSink) Publish(p Progress) {
	select {
	case s.broadcast <- p:
	default:
	}
}

func (s *WebSocketSink) Stop() { close(s.done) }

// ServeHTTP upgrades a request to a websocket connection and registers it
// as a progress observer.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("progressbus: websocket upgrade failed", "error", err)
		return
	}
	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Pump subscribes sink to bus and forwards every event until ch is closed.
func Pump(bus *Bus, sink interface{ Publish(Progress) }) {
	ch := bus.Subscribe()
	go func() {
		for p := range ch {
			sink.Publish(p)
		}
	}()
}
