// Package statusserver exposes the orchestrator's status and conflict
// reports over HTTP and pushes live updates over WebSocket, generalized
// from this codebase's dashboard HTTP server.
package statusserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/CLIAIMONITOR/internal/coordinator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the status/WebSocket HTTP server.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	hub         *Hub
	coordinator *coordinator.Coordinator
}

// New builds a Server bound to addr, reporting on co.
func New(addr string, co *coordinator.Coordinator) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		hub:         NewHub(),
		coordinator: co,
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/conflicts", s.handleConflicts).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the WebSocket hub and HTTP server. It blocks until the
// server stops or errors.
func (s *Server) Start() error {
	go s.hub.Run()
	log.Printf("[STATUSSERVER] listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Broadcast pushes an arbitrary typed update to every connected
// dashboard client — called through the coordinator's broadcast hook
// after task assignment, conflict resolution and result aggregation.
func (s *Server) Broadcast(msgType string, data interface{}) {
	s.hub.BroadcastJSON(msgType, data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.coordinator.StatusReport()))
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.coordinator.ConflictReport()))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[STATUSSERVER] Warning: websocket upgrade failed: %v", err)
		return
	}
	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, WebSocketBufferSize)}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
