// Main HTTP REST API server for the community map.

// Provides the read model (snapshot, peers, traceroutes, regions) and the
// commands (traceroute, refresh, privacy) to dashboards and companion apps.
// Uses Gorilla Mux for routing, includes CORS support and logging middleware,
// plus a WebSocket event stream for live map updates.

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/haimish/haimesh/core/record"
	"github.com/haimish/haimesh/node"
	"github.com/haimish/haimesh/privacy"
)

var log = logging.Logger("haimesh/api")

// Backend is the node surface the API serves. *node.Node implements it.
type Backend interface {
	PeerID() string
	Snapshot() *node.Snapshot
	Status() node.Status
	QueryRegion(ctx context.Context, partition string) (*node.RegionView, error)
	RunTraceroute(ctx context.Context, peerID string) (*record.TracerouteRecord, error)
	RunTracerouteAll(ctx context.Context) int
	RefreshPeers(ctx context.Context) error
	UpdatePrivacy(next privacy.Settings, force bool) error
	Privacy() *privacy.Manager
	Events() <-chan node.Event
	RegisterMobileDevice(name string) string
	IngestMobileTrace(token string, tr record.TracerouteRecord) error
}

// Server represents the HTTP API server.
type Server struct {
	backend Backend
	router  *mux.Router
	server  *http.Server
	port    int

	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[chan node.Event]struct{}
}

// NewServer creates a new API server.
func NewServer(backend Backend, port int) *Server {
	server := &Server{
		backend:     backend,
		port:        port,
		subscribers: make(map[chan node.Event]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Read model
	api.HandleFunc("/snapshot", s.getSnapshot).Methods("GET")
	api.HandleFunc("/peers", s.getPeers).Methods("GET")
	api.HandleFunc("/traceroutes", s.getTraceroutes).Methods("GET")
	api.HandleFunc("/region/{partition}", s.getRegion).Methods("GET")

	// Commands
	api.HandleFunc("/traceroute/{peer_id}", s.postTraceroute).Methods("POST")
	api.HandleFunc("/refresh", s.postRefresh).Methods("POST")
	api.HandleFunc("/privacy", s.postPrivacy).Methods("POST")
	api.HandleFunc("/privacy", s.getPrivacy).Methods("GET")

	// Companion devices
	api.HandleFunc("/mobile/register", s.postMobileRegister).Methods("POST")
	api.HandleFunc("/mobile/traceroute", s.postMobileTraceroute).Methods("POST")

	// Live updates
	api.HandleFunc("/events", s.getEvents).Methods("GET")

	// Status endpoints
	api.HandleFunc("/status", s.getStatus).Methods("GET")
	api.HandleFunc("/health", s.getHealth).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	s.router.Use(c.Handler)
	s.router.Use(s.loggingMiddleware)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and the event fan-out loop.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.fanOutEvents(ctx)

	log.Infof("API server starting on port %d", s.port)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// fanOutEvents copies node events to every connected WebSocket client.
func (s *Server) fanOutEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.backend.Events():
			if !ok {
				return
			}
			s.mu.Lock()
			for ch := range s.subscribers {
				select {
				case ch <- ev:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) subscribe() chan node.Event {
	ch := make(chan node.Event, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan node.Event) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
}

// Read model endpoints

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.backend.Snapshot())
}

func (s *Server) getPeers(w http.ResponseWriter, r *http.Request) {
	snap := s.backend.Snapshot()
	response := map[string]interface{}{
		"peers": snap.Peers,
		"count": len(snap.Peers),
	}
	s.writeJSON(w, response)
}

func (s *Server) getTraceroutes(w http.ResponseWriter, r *http.Request) {
	snap := s.backend.Snapshot()
	response := map[string]interface{}{
		"traceroutes":        snap.Traceroutes,
		"shared_traceroutes": snap.SharedTraceroutes,
		"count":              len(snap.Traceroutes) + len(snap.SharedTraceroutes),
	}
	s.writeJSON(w, response)
}

func (s *Server) getRegion(w http.ResponseWriter, r *http.Request) {
	partition := mux.Vars(r)["partition"]

	view, err := s.backend.QueryRegion(r.Context(), partition)
	if err != nil {
		s.writeError(w, "Region query failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, view)
}

// Command endpoints

func (s *Server) postTraceroute(w http.ResponseWriter, r *http.Request) {
	peerID := mux.Vars(r)["peer_id"]

	if peerID == "all" {
		launched := s.backend.RunTracerouteAll(context.Background())
		s.writeJSON(w, map[string]interface{}{"launched": launched})
		return
	}

	tr, err := s.backend.RunTraceroute(r.Context(), peerID)
	if err != nil {
		if errors.Is(err, node.ErrPeerUnreachable) {
			s.writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, tr)
}

func (s *Server) postRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.RefreshPeers(r.Context()); err != nil {
		s.writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) getPrivacy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.backend.Privacy().Settings())
}

func (s *Server) postPrivacy(w http.ResponseWriter, r *http.Request) {
	var next privacy.Settings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		s.writeError(w, "Invalid privacy settings", http.StatusBadRequest)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := s.backend.UpdatePrivacy(next, force); err != nil {
		var cooldown *privacy.CooldownError
		if errors.As(err, &cooldown) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(cooldown.Remaining.Seconds())))
			s.writeError(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, s.backend.Privacy().Settings())
}

// Companion device endpoints

func (s *Server) postMobileRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeError(w, "Device name required", http.StatusBadRequest)
		return
	}
	token := s.backend.RegisterMobileDevice(req.Name)
	s.writeJSON(w, map[string]string{"token": token})
}

func (s *Server) postMobileTraceroute(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Device-Token")
	if token == "" {
		s.writeError(w, "Missing device token", http.StatusUnauthorized)
		return
	}

	var tr record.TracerouteRecord
	if err := json.NewDecoder(r.Body).Decode(&tr); err != nil {
		s.writeError(w, "Invalid traceroute payload", http.StatusBadRequest)
		return
	}

	if err := s.backend.IngestMobileTrace(token, tr); err != nil {
		s.writeError(w, err.Error(), http.StatusForbidden)
		return
	}
	s.writeJSON(w, map[string]string{"status": "accepted"})
}

// Live updates

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
)

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// Read pump: drains client frames so close and pong frames are
	// processed, and signals when the client goes away.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// Status endpoints

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.backend.Status())
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"peer_id":   s.backend.PeerID(),
		"version":   "1.0.0",
	}
	s.writeJSON(w, health)
}

// Helper methods

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnf("Error encoding JSON: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     message,
		"status":    statusCode,
		"timestamp": time.Now().Unix(),
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lrw, r)

		log.Debugf("%s %s %d %v", r.Method, r.URL.Path, lrw.statusCode, time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
