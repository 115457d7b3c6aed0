package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evcraddock/todufit-go/internal/crdt"
	"github.com/evcraddock/todufit-go/internal/wire"
)

// Auth is the identity bound to one API key.
type Auth struct {
	UserID  string
	GroupID string
}

// Config holds the relay's immutable configuration.
type Config struct {
	DataDir string
	// Keys maps API key → identity. Loaded once at startup.
	Keys   map[string]Auth
	Logger *slog.Logger
}

// docHandle is the single in-memory instance of one document, shared by all
// connections syncing it. mu is the per-document lock: writes hold it across
// load → apply → save → broadcast.
type docHandle struct {
	mu     sync.RWMutex
	doc    *crdt.Doc
	loaded bool
}

// Server is the relay. One instance serves many websocket connections.
type Server struct {
	storage *Storage
	hub     *Hub
	keys    map[string]Auth
	logger  *slog.Logger

	// peerID identifies this relay in the wire protocol handshake.
	peerID string

	mu   sync.Mutex
	docs map[topicKey]*docHandle
}

// NewServer builds a relay from config.
func NewServer(cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("relay: data directory is required")
	}

	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("relay: at least one API key is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		storage: NewStorage(cfg.DataDir),
		hub:     NewHub(),
		keys:    cfg.Keys,
		logger:  logger,
		peerID:  uuid.NewString(),
		docs:    make(map[topicKey]*docHandle),
	}, nil
}

// Handler returns the relay's HTTP handler: /health, /me, /metrics, /sync.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /me", s.handleMe)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /sync", s.handleSync)

	return mux
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleMe returns the identity bound to the presented bearer key.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	key, ok := bearerKey(r)
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	auth, ok := s.keys[key]
	if !ok {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	_ = json.NewEncoder(w).Encode(map[string]string{
		"user_id":  auth.UserID,
		"group_id": auth.GroupID,
	})
}

// bearerKey extracts the API key from an Authorization: Bearer header.
func bearerKey(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")

	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || key == "" {
		return "", false
	}

	return key, true
}

// handleSync upgrades to a websocket and runs the per-connection protocol.
// Auth is via the key query parameter because websocket clients cannot set
// headers portably.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.keys[r.URL.Query().Get("key")]
	if !ok {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	ws.SetReadLimit(wire.MaxFrameSize)

	connectionsActive.Inc()
	defer connectionsActive.Dec()

	conn := newClientConn(s, ws, auth)
	conn.serve(r.Context())
}

// resolveScope maps a document kind label to the owner scope the presented
// key is authorized for: personal kinds belong to the user, everything else
// to the key's group. An empty scope means the key has no access to that
// class of documents.
func resolveScope(auth Auth, docType string) string {
	switch docType {
	case "identity", "meallogs":
		return auth.UserID
	default:
		return auth.GroupID
	}
}

// handle returns the shared in-memory handle for a document, creating it on
// first use.
func (s *Server) handle(key topicKey) *docHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.docs[key]
	if !ok {
		h = &docHandle{}
		s.docs[key] = h
	}

	return h
}

// releaseDoc drops a document's in-memory handle once no connection is
// subscribed to it; the blob on disk remains authoritative.
func (s *Server) releaseDoc(key topicKey) {
	if s.hub.SubscriberCount(key.scope, key.kind) > 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, key)
}
