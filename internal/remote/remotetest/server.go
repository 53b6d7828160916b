// Package remotetest is an in-memory Remote Inventory Service. Tests point a
// [remote.Client] at it through httptest, and `shelfsync dev-server` serves it
// for manual runs against a throwaway backend.
package remotetest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/njoerd114/shelfsync/internal/model"
	"github.com/njoerd114/shelfsync/internal/remote"
)

// Server holds records in memory and serves the inventory REST contract.
// Updates carrying a lastUpdated older than the stored one are rejected
// with 409 and the stored copy.
type Server struct {
	mu      sync.Mutex
	records map[string]model.RemoteRecord
	token   string
	offline bool
	writes  int
	calls   map[string]int
	now     func() time.Time
	logger  *slog.Logger

	router chi.Router
}

// Option configures a [Server].
type Option func(*Server)

// WithToken makes the server require "Authorization: Bearer <token>".
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithClock replaces the time source used for records created without a
// lastUpdated.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger logs every request at Debug.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New returns an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		records: make(map[string]model.RemoteRecord),
		calls:   make(map[string]int),
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer, s.logRequests, s.availability, s.authenticate)
	r.Route("/inventory", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	s.router = r
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// Seed stores records as if other clients had created them. Records without
// an id are assigned one; the stored copies are returned.
func (s *Server) Seed(records ...model.RemoteRecord) []model.RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.RemoteRecord, 0, len(records))
	for _, rr := range records {
		if rr.ID == "" {
			rr.ID = uuid.NewString()
		}
		if rr.LastUpdated.IsZero() {
			rr.LastUpdated = s.now().UTC()
		}
		s.records[rr.ID] = rr
		out = append(out, rr)
	}
	return out
}

// Remove deletes a record out of band, without counting a write.
func (s *Server) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Get returns the stored record with the given id.
func (s *Server) Get(id string) (model.RemoteRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr, ok := s.records[id]
	return rr, ok
}

// Records returns every stored record ordered by id.
func (s *Server) Records() []model.RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// SetOffline makes every request fail with 503 until called with false.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Writes returns the number of successful creates, updates and deletes.
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Calls returns how many requests were served for a method, e.g. "POST".
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("fake remote request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		offline := s.offline
		s.calls[r.Method]++
		s.mu.Unlock()
		if offline {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "offline"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || got != s.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	records := s.sortedLocked()
	s.mu.Unlock()

	out := make([]remote.WireRecord, 0, len(records))
	for _, rr := range records {
		out = append(out, remote.ToWire(rr))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	rr, ok := decodeRecord(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rr.ID = uuid.NewString()
	if rr.LastUpdated.IsZero() {
		rr.LastUpdated = s.now().UTC()
	}
	s.records[rr.ID] = rr
	s.writes++
	writeJSON(w, http.StatusCreated, remote.ToWire(rr))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rr, ok := decodeRecord(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[id]
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if !rr.LastUpdated.IsZero() && rr.LastUpdated.Before(current.LastUpdated) {
		writeJSON(w, http.StatusConflict, map[string]remote.WireRecord{"server": remote.ToWire(current)})
		return
	}

	rr.ID = id
	if rr.LastUpdated.IsZero() {
		rr.LastUpdated = s.now().UTC()
	}
	s.records[id] = rr
	s.writes++
	writeJSON(w, http.StatusOK, remote.ToWire(rr))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	delete(s.records, id)
	s.writes++
	w.WriteHeader(http.StatusOK)
}

func (s *Server) sortedLocked() []model.RemoteRecord {
	out := make([]model.RemoteRecord, 0, len(s.records))
	for _, rr := range s.records {
		out = append(out, rr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (model.RemoteRecord, bool) {
	var wire remote.WireRecord
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return model.RemoteRecord{}, false
	}
	if strings.TrimSpace(wire.ItemName) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "itemName is required"})
		return model.RemoteRecord{}, false
	}
	// FromWire insists on an id; creates arrive without one.
	wire.ID = "pending"
	rr, err := remote.FromWire(wire)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return model.RemoteRecord{}, false
	}
	return rr, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
