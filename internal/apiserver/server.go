// Package apiserver exposes the coordinator over plain HTTP: /detect,
// /snapshot, /check, /export, /reload, /flatten, and /healthz (spec §6),
// adapted from the control plane's net/http + per-caller rate limiting
// pattern.
package apiserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arlen-kass/epigen/internal/coordinator"
	"github.com/arlen-kass/epigen/internal/protocol"
)

// RateLimitConfig throttles /detect per service_id, mirroring how a
// noisy sidecar should be contained without starving the others.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	EntryTTL          time.Duration
}

func defaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 200,
		Burst:             100,
		EntryTTL:          10 * time.Minute,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type serviceRateLimiter struct {
	cfg RateLimitConfig
	mu  sync.Mutex
	m   map[string]*limiterEntry
}

func newServiceRateLimiter(cfg RateLimitConfig) *serviceRateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg = defaultRateLimitConfig()
	}
	return &serviceRateLimiter{cfg: cfg, m: make(map[string]*limiterEntry)}
}

func (l *serviceRateLimiter) allow(serviceID string) bool {
	if !l.cfg.Enabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.m[serviceID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.m[serviceID] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr string
	RateLimit  RateLimitConfig
}

// Server serves the coordinator's HTTP surface.
type Server struct {
	cfg     Config
	coord   *coordinator.Coordinator
	limiter *serviceRateLimiter
	log     *zap.Logger
	httpSrv *http.Server
}

// New builds a Server bound to coord.
func New(cfg Config, coord *coordinator.Coordinator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit = defaultRateLimitConfig()
	}

	s := &Server{
		cfg:     cfg,
		coord:   coord,
		limiter: newServiceRateLimiter(cfg.RateLimit),
		log:     log.Named("apiserver"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/detect", s.handleDetect)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/flatten", s.handleFlatten)

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

// ListenAndServe starts the HTTP server, blocking until it stops.
func (s *Server) ListenAndServe() error {
	s.httpSrv.Addr = s.cfg.ListenAddr
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req protocol.DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if !s.limiter.allow(req.ServiceID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	resp, err := s.coord.Detect(r.Context(), req)
	if err != nil {
		s.log.Warn("detect failed", zap.String("service_id", req.ServiceID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleCheck answers a read-only store membership query, bypassing the
// adaptive layer and agent (spec §4.A) — "what does the trie say right
// now" rather than a full /detect decision cycle.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("service_id")
	path := r.URL.Query().Get("path")
	if serviceID == "" || path == "" {
		http.Error(w, "service_id and path are required", http.StatusBadRequest)
		return
	}

	result, err := s.coord.Check(serviceID, path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ServiceID string `json:"service_id"`
		Path      string `json:"path"`
		Result    string `json:"result"`
	}{ServiceID: serviceID, Path: path, Result: result.String()})
}

// handleExport streams serviceID's store in EPE1 binary format (spec §6).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("service_id")
	if serviceID == "" {
		http.Error(w, "service_id is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.coord.Export(r.Context(), serviceID, w); err != nil {
		s.log.Warn("export failed", zap.String("service_id", serviceID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleReload replaces serviceID's store from an EPE1 binary body (spec
// §6), registering serviceID if it doesn't already exist.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serviceID := r.URL.Query().Get("service_id")
	if serviceID == "" {
		http.Error(w, "service_id is required", http.StatusBadRequest)
		return
	}

	if err := s.coord.Reload(r.Context(), serviceID, r.Body); err != nil {
		s.log.Warn("reload failed", zap.String("service_id", serviceID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleFlatten serves the compiled snapshot in the binary data-plane
// lookup ABI (spec §6), compiling a fresh one if none has been published
// yet — the payload a sidecar mmaps for allow_p(path) lookups, as
// distinct from /snapshot's JSON manifest.
func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("service_id")
	if serviceID == "" {
		http.Error(w, "service_id is required", http.StatusBadRequest)
		return
	}

	snap, ok := s.coord.LatestSnapshot(serviceID)
	if !ok {
		var err error
		snap, err = s.coord.Snapshot(r.Context(), serviceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := protocol.WriteABI(w, snap); err != nil {
		s.log.Warn("flatten encode failed", zap.String("service_id", serviceID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("service_id")
	if serviceID == "" {
		http.Error(w, "service_id is required", http.StatusBadRequest)
		return
	}

	snap, ok := s.coord.LatestSnapshot(serviceID)
	if !ok {
		var err error
		snap, err = s.coord.Snapshot(r.Context(), serviceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}

	digest := snap.Digest()
	manifest := protocol.SnapshotManifest{
		ID:         uuid.NewString(),
		ServiceID:  snap.ServiceID,
		Version:    snap.Version,
		PathCount:  snap.Len(),
		DigestHex:  hex.EncodeToString(digest[:]),
		CompiledAt: time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(manifest)
}
