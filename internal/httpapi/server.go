// Package httpapi exposes the engine's read models and manual triggers
// over a small local HTTP surface for dashboards and dev tooling. The
// engine itself stays a library; nothing here owns sync semantics.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harvestline/fieldsync/internal/fieldsync"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	svc    *fieldsync.Service
	cfg    ServerConfig
	router *mux.Router
}

func NewServer(svc *fieldsync.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *fieldsync.Service, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{svc: svc, cfg: cfg}
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/sync/status", s.handleSyncStatus).Methods(http.MethodGet)
	router.HandleFunc("/v1/sync/retry", s.handleSyncRetry).Methods(http.MethodPost)
	router.HandleFunc("/v1/sync/mutations", s.handleMutations).Methods(http.MethodGet)
	router.HandleFunc("/v1/sync/compact", s.handleCompact).Methods(http.MethodPost)
	router.HandleFunc("/v1/cache/{key}", s.handleCacheGet).Methods(http.MethodGet)
	router.HandleFunc("/v1/cache/{key}", s.handleCachePut).Methods(http.MethodPut)
	router.HandleFunc("/v1/cache/{key}", s.handleCacheDelete).Methods(http.MethodDelete)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	s.router = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleSyncRetry(w http.ResponseWriter, r *http.Request) {
	if s.svc.RetrySync() {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "coalesced"})
}

func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	records := s.svc.Mutations()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": records,
		"count": len(records),
	})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Compact(); err != nil {
		writeError(w, http.StatusInternalServerError, "compact_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type cachePutRequest struct {
	Value     json.RawMessage `json:"value"`
	TTLMillis int64           `json:"ttlMillis"`
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, ok := s.svc.CacheGet(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "cache key not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":   key,
		"value": value,
	})
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}
	var req cachePutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Value) == 0 || req.TTLMillis <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "value and a positive ttlMillis are required")
		return
	}
	ttl := time.Duration(req.TTLMillis) * time.Millisecond
	if err := s.svc.CachePut(key, req.Value, ttl); err != nil {
		if errors.Is(err, fieldsync.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "cache_put_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "key": key})
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	s.svc.CacheRemove(key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "key": key})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": strings.TrimSpace(message),
	})
}
