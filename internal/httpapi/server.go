// Package httpapi exposes the sync service over HTTP: session CRUD,
// change batches with causal-context headers, keyset-paginated
// listings, offline bundle export/import, and a websocket watch feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldproof/firesync/internal/causal"
	"github.com/fieldproof/firesync/internal/document"
	"github.com/fieldproof/firesync/internal/session"
)

const (
	headerCausalContext = "X-Causal-Context"
	headerIdempotency   = "Idempotency-Key"
	headerCorrelation   = "X-Correlation-Id"
)

type ServerConfig struct {
	JWTSecret       string
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	// WatchOrigins lists origin host patterns allowed to open watch
	// websockets from a browser. Empty means same-origin only.
	WatchOrigins []string
	Logger       zerolog.Logger
	Now          func() time.Time
}

type Server struct {
	svc     *session.Service
	cfg     ServerConfig
	schemas *requestSchemas
	limiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc *session.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *session.Service, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	schemas, err := compileSchemas()
	if err != nil {
		// schemas are compile-time constants; a failure here is a
		// programming error, not a runtime condition
		panic(fmt.Sprintf("httpapi: compile request schemas: %v", err))
	}
	return &Server{
		svc:     svc,
		cfg:     cfg,
		schemas: schemas,
		limiter: &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/v1/bundles/import" && r.Method == http.MethodPost {
		s.withAuth(w, r, "bundle:import", s.handleImportBundle)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "buildings" && parts[3] == "sessions" && r.Method == http.MethodPost:
		s.withAuth(w, r, "session:write", func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
			s.handleCreateSession(w, r, claims, correlationID, parts[2])
		})
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "buildings" && parts[3] == "sessions" && r.Method == http.MethodGet:
		s.withAuth(w, r, "session:read", func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
			s.handleListSessions(w, r, correlationID, parts[2])
		})
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sessions" && r.Method == http.MethodGet:
		s.withAuth(w, r, "session:read", func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
			s.handleGetSession(w, r, correlationID, parts[2])
		})
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "sessions" && parts[3] == "changes" && r.Method == http.MethodPost:
		s.withAuth(w, r, "session:write", func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
			s.handleApplyChanges(w, r, claims, correlationID, parts[2])
		})
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "sessions" && parts[3] == "bundle" && r.Method == http.MethodGet:
		s.withAuth(w, r, "bundle:export", func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
			s.handleExportBundle(w, r, correlationID, parts[2])
		})
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "sessions" && parts[3] == "watch" && r.Method == http.MethodGet:
		s.withAuth(w, r, "session:read", func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
			s.handleWatchSession(w, r, correlationID, parts[2])
		})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string)

func (s *Server) withAuth(w http.ResponseWriter, r *http.Request, requiredScope string, next authedHandler) {
	correlationID := getCorrelationID(r)
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.limiter.max > 0 && !s.limiter.allow(claims.ActorID, s.cfg.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests for this actor", correlationID)
		return
	}
	next(w, r, claims, correlationID)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID, buildingID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := validateAgainst(s.schemas.createSession, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	view, err := s.svc.Create(r.Context(), session.CreateRequest{
		BuildingID:     buildingID,
		SessionID:      req.SessionID,
		Actor:          causal.ActorID(claims.ActorID),
		IdempotencyKey: r.Header.Get(headerIdempotency),
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	setCausalContextHeader(w, view.Clock)
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, correlationID, sessionID string) {
	view, err := s.svc.Get(r.Context(), sessionID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	setCausalContextHeader(w, view.Clock)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, correlationID, buildingID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer", correlationID)
			return
		}
		limit = parsed
	}
	page, err := s.svc.List(r.Context(), buildingID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type changeBatchBody struct {
	Changes []wireChange `json:"changes"`
}

type wireChange struct {
	Path        []string        `json:"path"`
	Value       json.RawMessage `json:"value"`
	LogicalTime uint64          `json:"logicalTime"`
}

func decodeWireChanges(raw []wireChange, actor causal.ActorID) ([]document.Change, error) {
	out := make([]document.Change, 0, len(raw))
	for i, wc := range raw {
		var decoded any
		if err := json.Unmarshal(wc.Value, &decoded); err != nil {
			return nil, fmt.Errorf("changes[%d]: invalid value", i)
		}
		value, err := document.FromJSON(decoded)
		if err != nil {
			return nil, fmt.Errorf("changes[%d]: %w", i, err)
		}
		out = append(out, document.Change{
			Path:        wc.Path,
			Value:       value,
			Actor:       actor,
			LogicalTime: wc.LogicalTime,
		})
	}
	return out, nil
}

func (s *Server) handleApplyChanges(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID, sessionID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateAgainst(s.schemas.changeBatch, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req changeBatchBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	claimed, err := causal.DecodeHeader(r.Header.Get(headerCausalContext))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+headerCausalContext+" header", correlationID)
		return
	}
	actor := causal.ActorID(claims.ActorID)
	changes, err := decodeWireChanges(req.Changes, actor)
	if err != nil {
		s.writeServiceError(w, session.Classify(err), correlationID)
		return
	}
	view, err := s.svc.Write(r.Context(), session.WriteRequest{
		SessionID:      sessionID,
		Actor:          actor,
		Context:        claimed,
		Changes:        changes,
		IdempotencyKey: r.Header.Get(headerIdempotency),
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	setCausalContextHeader(w, view.Clock)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExportBundle(w http.ResponseWriter, r *http.Request, correlationID, sessionID string) {
	bundle, err := s.svc.BuildBundle(r.Context(), sessionID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	setCausalContextHeader(w, bundle.Clock)
	writeJSON(w, http.StatusOK, bundle)
}

type importBundleBody struct {
	Bundle  session.Bundle `json:"bundle"`
	Changes []wireChange   `json:"changes"`
}

func (s *Server) handleImportBundle(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateAgainst(s.schemas.bundleImport, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req importBundleBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	claimed, err := causal.DecodeHeader(r.Header.Get(headerCausalContext))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+headerCausalContext+" header", correlationID)
		return
	}
	actor := causal.ActorID(claims.ActorID)
	changes, err := decodeWireChanges(req.Changes, actor)
	if err != nil {
		s.writeServiceError(w, session.Classify(err), correlationID)
		return
	}
	view, err := s.svc.ImportBundle(r.Context(), session.ImportRequest{
		Bundle:         req.Bundle,
		Actor:          actor,
		Context:        claimed,
		Changes:        changes,
		IdempotencyKey: r.Header.Get(headerIdempotency),
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	setCausalContextHeader(w, view.Clock)
	writeJSON(w, http.StatusOK, view)
}

// writeServiceError maps the service error model onto HTTP statuses.
// Stale-write conflicts carry the stored clock so the caller can
// resubmit without a separate fetch.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	serr := session.Classify(err)
	status := http.StatusInternalServerError
	switch serr.Kind {
	case session.KindInvalidInput, session.KindInvalidCursor,
		session.KindInvalidChangePath, session.KindUnsupportedValueType:
		status = http.StatusBadRequest
	case session.KindNotFound:
		status = http.StatusNotFound
	case session.KindStaleWriteConflict:
		status = http.StatusConflict
	case session.KindBundleExpired:
		status = http.StatusGone
	case session.KindStorageUnavailable:
		status = http.StatusServiceUnavailable
	}
	payload := map[string]any{
		"code":          string(serr.Kind),
		"message":       serr.Message,
		"retryable":     serr.Retryable,
		"correlationId": correlationID,
	}
	if serr.Kind == session.KindStaleWriteConflict && serr.CurrentClock != nil {
		payload["currentContext"] = causal.EncodeHeader(serr.CurrentClock)
		setCausalContextHeader(w, serr.CurrentClock)
	}
	writeJSON(w, status, payload)
}

func setCausalContextHeader(w http.ResponseWriter, clock causal.Clock) {
	w.Header().Set(headerCausalContext, causal.EncodeHeader(clock))
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(headerCorrelation)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
