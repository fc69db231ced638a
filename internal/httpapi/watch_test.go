package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldproof/firesync/internal/session"
	"github.com/fieldproof/firesync/internal/store"
)

func watchHandshake(path, token, origin string) request {
	return request{
		method: http.MethodGet,
		path:   path,
		headers: map[string]string{
			"Authorization":         "Bearer " + token,
			"Connection":            "Upgrade",
			"Upgrade":               "websocket",
			"Sec-WebSocket-Version": "13",
			"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
			"Origin":                origin,
		},
	}
}

func createWatchedSession(t *testing.T, server *Server, token, sessionID string) {
	t.Helper()
	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/buildings/bld_1/sessions",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "c1"},
		body:    map[string]any{"sessionId": sessionID},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestWatchRejectsCrossOrigin(t *testing.T) {
	server := newTestServer(t)
	token := allScopesToken(t)
	createWatchedSession(t, server, token, "sess_w")

	rec := doRequest(t, server, watchHandshake("/v1/sessions/sess_w/watch", token, "http://evil.example"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-origin handshake, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestWatchSameOriginPassesOriginCheck(t *testing.T) {
	server := newTestServer(t)
	token := allScopesToken(t)
	createWatchedSession(t, server, token, "sess_w")

	// The recorder cannot be hijacked, so a handshake that clears the
	// origin check fails later with a non-403 status.
	rec := doRequest(t, server, watchHandshake("/v1/sessions/sess_w/watch", token, "http://example.com"))
	if rec.Code == http.StatusForbidden {
		t.Fatalf("same-origin handshake must not be rejected as cross-origin: %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestWatchAllowsConfiguredOriginPattern(t *testing.T) {
	st := store.NewMemoryStore()
	st.SeedBuilding(store.Building{ID: "bld_1", Name: "Riverside Plant"})
	svc := session.NewService(st, session.Options{Logger: zerolog.Nop()})
	server := NewServerWithConfig(svc, ServerConfig{
		WatchOrigins:    []string{"dashboard.example"},
		RateLimitWindow: time.Minute,
	})
	token := allScopesToken(t)
	createWatchedSession(t, server, token, "sess_w")

	rec := doRequest(t, server, watchHandshake("/v1/sessions/sess_w/watch", token, "http://dashboard.example"))
	if rec.Code == http.StatusForbidden {
		t.Fatalf("configured origin must not be rejected: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, watchHandshake("/v1/sessions/sess_w/watch", token, "http://other.example"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for origin outside the configured patterns, got %d", rec.Code)
	}
}
