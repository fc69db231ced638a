// Package syncagent uploads offline-edited bundles from a field
// device's spool directory to the sync service, carrying causal
// context across retries and conflicts.
package syncagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldproof/firesync/internal/causal"
)

var ErrConflict = errors.New("stale write conflict")

// ConflictError carries the server's current clock so the caller can
// resubmit with corrected context.
type ConflictError struct {
	SessionID      string
	CurrentContext causal.Clock
}

func (e *ConflictError) Error() string {
	if e.SessionID == "" {
		return "stale write conflict"
	}
	return fmt.Sprintf("stale write conflict for session %s", e.SessionID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

var ErrBundleExpired = errors.New("bundle expired")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// SessionView mirrors the server's session representation.
type SessionView struct {
	ID         string         `json:"id"`
	BuildingID string         `json:"buildingId"`
	Data       map[string]any `json:"data"`
	Clock      causal.Clock   `json:"clock"`
}

type WireChange struct {
	Path        []string `json:"path"`
	Value       any      `json:"value"`
	LogicalTime uint64   `json:"logicalTime,omitempty"`
}

type RemoteClient interface {
	GetSession(ctx context.Context, sessionID string) (SessionView, error)
	ApplyChanges(ctx context.Context, sessionID string, claimed causal.Clock, changes []WireChange, idempotencyKey string) (SessionView, error)
	ExportBundle(ctx context.Context, sessionID string) (json.RawMessage, error)
	ImportBundle(ctx context.Context, bundle json.RawMessage, changes []WireChange, claimed causal.Clock, idempotencyKey string) (SessionView, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) GetSession(ctx context.Context, sessionID string) (SessionView, error) {
	var out SessionView
	err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) ApplyChanges(ctx context.Context, sessionID string, claimed causal.Clock, changes []WireChange, idempotencyKey string) (SessionView, error) {
	headers := map[string]string{
		"X-Causal-Context": causal.EncodeHeader(claimed),
	}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var out SessionView
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/changes",
		headers, map[string]any{"changes": changes}, &out)
	annotateConflict(err, sessionID)
	return out, err
}

func (c *HTTPClient) ExportBundle(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/bundle", nil, nil, &out)
	return out, err
}

func (c *HTTPClient) ImportBundle(ctx context.Context, bundle json.RawMessage, changes []WireChange, claimed causal.Clock, idempotencyKey string) (SessionView, error) {
	headers := map[string]string{}
	if claimed != nil {
		headers["X-Causal-Context"] = causal.EncodeHeader(claimed)
	}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var out SessionView
	err := c.doJSON(ctx, http.MethodPost, "/v1/bundles/import", headers,
		map[string]any{"bundle": bundle, "changes": changes}, &out)
	annotateConflict(err, sessionIDFromBundle(bundle))
	return out, err
}

// annotateConflict threads the session id into a conflict error; the
// transport layer only knows request paths.
func annotateConflict(err error, sessionID string) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		conflict.SessionID = sessionID
	}
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code           string `json:"code"`
			Message        string `json:"message"`
			Retryable      bool   `json:"retryable"`
			CurrentContext string `json:"currentContext"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		switch resp.StatusCode {
		case http.StatusConflict:
			current, decodeErr := causal.DecodeHeader(errPayload.CurrentContext)
			if decodeErr != nil {
				current = nil
			}
			return &ConflictError{CurrentContext: current}
		case http.StatusGone:
			return ErrBundleExpired
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			Retryable:  errPayload.Retryable,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter = strings.TrimSpace(retryAfter); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > c.maxDelay {
				return c.maxDelay
			}
			return delay
		}
	}
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
