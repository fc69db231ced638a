package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fieldproof/firesync/internal/causal"
	"github.com/fieldproof/firesync/internal/document"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FIRESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FIRESYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func TestPostgresIntegrationSessionCAS(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	id := fmt.Sprintf("it-sess-%d", time.Now().UnixNano())
	doc := document.NewDocument(id, "it-bldg", time.Now().UTC().Truncate(time.Microsecond))
	if err := s.CreateSession(ctx, doc); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.CreateSession(ctx, doc); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	loaded, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.ID != id || !loaded.Clock.IsZero() {
		t.Fatalf("unexpected loaded document: %+v", loaded)
	}

	updated := loaded.Copy()
	updated.Clock.Increment("a1")
	ok, err := s.CompareAndSwapSession(ctx, id, loaded.Clock, updated)
	if err != nil || !ok {
		t.Fatalf("first CAS: ok=%v err=%v", ok, err)
	}

	// same expected clock again must lose
	ok, err = s.CompareAndSwapSession(ctx, id, loaded.Clock, updated)
	if err != nil {
		t.Fatalf("second CAS errored: %v", err)
	}
	if ok {
		t.Fatalf("expected stale CAS to fail")
	}

	if _, err := s.CompareAndSwapSession(ctx, "it-missing", causal.New(), updated); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresIntegrationIdempotency(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	key := fmt.Sprintf("it-key-%d", now.UnixNano())

	existing, reserved, err := s.ReserveIdempotency(ctx, key, time.Minute, now)
	if err != nil || !reserved || existing != nil {
		t.Fatalf("first reserve: existing=%v reserved=%v err=%v", existing, reserved, err)
	}
	if err := s.CompleteIdempotency(ctx, key, []byte(`{"ok":true}`), now); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	existing, reserved, err = s.ReserveIdempotency(ctx, key, time.Minute, now)
	if err != nil || reserved || existing == nil || existing.Pending {
		t.Fatalf("replay reserve: existing=%+v reserved=%v err=%v", existing, reserved, err)
	}
	if _, err := s.SweepIdempotency(ctx, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
}

func TestPostgresIntegrationIdempotencyReleaseAndEmptyResult(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	key := fmt.Sprintf("it-rel-%d", now.UnixNano())

	if _, reserved, err := s.ReserveIdempotency(ctx, key, time.Minute, now); err != nil || !reserved {
		t.Fatalf("first reserve: reserved=%v err=%v", reserved, err)
	}
	if err := s.ReleaseIdempotency(ctx, key); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	// A released key must be reservable again, not reported as live.
	existing, reserved, err := s.ReserveIdempotency(ctx, key, time.Minute, now)
	if err != nil || !reserved || existing != nil {
		t.Fatalf("re-reserve after release: existing=%v reserved=%v err=%v", existing, reserved, err)
	}

	// Completing with no payload stores SQL NULL rather than an empty
	// byte slice the jsonb column would reject.
	if err := s.CompleteIdempotency(ctx, key, nil, now); err != nil {
		t.Fatalf("complete with empty result failed: %v", err)
	}
	existing, reserved, err = s.ReserveIdempotency(ctx, key, time.Minute, now)
	if err != nil || reserved || existing == nil || existing.Pending {
		t.Fatalf("replay after empty complete: existing=%+v reserved=%v err=%v", existing, reserved, err)
	}
	if len(existing.Result) != 0 {
		t.Fatalf("expected empty result payload, got %q", existing.Result)
	}
}
