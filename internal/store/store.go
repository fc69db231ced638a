// Package store defines the storage contract for session documents and
// idempotency records, with in-memory and Postgres backends.
//
// The persisted (document, clock) pair per session id is the only
// shared mutable state in the system. It is accessed exclusively
// through a read-compute-compare-and-swap cycle; no backend hands out
// long-lived in-memory references across requests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fieldproof/firesync/internal/causal"
	"github.com/fieldproof/firesync/internal/cursor"
	"github.com/fieldproof/firesync/internal/document"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnavailable   = errors.New("storage unavailable")
)

// Building is a read-only reference entity a session belongs to.
type Building struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// Device is a read-only reference entity: a piece of fire-safety
// equipment registered in a building.
type Device struct {
	ID         string `json:"id"`
	BuildingID string `json:"buildingId"`
	Kind       string `json:"kind"`
	Label      string `json:"label,omitempty"`
}

// IdempotencyRecord tracks one client-supplied key. Pending is true
// between reservation and completion; Result holds the serialized
// response once the mutation committed. Records are read-only after
// completion and reclaimed after expiry.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	Pending   bool      `json:"pending"`
	Result    []byte    `json:"result,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Store is the abstract read/write/compare-and-swap contract the
// session service runs against.
type Store interface {
	// CreateSession persists a new document; ErrAlreadyExists if the
	// session id is taken.
	CreateSession(ctx context.Context, doc *document.Document) error

	// GetSession returns a copy of the document (its clock included);
	// ErrNotFound if the session does not exist.
	GetSession(ctx context.Context, id string) (*document.Document, error)

	// CompareAndSwapSession writes doc back if the stored clock still
	// equals expected. It returns false, nil when the precondition
	// failed; the caller restarts from the read.
	CompareAndSwapSession(ctx context.Context, id string, expected causal.Clock, doc *document.Document) (bool, error)

	// ListSessions returns up to limit sessions of a building ordered
	// by (created_at, id) ascending, strictly after the position when
	// one is given.
	ListSessions(ctx context.Context, buildingID string, after *cursor.Position, limit int) ([]*document.Document, error)

	// ReserveIdempotency records a placeholder for key before the
	// mutation executes. On first sight it returns (nil, true, nil);
	// for a live key it returns the existing record and false. Expired
	// records are reclaimed and the key is treated as new.
	ReserveIdempotency(ctx context.Context, key string, ttl time.Duration, now time.Time) (*IdempotencyRecord, bool, error)

	// CompleteIdempotency replaces the placeholder with the real result.
	CompleteIdempotency(ctx context.Context, key string, result []byte, now time.Time) error

	// ReleaseIdempotency drops a reservation whose mutation failed so
	// the key can be retried.
	ReleaseIdempotency(ctx context.Context, key string) error

	// SweepIdempotency reclaims expired records; returns how many.
	SweepIdempotency(ctx context.Context, now time.Time) (int, error)

	GetBuilding(ctx context.Context, id string) (Building, error)
	ListDevices(ctx context.Context, buildingID string) ([]Device, error)

	Close() error
}
