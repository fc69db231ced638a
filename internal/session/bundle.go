package session

import (
	"time"

	"github.com/fieldproof/firesync/internal/causal"
	"github.com/fieldproof/firesync/internal/document"
	"github.com/fieldproof/firesync/internal/store"
)

// RelatedEntities are the read-only records a disconnected client needs
// to render and edit a session without further reads.
type RelatedEntities struct {
	Building store.Building `json:"building"`
	Devices  []store.Device `json:"devices"`
}

// Bundle is a time-boxed snapshot of a session for offline editing.
// Once expires_at has passed, the merge entry point refuses the
// bundle's changes and the client must resync.
type Bundle struct {
	Session         *document.Document `json:"session"`
	RelatedEntities RelatedEntities    `json:"relatedEntities"`
	Clock           causal.Clock       `json:"clock"`
	ExpiresAt       time.Time          `json:"expires_at"`
}

func (b Bundle) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}
