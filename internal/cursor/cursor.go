// Package cursor encodes opaque resume positions for list queries.
//
// Result sets are ordered by (created_at, id) ascending and a cursor
// records the last pair the caller saw; the next page filters strictly
// greater-than that pair. Because the sort key of an existing row never
// changes, forward iteration never re-returns or skips anything that
// existed when the cursor was issued, even while new rows are inserted.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/fieldproof/firesync/internal/causal"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Position is the decoded resume point. Context optionally snapshots
// the causal context the listing was issued under, for clients that
// want to detect how far a page lags behind later writes.
type Position struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"createdAt"`
	Context   causal.Clock `json:"context,omitempty"`
}

// After reports whether a row with the given sort key comes strictly
// after the position.
func (p Position) After(createdAt time.Time, id string) bool {
	if createdAt.After(p.CreatedAt) {
		return true
	}
	if createdAt.Equal(p.CreatedAt) {
		return id > p.ID
	}
	return false
}

// Encode serializes a position into an opaque token. Tokens are
// immutable once issued; they are only ever decoded, never patched.
func Encode(p Position) string {
	payload, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(payload)
}

// Decode parses a token produced by Encode. Any malformed token fails
// with ErrInvalidCursor; callers surface that as a structured error,
// never a crash.
func Decode(token string) (Position, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Position{}, ErrInvalidCursor
	}
	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, ErrInvalidCursor
	}
	var p Position
	if err := json.Unmarshal(payload, &p); err != nil {
		return Position{}, ErrInvalidCursor
	}
	if p.ID == "" || p.CreatedAt.IsZero() {
		return Position{}, ErrInvalidCursor
	}
	return p, nil
}
