package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldproof/firesync/internal/causal"
)

func TestRoundTrip(t *testing.T) {
	issued := Position{
		ID:        "sess-42",
		CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Context:   causal.Clock{"a1": 3},
	}
	decoded, err := Decode(Encode(issued))
	require.NoError(t, err)
	assert.Equal(t, issued.ID, decoded.ID)
	assert.True(t, issued.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, causal.Equal, issued.Context.Compare(decoded.Context))
}

func TestDecodeInvalid(t *testing.T) {
	for _, token := range []string{
		"",
		"   ",
		"not base64 %",
		"bm90IGpzb24",                  // valid base64, not JSON
		Encode(Position{}),             // missing id and timestamp
		Encode(Position{ID: "sess-1"}), // missing timestamp
	} {
		_, err := Decode(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, "token %q", token)
	}
}

func TestAfterOrdering(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := Position{ID: "sess-b", CreatedAt: at}

	assert.True(t, p.After(at.Add(time.Second), "sess-a"), "later timestamp wins regardless of id")
	assert.True(t, p.After(at, "sess-c"), "same timestamp, greater id")
	assert.False(t, p.After(at, "sess-b"), "strictly greater, never equal")
	assert.False(t, p.After(at, "sess-a"))
	assert.False(t, p.After(at.Add(-time.Second), "sess-z"))
}
