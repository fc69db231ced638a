package causal

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Clock
		want Ordering
	}{
		{"empty vs empty", New(), New(), Equal},
		{"identical", Clock{"a1": 1, "a2": 2}, Clock{"a1": 1, "a2": 2}, Equal},
		{"strictly before", Clock{"a1": 1}, Clock{"a1": 2}, Before},
		{"before with extra actor", Clock{"a1": 1}, Clock{"a1": 1, "a2": 1}, Before},
		{"strictly after", Clock{"a1": 3}, Clock{"a1": 2}, After},
		{"after with extra actor", Clock{"a1": 1, "a2": 1}, Clock{"a1": 1}, After},
		{"concurrent", Clock{"a1": 2, "a2": 1}, Clock{"a1": 1, "a2": 2}, Concurrent},
		{"concurrent disjoint", Clock{"a1": 1}, Clock{"a2": 1}, Concurrent},
		{"zero counters ignored", Clock{"a1": 1, "a2": 0}, Clock{"a1": 1}, Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			// the relation is symmetric up to inversion
			inverse := tt.b.Compare(tt.a)
			switch tt.want {
			case Before:
				assert.Equal(t, After, inverse)
			case After:
				assert.Equal(t, Before, inverse)
			default:
				assert.Equal(t, tt.want, inverse)
			}
		})
	}
}

func randomClock(rng *rand.Rand) Clock {
	actors := []ActorID{"a1", "a2", "a3", "a4"}
	c := New()
	for _, actor := range actors {
		if rng.Intn(2) == 0 {
			c[actor] = uint64(rng.Intn(5))
		}
	}
	return c
}

func TestMergeSemilatticeLaws(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		a := randomClock(rng)
		b := randomClock(rng)
		c := randomClock(rng)

		assert.Equal(t, Equal, a.Merge(b).Compare(b.Merge(a)), "commutativity")
		assert.Equal(t, Equal, a.Merge(b).Merge(c).Compare(a.Merge(b.Merge(c))), "associativity")
		assert.Equal(t, Equal, a.Merge(a).Compare(a), "idempotence")
	}
}

func TestMergeNeverDecreases(t *testing.T) {
	a := Clock{"a1": 3, "a2": 1}
	b := Clock{"a1": 1, "a3": 5}
	merged := a.Merge(b)
	for actor, count := range a {
		assert.GreaterOrEqual(t, merged[actor], count)
	}
	for actor, count := range b {
		assert.GreaterOrEqual(t, merged[actor], count)
	}
	// inputs untouched
	assert.Equal(t, uint64(3), a["a1"])
	assert.Equal(t, uint64(1), b["a1"])
}

func TestIncrementMonotonic(t *testing.T) {
	c := New()
	for i := 1; i <= 10; i++ {
		require.Equal(t, uint64(i), c.Increment("a1"))
	}
	assert.Equal(t, uint64(0), c.Get("a2"))
}

func TestDominates(t *testing.T) {
	stored := Clock{"a1": 2, "a2": 1}
	assert.True(t, stored.Dominates(Clock{"a1": 2, "a2": 1}))
	assert.True(t, stored.Dominates(Clock{"a1": 1}))
	assert.False(t, stored.Dominates(Clock{"a1": 3}))
	assert.False(t, stored.Dominates(Clock{"a3": 1}))
}

func TestHeaderRoundTrip(t *testing.T) {
	original := Clock{"inspector-1": 4, "device-7": 2, "idle": 0}
	decoded, err := DecodeHeader(EncodeHeader(original))
	require.NoError(t, err)
	assert.Equal(t, Equal, decoded.Compare(original))
	// zero counters are elided on encode
	_, present := decoded["idle"]
	assert.False(t, present)
}

func TestDecodeHeaderEmpty(t *testing.T) {
	decoded, err := DecodeHeader("  ")
	require.NoError(t, err)
	assert.True(t, decoded.IsZero())
}

func TestDecodeHeaderInvalid(t *testing.T) {
	for _, value := range []string{"%%%", "bm90IGpzb24", EncodeHeader(nil) + "!"} {
		_, err := DecodeHeader(value)
		assert.ErrorIs(t, err, ErrInvalidContext, "value %q", value)
	}
}
