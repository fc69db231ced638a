package document

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldproof/firesync/internal/causal"
)

var engine Engine

func newTestDoc() *Document {
	return NewDocument("sess-1", "bldg-1", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestApplySingleBatch(t *testing.T) {
	doc := newTestDoc()
	merged, clock, err := engine.Apply(doc, Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{
			{Path: []string{"pressure"}, Value: Number(4.2)},
			{Path: []string{"extinguishers", "e-12", "status"}, Value: String("pass")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), clock.Get("a1"))
	assert.Len(t, merged.Fields, 2)
	// original untouched
	assert.Empty(t, doc.Fields)
	assert.True(t, doc.Clock.IsZero())

	tree := merged.Tree()
	assert.Equal(t, 4.2, tree["pressure"])
	ext := tree["extinguishers"].(map[string]any)["e-12"].(map[string]any)
	assert.Equal(t, "pass", ext["status"])
}

func TestApplyBatchAtomic(t *testing.T) {
	doc := newTestDoc()
	_, _, err := engine.Apply(doc, Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{
			{Path: []string{"pressure"}, Value: Number(4.2)},
			{Path: nil, Value: String("bad")},
		},
	})
	require.ErrorIs(t, err, ErrInvalidChangePath)
	assert.Empty(t, doc.Fields)

	_, _, err = engine.Apply(doc, Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{
			{Path: []string{"status"}, Value: Value{Kind: "blob"}},
		},
	})
	require.ErrorIs(t, err, ErrUnsupportedValueType)
	assert.Empty(t, doc.Fields)
}

func TestApplyMissingActor(t *testing.T) {
	_, _, err := engine.Apply(newTestDoc(), Batch{Context: causal.New()})
	assert.ErrorIs(t, err, ErrMissingActor)
}

func TestLastChangeInBatchWins(t *testing.T) {
	merged, _, err := engine.Apply(newTestDoc(), Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{
			{Path: []string{"status"}, Value: String("pending")},
			{Path: []string{"status"}, Value: String("pass")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "pass", merged.Tree()["status"])
}

func TestCausallyLaterWriteWins(t *testing.T) {
	doc := newTestDoc()
	doc, clock, err := engine.Apply(doc, Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{{Path: []string{"status"}, Value: String("pass")}},
	})
	require.NoError(t, err)

	// a2 writes having observed a1's write
	doc, _, err = engine.Apply(doc, Batch{
		Actor:   "a2",
		Context: clock,
		Changes: []Change{{Path: []string{"status"}, Value: String("fail")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fail", doc.Tree()["status"])

	// a stale replay of a1's original event cannot undo it
	doc, _, err = engine.Apply(doc, Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{{Path: []string{"status"}, Value: String("pass")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fail", doc.Tree()["status"])
}

// Scenario: two actors set the same field concurrently; both replicas
// must converge to the lower actor id's value regardless of order.
func TestConcurrentWritesTieBreak(t *testing.T) {
	batchA := Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{{Path: []string{"status"}, Value: String("pass")}},
	}
	batchB := Batch{
		Actor:   "a2",
		Context: causal.New(),
		Changes: []Change{{Path: []string{"status"}, Value: String("fail")}},
	}

	replica1 := newTestDoc()
	replica1, _, err := engine.Apply(replica1, batchA)
	require.NoError(t, err)
	replica1, _, err = engine.Apply(replica1, batchB)
	require.NoError(t, err)

	replica2 := newTestDoc()
	replica2, _, err = engine.Apply(replica2, batchB)
	require.NoError(t, err)
	replica2, _, err = engine.Apply(replica2, batchA)
	require.NoError(t, err)

	assert.Equal(t, "pass", replica1.Tree()["status"], "lower actor id wins")
	assert.Equal(t, replica1.Tree(), replica2.Tree())
	assert.Equal(t, causal.Equal, replica1.Clock.Compare(replica2.Clock))
}

// Scenario: an offline actor edits from a bundle snapshot and syncs
// later; the merged document contains the offline edit and the clock
// covers both actors.
func TestOfflineEditMergesAfterSync(t *testing.T) {
	doc := newTestDoc()
	doc, snapshotClock, err := engine.Apply(doc, Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{{Path: []string{"status"}, Value: String("pass")}},
	})
	require.NoError(t, err)

	// a2 edits offline against the snapshot context
	doc, clock, err := engine.Apply(doc, Batch{
		Actor:   "a2",
		Context: snapshotClock,
		Changes: []Change{{Path: []string{"pressure"}, Value: Number(3.1)}},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), clock.Get("a1"))
	assert.Equal(t, uint64(1), clock.Get("a2"))
	tree := doc.Tree()
	assert.Equal(t, "pass", tree["status"])
	assert.Equal(t, 3.1, tree["pressure"])
}

func TestReplayIsIdempotent(t *testing.T) {
	batch := Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{{Path: []string{"pressure"}, Value: Number(4.2)}},
	}
	doc, clock, err := engine.Apply(newTestDoc(), batch)
	require.NoError(t, err)
	again, clockAgain, err := engine.Apply(doc, batch)
	require.NoError(t, err)
	assert.Equal(t, doc.Tree(), again.Tree())
	assert.Equal(t, causal.Equal, clock.Compare(clockAgain))
}

// Convergence: the same set of batches applied in random causally-valid
// orders yields identical documents on every replica.
func TestConvergenceUnderPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	paths := [][]string{{"status"}, {"pressure"}, {"alarm", "panel"}, {"alarm", "battery"}}

	for trial := 0; trial < 50; trial++ {
		// concurrent batches from four actors, each unaware of the others
		batches := make([]Batch, 0, 4)
		for i := 0; i < 4; i++ {
			actor := causal.ActorID(fmt.Sprintf("actor-%d", i))
			changes := make([]Change, 0, 2)
			for j := 0; j < 1+rng.Intn(2); j++ {
				changes = append(changes, Change{
					Path:  paths[rng.Intn(len(paths))],
					Value: Number(float64(rng.Intn(100))),
				})
			}
			batches = append(batches, Batch{Actor: actor, Context: causal.New(), Changes: changes})
		}

		apply := func(order []int) *Document {
			doc := newTestDoc()
			for _, idx := range order {
				next, _, err := engine.Apply(doc, batches[idx])
				require.NoError(t, err)
				doc = next
			}
			return doc
		}

		base := apply([]int{0, 1, 2, 3})
		for p := 0; p < 6; p++ {
			order := rng.Perm(len(batches))
			other := apply(order)
			require.Equal(t, base.Tree(), other.Tree(), "order %v", order)
			require.Equal(t, causal.Equal, base.Clock.Compare(other.Clock))
		}
	}
}

// A history mixing causal chains with concurrent writes: a1 writes,
// a3 writes having observed a1, and a2 writes concurrently with both.
// The causally-latest write must win on every replica in every
// causally-valid arrival order; a ranking that compares contexts
// pairwise cycles here (a3 beats a1, a2 ties against each by actor id)
// and lets replicas diverge.
func TestMixedCausalityConverges(t *testing.T) {
	first := Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{{Path: []string{"status"}, Value: String("X")}},
	}
	observed := Batch{
		Actor:   "a3",
		Context: causal.Clock{"a1": 1},
		Changes: []Change{{Path: []string{"status"}, Value: String("Y")}},
	}
	concurrent := Batch{
		Actor:   "a2",
		Context: causal.New(),
		Changes: []Change{{Path: []string{"status"}, Value: String("Z")}},
	}

	apply := func(order ...Batch) *Document {
		doc := newTestDoc()
		for _, batch := range order {
			next, _, err := engine.Apply(doc, batch)
			require.NoError(t, err)
			doc = next
		}
		return doc
	}

	// both orders respect causality (first precedes observed)
	replica1 := apply(first, observed, concurrent)
	replica2 := apply(first, concurrent, observed)

	assert.Equal(t, "Y", replica1.Tree()["status"], "write that observed the most history wins")
	assert.Equal(t, replica1.Tree(), replica2.Tree())
	assert.Equal(t, causal.Equal, replica1.Clock.Compare(replica2.Clock))
}

// Convergence over permutations of a history that mixes causal chains
// with concurrent writes, not just mutually concurrent batches.
func TestConvergenceUnderPermutationMixedCausality(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	paths := [][]string{{"status"}, {"pressure"}, {"alarm", "panel"}}

	for trial := 0; trial < 50; trial++ {
		// two independent two-event chains plus one free-standing writer
		chainA1 := Batch{
			Actor:   "a1",
			Context: causal.New(),
			Changes: []Change{{Path: paths[rng.Intn(len(paths))], Value: Number(float64(rng.Intn(100)))}},
		}
		chainA2 := Batch{
			Actor:   "a2",
			Context: causal.Clock{"a1": 1},
			Changes: []Change{{Path: paths[rng.Intn(len(paths))], Value: Number(float64(rng.Intn(100)))}},
		}
		chainB1 := Batch{
			Actor:   "b1",
			Context: causal.New(),
			Changes: []Change{{Path: paths[rng.Intn(len(paths))], Value: Number(float64(rng.Intn(100)))}},
		}
		chainB2 := Batch{
			Actor:   "b2",
			Context: causal.Clock{"b1": 1},
			Changes: []Change{{Path: paths[rng.Intn(len(paths))], Value: Number(float64(rng.Intn(100)))}},
		}
		free := Batch{
			Actor:   "c1",
			Context: causal.New(),
			Changes: []Change{{Path: paths[rng.Intn(len(paths))], Value: Number(float64(rng.Intn(100)))}},
		}
		batches := []Batch{chainA1, chainA2, chainB1, chainB2, free}

		// a causally-valid order keeps each chain's first event before
		// its second; interleaving across chains is free
		validOrder := func() []int {
			for {
				order := rng.Perm(len(batches))
				posOf := make([]int, len(batches))
				for pos, idx := range order {
					posOf[idx] = pos
				}
				if posOf[0] < posOf[1] && posOf[2] < posOf[3] {
					return order
				}
			}
		}

		apply := func(order []int) *Document {
			doc := newTestDoc()
			for _, idx := range order {
				next, _, err := engine.Apply(doc, batches[idx])
				require.NoError(t, err)
				doc = next
			}
			return doc
		}

		base := apply([]int{0, 1, 2, 3, 4})
		for p := 0; p < 8; p++ {
			order := validOrder()
			other := apply(order)
			require.Equal(t, base.Tree(), other.Tree(), "order %v", order)
			require.Equal(t, causal.Equal, base.Clock.Compare(other.Clock))
		}
	}
}

func TestTreeDeeperPathShadowsScalarAncestor(t *testing.T) {
	doc := newTestDoc()
	doc, clock, err := engine.Apply(doc, Batch{
		Actor:   "a1",
		Context: causal.New(),
		Changes: []Change{{Path: []string{"alarm"}, Value: String("scalar")}},
	})
	require.NoError(t, err)
	doc, _, err = engine.Apply(doc, Batch{
		Actor:   "a1",
		Context: clock,
		Changes: []Change{{Path: []string{"alarm", "panel"}, Value: String("ok")}},
	})
	require.NoError(t, err)
	// rendering favors structure: the map auto-created for the deeper
	// path shadows the scalar ancestor, identically on every replica
	tree := doc.Tree()
	assert.Equal(t, map[string]any{"panel": "ok"}, tree["alarm"])
}

func TestFromJSONRejectsUnsupported(t *testing.T) {
	_, err := FromJSON(nil)
	assert.ErrorIs(t, err, ErrUnsupportedValueType)
	_, err = FromJSON(map[string]any{"nested": []any{nil}})
	assert.ErrorIs(t, err, ErrUnsupportedValueType)
	_, err = FromJSON(struct{}{})
	assert.ErrorIs(t, err, ErrUnsupportedValueType)

	value, err := FromJSON(map[string]any{"a": []any{1.5, true, "x"}})
	require.NoError(t, err)
	require.NoError(t, value.Validate())
}
