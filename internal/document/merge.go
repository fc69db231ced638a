package document

import (
	"errors"
	"sort"
	"time"

	"github.com/fieldproof/firesync/internal/causal"
)

var ErrMissingActor = errors.New("missing actor")

// Stamp records the causal position of the write that last set a field.
// Stamps are ranked by a total order that extends causality, so every
// replica picks the same winner for a field no matter what order the
// writes arrive in.
type Stamp struct {
	Context     causal.Clock   `json:"context"`
	Actor       causal.ActorID `json:"actor"`
	LogicalTime uint64         `json:"logicalTime"`
}

// Lamport is the total number of events the stamp's context has
// observed, its own included. It is strictly monotone along causal
// edges: a write that observed another always carries a larger value.
func (s Stamp) Lamport() uint64 {
	var total uint64
	for _, count := range s.Context {
		total += count
	}
	return total
}

// Supersedes reports whether a field carrying s should be kept over a
// write carrying incoming. Deterministic last-writer-wins under the
// total order (Lamport time, lower actor id, higher logical time):
// a causally later write always has a larger Lamport time and wins
// outright; writes the order ranks as ties only when they are
// concurrent, and those fall through to the actor and logical-time
// tie-breaks. Pairwise context comparison alone is not transitive over
// mixed causal and concurrent histories, so it cannot be the ranking.
func (s Stamp) Supersedes(incoming Stamp) bool {
	if sl, il := s.Lamport(), incoming.Lamport(); sl != il {
		return sl > il
	}
	if incoming.Actor != s.Actor {
		return s.Actor < incoming.Actor
	}
	return s.LogicalTime >= incoming.LogicalTime
}

// Field is one leaf of a session document together with the stamp of
// its winning write.
type Field struct {
	Path  []string `json:"path"`
	Value Value    `json:"value"`
	Stamp Stamp    `json:"stamp"`
}

// Document is the merged state of one testing session. Fields are keyed
// by canonical path. The document and its clock are owned by the
// storage record for the session id; handlers operate on copies and
// write back under compare-and-swap.
type Document struct {
	ID         string           `json:"id"`
	BuildingID string           `json:"buildingId"`
	Fields     map[string]Field `json:"fields"`
	Clock      causal.Clock     `json:"clock"`
	CreatedAt  time.Time        `json:"createdAt"`
}

func NewDocument(id, buildingID string, createdAt time.Time) *Document {
	return &Document{
		ID:         id,
		BuildingID: buildingID,
		Fields:     map[string]Field{},
		Clock:      causal.New(),
		CreatedAt:  createdAt,
	}
}

// Copy returns a deep copy safe to mutate.
func (d *Document) Copy() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		ID:         d.ID,
		BuildingID: d.BuildingID,
		Fields:     make(map[string]Field, len(d.Fields)),
		Clock:      d.Clock.Copy(),
		CreatedAt:  d.CreatedAt,
	}
	for key, field := range d.Fields {
		copied := field
		copied.Path = append([]string(nil), field.Path...)
		copied.Value = field.Value.Copy()
		copied.Stamp.Context = field.Stamp.Context.Copy()
		out.Fields[key] = copied
	}
	return out
}

// Tree renders the merged document as nested maps, auto-creating
// intermediate map nodes for every path segment. When a scalar leaf and
// a deeper path share a prefix, rendering favors structure: the
// auto-created map shadows the scalar ancestor. The choice is arbitrary
// but fixed, so replicas render identical trees.
func (d *Document) Tree() map[string]any {
	root := map[string]any{}
	for _, key := range sortedFieldKeys(d.Fields) {
		field := d.Fields[key]
		node := root
		for i, segment := range field.Path {
			if i == len(field.Path)-1 {
				node[segment] = field.Value.ToJSON()
				break
			}
			child, ok := node[segment].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[segment] = child
			}
			node = child
		}
	}
	return root
}

// Batch is one causal event: an ordered set of changes from a single
// actor carrying the context that actor had observed when it wrote.
type Batch struct {
	Actor   causal.ActorID
	Context causal.Clock
	Changes []Change
}

// Engine applies change batches to session documents under the
// deterministic conflict policy.
type Engine struct{}

// Apply merges a batch into doc and returns the new document and clock.
// The batch is atomic: every change is validated before any field is
// touched, so a rejected change leaves the document untouched and no
// clock advances. On success the acting actor's counter advances
// exactly once and the event's clock merges into the document clock.
func (Engine) Apply(doc *Document, batch Batch) (*Document, causal.Clock, error) {
	if batch.Actor == "" {
		return nil, nil, ErrMissingActor
	}
	for _, change := range batch.Changes {
		if err := change.Validate(); err != nil {
			return nil, nil, err
		}
	}

	// The event clock is the writer's observed context plus its own
	// increment; it stamps every field the batch wins.
	eventClock := batch.Context.Copy()
	eventClock.Increment(batch.Actor)

	// Collapse the batch per path first: within one causal event the
	// batch order is authoritative, so the last change to a path wins
	// before any cross-writer comparison happens.
	collapsed := make(map[string]Field, len(batch.Changes))
	for _, change := range batch.Changes {
		logicalTime := change.LogicalTime
		if logicalTime == 0 {
			logicalTime = eventClock.Get(batch.Actor)
		}
		collapsed[JoinPath(change.Path)] = Field{
			Path:  append([]string(nil), change.Path...),
			Value: change.Value.Copy(),
			Stamp: Stamp{
				Context:     eventClock.Copy(),
				Actor:       batch.Actor,
				LogicalTime: logicalTime,
			},
		}
	}

	out := doc.Copy()
	for key, incoming := range collapsed {
		if existing, ok := out.Fields[key]; ok && existing.Stamp.Supersedes(incoming.Stamp) {
			continue
		}
		out.Fields[key] = incoming
	}
	out.Clock = out.Clock.Merge(eventClock)
	return out, out.Clock.Copy(), nil
}

func sortedFieldKeys(fields map[string]Field) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
