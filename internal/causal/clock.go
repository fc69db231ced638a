// Package causal tracks per-actor logical counters for session documents.
//
// A Clock is a map from actor id to a monotonic counter. Merging two
// clocks takes the component-wise maximum, so the set of clocks forms a
// join-semilattice: merge is commutative, associative, and idempotent,
// and a counter for a given actor never decreases across any merge or
// increment. Comparison yields a partial order; clocks that neither
// dominate the other are Concurrent.
package causal

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidContext = errors.New("invalid causal context")

// ActorID identifies a writer: a user account or a field device.
type ActorID string

// Clock maps each known actor to the count of writes observed from it.
// The zero value (nil map) is a valid empty clock for read-only use;
// mutating operations are defined on non-nil clocks returned by New or
// Copy.
type Clock map[ActorID]uint64

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

func New() Clock {
	return Clock{}
}

// Increment advances the counter for actor by one and returns the new
// value.
func (c Clock) Increment(actor ActorID) uint64 {
	c[actor]++
	return c[actor]
}

// Get returns the counter for actor, zero if the actor is unknown.
func (c Clock) Get(actor ActorID) uint64 {
	return c[actor]
}

// Copy returns an independent copy. Copy of a nil clock is an empty
// clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for actor, count := range c {
		out[actor] = count
	}
	return out
}

// Merge returns the component-wise maximum of c and other over the
// union of their actors. Neither input is modified.
func (c Clock) Merge(other Clock) Clock {
	out := c.Copy()
	for actor, count := range other {
		if count > out[actor] {
			out[actor] = count
		}
	}
	return out
}

// Compare returns the causal relation of c to other: Before if every
// component of c is <= other's and at least one is strictly less, After
// symmetrically, Equal if all components match, Concurrent otherwise.
func (c Clock) Compare(other Clock) Ordering {
	var less, greater bool
	for actor, count := range c {
		o := other[actor]
		if count < o {
			less = true
		} else if count > o {
			greater = true
		}
	}
	for actor, count := range other {
		if _, ok := c[actor]; ok {
			continue
		}
		if count > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	}
	return Equal
}

// Dominates reports whether c is After or Equal to other, i.e. c has
// observed everything other has.
func (c Clock) Dominates(other Clock) bool {
	switch c.Compare(other) {
	case After, Equal:
		return true
	}
	return false
}

func (c Clock) IsZero() bool {
	for _, count := range c {
		if count > 0 {
			return false
		}
	}
	return true
}

// EncodeHeader serializes the clock for the X-Causal-Context header:
// base64url-encoded JSON with zero counters elided.
func EncodeHeader(c Clock) string {
	trimmed := make(map[ActorID]uint64, len(c))
	for actor, count := range c {
		if count > 0 {
			trimmed[actor] = count
		}
	}
	payload, err := json.Marshal(trimmed)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(payload)
}

// DecodeHeader parses a header value produced by EncodeHeader. An empty
// value decodes to an empty clock so first writes need no context.
func DecodeHeader(value string) (Clock, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return New(), nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrInvalidContext
	}
	var raw map[ActorID]uint64
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, ErrInvalidContext
	}
	out := New()
	for actor, count := range raw {
		if strings.TrimSpace(string(actor)) == "" {
			return nil, ErrInvalidContext
		}
		if count > 0 {
			out[actor] = count
		}
	}
	return out, nil
}

// CanonicalJSON marshals the clock with zero counters elided. Because
// encoding/json sorts map keys, equal clocks always serialize to the
// same bytes; storage backends use this form for compare-and-swap.
func CanonicalJSON(c Clock) ([]byte, error) {
	trimmed := make(map[ActorID]uint64, len(c))
	for actor, count := range c {
		if count > 0 {
			trimmed[actor] = count
		}
	}
	return json.Marshal(trimmed)
}
