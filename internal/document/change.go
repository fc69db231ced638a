package document

import (
	"fmt"
	"strings"

	"github.com/fieldproof/firesync/internal/causal"
)

// Change sets the value at a key path. The only supported operation is
// "set"; a deleted reading is modeled as setting a tombstone value by
// the domain layer, not by this subsystem.
type Change struct {
	Path        []string       `json:"path"`
	Value       Value          `json:"value"`
	Actor       causal.ActorID `json:"actor"`
	LogicalTime uint64         `json:"logicalTime"`
}

// JoinPath renders a path as its canonical slash-joined form, the key
// used for per-leaf conflict resolution.
func JoinPath(segments []string) string {
	return "/" + strings.Join(segments, "/")
}

// SplitPath parses a canonical slash-joined path back into segments.
func SplitPath(path string) []string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Validate rejects empty paths, empty or slash-bearing segments, and
// values outside the closed variant.
func (c Change) Validate() error {
	if len(c.Path) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidChangePath)
	}
	for _, segment := range c.Path {
		if strings.TrimSpace(segment) == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidChangePath, JoinPath(c.Path))
		}
		if strings.Contains(segment, "/") {
			return fmt.Errorf("%w: segment %q contains separator", ErrInvalidChangePath, segment)
		}
	}
	return c.Value.Validate()
}
