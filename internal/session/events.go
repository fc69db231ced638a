package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldproof/firesync/internal/causal"
)

const (
	EventSessionCreated = "session.created"
	EventSessionUpdated = "session.updated"
	EventBundleImported = "bundle.imported"
)

// Event notifies live watchers that a session advanced. It is a
// transient signal, not an audit record; the merged document remains
// the source of truth.
type Event struct {
	EventID   string         `json:"eventId"`
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	Actor     causal.ActorID `json:"actor,omitempty"`
	Clock     causal.Clock   `json:"clock"`
	Timestamp time.Time      `json:"timestamp"`
}

type subscriber struct {
	sessionID string
	ch        chan Event
}

// Broadcaster fans session events out to websocket watchers. Delivery
// is best effort: a slow subscriber drops events rather than blocking
// the write path.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[*subscriber]struct{}{}}
}

// Subscribe registers a watcher for one session id, or all sessions
// when sessionID is empty. The returned cancel func must be called to
// release the subscription.
func (b *Broadcaster) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{sessionID: sessionID, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (b *Broadcaster) Publish(event Event) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}
