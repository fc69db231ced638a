// Package session implements the write path for testing-session
// documents: idempotent replay protection, optimistic concurrency
// control, the deterministic merge, and offline bundles.
//
// Every mutation is a read-compute-compare-and-swap cycle against the
// store; no locks are held across requests and no document state lives
// in memory between them.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldproof/firesync/internal/causal"
	"github.com/fieldproof/firesync/internal/cursor"
	"github.com/fieldproof/firesync/internal/document"
	"github.com/fieldproof/firesync/internal/store"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultBundleTTL      = 72 * time.Hour
	defaultCASRetries     = 3
	defaultPageLimit      = 100
	maxPageLimit          = 1000
)

type Options struct {
	IdempotencyTTL time.Duration
	BundleTTL      time.Duration
	CASRetries     int
	Logger         zerolog.Logger
	Now            func() time.Time
}

type Service struct {
	store          store.Store
	engine         document.Engine
	events         *Broadcaster
	log            zerolog.Logger
	idempotencyTTL time.Duration
	bundleTTL      time.Duration
	casRetries     int
	now            func() time.Time
}

func NewService(st store.Store, opts Options) *Service {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	if opts.BundleTTL <= 0 {
		opts.BundleTTL = defaultBundleTTL
	}
	if opts.CASRetries <= 0 {
		opts.CASRetries = defaultCASRetries
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:          st,
		events:         NewBroadcaster(),
		log:            opts.Logger,
		idempotencyTTL: opts.IdempotencyTTL,
		bundleTTL:      opts.BundleTTL,
		casRetries:     opts.CASRetries,
		now:            opts.Now,
	}
}

// Events exposes the broadcaster for live watchers.
func (s *Service) Events() *Broadcaster {
	return s.events
}

// View is the caller-facing shape of a session: the rendered tree plus
// the clock the caller must carry on its next write.
type View struct {
	ID         string         `json:"id"`
	BuildingID string         `json:"buildingId"`
	CreatedAt  time.Time      `json:"createdAt"`
	Data       map[string]any `json:"data"`
	Clock      causal.Clock   `json:"clock"`
}

func viewOf(doc *document.Document) View {
	return View{
		ID:         doc.ID,
		BuildingID: doc.BuildingID,
		CreatedAt:  doc.CreatedAt,
		Data:       doc.Tree(),
		Clock:      doc.Clock.Copy(),
	}
}

type CreateRequest struct {
	BuildingID     string
	SessionID      string
	Actor          causal.ActorID
	IdempotencyKey string
}

// Create registers a new testing session for a building. With an
// idempotency key, replays within the TTL return the original result
// without creating a second session.
func (s *Service) Create(ctx context.Context, req CreateRequest) (View, error) {
	if strings.TrimSpace(req.BuildingID) == "" {
		return View{}, newError(KindInvalidInput, "buildingId is required", false)
	}
	var view View
	err := s.withIdempotency(ctx, req.IdempotencyKey, &view, func() (any, error) {
		if _, err := s.store.GetBuilding(ctx, req.BuildingID); err != nil {
			return nil, Classify(err)
		}
		id := strings.TrimSpace(req.SessionID)
		if id == "" {
			id = uuid.NewString()
		}
		doc := document.NewDocument(id, req.BuildingID, s.now())
		if err := s.store.CreateSession(ctx, doc); err != nil {
			return nil, Classify(err)
		}
		s.log.Info().Str("session", id).Str("building", req.BuildingID).Msg("session created")
		s.events.Publish(Event{
			SessionID: id,
			Type:      EventSessionCreated,
			Actor:     req.Actor,
			Clock:     doc.Clock.Copy(),
			Timestamp: s.now(),
		})
		return viewOf(doc), nil
	})
	if err != nil {
		return View{}, err
	}
	return view, nil
}

// Get returns the current merged state of a session.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	doc, err := s.store.GetSession(ctx, id)
	if err != nil {
		return View{}, Classify(err)
	}
	return viewOf(doc), nil
}

type WriteRequest struct {
	SessionID      string
	Actor          causal.ActorID
	Context        causal.Clock
	Changes        []document.Change
	IdempotencyKey string
	EventType      string
}

// Write applies a change batch to a session. The claimed causal
// context gates the write: a context at or behind the stored clock is
// accepted and merged; a concurrent or ahead context is rejected with
// a stale-write conflict carrying the current clock, and the caller
// must re-fetch and resubmit. On compare-and-swap contention the cycle
// restarts from the read, a bounded number of times.
func (s *Service) Write(ctx context.Context, req WriteRequest) (View, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return View{}, newError(KindInvalidInput, "sessionId is required", false)
	}
	if len(req.Changes) == 0 {
		return View{}, newError(KindInvalidInput, "change batch is empty", false)
	}
	var view View
	err := s.withIdempotency(ctx, req.IdempotencyKey, &view, func() (any, error) {
		return s.writeOnce(ctx, req)
	})
	if err != nil {
		return View{}, err
	}
	return view, nil
}

func (s *Service) writeOnce(ctx context.Context, req WriteRequest) (View, error) {
	claimed := req.Context
	if claimed == nil {
		claimed = causal.New()
	}
	for attempt := 0; attempt < s.casRetries; attempt++ {
		doc, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return View{}, Classify(err)
		}

		switch claimed.Compare(doc.Clock) {
		case causal.Before, causal.Equal:
			// the writer's context is covered by stored state
		default:
			return View{}, staleWrite(
				fmt.Sprintf("claimed context is %s of stored clock; re-fetch and resubmit",
					claimed.Compare(doc.Clock)),
				doc.Clock,
			)
		}

		merged, _, err := s.engine.Apply(doc, document.Batch{
			Actor:   req.Actor,
			Context: claimed,
			Changes: req.Changes,
		})
		if err != nil {
			return View{}, Classify(err)
		}

		swapped, err := s.store.CompareAndSwapSession(ctx, req.SessionID, doc.Clock, merged)
		if err != nil {
			return View{}, Classify(err)
		}
		if !swapped {
			s.log.Debug().Str("session", req.SessionID).Int("attempt", attempt+1).
				Msg("compare-and-swap lost, restarting from read")
			continue
		}

		eventType := req.EventType
		if eventType == "" {
			eventType = EventSessionUpdated
		}
		s.events.Publish(Event{
			SessionID: req.SessionID,
			Type:      eventType,
			Actor:     req.Actor,
			Clock:     merged.Clock.Copy(),
			Timestamp: s.now(),
		})
		return viewOf(merged), nil
	}
	return View{}, newError(KindStorageUnavailable,
		"write contention exceeded retry budget; retry with the same idempotency key", true)
}

// Page is one page of a session listing. NextCursor is null exactly
// when fewer items than requested came back; that is the sole
// end-of-stream signal.
type Page struct {
	Items      []View  `json:"items"`
	NextCursor *string `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

// List pages through a building's sessions ordered by (createdAt, id).
func (s *Service) List(ctx context.Context, buildingID, cursorToken string, limit int) (Page, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	var after *cursor.Position
	if strings.TrimSpace(cursorToken) != "" {
		position, err := cursor.Decode(cursorToken)
		if err != nil {
			return Page{}, Classify(err)
		}
		after = &position
	}
	docs, err := s.store.ListSessions(ctx, buildingID, after, limit)
	if err != nil {
		return Page{}, Classify(err)
	}
	page := Page{Items: make([]View, 0, len(docs))}
	for _, doc := range docs {
		page.Items = append(page.Items, viewOf(doc))
	}
	if len(docs) == limit {
		last := docs[len(docs)-1]
		token := cursor.Encode(cursor.Position{
			ID:        last.ID,
			CreatedAt: last.CreatedAt,
			Context:   last.Clock.Copy(),
		})
		page.NextCursor = &token
		page.HasMore = true
	}
	return page, nil
}

// BuildBundle snapshots a session, its related read-only entities, and
// its causal context into a time-boxed package for offline editing.
func (s *Service) BuildBundle(ctx context.Context, sessionID string) (Bundle, error) {
	doc, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Bundle{}, Classify(err)
	}
	building, err := s.store.GetBuilding(ctx, doc.BuildingID)
	if err != nil {
		return Bundle{}, Classify(err)
	}
	devices, err := s.store.ListDevices(ctx, doc.BuildingID)
	if err != nil {
		return Bundle{}, Classify(err)
	}
	return Bundle{
		Session:         doc,
		RelatedEntities: RelatedEntities{Building: building, Devices: devices},
		Clock:           doc.Clock.Copy(),
		ExpiresAt:       s.now().Add(s.bundleTTL),
	}, nil
}

type ImportRequest struct {
	Bundle         Bundle
	Actor          causal.ActorID
	Context        causal.Clock
	Changes        []document.Change
	IdempotencyKey string
}

// ImportBundle merges offline edits made against a bundle snapshot.
// There is no special-cased merge for offline data: after the expiry
// check the changes flow through the same Write path as any online
// write, with the bundle's clock as the default claimed context.
func (s *Service) ImportBundle(ctx context.Context, req ImportRequest) (View, error) {
	if req.Bundle.Session == nil {
		return View{}, newError(KindInvalidInput, "bundle has no session snapshot", false)
	}
	if req.Bundle.Expired(s.now()) {
		return View{}, newError(KindBundleExpired,
			fmt.Sprintf("bundle expired at %s; re-export and resync", req.Bundle.ExpiresAt.Format(time.RFC3339)),
			false)
	}
	claimed := req.Context
	if claimed == nil {
		claimed = req.Bundle.Clock.Copy()
	}
	return s.Write(ctx, WriteRequest{
		SessionID:      req.Bundle.Session.ID,
		Actor:          req.Actor,
		Context:        claimed,
		Changes:        req.Changes,
		IdempotencyKey: req.IdempotencyKey,
		EventType:      EventBundleImported,
	})
}

// withIdempotency wraps a mutation in the reserve-then-complete cycle.
// The reservation is written before the mutation executes, so two
// replays can never both observe "not yet recorded"; the stored result
// replaces it once the mutation commits. A failed mutation releases
// the reservation so the key can be retried.
func (s *Service) withIdempotency(ctx context.Context, key string, out any, fn func() (any, error)) error {
	key = strings.TrimSpace(key)
	if key == "" {
		result, err := fn()
		if err != nil {
			return err
		}
		return remarshal(result, out)
	}

	existing, reserved, err := s.store.ReserveIdempotency(ctx, key, s.idempotencyTTL, s.now())
	if err != nil {
		return Classify(err)
	}
	if !reserved {
		if existing.Pending {
			return newError(KindStorageUnavailable,
				"a request with this idempotency key is still in flight; retry with the same key", true)
		}
		s.log.Debug().Str("key", key).Msg("idempotency key replayed, returning stored result")
		return json.Unmarshal(existing.Result, out)
	}

	result, err := fn()
	if err != nil {
		if releaseErr := s.store.ReleaseIdempotency(ctx, key); releaseErr != nil {
			s.log.Warn().Err(releaseErr).Str("key", key).Msg("failed to release idempotency reservation")
		}
		return err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return Classify(err)
	}
	if err := s.store.CompleteIdempotency(ctx, key, payload, s.now()); err != nil {
		return Classify(err)
	}
	return json.Unmarshal(payload, out)
}

func remarshal(in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return Classify(err)
	}
	return json.Unmarshal(payload, out)
}
