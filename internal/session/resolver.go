// Package session maps a (persona, user) pair to its canonical conversation.
//
// The canonical conversation is the most recently updated one for the pair.
// Lookup-then-create is not atomic in the store, so [Resolver] serialises
// calls per pair inside the process; two concurrent first contacts therefore
// yield a single conversation. Deployments running several Tavern processes
// against one PostgreSQL store do not share this lock.
package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/pkg/chatstore"
)

// DefaultTitleFormat names a new conversation after the persona id.
const DefaultTitleFormat = "Chat with %s"

// Resolver resolves conversations for (persona, user) pairs. It is safe for
// concurrent use.
type Resolver struct {
	store       chatstore.ConversationStore
	now         chatstore.Clock
	titleFormat atomic.Value // string
	metrics     *observe.Metrics
	locks       *keyLock
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithClock overrides the clock used to stamp UpdatedAt on resolution.
func WithClock(now chatstore.Clock) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTitleFormat sets the fmt pattern for new conversation titles. It
// receives the persona id.
func WithTitleFormat(format string) Option {
	return func(r *Resolver) {
		r.SetTitleFormat(format)
	}
}

// WithMetrics records store operations on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a [Resolver] backed by store.
func NewResolver(store chatstore.ConversationStore, opts ...Option) *Resolver {
	r := &Resolver{
		store: store,
		now:   time.Now,
		locks: newKeyLock(),
	}
	r.titleFormat.Store(DefaultTitleFormat)
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetTitleFormat replaces the title pattern for conversations created from
// now on. An empty format is ignored.
func (r *Resolver) SetTitleFormat(format string) {
	if format != "" {
		r.titleFormat.Store(format)
	}
}

// ResolveOrCreate returns the canonical conversation for the pair. An
// existing conversation has its UpdatedAt stamped to now; otherwise a new
// conversation with zero messages is created. Returns [chatstore.ErrNotFound]
// when a new conversation would reference a missing persona.
func (r *Resolver) ResolveOrCreate(ctx context.Context, personaID, userID string) (*chatstore.Conversation, error) {
	if personaID == "" || userID == "" {
		return nil, fmt.Errorf("session: %w: persona and user ids must not be empty", chatstore.ErrInvalid)
	}

	unlock := r.locks.lock(pairKey(personaID, userID))
	defer unlock()

	conv, err := r.store.LatestConversation(ctx, personaID, userID)
	r.record(ctx, "latest_conversation", err)
	if err != nil {
		return nil, fmt.Errorf("session: resolve %s/%s: %w", personaID, userID, err)
	}

	if conv != nil {
		at := r.now()
		err := r.store.TouchConversation(ctx, conv.ID, at)
		r.record(ctx, "touch_conversation", err)
		if err != nil {
			return nil, fmt.Errorf("session: touch %s: %w", conv.ID, err)
		}
		conv.UpdatedAt = at
		return conv, nil
	}

	conv = &chatstore.Conversation{
		PersonaID: personaID,
		UserID:    userID,
		Title:     fmt.Sprintf(r.titleFormat.Load().(string), personaID),
	}
	err = r.store.CreateConversation(ctx, conv)
	r.record(ctx, "create_conversation", err)
	if err != nil {
		return nil, fmt.Errorf("session: create conversation for %s/%s: %w", personaID, userID, err)
	}
	observe.Logger(ctx).Debug("conversation created",
		"conversation_id", conv.ID, "persona_id", personaID, "user_id", userID)
	return conv, nil
}

// Lookup returns the canonical conversation for the pair without touching
// or creating anything. It returns [chatstore.ErrNotFound] when the pair
// has no conversation.
func (r *Resolver) Lookup(ctx context.Context, personaID, userID string) (*chatstore.Conversation, error) {
	conv, err := r.store.LatestConversation(ctx, personaID, userID)
	r.record(ctx, "latest_conversation", err)
	if err != nil {
		return nil, fmt.Errorf("session: lookup %s/%s: %w", personaID, userID, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("session: no conversation for %s/%s: %w", personaID, userID, chatstore.ErrNotFound)
	}
	return conv, nil
}

// Delete removes the canonical conversation of the pair with its messages.
// It holds the pair lock so a concurrent ResolveOrCreate cannot return the
// conversation being deleted.
func (r *Resolver) Delete(ctx context.Context, personaID, userID string) error {
	unlock := r.locks.lock(pairKey(personaID, userID))
	defer unlock()

	conv, err := r.Lookup(ctx, personaID, userID)
	if err != nil {
		return err
	}
	err = r.store.DeleteConversation(ctx, conv.ID)
	r.record(ctx, "delete_conversation", err)
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", conv.ID, err)
	}
	return nil
}

func (r *Resolver) record(ctx context.Context, op string, err error) {
	if r.metrics != nil {
		r.metrics.RecordStoreOp(ctx, op, err)
	}
}

func pairKey(personaID, userID string) string {
	return personaID + "\x00" + userID
}
