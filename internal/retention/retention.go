// Package retention purges conversations that have been inactive for longer
// than a configured number of days.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/pkg/chatstore"
)

// Sweeper deletes inactive conversations together with their messages.
type Sweeper struct {
	store   chatstore.ConversationStore
	now     chatstore.Clock
	metrics *observe.Metrics
}

// Option configures a [Sweeper].
type Option func(*Sweeper)

// WithClock overrides the clock used to compute the cutoff.
func WithClock(now chatstore.Clock) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sweeper) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates a [Sweeper] over store.
func New(store chatstore.ConversationStore, opts ...Option) *Sweeper {
	s := &Sweeper{store: store, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Cutoff returns the instant before which a conversation counts as inactive.
func (s *Sweeper) Cutoff(days int) time.Time {
	return s.now().Add(-time.Duration(days) * 24 * time.Hour)
}

// PurgeInactive deletes every conversation whose last update is strictly
// older than days days and returns how many were removed. Each delete
// re-checks the cutoff, so a conversation resumed or removed after the
// listing is skipped. A negative days is rejected with
// [chatstore.ErrInvalid]; zero purges everything last updated before now.
func (s *Sweeper) PurgeInactive(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("retention: %w: days %d must not be negative", chatstore.ErrInvalid, days)
	}
	cutoff := s.Cutoff(days)

	ids, err := s.store.InactiveConversations(ctx, cutoff)
	s.metrics.RecordStoreOp(ctx, "inactive_conversations", err)
	if err != nil {
		return 0, fmt.Errorf("retention: list inactive: %w", err)
	}

	purged := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			s.metrics.RecordPurged(ctx, purged)
			return purged, err
		}
		deleted, err := s.store.DeleteInactiveConversation(ctx, id, cutoff)
		s.metrics.RecordStoreOp(ctx, "delete_inactive_conversation", err)
		if err != nil {
			s.metrics.RecordPurged(ctx, purged)
			return purged, fmt.Errorf("retention: delete %s: %w", id, err)
		}
		if !deleted {
			observe.Logger(ctx).Debug("conversation no longer inactive, skipped", "conversation_id", id)
			continue
		}
		purged++
	}

	s.metrics.RecordPurged(ctx, purged)
	if purged > 0 {
		observe.Logger(ctx).Info("purged inactive conversations", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged
// and do not stop the loop. It returns nil on cancellation.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, days int) error {
	if interval <= 0 {
		return fmt.Errorf("retention: %w: interval must be positive", chatstore.ErrInvalid)
	}
	log := observe.Logger(ctx)
	log.Info("retention sweeper started", "days", days, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PurgeInactive(ctx, days); err != nil && ctx.Err() == nil {
				log.Warn("retention sweep failed", "err", err)
			}
		}
	}
}
