package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/tavern/pkg/chatstore"
	"github.com/MrWong99/tavern/pkg/chatstore/mock"
	"github.com/MrWong99/tavern/pkg/chatstore/sqlite"
)

func newMockStore(t *testing.T) *mock.Store {
	t.Helper()
	s := mock.New()
	require.NoError(t, s.CreatePersona(context.Background(), &chatstore.Persona{ID: "merlin", Name: "Merlin"}))
	return s
}

func TestResolveOrCreate_CreatesThenReuses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMockStore(t)
	r := NewResolver(store)

	first, err := r.ResolveOrCreate(ctx, "merlin", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Chat with merlin", first.Title)
	assert.Zero(t, first.MessageCount)

	second, err := r.ResolveOrCreate(ctx, "merlin", "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.CallCount("CreateConversation"))
	assert.Equal(t, 1, store.CallCount("TouchConversation"))
}

func TestResolveOrCreate_TouchesUpdatedAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMockStore(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return created }

	resolvedAt := created.Add(time.Hour)
	r := NewResolver(store, WithClock(func() time.Time { return resolvedAt }))

	_, err := r.ResolveOrCreate(ctx, "merlin", "u1")
	require.NoError(t, err)
	conv, err := r.ResolveOrCreate(ctx, "merlin", "u1")
	require.NoError(t, err)
	assert.True(t, conv.UpdatedAt.Equal(resolvedAt))

	stored, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(resolvedAt), "stored updated_at = %v", stored.UpdatedAt)
}

func TestResolveOrCreate_SeparatePairs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMockStore(t)
	require.NoError(t, store.CreatePersona(ctx, &chatstore.Persona{ID: "thorin", Name: "Thorin"}))
	r := NewResolver(store, WithTitleFormat("Chat con %s"))

	a, err := r.ResolveOrCreate(ctx, "merlin", "u1")
	require.NoError(t, err)
	b, err := r.ResolveOrCreate(ctx, "merlin", "u2")
	require.NoError(t, err)
	c, err := r.ResolveOrCreate(ctx, "thorin", "u1")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, "Chat con thorin", c.Title)
}

func TestResolveOrCreate_UnknownPersona(t *testing.T) {
	t.Parallel()
	r := NewResolver(newMockStore(t))
	_, err := r.ResolveOrCreate(context.Background(), "ghost", "u1")
	assert.ErrorIs(t, err, chatstore.ErrNotFound)
}

func TestResolveOrCreate_EmptyIDs(t *testing.T) {
	t.Parallel()
	r := NewResolver(newMockStore(t))
	_, err := r.ResolveOrCreate(context.Background(), "", "u1")
	assert.ErrorIs(t, err, chatstore.ErrInvalid)
	_, err = r.ResolveOrCreate(context.Background(), "merlin", "")
	assert.ErrorIs(t, err, chatstore.ErrInvalid)
}

func TestResolveOrCreate_StoreError(t *testing.T) {
	t.Parallel()
	store := newMockStore(t)
	boom := errors.New("disk I/O error")
	store.LatestConversationErr = boom

	r := NewResolver(store)
	_, err := r.ResolveOrCreate(context.Background(), "merlin", "u1")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, store.CallCount("CreateConversation"))
}

func TestLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMockStore(t)
	r := NewResolver(store)

	_, err := r.Lookup(ctx, "merlin", "u1")
	require.ErrorIs(t, err, chatstore.ErrNotFound)
	assert.Zero(t, store.CallCount("CreateConversation"), "Lookup must not create")

	created, err := r.ResolveOrCreate(ctx, "merlin", "u1")
	require.NoError(t, err)
	store.Reset()

	got, err := r.Lookup(ctx, "merlin", "u1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Zero(t, store.CallCount("TouchConversation"), "Lookup must not touch")
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMockStore(t)
	r := NewResolver(store)

	conv, err := r.ResolveOrCreate(ctx, "merlin", "u1")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, conv.ID, chatstore.SenderUser, "hello")
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "merlin", "u1"))
	assert.ErrorIs(t, r.Delete(ctx, "merlin", "u1"), chatstore.ErrNotFound)

	next, err := r.ResolveOrCreate(ctx, "merlin", "u1")
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, next.ID)
}

func TestResolveOrCreate_ConcurrentFirstContact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreatePersona(ctx, &chatstore.Persona{ID: "merlin", Name: "Merlin"}))

	r := NewResolver(store)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := r.ResolveOrCreate(ctx, "merlin", "u1")
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	convs, err := store.UserConversations(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
	assert.Zero(t, r.locks.size(), "locks must be released")
}

func TestKeyLock_SerialisesSameKey(t *testing.T) {
	t.Parallel()
	k := newKeyLock()

	unlock := k.lock("a")
	acquired := make(chan struct{})
	go func() {
		u := k.lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different key is independent.
	other := k.lock("b")
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}
