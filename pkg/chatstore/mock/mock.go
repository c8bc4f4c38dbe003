// Package mock provides an in-memory test double for [chatstore.Store].
//
// Unlike the SQL backends it keeps everything in maps guarded by a single
// [sync.Mutex], records every method call for assertion and exposes *Err
// fields that force a method to fail. It honours the same semantics as the
// real stores (cascading deletes, counter maintenance, history windows) so
// service-level tests can run against it.
//
// Typical usage:
//
//	store := mock.New()
//	store.AppendMessageErr = chatstore.ErrStorageUnavailable
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendMessage"); got != 1 {
//	    t.Errorf("expected 1 AppendMessage call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable, fully functional in-memory [chatstore.Store].
// All exported *Err fields default to nil (normal behaviour).
type Store struct {
	mu sync.Mutex

	calls []Call

	personas      map[string]chatstore.Persona
	conversations map[string]chatstore.Conversation
	messages      map[string][]chatstore.Message
	nextMsgID     int64
	nextConvID    int

	// Now is the clock used for server-assigned timestamps. Defaults to
	// [time.Now].
	Now chatstore.Clock

	CreatePersonaErr      error
	GetPersonaErr         error
	ListPersonasErr       error
	CreateConversationErr error
	LatestConversationErr error
	DeleteConversationErr error
	DeleteInactiveErr     error
	InactiveErr           error
	AppendMessageErr      error
	HistoryErr            error
	TouchLastMessageErr   error
	PingErr               error
}

// Compile-time interface check.
var _ chatstore.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		personas:      make(map[string]chatstore.Persona),
		conversations: make(map[string]chatstore.Conversation),
		messages:      make(map[string][]chatstore.Message),
		Now:           time.Now,
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored data or error
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// record must be called with m.mu held.
func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// ── personas ─────────────────────────────────────────────────────────────────

// CreatePersona implements [chatstore.PersonaStore].
func (m *Store) CreatePersona(_ context.Context, p *chatstore.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreatePersona", p.ID)
	if m.CreatePersonaErr != nil {
		return m.CreatePersonaErr
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if _, ok := m.personas[p.ID]; ok {
		return fmt.Errorf("mock: persona %q: %w", p.ID, chatstore.ErrAlreadyExists)
	}
	if p.Status == "" {
		p.Status = chatstore.StatusOnline
	}
	now := m.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.LastMessage, p.LastMessageTime = "", time.Time{}
	m.personas[p.ID] = *p
	return nil
}

// GetPersona implements [chatstore.PersonaStore].
func (m *Store) GetPersona(_ context.Context, id string) (*chatstore.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetPersona", id)
	if m.GetPersonaErr != nil {
		return nil, m.GetPersonaErr
	}
	p, ok := m.personas[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ListPersonas implements [chatstore.PersonaStore].
func (m *Store) ListPersonas(context.Context) ([]chatstore.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListPersonas")
	if m.ListPersonasErr != nil {
		return nil, m.ListPersonasErr
	}
	out := make([]chatstore.Persona, 0, len(m.personas))
	for _, p := range m.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdatePersona implements [chatstore.PersonaStore].
func (m *Store) UpdatePersona(_ context.Context, id string, patch chatstore.PersonaPatch) (*chatstore.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdatePersona", id, patch)
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	p, ok := m.personas[id]
	if !ok {
		return nil, fmt.Errorf("mock: persona %q: %w", id, chatstore.ErrNotFound)
	}
	patch.Apply(&p)
	p.UpdatedAt = m.Now()
	m.personas[id] = p
	return &p, nil
}

// DeletePersona implements [chatstore.PersonaStore].
func (m *Store) DeletePersona(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeletePersona", id)
	if _, ok := m.personas[id]; !ok {
		return fmt.Errorf("mock: persona %q: %w", id, chatstore.ErrNotFound)
	}
	for cid, c := range m.conversations {
		if c.PersonaID == id {
			delete(m.conversations, cid)
			delete(m.messages, cid)
		}
	}
	delete(m.personas, id)
	return nil
}

// TouchLastMessage implements [chatstore.PersonaStore].
func (m *Store) TouchLastMessage(_ context.Context, id, text string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("TouchLastMessage", id, text, at)
	if m.TouchLastMessageErr != nil {
		return m.TouchLastMessageErr
	}
	if p, ok := m.personas[id]; ok {
		p.LastMessage, p.LastMessageTime = text, at
		m.personas[id] = p
	}
	return nil
}

// ── conversations ────────────────────────────────────────────────────────────

// CreateConversation implements [chatstore.ConversationStore].
func (m *Store) CreateConversation(_ context.Context, c *chatstore.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateConversation", c.PersonaID, c.UserID)
	if m.CreateConversationErr != nil {
		return m.CreateConversationErr
	}
	if _, ok := m.personas[c.PersonaID]; !ok {
		return fmt.Errorf("mock: persona %q: %w", c.PersonaID, chatstore.ErrNotFound)
	}
	if c.ID == "" {
		m.nextConvID++
		c.ID = fmt.Sprintf("conv-%d", m.nextConvID)
	}
	if _, ok := m.conversations[c.ID]; ok {
		return fmt.Errorf("mock: conversation %q: %w", c.ID, chatstore.ErrAlreadyExists)
	}
	now := m.Now()
	c.CreatedAt, c.UpdatedAt, c.MessageCount = now, now, 0
	m.conversations[c.ID] = *c
	return nil
}

// GetConversation implements [chatstore.ConversationStore].
func (m *Store) GetConversation(_ context.Context, id string) (*chatstore.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetConversation", id)
	c, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// LatestConversation implements [chatstore.ConversationStore].
func (m *Store) LatestConversation(_ context.Context, personaID, userID string) (*chatstore.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LatestConversation", personaID, userID)
	if m.LatestConversationErr != nil {
		return nil, m.LatestConversationErr
	}
	var best *chatstore.Conversation
	for _, c := range m.conversations {
		if c.PersonaID != personaID || c.UserID != userID {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) ||
			(c.UpdatedAt.Equal(best.UpdatedAt) && c.CreatedAt.After(best.CreatedAt)) {
			c := c
			best = &c
		}
	}
	return best, nil
}

// TouchConversation implements [chatstore.ConversationStore].
func (m *Store) TouchConversation(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("TouchConversation", id, at)
	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("mock: conversation %q: %w", id, chatstore.ErrNotFound)
	}
	c.UpdatedAt = at
	m.conversations[id] = c
	return nil
}

// DeleteConversation implements [chatstore.ConversationStore].
func (m *Store) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteConversation", id)
	if m.DeleteConversationErr != nil {
		return m.DeleteConversationErr
	}
	if _, ok := m.conversations[id]; !ok {
		return fmt.Errorf("mock: conversation %q: %w", id, chatstore.ErrNotFound)
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// DeleteInactiveConversation implements [chatstore.ConversationStore].
func (m *Store) DeleteInactiveConversation(_ context.Context, id string, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteInactiveConversation", id, cutoff)
	if m.DeleteInactiveErr != nil {
		return false, m.DeleteInactiveErr
	}
	c, ok := m.conversations[id]
	if !ok || !c.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return true, nil
}

// UserConversations implements [chatstore.ConversationStore].
func (m *Store) UserConversations(_ context.Context, userID string, limit int) ([]chatstore.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UserConversations", userID, limit)
	var convs []chatstore.Conversation
	for _, c := range m.conversations {
		if c.UserID == userID {
			convs = append(convs, c)
		}
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	out := make([]chatstore.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		s := chatstore.ConversationSummary{
			ID: c.ID, PersonaID: c.PersonaID, Title: c.Title,
			MessageCount: c.MessageCount, UpdatedAt: c.UpdatedAt,
		}
		if msgs := m.messages[c.ID]; len(msgs) > 0 {
			s.LastMessage = msgs[len(msgs)-1].Content
		}
		out = append(out, s)
	}
	return out, nil
}

// InactiveConversations implements [chatstore.ConversationStore].
func (m *Store) InactiveConversations(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InactiveConversations", cutoff)
	if m.InactiveErr != nil {
		return nil, m.InactiveErr
	}
	var ids []string
	for id, c := range m.conversations {
		if c.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Stats implements [chatstore.ConversationStore].
func (m *Store) Stats(_ context.Context, personaID string) (chatstore.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Stats", personaID)
	var st chatstore.Stats
	for _, c := range m.conversations {
		if personaID != "" && c.PersonaID != personaID {
			continue
		}
		st.TotalConversations++
		st.TotalMessages += c.MessageCount
	}
	if st.TotalConversations > 0 {
		st.AvgMessages = float64(st.TotalMessages) / float64(st.TotalConversations)
	}
	return st, nil
}

// ── messages ─────────────────────────────────────────────────────────────────

// AppendMessage implements [chatstore.MessageLog].
func (m *Store) AppendMessage(_ context.Context, conversationID string, sender chatstore.Sender, content string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendMessage", conversationID, sender, content)
	if m.AppendMessageErr != nil {
		return 0, m.AppendMessageErr
	}
	if !sender.IsValid() {
		return 0, fmt.Errorf("%w: sender %q", chatstore.ErrInvalid, sender)
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return 0, fmt.Errorf("mock: conversation %q: %w", conversationID, chatstore.ErrNotFound)
	}
	m.nextMsgID++
	ts := m.Now()
	m.messages[conversationID] = append(m.messages[conversationID], chatstore.Message{
		ID: m.nextMsgID, ConversationID: conversationID, Sender: sender, Content: content, Timestamp: ts,
	})
	c.MessageCount++
	c.UpdatedAt = ts
	m.conversations[conversationID] = c
	return m.nextMsgID, nil
}

// History implements [chatstore.MessageLog]. Messages are kept in insertion
// order, which matches timestamp order for a monotonic clock.
func (m *Store) History(_ context.Context, conversationID string, q chatstore.HistoryQuery) ([]chatstore.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("History", conversationID, q)
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	msgs := m.messages[conversationID]
	if q.Limit > 0 && len(msgs) > q.Limit {
		if q.Window == chatstore.WindowEarliest {
			msgs = msgs[:q.Limit]
		} else {
			msgs = msgs[len(msgs)-q.Limit:]
		}
	}
	return slices.Clone(msgs), nil
}

// DeleteMessages implements [chatstore.MessageLog].
func (m *Store) DeleteMessages(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteMessages", conversationID)
	delete(m.messages, conversationID)
	if c, ok := m.conversations[conversationID]; ok {
		c.MessageCount = 0
		m.conversations[conversationID] = c
	}
	return nil
}

// Ping implements [chatstore.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [chatstore.Store].
func (m *Store) Close() error { return nil }

// Dump renders the stored messages of a conversation as "sender: content"
// lines. Handy in test failure output.
func (m *Store) Dump(conversationID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, msg := range m.messages[conversationID] {
		fmt.Fprintf(&b, "%s: %s\n", msg.Sender, msg.Content)
	}
	return b.String()
}
