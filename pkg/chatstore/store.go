// Package chatstore defines the persistence contracts for personas,
// conversations and their message logs.
//
// Two backends ship with Tavern: an embedded SQLite store
// ([github.com/MrWong99/tavern/pkg/chatstore/sqlite]) used by default and a
// PostgreSQL store ([github.com/MrWong99/tavern/pkg/chatstore/postgres]) for
// shared deployments. Both satisfy [Store] and honour the same semantics:
//
//   - deleting a persona removes its conversations and all of their messages;
//   - messages of a conversation are totally ordered by timestamp, ties broken
//     by insertion order;
//   - a conversation's MessageCount always equals its persisted message rows.
//
// All implementations must be safe for concurrent use.
package chatstore

import (
	"context"
	"time"
)

// PersonaStore manages persona records.
type PersonaStore interface {
	// CreatePersona inserts p, defaulting Status to online. Returns
	// [ErrAlreadyExists] if a persona with the same ID exists; the stored
	// record is left unchanged in that case.
	CreatePersona(ctx context.Context, p *Persona) error

	// GetPersona returns the persona or (nil, nil) when it does not exist.
	GetPersona(ctx context.Context, id string) (*Persona, error)

	// ListPersonas returns all personas ordered by name.
	ListPersonas(ctx context.Context) ([]Persona, error)

	// UpdatePersona applies patch and refreshes UpdatedAt. Returns
	// [ErrNotFound] if id is absent.
	UpdatePersona(ctx context.Context, id string, patch PersonaPatch) (*Persona, error)

	// DeletePersona removes the persona, its conversations and their
	// messages. Returns [ErrNotFound] if id is absent.
	DeletePersona(ctx context.Context, id string) error

	// TouchLastMessage refreshes the denormalised preview fields. A missing
	// id is a no-op, not an error.
	TouchLastMessage(ctx context.Context, id, text string, at time.Time) error
}

// ConversationStore manages conversation records.
type ConversationStore interface {
	// CreateConversation inserts c. An empty ID is replaced with a generated
	// one; CreatedAt and UpdatedAt are stamped by the store clock. Returns
	// [ErrNotFound] if the referenced persona does not exist.
	CreateConversation(ctx context.Context, c *Conversation) error

	// GetConversation returns the conversation or (nil, nil).
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// LatestConversation returns the most recently updated conversation for
	// the (personaID, userID) pair or (nil, nil) if there is none.
	LatestConversation(ctx context.Context, personaID, userID string) (*Conversation, error)

	// TouchConversation sets UpdatedAt to at. Returns [ErrNotFound] if the
	// conversation is absent.
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// DeleteConversation removes the conversation and all of its messages.
	// Returns [ErrNotFound] if the conversation is absent.
	DeleteConversation(ctx context.Context, id string) error

	// UserConversations lists a user's conversations, most recently updated
	// first, each with a preview of its newest message.
	UserConversations(ctx context.Context, userID string, limit int) ([]ConversationSummary, error)

	// DeleteInactiveConversation removes the conversation and its messages
	// only if its UpdatedAt is still strictly before cutoff, checked in the
	// same statement as the delete. It reports false when the conversation
	// is absent or was refreshed since it was listed.
	DeleteInactiveConversation(ctx context.Context, id string, cutoff time.Time) (bool, error)

	// InactiveConversations returns the IDs of conversations whose UpdatedAt
	// is strictly before cutoff.
	InactiveConversations(ctx context.Context, cutoff time.Time) ([]string, error)

	// Stats aggregates conversation counters. An empty personaID aggregates
	// over every conversation. AvgMessages is 0 when nothing matches.
	Stats(ctx context.Context, personaID string) (Stats, error)
}

// Window selects which slice of a conversation [MessageLog.History] keeps
// when the conversation is longer than the limit.
type Window int

const (
	// WindowRecent keeps the newest Limit messages.
	WindowRecent Window = iota

	// WindowEarliest keeps the oldest Limit messages.
	WindowEarliest
)

// String returns the config spelling of the window.
func (w Window) String() string {
	switch w {
	case WindowRecent:
		return "recent"
	case WindowEarliest:
		return "earliest"
	default:
		return "unknown"
	}
}

// ParseWindow converts a config value into a [Window]. The empty string maps
// to [WindowRecent].
func ParseWindow(s string) (Window, bool) {
	switch s {
	case "", "recent":
		return WindowRecent, true
	case "earliest":
		return WindowEarliest, true
	}
	return WindowRecent, false
}

// HistoryQuery bounds a [MessageLog.History] call.
type HistoryQuery struct {
	// Limit caps the number of returned messages. Zero or negative means no
	// limit.
	Limit int

	// Window selects the retained slice when Limit truncates.
	Window Window
}

// MessageLog stores the append-only messages of conversations.
type MessageLog interface {
	// AppendMessage inserts a message stamped with the store clock,
	// increments the conversation's MessageCount and sets its UpdatedAt to
	// the message timestamp. Returns the new message ID, or [ErrNotFound]
	// if the conversation does not exist.
	AppendMessage(ctx context.Context, conversationID string, sender Sender, content string) (int64, error)

	// History returns the conversation's messages ordered oldest-first,
	// truncated according to q.
	History(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error)

	// DeleteMessages removes every message of the conversation and resets
	// its MessageCount to zero.
	DeleteMessages(ctx context.Context, conversationID string) error
}

// Store is the full persistence surface used by the service layer.
type Store interface {
	PersonaStore
	ConversationStore
	MessageLog

	// Ping verifies the backing engine is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// Clock returns the current time. Stores use it for every server-assigned
// timestamp so tests can pin time exactly.
type Clock func() time.Time
