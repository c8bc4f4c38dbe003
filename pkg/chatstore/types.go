package chatstore

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Status is the availability flag shown next to a persona in chat lists.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	return s == StatusOnline || s == StatusOffline
}

// Sender identifies who authored a [Message].
type Sender string

const (
	// SenderUser marks a message typed by the human participant.
	SenderUser Sender = "user"

	// SenderPersona marks a message produced on behalf of the persona,
	// including persisted generation failures.
	SenderPersona Sender = "persona"
)

// IsValid reports whether s is a recognised sender.
func (s Sender) IsValid() bool {
	return s == SenderUser || s == SenderPersona
}

// Persona is a conversational character with a fixed instruction prompt.
//
// LastMessage and LastMessageTime are a denormalised cache of the most recent
// successful reply. They are refreshed by [PersonaStore.TouchLastMessage] and
// must never be treated as the source of truth for conversation state.
type Persona struct {
	ID          string `json:"id"          yaml:"id"`
	Name        string `json:"name"        yaml:"name"`
	Avatar      string `json:"avatar"      yaml:"avatar"`
	Description string `json:"description" yaml:"description"`
	Status      Status `json:"status"      yaml:"status"`

	// Prompt is the persona instruction text prepended to every generation
	// request. It may be arbitrarily long and span multiple lines.
	Prompt string `json:"prompt" yaml:"prompt"`

	LastMessage     string    `json:"last_message"      yaml:"last_message,omitempty"`
	LastMessageTime time.Time `json:"last_message_time" yaml:"-"`
	UnreadCount     int       `json:"unread_count"      yaml:"unread_count,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// ReservedIDs are persona ids that collide with fixed HTTP API routes
// (POST /api/npc shadows POST /api/{persona_id}, and so on).
var ReservedIDs = []string{"npc", "npcs", "chats", "stats", "health"}

// Validate checks the fields required before a persona can be persisted.
// It returns a joined error listing every problem found.
func (p *Persona) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if slices.Contains(ReservedIDs, p.ID) {
		errs = append(errs, fmt.Errorf("id %q is reserved", p.ID))
	}
	if p.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if p.Status != "" && !p.Status.IsValid() {
		errs = append(errs, fmt.Errorf("status %q is invalid; valid values: online, offline", p.Status))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// PersonaPatch carries a partial update for [PersonaStore.UpdatePersona].
// A nil field leaves the stored value unchanged. The persona ID is not part of
// the patch because it is immutable.
type PersonaPatch struct {
	Name        *string `json:"name,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
	Prompt      *string `json:"prompt,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p PersonaPatch) IsEmpty() bool {
	return p.Name == nil && p.Avatar == nil && p.Description == nil && p.Status == nil && p.Prompt == nil
}

// Validate rejects patches that would leave the persona in an invalid state.
func (p PersonaPatch) Validate() error {
	var errs []error
	if p.Name != nil && *p.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if p.Status != nil && !p.Status.IsValid() {
		errs = append(errs, fmt.Errorf("status %q is invalid; valid values: online, offline", *p.Status))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Apply copies every non-nil patch field onto p.
func (p PersonaPatch) Apply(dst *Persona) {
	if p.Name != nil {
		dst.Name = *p.Name
	}
	if p.Avatar != nil {
		dst.Avatar = *p.Avatar
	}
	if p.Description != nil {
		dst.Description = *p.Description
	}
	if p.Status != nil {
		dst.Status = *p.Status
	}
	if p.Prompt != nil {
		dst.Prompt = *p.Prompt
	}
}

// Conversation is a dialogue thread between one user and one persona.
//
// MessageCount is maintained on every append and is never recomputed from the
// message table. For a (PersonaID, UserID) pair the most recently updated
// conversation is the canonical one.
type Conversation struct {
	ID           string    `json:"id"`
	PersonaID    string    `json:"persona_id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is a single append-only entry in a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationSummary is a row of the per-user conversation listing, carrying
// a preview of the newest message.
type ConversationSummary struct {
	ID           string    `json:"id"`
	PersonaID    string    `json:"npc_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastMessage  string    `json:"last_message"`
}

// Stats aggregates conversation counters, globally or for one persona.
type Stats struct {
	TotalConversations int     `json:"total_conversations"`
	TotalMessages      int     `json:"total_messages"`
	AvgMessages        float64 `json:"avg_messages"`
}

// PersonaCounts summarises the persona table for dashboards.
type PersonaCounts struct {
	Total       int `json:"total_npcs"`
	Online      int `json:"online_npcs"`
	Offline     int `json:"offline_npcs"`
	TotalUnread int `json:"total_unread"`
}

// SummarizePersonas counts online/offline personas and their unread badges.
func SummarizePersonas(personas []Persona) PersonaCounts {
	c := PersonaCounts{Total: len(personas)}
	for _, p := range personas {
		if p.Status == StatusOnline {
			c.Online++
		}
		c.TotalUnread += p.UnreadCount
	}
	c.Offline = c.Total - c.Online
	return c
}
