package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/tavern/internal/dialogue"
	"github.com/MrWong99/tavern/internal/observe"
)

// MaxMessageLength is Discord's content limit for one message.
const MaxMessageLength = 2000

// Relay answers channel messages with the persona mapped to the channel.
// The Discord author id is used as the conversation's user id.
type Relay struct {
	turns Dialogue

	mu       sync.RWMutex
	channels map[string]string // channel id → persona id
}

// NewRelay creates a Relay with no channels.
func NewRelay(turns Dialogue) *Relay {
	return &Relay{turns: turns, channels: map[string]string{}}
}

// SetChannels replaces the channel id → persona id map.
func (r *Relay) SetChannels(channels map[string]string) {
	m := make(map[string]string, len(channels))
	for k, v := range channels {
		m[k] = v
	}
	r.mu.Lock()
	r.channels = m
	r.mu.Unlock()
}

// PersonaFor returns the persona answering in channelID.
func (r *Relay) PersonaFor(channelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.channels[channelID]
	return id, ok
}

// HandleMessage answers m when it was posted by a human in a relay channel.
// selfID is the bot's own user id.
func (r *Relay) HandleMessage(ctx context.Context, s Responder, selfID string, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == selfID {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}
	personaID, ok := r.PersonaFor(m.ChannelID)
	if !ok {
		return
	}
	log := observe.Logger(ctx).With("channel", m.ChannelID, "persona", personaID, "user", m.Author.ID)

	if err := s.ChannelTyping(m.ChannelID, discordgo.WithContext(ctx)); err != nil {
		log.Debug("discord: typing indicator failed", "err", err)
	}

	reply := ""
	res, err := r.turns.Turn(ctx, dialogue.TurnRequest{
		PersonaID: personaID,
		UserID:    m.Author.ID,
		Message:   content,
	})
	if err != nil {
		log.Warn("discord: relay turn failed", "err", err)
		reply = "Error: " + err.Error()
	} else {
		reply = res.Reply
	}

	if _, err := s.ChannelMessageSendReply(m.ChannelID, clip(reply, MaxMessageLength), m.Reference(), discordgo.WithContext(ctx)); err != nil {
		log.Warn("discord: failed to send reply", "err", err)
	}
}

// ResolveChannels maps configured channel names or ids onto the guild's
// text channel ids. Entries matching no channel are logged and skipped.
func ResolveChannels(guild []*discordgo.Channel, configured map[string]string) map[string]string {
	out := make(map[string]string, len(configured))
	for key, personaID := range configured {
		found := false
		for _, ch := range guild {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			if ch.ID == key || strings.EqualFold(ch.Name, strings.TrimPrefix(key, "#")) {
				out[ch.ID] = personaID
				found = true
			}
		}
		if !found {
			slog.Warn("discord: relay channel not found", "channel", key, "persona", personaID)
		}
	}
	return out
}

// clip shortens s to at most n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
