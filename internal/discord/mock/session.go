// Package mock provides a recording double of the Discord REST session.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Reply is one recorded ChannelMessageSendReply call.
type Reply struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// Session records interaction responses and channel messages for test
// assertions. It is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Replies records all ChannelMessageSendReply calls.
	Replies []Reply

	// Typing records the channel ids passed to ChannelTyping.
	Typing []string

	// Err is returned by every method when non-nil.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *Session) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *Session) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup", Content: params.Content}, nil
}

// ChannelMessageSendReply records the reply and returns a stub message.
func (m *Session) ChannelMessageSendReply(channelID, content string, ref *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = append(m.Replies, Reply{ChannelID: channelID, Content: content, Reference: ref})
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-reply", ChannelID: channelID, Content: content}, nil
}

// ChannelTyping records the channel id.
func (m *Session) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Typing = append(m.Typing, channelID)
	return m.Err
}

// LastResponse returns the most recently recorded response, or nil.
func (m *Session) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *Session) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}
