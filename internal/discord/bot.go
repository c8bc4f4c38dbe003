// Package discord relays Discord chat to Tavern personas. Messages posted in
// a configured channel are answered by the persona mapped to it, and the
// /talk slash command reaches any persona from anywhere in the guild.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/tavern/internal/dialogue"
	"github.com/MrWong99/tavern/internal/personamatch"
	"github.com/MrWong99/tavern/pkg/chatstore"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild the bot serves and registers commands in.
	GuildID string

	// Channels maps a channel name or id to the persona id answering there.
	Channels map[string]string
}

// Responder is the subset of *discordgo.Session the bot writes through.
type Responder interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

var _ Responder = (*discordgo.Session)(nil)

// Dialogue runs one conversational turn.
type Dialogue interface {
	Turn(ctx context.Context, req dialogue.TurnRequest) (*dialogue.TurnResult, error)
}

var _ Dialogue = (*dialogue.Service)(nil)

// Bot owns the Discord gateway connection, the channel relay and the slash
// command router.
type Bot struct {
	mu       sync.RWMutex
	session  *discordgo.Session
	router   *CommandRouter
	relay    *Relay
	guildID  string
	channels map[string]string
	commands []*discordgo.ApplicationCommand
	ctx      context.Context

	closeOnce sync.Once
}

// New creates a Bot. The gateway connection is opened by [Bot.Run].
func New(cfg Config, turns Dialogue, personas chatstore.PersonaStore, matcher *personamatch.Matcher) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuilds

	if matcher == nil {
		matcher = personamatch.New()
	}
	router := NewCommandRouter()
	NewTalkCommand(turns, personas, matcher).Register(router)

	b := &Bot{
		session:  session,
		router:   router,
		relay:    NewRelay(turns),
		guildID:  cfg.GuildID,
		channels: cfg.Channels,
		ctx:      context.Background(),
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(b.context(), s, i)
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		b.relay.HandleMessage(b.context(), s, s.State.User.ID, m.Message)
	})
	return b, nil
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

func (b *Bot) context() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx
}

// Run connects to Discord, resolves the relay channels, registers slash
// commands and blocks until ctx is cancelled. The bot is closed on return.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
	defer b.Close()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	if len(b.channels) > 0 {
		chans, err := b.session.GuildChannels(b.guildID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord: list channels: %w", err)
		}
		resolved := ResolveChannels(chans, b.channels)
		b.relay.SetChannels(resolved)
		slog.Info("discord relay channels resolved", "configured", len(b.channels), "resolved", len(resolved))
	}

	appID := b.session.State.User.ID
	if cmds := b.router.ApplicationCommands(); len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return nil
}

// Close unregisters the slash commands and disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session.State != nil && b.session.State.User != nil {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return closeErr
}
