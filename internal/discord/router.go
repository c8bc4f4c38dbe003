package discord

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc is the signature for slash command and autocomplete handlers.
type HandlerFunc func(ctx context.Context, s Responder, i *discordgo.InteractionCreate)

type commandEntry struct {
	command *discordgo.ApplicationCommand
	handler HandlerFunc
}

// CommandRouter dispatches Discord interactions to registered handlers.
type CommandRouter struct {
	mu           sync.RWMutex
	commands     map[string]commandEntry // command name → entry
	autocomplete map[string]HandlerFunc  // command name → handler
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		commands:     make(map[string]commandEntry),
		autocomplete: make(map[string]HandlerFunc),
	}
}

// RegisterCommand registers cmd and the handler invoked for it.
func (r *CommandRouter) RegisterCommand(cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = commandEntry{command: cmd, handler: handler}
}

// RegisterAutocomplete registers an autocomplete handler for a command name.
func (r *CommandRouter) RegisterAutocomplete(name string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autocomplete[name] = handler
}

// ApplicationCommands returns the command definitions for registration with
// the Discord API.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.commands))
	for _, entry := range r.commands {
		cmds = append(cmds, entry.command)
	}
	return cmds
}

// Handle dispatches an interaction to the appropriate handler.
func (r *CommandRouter) Handle(ctx context.Context, s Responder, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		r.mu.RLock()
		entry, ok := r.commands[name]
		r.mu.RUnlock()
		if !ok {
			slog.Warn("discord: unknown command", "name", name)
			RespondEphemeral(s, i, "Unknown command.")
			return
		}
		entry.handler(ctx, s, i)

	case discordgo.InteractionApplicationCommandAutocomplete:
		name := i.ApplicationCommandData().Name
		r.mu.RLock()
		handler, ok := r.autocomplete[name]
		r.mu.RUnlock()
		if !ok {
			slog.Debug("discord: no autocomplete handler", "name", name)
			RespondChoices(s, i, nil)
			return
		}
		handler(ctx, s, i)

	default:
		slog.Debug("discord: unhandled interaction type", "type", i.Type)
	}
}
