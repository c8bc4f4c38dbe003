package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/tavern/internal/dialogue"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/personamatch"
	"github.com/MrWong99/tavern/pkg/chatstore"
)

// maxChoices is Discord's cap on autocomplete suggestions.
const maxChoices = 25

// TalkCommand handles /talk: one dialogue turn with a persona chosen by
// name, answered publicly in the invoking channel.
type TalkCommand struct {
	turns    Dialogue
	personas chatstore.PersonaStore
	matcher  *personamatch.Matcher
}

// NewTalkCommand creates a TalkCommand handler.
func NewTalkCommand(turns Dialogue, personas chatstore.PersonaStore, matcher *personamatch.Matcher) *TalkCommand {
	return &TalkCommand{turns: turns, personas: personas, matcher: matcher}
}

// Register registers /talk and its persona autocomplete with the router.
func (tc *TalkCommand) Register(router *CommandRouter) {
	router.RegisterCommand(tc.Definition(), tc.handle)
	router.RegisterAutocomplete("talk", tc.handleAutocomplete)
}

// Definition returns the /talk ApplicationCommand for Discord registration.
func (tc *TalkCommand) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "talk",
		Description: "Talk to a persona",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:         "persona",
				Description:  "Who to talk to",
				Type:         discordgo.ApplicationCommandOptionString,
				Required:     true,
				Autocomplete: true,
			},
			{
				Name:        "message",
				Description: "What you say",
				Type:        discordgo.ApplicationCommandOptionString,
				Required:    true,
			},
		},
	}
}

func (tc *TalkCommand) handle(ctx context.Context, s Responder, i *discordgo.InteractionCreate) {
	query := stringOption(i, "persona")
	message := stringOption(i, "message")

	personas, err := tc.personas.ListPersonas(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("discord: list personas failed", "err", err)
		RespondError(s, i, err)
		return
	}
	match, ok := tc.matcher.Best(query, personas)
	if !ok {
		RespondEphemeral(s, i, fmt.Sprintf("No persona matches %q.", query))
		return
	}

	DeferReply(s, i)
	res, err := tc.turns.Turn(ctx, dialogue.TurnRequest{
		PersonaID: match.Persona.ID,
		UserID:    interactionUser(i),
		Message:   message,
	})
	if err != nil {
		observe.Logger(ctx).Warn("discord: talk turn failed", "persona", match.Persona.ID, "err", err)
		FollowUp(s, i, fmt.Sprintf("Error: %v", err))
		return
	}
	FollowUp(s, i, fmt.Sprintf("**%s**: %s", res.PersonaName, res.Reply))
}

func (tc *TalkCommand) handleAutocomplete(ctx context.Context, s Responder, i *discordgo.InteractionCreate) {
	partial := ""
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Focused {
			partial = opt.StringValue()
			break
		}
	}

	personas, err := tc.personas.ListPersonas(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("discord: list personas failed", "err", err)
		RespondChoices(s, i, nil)
		return
	}

	var choices []*discordgo.ApplicationCommandOptionChoice
	for _, c := range tc.matcher.Rank(partial, personas) {
		if len(choices) == maxChoices {
			break
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  c.Persona.Name,
			Value: c.Persona.ID,
		})
	}
	RespondChoices(s, i, choices)
}

// stringOption extracts a top-level string option value.
func stringOption(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}
