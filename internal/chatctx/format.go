package chatctx

import (
	"strings"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

// Format holds the fixed strings of a rendered transcript and prompt cue.
type Format struct {
	// Header is the first line of a non-empty rendered context.
	Header string

	// UserLabel and PersonaLabel prefix user and persona messages.
	UserLabel    string
	PersonaLabel string

	// SpeakerLabel prefixes the latest user input in the prompt cue.
	SpeakerLabel string
}

// DefaultFormat returns the English labels.
func DefaultFormat() Format {
	return Format{
		Header:       "Previous conversation context:",
		UserLabel:    "User",
		PersonaLabel: "NPC",
		SpeakerLabel: "User",
	}
}

// RoleLabel maps a sender to its transcript label.
func (f Format) RoleLabel(s chatstore.Sender) string {
	if s == chatstore.SenderUser {
		return f.UserLabel
	}
	return f.PersonaLabel
}

// block renders one message as "<label>: <content>".
func (f Format) block(m chatstore.Message) string {
	return f.RoleLabel(m.Sender) + ": " + m.Content
}

// RenderMessages renders msgs in the given order: the header line, a blank
// line, then one block per message separated by blank lines. It returns ""
// when msgs is empty so callers never inject a bare header.
func (f Format) RenderMessages(msgs []chatstore.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(f.Header)
	for _, m := range msgs {
		sb.WriteString("\n\n")
		sb.WriteString(f.block(m))
	}
	return sb.String()
}

// Compose builds the full generation prompt:
//
//	<persona prompt>
//
//	<rendered context, when non-empty>
//
//	<SpeakerLabel>: <input>
//	<persona name>:
func (f Format) Compose(personaPrompt, renderedContext, input, personaName string) string {
	var sb strings.Builder
	sb.WriteString(personaPrompt)
	sb.WriteString("\n\n")
	if renderedContext != "" {
		sb.WriteString(renderedContext)
		sb.WriteString("\n\n")
	}
	sb.WriteString(f.SpeakerLabel)
	sb.WriteString(": ")
	sb.WriteString(input)
	sb.WriteString("\n")
	sb.WriteString(personaName)
	sb.WriteString(":")
	return sb.String()
}
