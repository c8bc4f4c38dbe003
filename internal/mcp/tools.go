package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/tavern/internal/dialogue"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/pkg/chatstore"
)

// ── Inputs ──

type listInput struct {
	Query string `json:"query,omitempty" jsonschema:"optional fuzzy search over persona names and ids"`
}

type talkInput struct {
	PersonaID      string `json:"persona_id" jsonschema:"id of the persona to talk to"`
	Message        string `json:"message" jsonschema:"what the user says"`
	UserID         string `json:"user_id,omitempty" jsonschema:"conversation owner; defaults to the server's MCP user"`
	IncludeHistory *bool  `json:"include_history,omitempty" jsonschema:"render prior conversation context into the prompt (default true)"`
}

type historyInput struct {
	PersonaID string `json:"persona_id" jsonschema:"id of the persona"`
	UserID    string `json:"user_id,omitempty" jsonschema:"conversation owner; defaults to the server's MCP user"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of messages"`
}

type statsInput struct {
	PersonaID string `json:"persona_id,omitempty" jsonschema:"restrict conversation counters to one persona"`
}

// ── Outputs ──

type personaSummary struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Status      chatstore.Status `json:"status"`
	Score       float64          `json:"score,omitempty"`
}

type listOutput struct {
	Personas []personaSummary `json:"personas"`
}

type talkOutput struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id"`
	Failed         bool   `json:"failed"`
}

type historyOutput struct {
	Messages []chatstore.Message `json:"messages"`
}

type statsOutput struct {
	Personas      chatstore.PersonaCounts `json:"personas"`
	Conversations chatstore.Stats         `json:"conversations"`
}

type toolset struct {
	deps Deps
}

func (t *toolset) register(server *mcpsdk.Server) {
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "list_personas",
		Description: "List the personas available for conversation, optionally ranked by a fuzzy query.",
	}, instrument(t, "list_personas", t.listPersonas))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "talk",
		Description: "Say something to a persona and get its in-character reply. The exchange is stored in the user's conversation.",
	}, instrument(t, "talk", t.talk))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "history",
		Description: "Read the stored conversation between a user and a persona, oldest message first.",
	}, instrument(t, "history", t.history))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "stats",
		Description: "Persona and conversation counters.",
	}, instrument(t, "stats", t.stats))
}

// instrument adapts a plain tool function into an SDK handler that records
// the call and returns the output as JSON text.
func instrument[In, Out any](t *toolset, name string, fn func(context.Context, In) (Out, error)) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Out, error) {
		out, err := fn(ctx, in)
		t.deps.Metrics.RecordToolCall(ctx, name, observe.Status(err))
		if err != nil {
			var zero Out
			observe.Logger(ctx).Debug("mcp tool failed", "tool", name, "err", err)
			return nil, zero, err
		}
		text, err := json.Marshal(out)
		if err != nil {
			var zero Out
			return nil, zero, fmt.Errorf("mcp: encode %s result: %w", name, err)
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		}, out, nil
	}
}

func (t *toolset) user(id string) string {
	if id != "" {
		return id
	}
	return t.deps.DefaultUser
}

func (t *toolset) listPersonas(ctx context.Context, in listInput) (listOutput, error) {
	ps, err := t.deps.Store.ListPersonas(ctx)
	if err != nil {
		return listOutput{}, err
	}
	out := listOutput{Personas: []personaSummary{}}
	for _, c := range t.deps.Matcher.Rank(in.Query, ps) {
		out.Personas = append(out.Personas, personaSummary{
			ID:          c.Persona.ID,
			Name:        c.Persona.Name,
			Description: c.Persona.Description,
			Status:      c.Persona.Status,
			Score:       c.Score,
		})
	}
	return out, nil
}

func (t *toolset) talk(ctx context.Context, in talkInput) (talkOutput, error) {
	res, err := t.deps.Dialogue.Turn(ctx, dialogue.TurnRequest{
		PersonaID:   in.PersonaID,
		UserID:      t.user(in.UserID),
		Message:     in.Message,
		OmitHistory: in.IncludeHistory != nil && !*in.IncludeHistory,
	})
	if err != nil {
		return talkOutput{}, err
	}
	return talkOutput{Reply: res.Reply, ConversationID: res.ConversationID, Failed: res.Failed}, nil
}

func (t *toolset) history(ctx context.Context, in historyInput) (historyOutput, error) {
	if in.Limit < 0 {
		return historyOutput{}, fmt.Errorf("%w: limit must not be negative", chatstore.ErrInvalid)
	}
	msgs, err := t.deps.Dialogue.History(ctx, in.PersonaID, t.user(in.UserID), in.Limit)
	if err != nil {
		return historyOutput{}, err
	}
	return historyOutput{Messages: msgs}, nil
}

func (t *toolset) stats(ctx context.Context, in statsInput) (statsOutput, error) {
	ps, err := t.deps.Store.ListPersonas(ctx)
	if err != nil {
		return statsOutput{}, err
	}
	st, err := t.deps.Store.Stats(ctx, in.PersonaID)
	if err != nil {
		return statsOutput{}, err
	}
	return statsOutput{Personas: chatstore.SummarizePersonas(ps), Conversations: st}, nil
}
