package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/tavern/internal/chatctx"
	"github.com/MrWong99/tavern/internal/dialogue"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/session"
	"github.com/MrWong99/tavern/pkg/chatstore"
	"github.com/MrWong99/tavern/pkg/chatstore/mock"
	"github.com/MrWong99/tavern/pkg/provider/llm"
	llmmock "github.com/MrWong99/tavern/pkg/provider/llm/mock"
)

type fixture struct {
	store   *mock.Store
	session *mcpsdk.ClientSession
	reader  *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := mock.New()
	for _, p := range []chatstore.Persona{
		{ID: "aedryan", Name: "Re Aedryan", Prompt: "You are King Aedryan."},
		{ID: "elara", Name: "Elara", Prompt: "You are Elara."},
	} {
		if err := store.CreatePersona(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}

	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}

	gen := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Welcome, traveller."}}
	builder := chatctx.NewBuilder(store, chatctx.Options{Format: chatctx.DefaultFormat(), MaxMessages: 10})
	svc := dialogue.New(store, session.NewResolver(store), builder, gen)

	server := NewServer(Deps{Store: store, Dialogue: svc, Metrics: metrics}, "test")
	clientT, serverT := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	return &fixture{store: store, session: cs, reader: reader}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()
	res, err := f.session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func text(t *testing.T, res *mcpsdk.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("content[0] is %T, want *TextContent", res.Content[0])
	}
	return tc.Text
}

func decodeResult[T any](t *testing.T, res *mcpsdk.CallToolResult) T {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool error: %s", text(t, res))
	}
	var v T
	if err := json.Unmarshal([]byte(text(t, res)), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestTools_Listed(t *testing.T) {
	f := newFixture(t)

	var names []string
	for tool, err := range f.session.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, tool.Name)
	}
	want := map[string]bool{"list_personas": true, "talk": true, "history": true, "stats": true}
	if len(names) != len(want) {
		t.Fatalf("tools = %v", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected tool %q", n)
		}
	}
}

func TestListPersonas(t *testing.T) {
	f := newFixture(t)

	out := decodeResult[listOutput](t, f.call(t, "list_personas", map[string]any{}))
	if len(out.Personas) != 2 || out.Personas[0].ID != "elara" {
		t.Errorf("personas = %+v", out.Personas)
	}

	out = decodeResult[listOutput](t, f.call(t, "list_personas", map[string]any{"query": "aedryan"}))
	if len(out.Personas) == 0 || out.Personas[0].ID != "aedryan" {
		t.Errorf("search = %+v", out.Personas)
	}
}

func TestTalkAndHistory(t *testing.T) {
	f := newFixture(t)

	out := decodeResult[talkOutput](t, f.call(t, "talk", map[string]any{
		"persona_id": "aedryan",
		"message":    "Your Majesty.",
	}))
	if out.Reply != "Welcome, traveller." || out.Failed || out.ConversationID == "" {
		t.Errorf("talk = %+v", out)
	}

	hist := decodeResult[historyOutput](t, f.call(t, "history", map[string]any{"persona_id": "aedryan"}))
	if len(hist.Messages) != 2 || hist.Messages[0].Content != "Your Majesty." {
		t.Errorf("history = %+v", hist.Messages)
	}

	other := decodeResult[historyOutput](t, f.call(t, "history", map[string]any{"persona_id": "aedryan", "user_id": "someone"}))
	if len(other.Messages) != 0 {
		t.Errorf("another user's history = %+v", other.Messages)
	}
}

func TestTalk_UnknownPersonaIsToolError(t *testing.T) {
	f := newFixture(t)

	res, err := f.session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "talk",
		Arguments: map[string]any{"persona_id": "nobody", "message": "hello"},
	})
	if err == nil && !res.IsError {
		t.Fatal("expected a tool error for an unknown persona")
	}
}

func TestStats_RecordsToolCalls(t *testing.T) {
	f := newFixture(t)

	f.call(t, "talk", map[string]any{"persona_id": "elara", "message": "hi"})
	out := decodeResult[statsOutput](t, f.call(t, "stats", map[string]any{}))
	if out.Personas.Total != 2 || out.Conversations.TotalMessages != 2 {
		t.Errorf("stats = %+v", out)
	}

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "tavern.tool.calls" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("tool calls recorded = %d, want 2", total)
	}
}
