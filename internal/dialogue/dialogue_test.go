package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/tavern/internal/chatctx"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/session"
	"github.com/MrWong99/tavern/pkg/chatstore"
	"github.com/MrWong99/tavern/pkg/chatstore/mock"
	"github.com/MrWong99/tavern/pkg/provider/llm"
	llmmock "github.com/MrWong99/tavern/pkg/provider/llm/mock"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *mock.Store
	gen   *llmmock.Provider
	svc   *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := mock.New()
	err := store.CreatePersona(context.Background(), &chatstore.Persona{
		ID:     "thorin",
		Name:   "Thorin",
		Prompt: "You are Thorin, a brave warrior.",
	})
	if err != nil {
		t.Fatal(err)
	}
	gen := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "For the mountain!"}}
	builder := chatctx.NewBuilder(store, chatctx.Options{Format: chatctx.DefaultFormat(), MaxMessages: 10})
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	svc := New(store, session.NewResolver(store), builder, gen, opts...)
	return &fixture{store: store, gen: gen, svc: svc}
}

func (f *fixture) turn(t *testing.T, msg string) *TurnResult {
	t.Helper()
	res, err := f.svc.Turn(context.Background(), TurnRequest{PersonaID: "thorin", UserID: "u1", Message: msg})
	if err != nil {
		t.Fatalf("Turn(%q): %v", msg, err)
	}
	return res
}

func (f *fixture) persona(t *testing.T) *chatstore.Persona {
	t.Helper()
	p, err := f.store.GetPersona(context.Background(), "thorin")
	if err != nil || p == nil {
		t.Fatalf("GetPersona: %v, %v", p, err)
	}
	return p
}

func TestTurn_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.turn(t, "Ready?")
	if res.Reply != "For the mountain!" || res.Failed || res.Empty {
		t.Fatalf("result = %+v", res)
	}
	if got := f.store.Dump(res.ConversationID); got != "user: Ready?\npersona: For the mountain!\n" {
		t.Errorf("stored messages:\n%s", got)
	}

	p := f.persona(t)
	if p.LastMessage != "For the mountain!" || !p.LastMessageTime.Equal(fixedNow) {
		t.Errorf("last message = %q at %v", p.LastMessage, p.LastMessageTime)
	}

	calls := f.gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("generator called %d times", len(calls))
	}
	want := "You are Thorin, a brave warrior.\n\nUser: Ready?\nThorin:"
	if calls[0].Req.Prompt != want {
		t.Errorf("prompt = %q, want %q", calls[0].Req.Prompt, want)
	}
}

func TestTurn_ContextExcludesCurrentMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.turn(t, "first")
	f.turn(t, "second")

	prompt := f.gen.Calls()[1].Req.Prompt
	wantCtx := "Previous conversation context:\n\nUser: first\n\nNPC: For the mountain!\n\n"
	if !strings.Contains(prompt, wantCtx) {
		t.Errorf("prompt missing context:\n%s", prompt)
	}
	if strings.Count(prompt, "second") != 1 {
		t.Errorf("current message should appear once:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "User: second\nThorin:") {
		t.Errorf("prompt cue wrong:\n%s", prompt)
	}
}

func TestTurn_OmitHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.turn(t, "first")
	_, err := f.svc.Turn(context.Background(), TurnRequest{
		PersonaID: "thorin", UserID: "u1", Message: "second", OmitHistory: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	prompt := f.gen.Calls()[1].Req.Prompt
	if strings.Contains(prompt, "first") {
		t.Errorf("prompt should not carry history:\n%s", prompt)
	}
}

func TestTurn_GenerationFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.gen.CompleteErr = errors.New("connection refused")

	res := f.turn(t, "Hello?")
	if !res.Failed {
		t.Fatal("Failed = false")
	}
	want := "Error communicating with Thorin: connection refused"
	if res.Reply != want {
		t.Errorf("reply = %q, want %q", res.Reply, want)
	}
	if got := f.store.Dump(res.ConversationID); got != "user: Hello?\npersona: "+want+"\n" {
		t.Errorf("stored messages:\n%s", got)
	}
	if f.store.CallCount("TouchLastMessage") != 0 {
		t.Error("failed turn must not refresh the last message")
	}
	if p := f.persona(t); p.LastMessage != "" {
		t.Errorf("last message = %q", p.LastMessage)
	}
}

func TestTurn_EmptyReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.gen.CompleteResponse = &llm.CompletionResponse{Content: "  "}

	res := f.turn(t, "Hello?")
	if !res.Empty || res.Failed {
		t.Fatalf("result = %+v", res)
	}
	if res.Reply != "I received no reply from Thorin." {
		t.Errorf("reply = %q", res.Reply)
	}
	if p := f.persona(t); p.LastMessage != res.Reply {
		t.Errorf("last message = %q", p.LastMessage)
	}
}

func TestTurn_UnknownPersona(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Turn(context.Background(), TurnRequest{PersonaID: "nobody", UserID: "u1", Message: "hi"})
	if !errors.Is(err, chatstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(f.gen.Calls()) != 0 {
		t.Error("generator must not be called")
	}
	if f.store.CallCount("CreateConversation") != 0 {
		t.Error("no conversation should be created")
	}
}

func TestTurn_EmptyMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Turn(context.Background(), TurnRequest{PersonaID: "thorin", UserID: "u1", Message: " \n"})
	if !errors.Is(err, chatstore.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestTurn_StoreFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.AppendMessageErr = chatstore.ErrStorageUnavailable

	_, err := f.svc.Turn(context.Background(), TurnRequest{PersonaID: "thorin", UserID: "u1", Message: "hi"})
	if !errors.Is(err, chatstore.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if len(f.gen.Calls()) != 0 {
		t.Error("generator must not run when the user message was not stored")
	}
}

func TestTurn_GenerationTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithGenerationTimeout(20*time.Millisecond))
	f.gen.CompleteFunc = func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := f.turn(t, "Are you there?")
	if !res.Failed {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Reply, context.DeadlineExceeded.Error()) {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestTurn_CallerCancelledStillPersistsReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.gen.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		cancel()
		return &llm.CompletionResponse{Content: "Too late."}, nil
	}

	res, err := f.svc.Turn(ctx, TurnRequest{PersonaID: "thorin", UserID: "u1", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.store.Dump(res.ConversationID); !strings.HasSuffix(got, "persona: Too late.\n") {
		t.Errorf("stored messages:\n%s", got)
	}
}

func TestHistory_EmptyConversationIsNotNil(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	conv := &chatstore.Conversation{PersonaID: "thorin", UserID: "u1"}
	if err := f.store.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.svc.History(ctx, "thorin", "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("history = %#v, want empty non-nil slice", msgs)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithHistoryLimit(3))
	ctx := context.Background()

	msgs, err := f.svc.History(ctx, "thorin", "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("history before any turn = %v", msgs)
	}
	if f.store.CallCount("CreateConversation") != 0 {
		t.Error("reading history must not create a conversation")
	}

	f.turn(t, "one")
	f.turn(t, "two")

	msgs, err = f.svc.History(ctx, "thorin", "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[2].Content != "For the mountain!" || msgs[0].Content != "For the mountain!" {
		t.Errorf("history = %+v", msgs)
	}

	msgs, err = f.svc.History(ctx, "thorin", "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 || msgs[0].Content != "one" {
		t.Errorf("history = %+v", msgs)
	}
}

func TestEndConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.EndConversation(ctx, "thorin", "u1"); !errors.Is(err, chatstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	first := f.turn(t, "hi")
	if err := f.svc.EndConversation(ctx, "thorin", "u1"); err != nil {
		t.Fatal(err)
	}
	second := f.turn(t, "hi again")
	if first.ConversationID == second.ConversationID {
		t.Error("a new conversation should start after ending the old one")
	}
}

func TestTurn_Span(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	f := newFixture(t)
	ok := f.turn(t, "Hail, Thorin")
	f.gen.CompleteErr = errors.New("connection refused")
	f.turn(t, "Are you there?")

	var turns []tracetest.SpanStub
	for _, s := range exp.GetSpans() {
		if s.Name == "dialogue.turn" {
			turns = append(turns, s)
		}
	}
	if len(turns) != 2 {
		t.Fatalf("dialogue.turn spans = %d, want 2", len(turns))
	}

	first := attribute.NewSet(turns[0].Attributes...)
	for key, want := range map[attribute.Key]string{
		observe.PersonaIDKey:      "thorin",
		observe.UserIDKey:         "u1",
		observe.ConversationIDKey: ok.ConversationID,
		observe.TurnStatusKey:     observe.TurnOK,
	} {
		if v, _ := first.Value(key); v.AsString() != want {
			t.Errorf("%s = %q, want %q", key, v.AsString(), want)
		}
	}
	if turns[0].Status.Code == codes.Error {
		t.Error("successful turn marked as error")
	}

	second := attribute.NewSet(turns[1].Attributes...)
	if v, _ := second.Value(observe.TurnStatusKey); v.AsString() != observe.TurnFailed {
		t.Errorf("failed turn status = %q", v.AsString())
	}
	if turns[1].Status.Code != codes.Error {
		t.Errorf("failed generation should mark the span: %+v", turns[1].Status)
	}
}
