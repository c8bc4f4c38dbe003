// Package dialogue runs chat turns against a persona.
//
// A turn resolves the user's canonical conversation, renders prior context,
// persists the user's message, asks the generation backend for a reply and
// persists that reply. Generation failures never surface as errors: the
// error text is stored and returned as the persona's reply so the user
// always sees something. Only store failures and unknown personas are
// returned as errors.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tavern/internal/chatctx"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/session"
	"github.com/MrWong99/tavern/pkg/chatstore"
	"github.com/MrWong99/tavern/pkg/provider/llm"
)

// ErrGeneration marks a failed generation call. It is recorded in logs and
// metrics; [Service.Turn] never returns it.
var ErrGeneration = errors.New("dialogue: generation failed")

// TurnRequest is one inbound user message.
type TurnRequest struct {
	PersonaID string
	UserID    string
	Message   string

	// OmitHistory sends the prompt without prior conversation context.
	OmitHistory bool
}

// TurnResult is the outcome of a turn. Reply is always set.
type TurnResult struct {
	ConversationID string
	PersonaName    string
	Reply          string

	// Failed is true when Reply carries a generation error text.
	Failed bool

	// Empty is true when the backend answered with no text and Reply is the
	// substitute notice.
	Empty bool
}

// Store is the persistence surface a [Service] needs.
type Store interface {
	chatstore.PersonaStore
	chatstore.MessageLog
}

// Service executes dialogue turns. It is safe for concurrent use.
type Service struct {
	store    Store
	resolver *session.Resolver
	builder  *chatctx.Builder
	gen      llm.Provider
	metrics  *observe.Metrics
	now      chatstore.Clock

	timeout      atomic.Int64
	historyLimit atomic.Int64
}

// Option configures a [Service].
type Option func(*Service)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the clock used for the persona's last-message time.
func WithClock(now chatstore.Clock) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithGenerationTimeout bounds each generation call. Zero means the call
// runs until the caller's context ends.
func WithGenerationTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout.Store(int64(d)) }
}

// WithHistoryLimit sets the default page size of [Service.History].
func WithHistoryLimit(n int) Option {
	return func(s *Service) { s.historyLimit.Store(int64(n)) }
}

// New creates a [Service].
func New(store Store, resolver *session.Resolver, builder *chatctx.Builder, gen llm.Provider, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		builder:  builder,
		gen:      gen,
		now:      time.Now,
	}
	s.historyLimit.Store(50)
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetGenerationTimeout changes the generation bound for subsequent turns.
func (s *Service) SetGenerationTimeout(d time.Duration) { s.timeout.Store(int64(d)) }

// SetHistoryLimit changes the default history page size.
func (s *Service) SetHistoryLimit(n int) { s.historyLimit.Store(int64(n)) }

// Generator returns the backend used for replies.
func (s *Service) Generator() llm.Provider { return s.gen }

// Turn runs one chat turn. It returns [chatstore.ErrNotFound] for an unknown
// persona, [chatstore.ErrInvalid] for an empty message, and storage errors
// as-is. A generation failure is reported through TurnResult.Failed.
func (s *Service) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := observe.StartSpan(ctx, "dialogue.turn", trace.WithAttributes(
		observe.PersonaIDKey.String(req.PersonaID),
		observe.UserIDKey.String(req.UserID),
	))
	defer span.End()
	log := observe.Logger(ctx).With("persona_id", req.PersonaID, "user_id", req.UserID)

	if strings.TrimSpace(req.Message) == "" {
		return nil, observe.SpanError(span, fmt.Errorf("dialogue: %w: message must not be empty", chatstore.ErrInvalid))
	}

	persona, err := s.store.GetPersona(ctx, req.PersonaID)
	s.metrics.RecordStoreOp(ctx, "get_persona", err)
	if err != nil {
		return nil, observe.SpanError(span, fmt.Errorf("dialogue: load persona %q: %w", req.PersonaID, err))
	}
	if persona == nil {
		return nil, observe.SpanError(span, fmt.Errorf("dialogue: persona %q: %w", req.PersonaID, chatstore.ErrNotFound))
	}

	conv, err := s.resolver.ResolveOrCreate(ctx, persona.ID, req.UserID)
	if err != nil {
		return nil, observe.SpanError(span, err)
	}
	span.SetAttributes(observe.ConversationIDKey.String(conv.ID))

	var history string
	if !req.OmitHistory {
		history, err = s.builder.Render(ctx, conv.ID, 0)
		if err != nil {
			return nil, observe.SpanError(span, err)
		}
	}

	_, err = s.store.AppendMessage(ctx, conv.ID, chatstore.SenderUser, req.Message)
	s.metrics.RecordStoreOp(ctx, "append_message", err)
	if err != nil {
		return nil, observe.SpanError(span, fmt.Errorf("dialogue: store user message: %w", err))
	}

	prompt := s.builder.Compose(persona.Prompt, history, req.Message, persona.Name)
	res := &TurnResult{ConversationID: conv.ID, PersonaName: persona.Name}

	content, genErr := s.generate(ctx, prompt)
	switch {
	case genErr != nil:
		res.Failed = true
		res.Reply = fmt.Sprintf("Error communicating with %s: %v", persona.Name, genErr)
		log.Warn("generation failed", "conversation_id", conv.ID, "err", errors.Join(ErrGeneration, genErr))
		observe.SpanError(span, errors.Join(ErrGeneration, genErr))
	case strings.TrimSpace(content) == "":
		res.Empty = true
		res.Reply = fmt.Sprintf("I received no reply from %s.", persona.Name)
	default:
		res.Reply = content
	}

	// The reply is persisted even if the caller went away mid-generation.
	persistCtx := context.WithoutCancel(ctx)
	_, err = s.store.AppendMessage(persistCtx, conv.ID, chatstore.SenderPersona, res.Reply)
	s.metrics.RecordStoreOp(ctx, "append_message", err)
	if err != nil {
		return nil, observe.SpanError(span, fmt.Errorf("dialogue: store reply: %w", err))
	}

	status := observe.TurnOK
	switch {
	case res.Failed:
		status = observe.TurnFailed
	case res.Empty:
		status = observe.TurnEmpty
	}
	s.metrics.RecordTurn(ctx, persona.ID, status)
	span.SetAttributes(observe.TurnStatusKey.String(status))

	if !res.Failed {
		err := s.store.TouchLastMessage(persistCtx, persona.ID, res.Reply, s.now())
		s.metrics.RecordStoreOp(ctx, "touch_last_message", err)
		if err != nil {
			// The cache is derived data; the turn itself succeeded.
			log.Warn("refresh last message failed", "err", err)
		}
	}

	log.Debug("turn completed", "conversation_id", conv.ID, "status", status)
	return res, nil
}

func (s *Service) generate(ctx context.Context, prompt string) (string, error) {
	if d := time.Duration(s.timeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	s.metrics.ActiveTurns.Add(ctx, 1)
	defer s.metrics.ActiveTurns.Add(context.WithoutCancel(ctx), -1)

	start := time.Now()
	resp, err := s.gen.Complete(ctx, llm.CompletionRequest{Prompt: prompt})
	s.metrics.RecordGeneration(ctx, s.gen.Name(), time.Since(start).Seconds(), err)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// History returns the messages of the pair's canonical conversation,
// oldest-first, bounded by limit (or the configured default when limit is
// not positive). A pair without a conversation has an empty history; unlike
// a turn, reading history never creates one.
func (s *Service) History(ctx context.Context, personaID, userID string, limit int) ([]chatstore.Message, error) {
	conv, err := s.resolver.Lookup(ctx, personaID, userID)
	if errors.Is(err, chatstore.ErrNotFound) {
		return []chatstore.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = int(s.historyLimit.Load())
	}
	msgs, err := s.store.History(ctx, conv.ID, chatstore.HistoryQuery{
		Limit:  limit,
		Window: s.builder.Options().Window,
	})
	s.metrics.RecordStoreOp(ctx, "history", err)
	if err != nil {
		return nil, fmt.Errorf("dialogue: history of %s: %w", conv.ID, err)
	}
	if msgs == nil {
		msgs = []chatstore.Message{}
	}
	return msgs, nil
}

// EndConversation deletes the pair's canonical conversation. Returns
// [chatstore.ErrNotFound] when there is none.
func (s *Service) EndConversation(ctx context.Context, personaID, userID string) error {
	return s.resolver.Delete(ctx, personaID, userID)
}
