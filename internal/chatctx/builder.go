// Package chatctx renders bounded conversation transcripts for generation
// prompts.
//
// A [Builder] reads a conversation's history through a
// [chatstore.MessageLog], keeps at most MaxMessages of it (which slice is kept
// follows the configured [chatstore.Window]) and optionally trims further to
// a token budget. Rendering is deterministic: the same messages always yield
// byte-identical text, and the transcript order matches History's order.
package chatctx

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/tavern/pkg/chatstore"
	"github.com/MrWong99/tavern/pkg/provider/llm"
)

// Options tunes a [Builder].
type Options struct {
	Format Format

	// MaxMessages is the default message bound used when Render is called
	// with a non-positive limit. Zero or negative means unbounded.
	MaxMessages int

	// Window selects which slice of a long conversation is kept.
	Window chatstore.Window

	// MaxTokens caps the rendered context by [llm.CountTokens]. When the
	// bounded history exceeds it, the oldest messages are dropped until it
	// fits. Zero disables the budget.
	MaxTokens int
}

// Builder renders conversation context. It is safe for concurrent use;
// [Builder.SetOptions] swaps the options for subsequent renders.
type Builder struct {
	log chatstore.MessageLog

	mu   sync.RWMutex
	opts Options
}

// NewBuilder creates a [Builder] reading from log.
func NewBuilder(log chatstore.MessageLog, opts Options) *Builder {
	return &Builder{log: log, opts: opts}
}

// Options returns the current options.
func (b *Builder) Options() Options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts
}

// SetOptions replaces the options, e.g. after a config reload.
func (b *Builder) SetOptions(opts Options) {
	b.mu.Lock()
	b.opts = opts
	b.mu.Unlock()
}

// Render returns the transcript of up to maxMessages messages of the
// conversation, or "" when it has no history. A non-positive maxMessages
// falls back to Options.MaxMessages.
func (b *Builder) Render(ctx context.Context, conversationID string, maxMessages int) (string, error) {
	opts := b.Options()
	if maxMessages <= 0 {
		maxMessages = opts.MaxMessages
	}
	msgs, err := b.log.History(ctx, conversationID, chatstore.HistoryQuery{
		Limit:  maxMessages,
		Window: opts.Window,
	})
	if err != nil {
		return "", fmt.Errorf("chatctx: history of %s: %w", conversationID, err)
	}
	if opts.MaxTokens > 0 {
		msgs = fitBudget(opts.Format, msgs, opts.MaxTokens)
	}
	return opts.Format.RenderMessages(msgs), nil
}

// Compose is a convenience for Format.Compose with the current options.
func (b *Builder) Compose(personaPrompt, renderedContext, input, personaName string) string {
	return b.Options().Format.Compose(personaPrompt, renderedContext, input, personaName)
}

// fitBudget drops messages from the front until the rendered transcript fits
// maxTokens. Block costs are summed separately, so the estimate may exceed
// the exact count of the joined text by a few separator tokens.
func fitBudget(f Format, msgs []chatstore.Message, maxTokens int) []chatstore.Message {
	if len(msgs) == 0 {
		return msgs
	}
	costs := make([]int, len(msgs))
	total := llm.CountTokens(f.Header)
	for i, m := range msgs {
		costs[i] = llm.CountTokens(f.block(m)) + 1
		total += costs[i]
	}
	start := 0
	for total > maxTokens && start < len(msgs) {
		total -= costs[start]
		start++
	}
	return msgs[start:]
}
