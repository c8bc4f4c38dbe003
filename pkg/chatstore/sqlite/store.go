// Package sqlite provides the embedded [chatstore.Store] backend.
//
// It uses github.com/ncruces/go-sqlite3 through database/sql, so no cgo
// toolchain is needed. The pool is limited to a single connection: SQLite
// serialises writers anyway and ":memory:" databases are per-connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

// Store is a [chatstore.Store] backed by SQLite.
type Store struct {
	db    *sql.DB
	now   chatstore.Clock
	newID func() string
}

// Compile-time interface check.
var _ chatstore.Store = (*Store)(nil)

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides the clock used for server-assigned timestamps.
func WithClock(c chatstore.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.now = c
		}
	}
}

// WithIDGenerator overrides the generator used for conversation IDs.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Open opens (or creates) the database at dsn and applies [Schema]. Use
// ":memory:" for a throwaway database or a path / "file:" URI for a
// persistent one.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("chatstore/sqlite: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:    db,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		return storageErr("pragma", err)
	}
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

// Ping implements [chatstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close implements [chatstore.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Personas
// ---------------------------------------------------------------------------

const personaColumns = `id, name, avatar, description, status, prompt,
	last_message, last_message_time, unread_count, created_at, updated_at`

// CreatePersona implements [chatstore.PersonaStore].
func (s *Store) CreatePersona(ctx context.Context, p *chatstore.Persona) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = chatstore.StatusOnline
	}
	now := s.now()

	const query = `
		INSERT INTO personas (` + personaColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Avatar, p.Description, string(p.Status), p.Prompt,
		p.UnreadCount, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return storageErr("create persona", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("create persona", err)
	}
	if n == 0 {
		return fmt.Errorf("chatstore/sqlite: persona %q: %w", p.ID, chatstore.ErrAlreadyExists)
	}

	p.LastMessage = ""
	p.LastMessageTime = time.Time{}
	p.CreatedAt = fromNanos(now.UnixNano())
	p.UpdatedAt = p.CreatedAt
	return nil
}

// GetPersona implements [chatstore.PersonaStore].
func (s *Store) GetPersona(ctx context.Context, id string) (*chatstore.Persona, error) {
	return getPersona(ctx, s.db, id)
}

// ListPersonas implements [chatstore.PersonaStore].
func (s *Store) ListPersonas(ctx context.Context) ([]chatstore.Persona, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+personaColumns+` FROM personas ORDER BY name, id`)
	if err != nil {
		return nil, storageErr("list personas", err)
	}
	defer rows.Close()

	var out []chatstore.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, storageErr("list personas scan", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list personas", err)
	}
	return out, nil
}

// UpdatePersona implements [chatstore.PersonaStore].
func (s *Store) UpdatePersona(ctx context.Context, id string, patch chatstore.PersonaPatch) (*chatstore.Persona, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("update persona", err)
	}
	defer tx.Rollback()

	p, err := getPersona(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("chatstore/sqlite: persona %q: %w", id, chatstore.ErrNotFound)
	}

	patch.Apply(p)
	now := s.now()

	const query = `
		UPDATE personas SET
			name = ?, avatar = ?, description = ?, status = ?, prompt = ?, updated_at = ?
		WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query,
		p.Name, p.Avatar, p.Description, string(p.Status), p.Prompt, now.UnixNano(), id,
	); err != nil {
		return nil, storageErr("update persona", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("update persona commit", err)
	}

	p.UpdatedAt = fromNanos(now.UnixNano())
	return p, nil
}

// DeletePersona implements [chatstore.PersonaStore]. Messages, conversations
// and the persona row are removed in one transaction.
func (s *Store) DeletePersona(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete persona", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id IN (
			SELECT id FROM conversations WHERE persona_id = ?
		)`, id); err != nil {
		return storageErr("delete persona messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE persona_id = ?`, id); err != nil {
		return storageErr("delete persona conversations", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete persona", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete persona", err)
	}
	if n == 0 {
		return fmt.Errorf("chatstore/sqlite: persona %q: %w", id, chatstore.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete persona commit", err)
	}
	return nil
}

// TouchLastMessage implements [chatstore.PersonaStore].
func (s *Store) TouchLastMessage(ctx context.Context, id, text string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE personas SET last_message = ?, last_message_time = ? WHERE id = ?`,
		text, toNanos(at), id,
	)
	if err != nil {
		return storageErr("touch last message", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

const conversationColumns = `id, persona_id, user_id, title, message_count, created_at, updated_at`

// CreateConversation implements [chatstore.ConversationStore].
func (s *Store) CreateConversation(ctx context.Context, c *chatstore.Conversation) error {
	if c.ID == "" {
		c.ID = s.newID()
	}
	now := s.now().UnixNano()

	// Selecting from personas makes a missing persona yield zero rows
	// instead of a foreign-key failure.
	const query = `
		INSERT INTO conversations (` + conversationColumns + `)
		SELECT ?, id, ?, ?, 0, ?, ? FROM personas WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, c.ID, c.UserID, c.Title, now, now, c.PersonaID)
	if err != nil {
		return storageErr("create conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("create conversation", err)
	}
	if n == 0 {
		return fmt.Errorf("chatstore/sqlite: persona %q: %w", c.PersonaID, chatstore.ErrNotFound)
	}

	c.MessageCount = 0
	c.CreatedAt = fromNanos(now)
	c.UpdatedAt = c.CreatedAt
	return nil
}

// GetConversation implements [chatstore.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get conversation", err)
	}
	return c, nil
}

// LatestConversation implements [chatstore.ConversationStore].
func (s *Store) LatestConversation(ctx context.Context, personaID, userID string) (*chatstore.Conversation, error) {
	const query = `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE user_id = ? AND persona_id = ?
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1`

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, userID, personaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("latest conversation", err)
	}
	return c, nil
}

// TouchConversation implements [chatstore.ConversationStore].
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return storageErr("touch conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("touch conversation", err)
	}
	if n == 0 {
		return fmt.Errorf("chatstore/sqlite: conversation %q: %w", id, chatstore.ErrNotFound)
	}
	return nil
}

// DeleteConversation implements [chatstore.ConversationStore].
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete conversation", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return storageErr("delete conversation messages", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete conversation", err)
	}
	if n == 0 {
		return fmt.Errorf("chatstore/sqlite: conversation %q: %w", id, chatstore.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete conversation commit", err)
	}
	return nil
}

// DeleteInactiveConversation implements [chatstore.ConversationStore].
func (s *Store) DeleteInactiveConversation(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("delete inactive conversation", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND updated_at < ?`, id, cutoff.UnixNano())
	if err != nil {
		return false, storageErr("delete inactive conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("delete inactive conversation", err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return false, storageErr("delete inactive conversation messages", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr("delete inactive conversation commit", err)
	}
	return true, nil
}

// UserConversations implements [chatstore.ConversationStore].
func (s *Store) UserConversations(ctx context.Context, userID string, limit int) ([]chatstore.ConversationSummary, error) {
	const query = `
		SELECT c.id, c.persona_id, c.title, c.message_count, c.updated_at,
		       COALESCE((
		           SELECT m.content FROM messages m
		           WHERE m.conversation_id = c.id
		           ORDER BY m.timestamp DESC, m.id DESC
		           LIMIT 1
		       ), '')
		FROM conversations c
		WHERE c.user_id = ?
		ORDER BY c.updated_at DESC, c.created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, sqlLimit(limit))
	if err != nil {
		return nil, storageErr("user conversations", err)
	}
	defer rows.Close()

	var out []chatstore.ConversationSummary
	for rows.Next() {
		var (
			cs      chatstore.ConversationSummary
			updated int64
		)
		if err := rows.Scan(&cs.ID, &cs.PersonaID, &cs.Title, &cs.MessageCount, &updated, &cs.LastMessage); err != nil {
			return nil, storageErr("user conversations scan", err)
		}
		cs.UpdatedAt = fromNanos(updated)
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("user conversations", err)
	}
	return out, nil
}

// InactiveConversations implements [chatstore.ConversationStore]. The cutoff
// is always bound as a parameter.
func (s *Store) InactiveConversations(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE updated_at < ? ORDER BY updated_at`, cutoff.UnixNano())
	if err != nil {
		return nil, storageErr("inactive conversations", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("inactive conversations scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("inactive conversations", err)
	}
	return ids, nil
}

// Stats implements [chatstore.ConversationStore].
func (s *Store) Stats(ctx context.Context, personaID string) (chatstore.Stats, error) {
	var (
		row   *sql.Row
		stats chatstore.Stats
	)
	if personaID == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(message_count), 0), COALESCE(AVG(message_count), 0.0)
			FROM conversations`)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(message_count), 0), COALESCE(AVG(message_count), 0.0)
			FROM conversations
			WHERE persona_id = ?`, personaID)
	}
	if err := row.Scan(&stats.TotalConversations, &stats.TotalMessages, &stats.AvgMessages); err != nil {
		return chatstore.Stats{}, storageErr("stats", err)
	}
	return stats, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// AppendMessage implements [chatstore.MessageLog].
func (s *Store) AppendMessage(ctx context.Context, conversationID string, sender chatstore.Sender, content string) (int64, error) {
	if !sender.IsValid() {
		return 0, fmt.Errorf("%w: sender %q is invalid; valid values: user, persona", chatstore.ErrInvalid, sender)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("append message", err)
	}
	defer tx.Rollback()

	ts := s.now().UnixNano()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		ts, conversationID)
	if err != nil {
		return 0, storageErr("append message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("append message", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("chatstore/sqlite: conversation %q: %w", conversationID, chatstore.ErrNotFound)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender, content, timestamp) VALUES (?, ?, ?, ?)`,
		conversationID, string(sender), content, ts)
	if err != nil {
		return 0, storageErr("append message insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append message id", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("append message commit", err)
	}
	return id, nil
}

// History implements [chatstore.MessageLog].
func (s *Store) History(ctx context.Context, conversationID string, q chatstore.HistoryQuery) ([]chatstore.Message, error) {
	var query string
	switch q.Window {
	case chatstore.WindowEarliest:
		query = `
			SELECT id, conversation_id, sender, content, timestamp
			FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp ASC, id ASC
			LIMIT ?`
	default:
		query = `
			SELECT id, conversation_id, sender, content, timestamp FROM (
				SELECT id, conversation_id, sender, content, timestamp
				FROM messages
				WHERE conversation_id = ?
				ORDER BY timestamp DESC, id DESC
				LIMIT ?
			)
			ORDER BY timestamp ASC, id ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID, sqlLimit(q.Limit))
	if err != nil {
		return nil, storageErr("history", err)
	}
	defer rows.Close()

	var out []chatstore.Message
	for rows.Next() {
		var (
			m      chatstore.Message
			sender string
			ts     int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &ts); err != nil {
			return nil, storageErr("history scan", err)
		}
		m.Sender = chatstore.Sender(sender)
		m.Timestamp = fromNanos(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("history", err)
	}
	return out, nil
}

// DeleteMessages implements [chatstore.MessageLog].
func (s *Store) DeleteMessages(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete messages", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return storageErr("delete messages", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET message_count = 0 WHERE id = ?`, conversationID); err != nil {
		return storageErr("delete messages reset count", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete messages commit", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPersona(ctx context.Context, q queryRower, id string) (*chatstore.Persona, error) {
	row := q.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id)
	p, err := scanPersona(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get persona %q", id), err)
	}
	return p, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPersona(sc scanner) (*chatstore.Persona, error) {
	var (
		p                         chatstore.Persona
		status                    string
		lastTime, created, update int64
	)
	if err := sc.Scan(
		&p.ID, &p.Name, &p.Avatar, &p.Description, &status, &p.Prompt,
		&p.LastMessage, &lastTime, &p.UnreadCount, &created, &update,
	); err != nil {
		return nil, err
	}
	p.Status = chatstore.Status(status)
	p.LastMessageTime = fromNanos(lastTime)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(update)
	return &p, nil
}

func scanConversation(sc scanner) (*chatstore.Conversation, error) {
	var (
		c                chatstore.Conversation
		created, updated int64
	)
	if err := sc.Scan(&c.ID, &c.PersonaID, &c.UserID, &c.Title, &c.MessageCount, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

// storageErr tags an engine failure with [chatstore.ErrStorageUnavailable].
func storageErr(op string, err error) error {
	return fmt.Errorf("chatstore/sqlite: %s: %w: %w", op, chatstore.ErrStorageUnavailable, err)
}

// sqlLimit maps "no limit" (<= 0) onto SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
