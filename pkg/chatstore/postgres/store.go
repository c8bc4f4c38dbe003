package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// pinger is implemented by *pgxpool.Pool and *pgx.Conn.
type pinger interface {
	Ping(ctx context.Context) error
}

// Store is a [chatstore.Store] backed by PostgreSQL.
type Store struct {
	db    DB
	pool  *pgxpool.Pool // non-nil only when the store owns the pool
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

// New creates a [Store] over an existing connection or pool. The caller keeps
// ownership of db and must call [Store.Migrate] before issuing queries.
func New(db DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open creates a connection pool for dsn, verifies connectivity and applies
// [Schema]. The returned store owns the pool; [Store.Close] releases it.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("chatstore/postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("chatstore/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageErr("ping", err)
	}

	s := New(pool, opts...)
	s.pool = pool
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

// Ping implements [chatstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	p, ok := s.db.(pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close implements [chatstore.Store]. It only closes pools created by [Open].
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
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
		VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8, $9, $9)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		p.ID, p.Name, p.Avatar, p.Description, string(p.Status), p.Prompt,
		time.Time{}, p.UnreadCount, now,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isDuplicateKeyError(err) {
			return fmt.Errorf("chatstore/postgres: persona %q: %w", p.ID, chatstore.ErrAlreadyExists)
		}
		return storageErr("create persona", err)
	}
	p.LastMessage = ""
	p.LastMessageTime = time.Time{}
	return nil
}

// GetPersona implements [chatstore.PersonaStore].
func (s *Store) GetPersona(ctx context.Context, id string) (*chatstore.Persona, error) {
	p, err := scanPersona(s.db.QueryRow(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(fmt.Sprintf("get persona %q", id), err)
	}
	return p, nil
}

// ListPersonas implements [chatstore.PersonaStore].
func (s *Store) ListPersonas(ctx context.Context) ([]chatstore.Persona, error) {
	rows, err := s.db.Query(ctx, `SELECT `+personaColumns+` FROM personas ORDER BY name, id`)
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

// UpdatePersona implements [chatstore.PersonaStore]. Nil patch fields bind as
// NULL and COALESCE keeps the stored value.
func (s *Store) UpdatePersona(ctx context.Context, id string, patch chatstore.PersonaPatch) (*chatstore.Persona, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}

	const query = `
		UPDATE personas SET
			name        = COALESCE($2, name),
			avatar      = COALESCE($3, avatar),
			description = COALESCE($4, description),
			status      = COALESCE($5, status),
			prompt      = COALESCE($6, prompt),
			updated_at  = $7
		WHERE id = $1
		RETURNING ` + personaColumns

	p, err := scanPersona(s.db.QueryRow(ctx, query,
		id, patch.Name, patch.Avatar, patch.Description, status, patch.Prompt, s.now(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("chatstore/postgres: persona %q: %w", id, chatstore.ErrNotFound)
		}
		return nil, storageErr("update persona", err)
	}
	return p, nil
}

// DeletePersona implements [chatstore.PersonaStore]. Conversations and
// messages are removed by the ON DELETE CASCADE constraints within the same
// statement.
func (s *Store) DeletePersona(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM personas WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete persona", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chatstore/postgres: persona %q: %w", id, chatstore.ErrNotFound)
	}
	return nil
}

// TouchLastMessage implements [chatstore.PersonaStore].
func (s *Store) TouchLastMessage(ctx context.Context, id, text string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE personas SET last_message = $2, last_message_time = $3 WHERE id = $1`,
		id, text, at)
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
	now := s.now()

	const query = `
		INSERT INTO conversations (` + conversationColumns + `)
		SELECT $1, p.id, $2, $3, 0, $4, $4 FROM personas p WHERE p.id = $5
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query, c.ID, c.UserID, c.Title, now, c.PersonaID).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("chatstore/postgres: persona %q: %w", c.PersonaID, chatstore.ErrNotFound)
		}
		if isDuplicateKeyError(err) {
			return fmt.Errorf("chatstore/postgres: conversation %q: %w", c.ID, chatstore.ErrAlreadyExists)
		}
		return storageErr("create conversation", err)
	}
	c.MessageCount = 0
	return nil
}

// GetConversation implements [chatstore.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("get conversation", err)
	}
	return c, nil
}

// LatestConversation implements [chatstore.ConversationStore].
func (s *Store) LatestConversation(ctx context.Context, personaID, userID string) (*chatstore.Conversation, error) {
	const query = `
		SELECT ` + conversationColumns + `
		FROM   conversations
		WHERE  user_id = $1 AND persona_id = $2
		ORDER  BY updated_at DESC, created_at DESC
		LIMIT  1`

	c, err := scanConversation(s.db.QueryRow(ctx, query, userID, personaID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("latest conversation", err)
	}
	return c, nil
}

// TouchConversation implements [chatstore.ConversationStore].
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return storageErr("touch conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chatstore/postgres: conversation %q: %w", id, chatstore.ErrNotFound)
	}
	return nil
}

// DeleteConversation implements [chatstore.ConversationStore].
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chatstore/postgres: conversation %q: %w", id, chatstore.ErrNotFound)
	}
	return nil
}

// DeleteInactiveConversation implements [chatstore.ConversationStore].
// Messages go with the row through ON DELETE CASCADE.
func (s *Store) DeleteInactiveConversation(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND updated_at < $2`, id, cutoff)
	if err != nil {
		return false, storageErr("delete inactive conversation", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UserConversations implements [chatstore.ConversationStore].
func (s *Store) UserConversations(ctx context.Context, userID string, limit int) ([]chatstore.ConversationSummary, error) {
	const query = `
		SELECT c.id, c.persona_id, c.title, c.message_count, c.updated_at,
		       COALESCE((
		           SELECT m.content FROM messages m
		           WHERE  m.conversation_id = c.id
		           ORDER  BY m.timestamp DESC, m.id DESC
		           LIMIT  1
		       ), '')
		FROM   conversations c
		WHERE  c.user_id = $1
		ORDER  BY c.updated_at DESC, c.created_at DESC
		LIMIT  $2`

	rows, err := s.db.Query(ctx, query, userID, sqlLimit(limit))
	if err != nil {
		return nil, storageErr("user conversations", err)
	}
	defer rows.Close()

	var out []chatstore.ConversationSummary
	for rows.Next() {
		var cs chatstore.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.PersonaID, &cs.Title, &cs.MessageCount, &cs.UpdatedAt, &cs.LastMessage); err != nil {
			return nil, storageErr("user conversations scan", err)
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("user conversations", err)
	}
	return out, nil
}

// InactiveConversations implements [chatstore.ConversationStore].
func (s *Store) InactiveConversations(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM conversations WHERE updated_at < $1 ORDER BY updated_at`, cutoff)
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
	const query = `
		SELECT COUNT(*)::int,
		       COALESCE(SUM(message_count), 0)::int,
		       COALESCE(AVG(message_count), 0)::float8
		FROM   conversations
		WHERE  $1 = '' OR persona_id = $1`

	var st chatstore.Stats
	if err := s.db.QueryRow(ctx, query, personaID).Scan(&st.TotalConversations, &st.TotalMessages, &st.AvgMessages); err != nil {
		return chatstore.Stats{}, storageErr("stats", err)
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// AppendMessage implements [chatstore.MessageLog]. The counter bump and the
// insert run as one statement; a missing conversation makes the CTE empty.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, sender chatstore.Sender, content string) (int64, error) {
	if !sender.IsValid() {
		return 0, fmt.Errorf("%w: sender %q is invalid; valid values: user, persona", chatstore.ErrInvalid, sender)
	}

	const query = `
		WITH c AS (
			UPDATE conversations
			SET    message_count = message_count + 1, updated_at = $4
			WHERE  id = $1
			RETURNING id
		)
		INSERT INTO messages (conversation_id, sender, content, timestamp)
		SELECT c.id, $2, $3, $4 FROM c
		RETURNING id`

	var id int64
	err := s.db.QueryRow(ctx, query, conversationID, string(sender), content, s.now()).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("chatstore/postgres: conversation %q: %w", conversationID, chatstore.ErrNotFound)
		}
		return 0, storageErr("append message", err)
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
			FROM   messages
			WHERE  conversation_id = $1
			ORDER  BY timestamp ASC, id ASC
			LIMIT  $2`
	default:
		query = `
			SELECT id, conversation_id, sender, content, timestamp FROM (
				SELECT id, conversation_id, sender, content, timestamp
				FROM   messages
				WHERE  conversation_id = $1
				ORDER  BY timestamp DESC, id DESC
				LIMIT  $2
			) recent
			ORDER  BY timestamp ASC, id ASC`
	}

	rows, err := s.db.Query(ctx, query, conversationID, sqlLimit(q.Limit))
	if err != nil {
		return nil, storageErr("history", err)
	}
	defer rows.Close()

	var out []chatstore.Message
	for rows.Next() {
		var (
			m      chatstore.Message
			sender string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &m.Timestamp); err != nil {
			return nil, storageErr("history scan", err)
		}
		m.Sender = chatstore.Sender(sender)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("history", err)
	}
	return out, nil
}

// DeleteMessages implements [chatstore.MessageLog].
func (s *Store) DeleteMessages(ctx context.Context, conversationID string) error {
	const query = `
		WITH d AS (DELETE FROM messages WHERE conversation_id = $1)
		UPDATE conversations SET message_count = 0 WHERE id = $1`

	if _, err := s.db.Exec(ctx, query, conversationID); err != nil {
		return storageErr("delete messages", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func scanPersona(row pgx.Row) (*chatstore.Persona, error) {
	var (
		p      chatstore.Persona
		status string
	)
	if err := row.Scan(
		&p.ID, &p.Name, &p.Avatar, &p.Description, &status, &p.Prompt,
		&p.LastMessage, &p.LastMessageTime, &p.UnreadCount, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = chatstore.Status(status)
	if p.LastMessageTime.Year() <= 1 {
		p.LastMessageTime = time.Time{}
	}
	return &p, nil
}

func scanConversation(row pgx.Row) (*chatstore.Conversation, error) {
	var c chatstore.Conversation
	if err := row.Scan(&c.ID, &c.PersonaID, &c.UserID, &c.Title, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// sqlLimit maps "no limit" (<= 0) onto NULL, which PostgreSQL treats as
// LIMIT ALL.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// storageErr tags an engine failure with [chatstore.ErrStorageUnavailable].
func storageErr(op string, err error) error {
	return fmt.Errorf("chatstore/postgres: %s: %w: %w", op, chatstore.ErrStorageUnavailable, err)
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
