// Package postgres provides a PostgreSQL-backed [chatstore.Store] for shared
// deployments where several Tavern processes talk to one database.
//
// Every operation is a single SQL statement. Cascading deletes come from the
// ON DELETE CASCADE foreign keys and the append path uses a data-modifying
// CTE, so no explicit transactions are required and the store can run on any
// [DB] (pool, single connection, or transaction).
//
// Usage:
//
//	store, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

// Schema is the SQL DDL for the persona, conversation and message tables.
// [Store.Migrate] applies it; it is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS personas (
    id                TEXT         PRIMARY KEY,
    name              TEXT         NOT NULL,
    avatar            TEXT         NOT NULL DEFAULT '',
    description       TEXT         NOT NULL DEFAULT '',
    status            TEXT         NOT NULL DEFAULT 'online',
    prompt            TEXT         NOT NULL DEFAULT '',
    last_message      TEXT         NOT NULL DEFAULT '',
    last_message_time TIMESTAMPTZ  NOT NULL DEFAULT '0001-01-01 00:00:00+00',
    unread_count      INTEGER      NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT         PRIMARY KEY,
    persona_id    TEXT         NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
    user_id       TEXT         NOT NULL,
    title         TEXT         NOT NULL DEFAULT '',
    message_count INTEGER      NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_persona   ON conversations (persona_id);
CREATE INDEX IF NOT EXISTS idx_conversations_user_pair ON conversations (user_id, persona_id);
CREATE INDEX IF NOT EXISTS idx_conversations_updated   ON conversations (updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    sender          TEXT         NOT NULL CHECK (sender IN ('user', 'persona')),
    content         TEXT         NOT NULL,
    timestamp       TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts ON messages (conversation_id, timestamp, id);
`
