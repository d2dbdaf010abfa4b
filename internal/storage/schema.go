package storage

import "context"

// schema is the embedded DDL for the whole persistence gateway. All
// statements are idempotent so Migrate can run unconditionally at startup.
const schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS users (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL UNIQUE,
    password_hash      TEXT NOT NULL,
    system_prompt      TEXT NOT NULL DEFAULT '',
    preferred_name     TEXT NOT NULL DEFAULT '',
    default_model_url  TEXT NOT NULL DEFAULT '',
    summary_model      TEXT NOT NULL DEFAULT '',
    is_administrator   BOOLEAN NOT NULL DEFAULT false,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agents (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name            TEXT NOT NULL,
    system_prompt   TEXT NOT NULL DEFAULT '',
    model_name      TEXT NOT NULL DEFAULT '',
    voice_reference TEXT NOT NULL DEFAULT '',
    avatar          TEXT NOT NULL DEFAULT '',
    excluded_tools  JSONB NOT NULL DEFAULT '[]',
    think_mode      BOOLEAN NOT NULL DEFAULT false,
    memory          TEXT NOT NULL DEFAULT '',
    trigger_word    TEXT NOT NULL DEFAULT '',
    is_admin        BOOLEAN NOT NULL DEFAULT false,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_id, name)
);
CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);

CREATE TABLE IF NOT EXISTS conversations (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    title      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

CREATE TABLE IF NOT EXISTS frames (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    summary         TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_frames_conversation ON frames(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
    id            TEXT PRIMARY KEY,
    frame_id      TEXT NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
    role          TEXT NOT NULL,
    content       TEXT NOT NULL DEFAULT '',
    thinking      TEXT NOT NULL DEFAULT '',
    raw_input     TEXT NOT NULL DEFAULT '',
    raw_output    TEXT NOT NULL DEFAULT '',
    speaker_name  TEXT NOT NULL DEFAULT '',
    agent_id      TEXT NOT NULL DEFAULT '',
    tool_call_id  TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_frame ON messages(frame_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_trgm ON messages USING GIN (content gin_trgm_ops);

CREATE TABLE IF NOT EXISTS skills (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    instructions TEXT NOT NULL DEFAULT '',
    UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS mcp_servers (
    id        TEXT PRIMARY KEY,
    user_id   TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name      TEXT NOT NULL,
    transport TEXT NOT NULL DEFAULT 'stdio',
    url       TEXT NOT NULL DEFAULT '',
    command   TEXT NOT NULL DEFAULT '',
    args      JSONB NOT NULL DEFAULT '[]',
    env       JSONB NOT NULL DEFAULT '{}',
    enabled   BOOLEAN NOT NULL DEFAULT true,
    UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS face_identities (
    id      TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name    TEXT NOT NULL,
    UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS face_photos (
    id          TEXT PRIMARY KEY,
    identity_id TEXT NOT NULL REFERENCES face_identities(id) ON DELETE CASCADE,
    embedding   vector(512) NOT NULL,
    photo_blob  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_face_photos_identity ON face_photos(identity_id);
`

// Migrate applies the embedded schema. It is idempotent and safe to run on
// every process start.
func Migrate(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, schema)
	return err
}
