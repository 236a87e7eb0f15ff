package postgres

// Schema creates the profile and event tables. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS companion_profiles (
    id           TEXT PRIMARY KEY,
    collection   TEXT NOT NULL,
    subject_id   TEXT NOT NULL,
    scope_id     TEXT NOT NULL DEFAULT '',
    profile_type TEXT NOT NULL,
    content      TEXT NOT NULL,
    metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    UNIQUE (collection, subject_id, scope_id, profile_type)
);

CREATE INDEX IF NOT EXISTS idx_companion_profiles_lookup
    ON companion_profiles (collection, subject_id, scope_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS companion_events (
    id          TEXT PRIMARY KEY,
    collection  TEXT NOT NULL,
    subject_id  TEXT NOT NULL,
    scope_id    TEXT NOT NULL DEFAULT '',
    session_id  TEXT NOT NULL DEFAULT '',
    content     TEXT NOT NULL,
    metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_companion_events_lookup
    ON companion_events (collection, subject_id, scope_id, created_at DESC);
`

// MigrationPgvector adds embedding columns. It is only applied when the
// vector extension is available.
const MigrationPgvector = `
ALTER TABLE companion_profiles ADD COLUMN IF NOT EXISTS embedding_vec vector;
ALTER TABLE companion_events ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
