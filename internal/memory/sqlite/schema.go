package sqlite

// Schema creates the profile and event tables. Every statement is
// idempotent.
//
// Timestamps are stored as fixed-width UTC text (see timeLayout).
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id           TEXT PRIMARY KEY,
	collection   TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	scope_id     TEXT NOT NULL DEFAULT '',
	profile_type TEXT NOT NULL,
	content      TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	embedding    BLOB,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE (collection, subject_id, scope_id, profile_type)
);

CREATE INDEX IF NOT EXISTS idx_profiles_lookup
	ON profiles (collection, subject_id, scope_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	collection  TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	scope_id    TEXT NOT NULL DEFAULT '',
	session_id  TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	embedding   BLOB,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_lookup
	ON events (collection, subject_id, scope_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_events_session
	ON events (session_id);
`
