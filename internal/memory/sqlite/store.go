// Package sqlite provides a SQLite implementation of memory.Store for local
// and development use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/companion/internal/memory"
)

// Ensure *Store implements the memory interfaces at compile time.
var (
	_ memory.Store         = (*Store)(nil)
	_ memory.ProfileReader = (*Store)(nil)
	_ memory.StatsProvider = (*Store)(nil)
)

// candidateLimit bounds how many rows per table are scored for one search.
const candidateLimit = 500

// Option configures a Store.
type Option func(*Store)

// WithEmbedder blends embedding similarity into search scores and stores
// an embedding with every write.
func WithEmbedder(e memory.Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithNames sets the physical collection names.
func WithNames(n memory.Names) Option {
	return func(s *Store) {
		if n != nil {
			s.names = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock injects the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store implements memory.Store using SQLite. Scoring happens in Go so the
// same lexical and semantic rules apply to every backend.
type Store struct {
	db       *sql.DB
	names    memory.Names
	embedder memory.Embedder
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore opens (or creates) the database at dsn. If the first open fails
// because of stale WAL files left by a crashed process, and no other process
// holds them, the files are removed and the open retried once.
func NewStore(dsn string, opts ...Option) (*Store, error) {
	s := &Store{
		names:  memory.DefaultNames(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := openDB(dsn)
	if err == nil {
		s.db = db
		return s, nil
	}
	if !isRecoverableWALError(err) {
		return nil, err
	}
	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}
	removeStaleWAL(dbPath, s.logger)

	db, retryErr := openDB(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	s.logger.Info("recovered from stale WAL files", zap.String("path", dbPath))
	s.db = db
	return s, nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}
	return db, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Debug("WAL checkpoint on close failed", zap.Error(err))
	}
	return s.db.Close()
}

// Search scores the partition's profiles and events against req.Query.
func (s *Store) Search(ctx context.Context, c memory.Collection, req memory.SearchRequest) ([]memory.Fragment, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", memory.ErrUnknownCollection, c)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Normalize()
	physical := s.names.Physical(c)

	type candidate struct {
		frag      memory.Fragment
		embedding []float32
	}
	var candidates []candidate

	if req.WantsType(memory.TypeProfile) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, scope_id, content, embedding, updated_at
			FROM profiles
			WHERE collection = ? AND subject_id = ? AND (? = '' OR scope_id = ?)
				AND (? = '' OR profile_type = ?)
			ORDER BY updated_at DESC
			LIMIT ?`,
			physical, req.SubjectID, req.ScopeID, req.ScopeID, req.ProfileType, req.ProfileType, candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("sqlite: search profiles: %w", err)
		}
		err = scanRows(rows, func(id, scope, content string, emb []byte, ts string) error {
			vec, err := deserializeEmbedding(emb)
			if err != nil {
				return err
			}
			candidates = append(candidates, candidate{
				frag: memory.Fragment{
					ID: id, Content: content, Type: memory.TypeProfile, Collection: c,
					SubjectID: req.SubjectID, ScopeID: scope, Timestamp: parseTime(ts),
				},
				embedding: vec,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan profiles: %w", err)
		}
	}

	if req.WantsType(memory.TypeEvent) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, scope_id, content, embedding, created_at
			FROM events
			WHERE collection = ? AND subject_id = ? AND (? = '' OR scope_id = ?)
			ORDER BY created_at DESC
			LIMIT ?`,
			physical, req.SubjectID, req.ScopeID, req.ScopeID, candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("sqlite: search events: %w", err)
		}
		err = scanRows(rows, func(id, scope, content string, emb []byte, ts string) error {
			vec, err := deserializeEmbedding(emb)
			if err != nil {
				return err
			}
			candidates = append(candidates, candidate{
				frag: memory.Fragment{
					ID: id, Content: content, Type: memory.TypeEvent, Collection: c,
					SubjectID: req.SubjectID, ScopeID: scope, Timestamp: parseTime(ts),
				},
				embedding: vec,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan events: %w", err)
		}
	}

	queryVec := s.embed(ctx, req.Query)
	frags := make([]memory.Fragment, len(candidates))
	for i, cand := range candidates {
		f := cand.frag
		f.Score = memory.LexicalScore(req.Query, f.Content)
		if queryVec != nil && cand.embedding != nil {
			f.Score = memory.Blend(f.Score, memory.CosineSimilarity(queryVec, cand.embedding))
		}
		frags[i] = f
	}
	return memory.Rank(frags, req.Limit, req.MinScore), nil
}

// UpsertProfile creates the profile or replaces its content and metadata,
// keeping its id and creation time.
func (s *Store) UpsertProfile(ctx context.Context, c memory.Collection, w memory.ProfileWrite) (*memory.WriteResult, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", memory.ErrUnknownCollection, c)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	meta, err := encodeMetadata(w.Metadata)
	if err != nil {
		return nil, err
	}
	emb := serializeEmbedding(s.embed(ctx, w.Content))
	now := s.now().UTC()
	newID := uuid.NewString()

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO profiles (id, collection, subject_id, scope_id, profile_type, content, metadata, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, subject_id, scope_id, profile_type) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
		RETURNING id`,
		newID, s.names.Physical(c), w.SubjectID, w.ScopeID, w.ProfileType, w.Content, meta, emb,
		formatTime(now), formatTime(now),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: upsert profile: %w", err)
	}
	return &memory.WriteResult{ID: id, Created: id == newID, UpdatedAt: now}, nil
}

// AppendSession stores the exchange transcript as one event.
func (s *Store) AppendSession(ctx context.Context, c memory.Collection, w memory.SessionWrite) (*memory.WriteResult, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", memory.ErrUnknownCollection, c)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	meta, err := encodeMetadata(w.Metadata)
	if err != nil {
		return nil, err
	}
	content := w.Transcript()
	emb := serializeEmbedding(s.embed(ctx, content))
	now := s.now().UTC()
	id := uuid.NewString()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, collection, subject_id, scope_id, session_id, content, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.names.Physical(c), w.SubjectID, w.ScopeID, w.SessionID, content, meta, emb, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("sqlite: append session: %w", err)
	}
	return &memory.WriteResult{ID: id, Created: true, UpdatedAt: now}, nil
}

// GetProfile returns the profile stored under the given key.
func (s *Store) GetProfile(ctx context.Context, c memory.Collection, subjectID, scopeID, profileType string) (*memory.Fragment, error) {
	if profileType == "" {
		profileType = memory.DefaultProfileType
	}
	var id, content, ts string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, updated_at FROM profiles
		WHERE collection = ? AND subject_id = ? AND scope_id = ? AND profile_type = ?`,
		s.names.Physical(c), subjectID, scopeID, profileType,
	).Scan(&id, &content, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get profile: %w", err)
	}
	return &memory.Fragment{
		ID: id, Content: content, Score: 1, Type: memory.TypeProfile, Collection: c,
		SubjectID: subjectID, ScopeID: scopeID, Timestamp: parseTime(ts),
	}, nil
}

// Counts returns the number of stored fragments per partition.
func (s *Store) Counts(ctx context.Context) (map[memory.Collection]int, error) {
	out := make(map[memory.Collection]int, len(memory.AllCollections))
	for _, c := range memory.AllCollections {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM profiles WHERE collection = ?) +
			       (SELECT COUNT(*) FROM events WHERE collection = ?)`,
			s.names.Physical(c), s.names.Physical(c)).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("sqlite: count %s: %w", c, err)
		}
		out[c] = n
	}
	return out, nil
}

// embed returns nil when no embedder is configured or embedding fails;
// scoring then falls back to lexical only.
func (s *Store) embed(ctx context.Context, text string) []float32 {
	if s.embedder == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.Warn("embedding failed, using lexical scoring", zap.Error(err))
		return nil
	}
	return vec
}

func scanRows(rows *sql.Rows, fn func(id, scope, content string, emb []byte, ts string) error) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			id, scope, content, ts string
			emb                    []byte
		)
		if err := rows.Scan(&id, &scope, &content, &emb, &ts); err != nil {
			return err
		}
		if err := fn(id, scope, content, emb, ts); err != nil {
			return err
		}
	}
	return rows.Err()
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: metadata: %v", memory.ErrInvalidInput, err)
	}
	return string(b), nil
}

// timeLayout is fixed width so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
