// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// RecordStore writes profiles, posts, and replies into Postgres.
type RecordStore struct {
	pool pool
	now  func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	username   TEXT PRIMARY KEY,
	full_name  TEXT,
	bio        TEXT,
	followers  BIGINT,
	url        TEXT
);
CREATE TABLE IF NOT EXISTS posts (
	id          TEXT PRIMARY KEY,
	username    TEXT NOT NULL,
	post_text   TEXT,
	post_url    TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_misogyny BOOLEAN,
	confidence  DOUBLE PRECISION
);
CREATE TABLE IF NOT EXISTS replies (
	id          TEXT PRIMARY KEY,
	post_id     TEXT,
	username    TEXT NOT NULL,
	reply_text  TEXT,
	reply_url   TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_misogyny BOOLEAN,
	confidence  DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS posts_username_idx ON posts (username);
CREATE INDEX IF NOT EXISTS replies_username_idx ON replies (username);`

const (
	insertProfileSQL = `INSERT INTO profiles (username, full_name, bio, followers, url)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (username) DO NOTHING`
	insertPostSQL = `INSERT INTO posts (id, username, post_text, post_url, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`
	insertReplySQL = `INSERT INTO replies (id, post_id, username, reply_text, reply_url, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`

	unclassifiedPostsSQL   = `SELECT id, COALESCE(post_text, '') FROM posts WHERE is_misogyny IS NULL ORDER BY created_at, id`
	unclassifiedRepliesSQL = `SELECT id, COALESCE(reply_text, '') FROM replies WHERE is_misogyny IS NULL ORDER BY created_at, id`

	labelPostSQL  = `UPDATE posts SET is_misogyny = $1, confidence = $2 WHERE id = $3 AND is_misogyny IS NULL`
	labelReplySQL = `UPDATE replies SET is_misogyny = $1, confidence = $2 WHERE id = $3 AND is_misogyny IS NULL`

	userPostsSQL   = `SELECT COALESCE(post_text, ''), is_misogyny FROM posts WHERE username = $1 ORDER BY created_at, id`
	userRepliesSQL = `SELECT COALESCE(reply_text, ''), is_misogyny FROM replies WHERE username = $1 ORDER BY created_at, id`

	savepointSQL         = `SAVEPOINT label_row`
	rollbackSavepointSQL = `ROLLBACK TO SAVEPOINT label_row`
	releaseSavepointSQL  = `RELEASE SAVEPOINT label_row`
)

// New creates a Postgres-backed RecordStore using the provided config.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: p, now: time.Now}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, now func() time.Time) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if now == nil {
		now = time.Now
	}
	return &RecordStore{pool: p, now: now}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (s *RecordStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Ping reports whether a connection can be obtained.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// SaveRecords inserts the batch in one transaction. Rows whose key already
// exists are counted as skipped; any other failure rolls back the batch.
func (s *RecordStore) SaveRecords(ctx context.Context, batch crawler.Batch) (crawler.SaveSummary, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.SaveSummary{}, unavailable("begin save", err)
	}
	summary, err := s.insertBatch(ctx, tx, batch)
	if err != nil {
		_ = tx.Rollback(ctx)
		return crawler.SaveSummary{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.SaveSummary{}, fmt.Errorf("commit save: %w", err)
	}
	return summary, nil
}

func (s *RecordStore) insertBatch(ctx context.Context, tx pgx.Tx, batch crawler.Batch) (crawler.SaveSummary, error) {
	var summary crawler.SaveSummary
	now := s.now().UTC()

	if p := batch.Profile; p != nil {
		tag, err := tx.Exec(ctx, insertProfileSQL, p.Username, p.FullName, p.Bio, p.Followers, p.URL)
		if err != nil {
			return summary, fmt.Errorf("insert profile %s: %w", p.Username, err)
		}
		summary.ProfilesInserted += int(tag.RowsAffected())
	}
	for _, post := range batch.Posts {
		tag, err := tx.Exec(ctx, insertPostSQL, post.ID, post.Username, post.Text, post.URL, stamp(post.CreatedAt, now))
		if err != nil {
			return summary, fmt.Errorf("insert post %s: %w", post.ID, err)
		}
		if tag.RowsAffected() == 0 {
			summary.PostsSkipped++
		} else {
			summary.PostsInserted++
		}
	}
	for _, reply := range batch.Replies {
		tag, err := tx.Exec(ctx, insertReplySQL,
			reply.ID, reply.ParentPostID, reply.Username, reply.Text, reply.URL, stamp(reply.CreatedAt, now))
		if err != nil {
			return summary, fmt.Errorf("insert reply %s: %w", reply.ID, err)
		}
		if tag.RowsAffected() == 0 {
			summary.RepliesSkipped++
		} else {
			summary.RepliesInserted++
		}
	}
	return summary, nil
}

// Unclassified returns every unlabelled post followed by every unlabelled reply.
func (s *RecordStore) Unclassified(ctx context.Context) ([]crawler.PendingText, error) {
	posts, err := s.pending(ctx, unclassifiedPostsSQL, crawler.KindPost)
	if err != nil {
		return nil, err
	}
	replies, err := s.pending(ctx, unclassifiedRepliesSQL, crawler.KindReply)
	if err != nil {
		return nil, err
	}
	return append(posts, replies...), nil
}

func (s *RecordStore) pending(ctx context.Context, query string, kind crawler.RecordKind) ([]crawler.PendingText, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, unavailable("select unclassified "+string(kind), err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.PendingText, error) {
		p := crawler.PendingText{Kind: kind}
		err := row.Scan(&p.ID, &p.Text)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan unclassified %s: %w", kind, err)
	}
	return out, nil
}

// ApplyLabels writes every label in one transaction. Each row update runs
// under a savepoint so a failing row does not abort the others.
func (s *RecordStore) ApplyLabels(ctx context.Context, labels []crawler.Label) ([]crawler.LabelFailure, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin labels", err)
	}
	var failures []crawler.LabelFailure
	for _, l := range labels {
		failure, err := applyLabel(ctx, tx, l)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if failure != nil {
			failures = append(failures, *failure)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit labels: %w", err)
	}
	return failures, nil
}

func applyLabel(ctx context.Context, tx pgx.Tx, l crawler.Label) (*crawler.LabelFailure, error) {
	query := labelPostSQL
	if l.Kind == crawler.KindReply {
		query = labelReplySQL
	}
	if _, err := tx.Exec(ctx, savepointSQL); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	if _, err := tx.Exec(ctx, query, l.Misogynistic, l.Confidence, l.ID); err != nil {
		if _, rbErr := tx.Exec(ctx, rollbackSavepointSQL); rbErr != nil {
			return nil, fmt.Errorf("rollback savepoint: %w", rbErr)
		}
		return &crawler.LabelFailure{Kind: l.Kind, ID: l.ID, Err: err}, nil
	}
	if _, err := tx.Exec(ctx, releaseSavepointSQL); err != nil {
		return nil, fmt.Errorf("release savepoint: %w", err)
	}
	return nil, nil
}

// UserTexts returns the user's posts followed by their replies.
func (s *RecordStore) UserTexts(ctx context.Context, username string) ([]crawler.UserText, error) {
	posts, err := s.userTexts(ctx, userPostsSQL, crawler.KindPost, username)
	if err != nil {
		return nil, err
	}
	replies, err := s.userTexts(ctx, userRepliesSQL, crawler.KindReply, username)
	if err != nil {
		return nil, err
	}
	return append(posts, replies...), nil
}

func (s *RecordStore) userTexts(ctx context.Context, query string, kind crawler.RecordKind, username string) ([]crawler.UserText, error) {
	rows, err := s.pool.Query(ctx, query, username)
	if err != nil {
		return nil, unavailable("select user "+string(kind), err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.UserText, error) {
		t := crawler.UserText{Kind: kind}
		err := row.Scan(&t.Text, &t.Misogynistic)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan user %s: %w", kind, err)
	}
	return out, nil
}

func stamp(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrStoreUnavailable, err)
}
