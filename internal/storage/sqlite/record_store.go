// Package sqlite provides a RecordStore backed by an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/threadscan/internal/crawler"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

type table struct {
	name    string
	textCol string
}

var (
	postsTable   = table{name: "posts", textCol: "post_text"}
	repliesTable = table{name: "replies", textCol: "reply_text"}
)

func tableFor(kind crawler.RecordKind) table {
	if kind == crawler.KindReply {
		return repliesTable
	}
	return postsTable
}

// RecordStore persists records in SQLite. A single connection serialises
// writers, which SQLite requires anyway.
type RecordStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func Open(ctx context.Context, path string) (*RecordStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &RecordStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Migrate creates the tables if they do not exist.
func (s *RecordStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", crawler.ErrStoreUnavailable, err)
	}
	return nil
}

// SaveRecords inserts the batch in one transaction, ignoring rows whose key
// already exists.
func (s *RecordStore) SaveRecords(ctx context.Context, batch crawler.Batch) (crawler.SaveSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.SaveSummary{}, fmt.Errorf("begin save: %w: %w", crawler.ErrStoreUnavailable, err)
	}
	summary, err := s.insertBatch(ctx, tx, batch)
	if err != nil {
		_ = tx.Rollback()
		return crawler.SaveSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return crawler.SaveSummary{}, fmt.Errorf("commit save: %w", err)
	}
	return summary, nil
}

func (s *RecordStore) insertBatch(ctx context.Context, tx *sql.Tx, batch crawler.Batch) (crawler.SaveSummary, error) {
	var summary crawler.SaveSummary
	now := s.now().UTC()

	if p := batch.Profile; p != nil {
		n, err := insertIgnore(ctx, tx, sq.Insert("profiles").
			Columns("username", "full_name", "bio", "followers", "url").
			Values(p.Username, p.FullName, p.Bio, p.Followers, p.URL))
		if err != nil {
			return summary, fmt.Errorf("insert profile %s: %w", p.Username, err)
		}
		summary.ProfilesInserted += int(n)
	}
	for _, post := range batch.Posts {
		n, err := insertIgnore(ctx, tx, sq.Insert("posts").
			Columns("id", "username", "post_text", "post_url", "created_at").
			Values(post.ID, post.Username, post.Text, post.URL, stamp(post.CreatedAt, now)))
		if err != nil {
			return summary, fmt.Errorf("insert post %s: %w", post.ID, err)
		}
		if n == 0 {
			summary.PostsSkipped++
		} else {
			summary.PostsInserted++
		}
	}
	for _, reply := range batch.Replies {
		n, err := insertIgnore(ctx, tx, sq.Insert("replies").
			Columns("id", "post_id", "username", "reply_text", "reply_url", "created_at").
			Values(reply.ID, reply.ParentPostID, reply.Username, reply.Text, reply.URL, stamp(reply.CreatedAt, now)))
		if err != nil {
			return summary, fmt.Errorf("insert reply %s: %w", reply.ID, err)
		}
		if n == 0 {
			summary.RepliesSkipped++
		} else {
			summary.RepliesInserted++
		}
	}
	return summary, nil
}

func insertIgnore(ctx context.Context, tx *sql.Tx, b sq.InsertBuilder) (int64, error) {
	query, args, err := b.Suffix("ON CONFLICT DO NOTHING").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Unclassified returns every unlabelled post followed by every unlabelled reply.
func (s *RecordStore) Unclassified(ctx context.Context) ([]crawler.PendingText, error) {
	var out []crawler.PendingText
	for _, kind := range []crawler.RecordKind{crawler.KindPost, crawler.KindReply} {
		t := tableFor(kind)
		query, args, err := sq.Select("id", "COALESCE("+t.textCol+", '')").
			From(t.name).
			Where(sq.Eq{"is_misogyny": nil}).
			OrderBy("created_at", "id").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build select: %w", err)
		}
		pending, err := s.queryPending(ctx, kind, query, args)
		if err != nil {
			return nil, err
		}
		out = append(out, pending...)
	}
	return out, nil
}

func (s *RecordStore) queryPending(ctx context.Context, kind crawler.RecordKind, query string, args []any) ([]crawler.PendingText, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select unclassified %s: %w: %w", kind, crawler.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []crawler.PendingText
	for rows.Next() {
		p := crawler.PendingText{Kind: kind}
		if err := rows.Scan(&p.ID, &p.Text); err != nil {
			return nil, fmt.Errorf("scan unclassified %s: %w", kind, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unclassified %s: %w", kind, err)
	}
	return out, nil
}

// ApplyLabels writes every label in one transaction with a savepoint per row.
func (s *RecordStore) ApplyLabels(ctx context.Context, labels []crawler.Label) ([]crawler.LabelFailure, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin labels: %w: %w", crawler.ErrStoreUnavailable, err)
	}
	var failures []crawler.LabelFailure
	for _, l := range labels {
		failure, err := applyLabel(ctx, tx, l)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if failure != nil {
			failures = append(failures, *failure)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit labels: %w", err)
	}
	return failures, nil
}

func applyLabel(ctx context.Context, tx *sql.Tx, l crawler.Label) (*crawler.LabelFailure, error) {
	query, args, err := sq.Update(tableFor(l.Kind).name).
		Set("is_misogyny", l.Misogynistic).
		Set("confidence", l.Confidence).
		Where(sq.Eq{"id": l.ID, "is_misogyny": nil}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT label_row"); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT label_row"); rbErr != nil {
			return nil, fmt.Errorf("rollback savepoint: %w", rbErr)
		}
		return &crawler.LabelFailure{Kind: l.Kind, ID: l.ID, Err: err}, nil
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT label_row"); err != nil {
		return nil, fmt.Errorf("release savepoint: %w", err)
	}
	return nil, nil
}

// UserTexts returns the user's posts followed by their replies.
func (s *RecordStore) UserTexts(ctx context.Context, username string) ([]crawler.UserText, error) {
	var out []crawler.UserText
	for _, kind := range []crawler.RecordKind{crawler.KindPost, crawler.KindReply} {
		t := tableFor(kind)
		query, args, err := sq.Select("COALESCE("+t.textCol+", '')", "is_misogyny").
			From(t.name).
			Where(sq.Eq{"username": username}).
			OrderBy("created_at", "id").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build select: %w", err)
		}
		texts, err := s.queryUserTexts(ctx, kind, query, args)
		if err != nil {
			return nil, err
		}
		out = append(out, texts...)
	}
	return out, nil
}

func (s *RecordStore) queryUserTexts(ctx context.Context, kind crawler.RecordKind, query string, args []any) ([]crawler.UserText, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select user %s: %w: %w", kind, crawler.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []crawler.UserText
	for rows.Next() {
		var (
			text string
			flag sql.NullBool
		)
		if err := rows.Scan(&text, &flag); err != nil {
			return nil, fmt.Errorf("scan user %s: %w", kind, err)
		}
		t := crawler.UserText{Kind: kind, Text: text}
		if flag.Valid {
			v := flag.Bool
			t.Misogynistic = &v
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user %s: %w", kind, err)
	}
	return out, nil
}

func stamp(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
