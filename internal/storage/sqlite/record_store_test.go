package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

func setup(t testing.TB) *RecordStore {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	return store
}

func aliceBatch() crawler.Batch {
	return crawler.Batch{
		Profile: &crawler.Profile{Username: "alice", FullName: "Alice", Followers: 10, URL: "https://www.threads.net/@alice"},
		Posts: []crawler.Post{
			{ID: "P1", Username: "alice", Text: "first"},
			{ID: "P2", Username: "alice", Text: "second"},
			{ID: "P3", Username: "alice", Text: ""},
		},
		Replies: []crawler.Reply{
			{ID: "R1", ParentPostID: "R1", Username: "alice", Text: "reply"},
		},
	}
}

func TestSaveRecordsIsIdempotent(t *testing.T) {
	t.Parallel()

	store := setup(t)
	ctx := context.Background()

	first, err := store.SaveRecords(ctx, aliceBatch())
	require.NoError(t, err)
	require.Equal(t, crawler.SaveSummary{ProfilesInserted: 1, PostsInserted: 3, RepliesInserted: 1}, first)

	second, err := store.SaveRecords(ctx, aliceBatch())
	require.NoError(t, err)
	require.Equal(t, crawler.SaveSummary{PostsSkipped: 3, RepliesSkipped: 1}, second)

	var posts, replies, profiles int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM posts`).Scan(&posts))
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM replies`).Scan(&replies))
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&profiles))
	require.Equal(t, []int{3, 1, 1}, []int{posts, replies, profiles})
}

func TestSaveRecordsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store := setup(t)
	ctx := context.Background()
	_, err := store.db.Exec(`CREATE TRIGGER boom BEFORE INSERT ON posts WHEN NEW.id = 'BOOM'
BEGIN SELECT RAISE(ABORT, 'forced failure'); END;`)
	require.NoError(t, err)

	_, err = store.SaveRecords(ctx, crawler.Batch{Posts: []crawler.Post{
		{ID: "P1", Username: "alice", Text: "kept?"},
		{ID: "BOOM", Username: "alice", Text: "fails"},
	}})
	require.ErrorContains(t, err, "insert post BOOM")

	var n int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM posts`).Scan(&n))
	require.Zero(t, n)
}

func TestUnclassifiedAndApplyLabels(t *testing.T) {
	t.Parallel()

	store := setup(t)
	ctx := context.Background()
	_, err := store.SaveRecords(ctx, aliceBatch())
	require.NoError(t, err)

	pending, err := store.Unclassified(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.PendingText{
		{Kind: crawler.KindPost, ID: "P1", Text: "first"},
		{Kind: crawler.KindPost, ID: "P2", Text: "second"},
		{Kind: crawler.KindPost, ID: "P3", Text: ""},
		{Kind: crawler.KindReply, ID: "R1", Text: "reply"},
	}, pending)

	_, err = store.db.Exec(`CREATE TRIGGER reject BEFORE UPDATE ON posts WHEN NEW.id = 'P2'
BEGIN SELECT RAISE(ABORT, 'forced failure'); END;`)
	require.NoError(t, err)

	failures, err := store.ApplyLabels(ctx, []crawler.Label{
		{Kind: crawler.KindPost, ID: "P1", Misogynistic: true, Confidence: 0.91},
		{Kind: crawler.KindPost, ID: "P2", Misogynistic: false, Confidence: 0.55},
		{Kind: crawler.KindReply, ID: "R1", Misogynistic: false, Confidence: 0.8},
	})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "P2", failures[0].ID)

	pending, err = store.Unclassified(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.PendingText{
		{Kind: crawler.KindPost, ID: "P2", Text: "second"},
		{Kind: crawler.KindPost, ID: "P3", Text: ""},
	}, pending)

	var conf float64
	require.NoError(t, store.db.QueryRow(`SELECT confidence FROM posts WHERE id = 'P1'`).Scan(&conf))
	require.InDelta(t, 0.91, conf, 1e-9)
}

func TestApplyLabelsNeverOverwrites(t *testing.T) {
	t.Parallel()

	store := setup(t)
	ctx := context.Background()
	_, err := store.SaveRecords(ctx, aliceBatch())
	require.NoError(t, err)

	_, err = store.ApplyLabels(ctx, []crawler.Label{{Kind: crawler.KindPost, ID: "P1", Misogynistic: true, Confidence: 0.9}})
	require.NoError(t, err)
	_, err = store.ApplyLabels(ctx, []crawler.Label{{Kind: crawler.KindPost, ID: "P1", Misogynistic: false, Confidence: 0.1}})
	require.NoError(t, err)

	texts, err := store.UserTexts(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, texts[0].Misogynistic)
	require.True(t, *texts[0].Misogynistic)
}

func TestUserTextsPostsThenReplies(t *testing.T) {
	t.Parallel()

	store := setup(t)
	ctx := context.Background()
	_, err := store.SaveRecords(ctx, aliceBatch())
	require.NoError(t, err)
	_, err = store.SaveRecords(ctx, crawler.Batch{Posts: []crawler.Post{{ID: "B1", Username: "bob", Text: "bob's"}}})
	require.NoError(t, err)
	_, err = store.ApplyLabels(ctx, []crawler.Label{
		{Kind: crawler.KindReply, ID: "R1", Misogynistic: true, Confidence: 0.7},
	})
	require.NoError(t, err)

	texts, err := store.UserTexts(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, texts, 4)
	require.Equal(t, crawler.KindPost, texts[0].Kind)
	require.Nil(t, texts[0].Misogynistic)
	require.Equal(t, crawler.KindReply, texts[3].Kind)
	require.True(t, *texts[3].Misogynistic)

	none, err := store.UserTexts(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPingAfterClose(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
	require.ErrorIs(t, store.Ping(context.Background()), crawler.ErrStoreUnavailable)
}
