package report

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/storage/memory"
)

func flag(b bool) *bool { return &b }

func TestAggregateSkipsEmptyText(t *testing.T) {
	t.Parallel()

	stats, flagged := Aggregate([]crawler.UserText{
		{Kind: crawler.KindPost, Text: "bad one", Misogynistic: flag(true)},
		{Kind: crawler.KindPost, Text: "", Misogynistic: flag(true)},
		{Kind: crawler.KindPost, Text: "unlabelled"},
		{Kind: crawler.KindReply, Text: "fine", Misogynistic: flag(false)},
		{Kind: crawler.KindReply, Text: "  ", Misogynistic: flag(false)},
	})
	require.Equal(t, Stats{TotalPosts: 4, MisogynisticPosts: 1}, stats)
	require.Equal(t, []string{"bad one"}, flagged)
}

func TestAggregateEmpty(t *testing.T) {
	t.Parallel()

	stats, flagged := Aggregate(nil)
	require.Zero(t, stats)
	require.NotNil(t, flagged)
	require.Empty(t, flagged)
}

func TestUserStatsCountsPostsAndReplies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewRecordStore()
	_, err := store.SaveRecords(ctx, crawler.Batch{
		Posts: []crawler.Post{
			{ID: "P1", Username: "alice", Text: "flagged post one"},
			{ID: "P2", Username: "alice", Text: "flagged post two"},
			{ID: "P3", Username: "alice", Text: "a kind post"},
			{ID: "P4", Username: "alice", Text: ""},
			{ID: "B1", Username: "bob", Text: "bob is flagged too"},
		},
		Replies: []crawler.Reply{
			{ID: "R1", ParentPostID: "R1", Username: "alice", Text: "flagged reply"},
			{ID: "R2", ParentPostID: "R2", Username: "alice", Text: "a kind reply"},
		},
	})
	require.NoError(t, err)
	_, err = store.ApplyLabels(ctx, []crawler.Label{
		{Kind: crawler.KindPost, ID: "P1", Misogynistic: true, Confidence: 0.9},
		{Kind: crawler.KindPost, ID: "P2", Misogynistic: true, Confidence: 0.8},
		{Kind: crawler.KindPost, ID: "P3", Misogynistic: false, Confidence: 0.7},
		{Kind: crawler.KindPost, ID: "B1", Misogynistic: true, Confidence: 0.9},
		{Kind: crawler.KindReply, ID: "R1", Misogynistic: true, Confidence: 0.6},
		{Kind: crawler.KindReply, ID: "R2", Misogynistic: false, Confidence: 0.95},
	})
	require.NoError(t, err)

	svc, err := NewService(store)
	require.NoError(t, err)
	got, err := svc.UserStats(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, UserStats{
		Username:     "alice",
		Stats:        Stats{TotalPosts: 5, MisogynisticPosts: 3},
		FlaggedTexts: []string{"flagged post one", "flagged post two", "flagged reply"},
	}, got)
}

type failingStore struct {
	crawler.RecordStore
}

func (failingStore) UserTexts(context.Context, string) ([]crawler.UserText, error) {
	return nil, crawler.ErrStoreUnavailable
}

func TestUserStatsPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	svc, err := NewService(failingStore{})
	require.NoError(t, err)
	_, err = svc.UserStats(context.Background(), "alice")
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)

	_, err = NewService(nil)
	require.Error(t, err)
}
