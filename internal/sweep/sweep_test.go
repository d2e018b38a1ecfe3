package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/storage/memory"
)

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, text string) (crawler.Prediction, error) {
	args := m.Called(ctx, text)
	return args.Get(0).(crawler.Prediction), args.Error(1)
}

func seed(t *testing.T) *memory.RecordStore {
	t.Helper()
	store := memory.NewRecordStore()
	_, err := store.SaveRecords(context.Background(), crawler.Batch{
		Posts: []crawler.Post{
			{ID: "P1", Username: "alice", Text: "hateful"},
			{ID: "P2", Username: "alice", Text: ""},
			{ID: "P3", Username: "alice", Text: "broken"},
		},
		Replies: []crawler.Reply{
			{ID: "R1", ParentPostID: "R1", Username: "alice", Text: "kind"},
		},
	})
	require.NoError(t, err)
	return store
}

func TestSweepLabelsRowsAndSkipsEmptyText(t *testing.T) {
	t.Parallel()

	store := seed(t)
	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "hateful").Return(crawler.Prediction{Label: 1, Confidence: 0.9}, nil)
	cls.On("Classify", mock.Anything, "broken").Return(crawler.Prediction{}, errors.New("model timeout"))
	cls.On("Classify", mock.Anything, "kind").Return(crawler.Prediction{Label: 0, Confidence: 0.8}, nil)

	report, err := New(store, cls, nil).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.SweepReport{Selected: 4, Classified: 2, Skipped: 1, Failed: 1}, report)
	cls.AssertExpectations(t)
	cls.AssertNotCalled(t, "Classify", mock.Anything, "")

	pending, err := store.Unclassified(context.Background())
	require.NoError(t, err)
	require.Equal(t, []crawler.PendingText{
		{Kind: crawler.KindPost, ID: "P2", Text: ""},
		{Kind: crawler.KindPost, ID: "P3", Text: "broken"},
	}, pending)

	texts, err := store.UserTexts(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, *texts[0].Misogynistic)
	require.False(t, *texts[3].Misogynistic)
}

func TestSweepRetriesFailedRowsNextTime(t *testing.T) {
	t.Parallel()

	store := seed(t)
	first := &mockClassifier{}
	first.On("Classify", mock.Anything, "broken").Return(crawler.Prediction{}, errors.New("model timeout"))
	first.On("Classify", mock.Anything, mock.Anything).Return(crawler.Prediction{Label: 0, Confidence: 0.6}, nil)
	_, err := New(store, first, nil).Sweep(context.Background())
	require.NoError(t, err)

	second := &mockClassifier{}
	second.On("Classify", mock.Anything, "broken").Return(crawler.Prediction{Label: 1, Confidence: 0.7}, nil)
	report, err := New(store, second, nil).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.SweepReport{Selected: 2, Classified: 1, Skipped: 1}, report)
	second.AssertNumberOfCalls(t, "Classify", 1)
}

type stubStore struct {
	crawler.RecordStore
	selectErr error
	applyErr  error
	failures  []crawler.LabelFailure
	pending   []crawler.PendingText
}

func (s *stubStore) Unclassified(context.Context) ([]crawler.PendingText, error) {
	return s.pending, s.selectErr
}

func (s *stubStore) ApplyLabels(context.Context, []crawler.Label) ([]crawler.LabelFailure, error) {
	return s.failures, s.applyErr
}

func TestSweepAbortsWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	cls := &mockClassifier{}
	store := &stubStore{selectErr: crawler.ErrStoreUnavailable}
	_, err := New(store, cls, nil).Sweep(context.Background())
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	cls.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)

	store = &stubStore{
		pending:  []crawler.PendingText{{Kind: crawler.KindPost, ID: "P1", Text: "x"}},
		applyErr: errors.New("begin labels: record store unavailable"),
	}
	cls.On("Classify", mock.Anything, "x").Return(crawler.Prediction{Label: 0, Confidence: 0.5}, nil)
	_, err = New(store, cls, nil).Sweep(context.Background())
	require.ErrorContains(t, err, "apply labels")
}

func TestSweepCountsRowUpdateFailures(t *testing.T) {
	t.Parallel()

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, mock.Anything).Return(crawler.Prediction{Label: 1, Confidence: 0.5}, nil)
	store := &stubStore{
		pending: []crawler.PendingText{
			{Kind: crawler.KindPost, ID: "P1", Text: "a"},
			{Kind: crawler.KindReply, ID: "R1", Text: "b"},
		},
		failures: []crawler.LabelFailure{{Kind: crawler.KindReply, ID: "R1", Err: errors.New("lock timeout")}},
	}
	report, err := New(store, cls, nil).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.SweepReport{Selected: 2, Classified: 1, Failed: 1}, report)
}

type countingClassifier struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (c *countingClassifier) Classify(context.Context, string) (crawler.Prediction, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		m := c.maxSeen.Load()
		if n <= m || c.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	c.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return crawler.Prediction{Label: 0, Confidence: 0.5}, nil
}

func TestConcurrentSweepsClassifyEachRowOnce(t *testing.T) {
	t.Parallel()

	store := seed(t)
	cls := &countingClassifier{}
	s := New(store, cls, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Sweep(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(3), cls.calls.Load())
	require.Equal(t, int32(1), cls.maxSeen.Load())
}
