package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/crawler"
	queuemem "github.com/JakeFAU/threadscan/internal/queue/memory"
	"github.com/JakeFAU/threadscan/internal/report"
	"github.com/JakeFAU/threadscan/internal/storage/memory"
	"github.com/JakeFAU/threadscan/internal/task"
)

type testEnv struct {
	server  *Server
	tasks   *memory.TaskStore
	records *memory.RecordStore
	queue   *queuemem.Queue
}

func newTestEnv(t *testing.T, queueDepth int) *testEnv {
	t.Helper()
	tasks := memory.NewTaskStore(nil)
	records := memory.NewRecordStore()
	queue := queuemem.NewQueue(queueDepth)
	stats, err := report.NewService(records)
	require.NoError(t, err)
	svc := task.NewService(tasks, queue, &fakeIDGen{ids: []string{"task-1", "task-2"}},
		&fakeClock{now: time.Unix(100, 0)}, stats, task.Config{AdmissionTimeout: 10 * time.Millisecond}, nil)
	return &testEnv{
		server:  NewServer(svc, stats, records, Config{}, zap.NewNop()),
		tasks:   tasks,
		records: records,
		queue:   queue,
	}
}

func (e *testEnv) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) finish(t *testing.T, id string, state crawler.TaskState, errText string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.tasks.TransitionTask(ctx, id, crawler.TaskStateRunning, ""))
	require.NoError(t, e.tasks.TransitionTask(ctx, id, state, errText))
}

func TestServer_SubmitTask_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	rec := env.do(http.MethodPost, "/v1/tasks", []byte(`{"username":"@alice"}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "task-1", decode(t, rec)["task_id"])
	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "alice", item.Username)
}

func TestServer_SubmitTask_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	rec := env.do(http.MethodPost, "/v1/tasks", []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/v1/tasks", []byte(`{"username":"  "}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, env.tasks.CountByState())
}

func TestServer_SubmitTask_QueueFull(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/tasks", []byte(`{"username":"alice"}`)).Code)
	rec := env.do(http.MethodPost, "/v1/tasks", []byte(`{"username":"bob"}`))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_GetTaskStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	env.do(http.MethodPost, "/v1/tasks", []byte(`{"username":"alice"}`))

	rec := env.do(http.MethodGet, "/v1/tasks/task-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{"task_id": "task-1", "username": "alice", "state": "pending"}, decode(t, rec))

	rec = env.do(http.MethodGet, "/v1/tasks/nope/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetTaskResult_Variants(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	env.do(http.MethodPost, "/v1/tasks", []byte(`{"username":"alice"}`))
	env.do(http.MethodPost, "/v1/tasks", []byte(`{"username":"bob"}`))

	rec := env.do(http.MethodGet, "/v1/tasks/task-1/result", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(http.MethodGet, "/v1/tasks/missing/result", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	env.finish(t, "task-2", crawler.TaskStateError, "crawl bob: selector_timeout: dial tcp 10.0.0.1")
	rec = env.do(http.MethodGet, "/v1/tasks/task-2/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{"error": failedTaskMessage}, decode(t, rec))
	require.NotContains(t, rec.Body.String(), "10.0.0.1")

	_, err := env.records.SaveRecords(context.Background(), crawler.Batch{Posts: []crawler.Post{
		{ID: "P1", Username: "alice", Text: "nasty"},
		{ID: "P2", Username: "alice", Text: "nice"},
	}})
	require.NoError(t, err)
	_, err = env.records.ApplyLabels(context.Background(), []crawler.Label{
		{Kind: crawler.KindPost, ID: "P1", Misogynistic: true, Confidence: 0.9},
		{Kind: crawler.KindPost, ID: "P2", Misogynistic: false, Confidence: 0.9},
	})
	require.NoError(t, err)
	env.finish(t, "task-1", crawler.TaskStateDone, "")
	rec = env.do(http.MethodGet, "/v1/tasks/task-1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"stats":{"total_posts":2,"misogynistic_posts":1},"flagged_texts":["nasty"]}`, rec.Body.String())
}

func TestServer_GetTaskResult_NoPosts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	env.do(http.MethodPost, "/v1/tasks", []byte(`{"username":"quiet"}`))
	env.finish(t, "task-1", crawler.TaskStateNoPosts, "")

	rec := env.do(http.MethodGet, "/v1/tasks/task-1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"no_posts":true}`, rec.Body.String())
}

func TestServer_GetUserStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	rec := env.do(http.MethodGet, "/v1/users/nobody/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"username":"nobody","stats":{"total_posts":0,"misogynistic_posts":0},"flagged_texts":[]}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/users/bad%20name/stats", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type unavailableStore struct{}

func (unavailableStore) Ping(context.Context) error {
	return fmt.Errorf("ping: %w", crawler.ErrStoreUnavailable)
}

func (unavailableStore) UserStats(context.Context, string) (report.UserStats, error) {
	return report.UserStats{}, fmt.Errorf("load texts: %w", crawler.ErrStoreUnavailable)
}

func TestServer_StoreUnavailable(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, unavailableStore{}, unavailableStore{}, Config{}, nil)
	for _, path := range []string{"/readyz", "/v1/users/alice/stats"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/metrics", nil).Code)
}

type panickingStats struct{}

func (panickingStats) UserStats(context.Context, string) (report.UserStats, error) {
	panic("boom")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, panickingStats{}, nil, Config{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/alice/stats", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1)
	rec := env.do(http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestWriteTaskErrorFallsBackTo500(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, Config{}, nil)
	rec := httptest.NewRecorder()
	s.writeTaskError(rec, errors.New("unexpected"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
