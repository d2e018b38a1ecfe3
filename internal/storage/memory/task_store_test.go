package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func TestTaskStoreLifecycle(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(0, 0)}
	store := NewTaskStore(clock.Now)
	ctx := context.Background()
	task := crawler.Task{ID: "task-1", Username: "alice", State: crawler.TaskStatePending}

	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if err := store.CreateTask(ctx, task); err == nil {
		t.Fatal("expected duplicate task error")
	}
	if err := store.TransitionTask(ctx, task.ID, crawler.TaskStateDone, ""); !errors.Is(err, crawler.ErrInvalidTransition) {
		t.Fatalf("expected pending -> done to be rejected, got %v", err)
	}
	if err := store.TransitionTask(ctx, task.ID, crawler.TaskStateRunning, ""); err != nil {
		t.Fatalf("TransitionTask running error = %v", err)
	}
	if err := store.TransitionTask(ctx, task.ID, crawler.TaskStateError, "crawl failed"); err != nil {
		t.Fatalf("TransitionTask error error = %v", err)
	}
	if err := store.TransitionTask(ctx, task.ID, crawler.TaskStateDone, ""); !errors.Is(err, crawler.ErrInvalidTransition) {
		t.Fatalf("expected terminal state to be final, got %v", err)
	}

	final, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if final.State != crawler.TaskStateError || final.Started == nil || final.Finished == nil {
		t.Fatalf("expected timestamps set, got %+v", final)
	}
	if final.Username != "alice" || final.ErrorText != "crawl failed" {
		t.Fatalf("expected username/error text to persist, got %+v", final)
	}
	if !final.Finished.After(*final.Started) {
		t.Fatalf("expected finish after start, got %v / %v", final.Started, final.Finished)
	}
}

func TestTaskStoreUnknownTask(t *testing.T) {
	t.Parallel()

	store := NewTaskStore(nil)
	ctx := context.Background()
	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, crawler.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := store.TransitionTask(ctx, "missing", crawler.TaskStateRunning, ""); !errors.Is(err, crawler.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := store.DeleteTask(ctx, "missing"); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if err := store.CreateTask(ctx, crawler.Task{ID: "x", State: crawler.TaskStateRunning}); err == nil {
		t.Fatal("expected non-pending create to fail")
	}
}

func TestTaskStoreEvictFinished(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(0, 0)}
	store := NewTaskStore(clock.Now)
	ctx := context.Background()
	for _, id := range []string{"old", "pending", "running"} {
		if err := store.CreateTask(ctx, crawler.Task{ID: id, State: crawler.TaskStatePending}); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.TransitionTask(ctx, "old", crawler.TaskStateRunning, "")
	_ = store.TransitionTask(ctx, "old", crawler.TaskStateNoPosts, "")
	_ = store.TransitionTask(ctx, "running", crawler.TaskStateRunning, "")

	n, err := store.EvictFinished(ctx, time.Unix(0, 0).Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("EvictFinished() = %d, %v", n, err)
	}
	if _, err := store.GetTask(ctx, "old"); !errors.Is(err, crawler.ErrTaskNotFound) {
		t.Fatal("expected finished task to be evicted")
	}
	counts := store.CountByState()
	if counts[crawler.TaskStatePending] != 1 || counts[crawler.TaskStateRunning] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}
