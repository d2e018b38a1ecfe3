package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/crawler"
	queuemem "github.com/JakeFAU/threadscan/internal/queue/memory"
	"github.com/JakeFAU/threadscan/internal/storage/memory"
	"github.com/JakeFAU/threadscan/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, nil, worker.Config{}, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, nil)

	err := dispatch.Enqueue(context.Background(), crawler.QueueItem{TaskID: "task"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type slowCrawler struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (c *slowCrawler) Crawl(context.Context, string) crawler.Result {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxSeen {
		c.maxSeen = c.inFlight
	}
	c.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return crawler.Result{Status: crawler.CrawlNoPosts}
}

// TestDispatcherBoundsConcurrency checks that no more than the pool size
// of tasks run at once.
func TestDispatcherBoundsConcurrency(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := queuemem.NewQueue(16)
	tasks := memory.NewTaskStore(nil)
	crawl := &slowCrawler{}
	pipeline := worker.NewPipeline(crawl, memory.NewRecordStore(), nil, nil)
	workers := []*worker.Worker{
		worker.New(queue, tasks, pipeline, nil, nil, worker.Config{}, nil),
		worker.New(queue, tasks, pipeline, nil, nil, worker.Config{}, nil),
	}
	dispatch := New(queue, workers, zap.NewNop())

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("task-%d", i)
		if err := tasks.CreateTask(ctx, crawler.Task{ID: id, Username: "u", State: crawler.TaskStatePending}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := dispatch.Enqueue(ctx, crawler.QueueItem{TaskID: id, Username: "u"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if tasks.CountByState()[crawler.TaskStateNoPosts] == 6 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tasks did not finish: %v", tasks.CountByState())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	crawl.mu.Lock()
	defer crawl.mu.Unlock()
	if crawl.maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent crawls, saw %d", crawl.maxSeen)
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ crawler.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return crawler.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, nil
}
