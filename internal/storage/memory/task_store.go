package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

// TaskStore is the in-process task registry. One mutex guards the single
// map, so a task's state and username are always read together.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]crawler.Task
	now   func() time.Time
}

// NewTaskStore constructs a TaskStore. now defaults to time.Now.
func NewTaskStore(now func() time.Time) *TaskStore {
	if now == nil {
		now = time.Now
	}
	return &TaskStore{
		tasks: make(map[string]crawler.Task),
		now:   now,
	}
}

// CreateTask stores a new task, which must be pending.
func (s *TaskStore) CreateTask(_ context.Context, task crawler.Task) error {
	if task.State != crawler.TaskStatePending {
		return fmt.Errorf("create task %s in state %q: %w", task.ID, task.State, crawler.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return errors.New("task already exists")
	}
	s.tasks[task.ID] = task
	return nil
}

// TransitionTask moves a task to next, stamping start and finish times.
func (s *TaskStore) TransitionTask(_ context.Context, taskID string, next crawler.TaskState, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawler.ErrTaskNotFound
	}
	if !task.State.CanTransition(next) {
		return fmt.Errorf("%s -> %s: %w", task.State, next, crawler.ErrInvalidTransition)
	}
	now := s.now().UTC()
	task.State = next
	task.ErrorText = errText
	if next == crawler.TaskStateRunning {
		task.Started = pointerTime(now)
	}
	if next.IsTerminal() {
		task.Finished = pointerTime(now)
	}
	s.tasks[taskID] = task
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawler.Task{}, crawler.ErrTaskNotFound
	}
	return task, nil
}

// DeleteTask removes a task. Deleting an unknown task is not an error.
func (s *TaskStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

// EvictFinished removes terminal tasks that finished before the cutoff.
func (s *TaskStore) EvictFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, task := range s.tasks {
		if task.State.IsTerminal() && task.Finished != nil && task.Finished.Before(before) {
			delete(s.tasks, id)
			evicted++
		}
	}
	return evicted, nil
}

// CountByState returns the number of tasks in each state.
func (s *TaskStore) CountByState() map[crawler.TaskState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[crawler.TaskState]int)
	for _, task := range s.tasks {
		counts[task.State]++
	}
	return counts
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
