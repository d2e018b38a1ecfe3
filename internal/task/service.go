// Package task owns the submit/poll/result lifecycle of scan tasks.
package task

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/metrics"
	"github.com/JakeFAU/threadscan/internal/report"
)

var (
	// ErrTaskNotFound is returned for unknown or evicted task ids.
	ErrTaskNotFound = crawler.ErrTaskNotFound
	// ErrTaskNotFinished is returned by FetchResult while a task is pending or running.
	ErrTaskNotFinished = errors.New("task not finished")
	// ErrQueueFull is returned when the work queue does not accept a task in time.
	ErrQueueFull = errors.New("task queue full")
	// ErrInvalidUsername rejects empty or malformed usernames.
	ErrInvalidUsername = errors.New("invalid username")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._]{1,30}$`)

// NormalizeUsername trims whitespace and a leading "@", validates the rest
// and lowercases it. Threads handles are lowercase in page payloads.
func NormalizeUsername(raw string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(raw), "@")
	if !usernamePattern.MatchString(name) {
		return "", fmt.Errorf("%q: %w", raw, ErrInvalidUsername)
	}
	return strings.ToLower(name), nil
}

// StatsProvider renders per-user statistics for finished tasks.
type StatsProvider interface {
	UserStats(ctx context.Context, username string) (report.UserStats, error)
}

// Enqueuer hands tasks to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// Config tunes the Service.
type Config struct {
	// AdmissionTimeout bounds how long Submit waits for queue space.
	AdmissionTimeout time.Duration
}

// Result is the caller-visible outcome of a terminal task. Exactly one of
// NoPosts, Failed or Stats is set.
type Result struct {
	TaskID       string
	Username     string
	NoPosts      bool
	Failed       bool
	ErrorText    string
	Stats        *report.Stats
	FlaggedTexts []string
}

// Service creates tasks, hands them to the worker queue and reports on them.
type Service struct {
	tasks  crawler.TaskStore
	queue  Enqueuer
	ids    crawler.IDGenerator
	clock  crawler.Clock
	stats  StatsProvider
	cfg    Config
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(
	tasks crawler.TaskStore,
	queue Enqueuer,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	stats StatsProvider,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tasks:  tasks,
		queue:  queue,
		ids:    ids,
		clock:  clock,
		stats:  stats,
		cfg:    cfg,
		logger: logger,
	}
}

// Submit registers a pending task for username and queues it.
func (s *Service) Submit(ctx context.Context, username string) (string, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return "", err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	now := s.clock.Now()
	task := crawler.Task{
		ID:        id,
		Username:  name,
		State:     crawler.TaskStatePending,
		Submitted: now,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, s.cfg.AdmissionTimeout)
	defer cancel()
	item := crawler.QueueItem{TaskID: id, Username: name, Submitted: now.Unix()}
	if err := s.queue.Enqueue(enqueueCtx, item); err != nil {
		if delErr := s.tasks.DeleteTask(ctx, id); delErr != nil {
			s.logger.Error("remove unqueued task failed", zap.String("task_id", id), zap.Error(delErr))
		}
		s.logger.Warn("task rejected", zap.String("task_id", id), zap.String("username", name), zap.Error(err))
		return "", fmt.Errorf("enqueue task %s: %w: %w", id, ErrQueueFull, err)
	}

	metrics.ObserveTask(string(crawler.TaskStatePending))
	s.logger.Info("task submitted", zap.String("task_id", id), zap.String("username", name))
	return id, nil
}

// Task returns the full task record.
func (s *Service) Task(ctx context.Context, id string) (crawler.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return crawler.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// Poll returns the current state of a task. It never mutates anything.
func (s *Service) Poll(ctx context.Context, id string) (crawler.TaskState, error) {
	task, err := s.Task(ctx, id)
	if err != nil {
		return "", err
	}
	return task.State, nil
}

// FetchResult renders the outcome of a terminal task.
func (s *Service) FetchResult(ctx context.Context, id string) (Result, error) {
	task, err := s.Task(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{TaskID: task.ID, Username: task.Username}
	switch task.State {
	case crawler.TaskStateNoPosts:
		res.NoPosts = true
	case crawler.TaskStateError:
		res.Failed = true
		res.ErrorText = task.ErrorText
	case crawler.TaskStateDone:
		us, err := s.stats.UserStats(ctx, task.Username)
		if err != nil {
			return Result{}, fmt.Errorf("stats for task %s: %w", id, err)
		}
		res.Stats = &us.Stats
		res.FlaggedTexts = us.FlaggedTexts
	default:
		return Result{}, fmt.Errorf("task %s is %s: %w", id, task.State, ErrTaskNotFinished)
	}
	return res, nil
}

// EvictFinished drops terminal tasks that finished more than ttl ago.
func (s *Service) EvictFinished(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-ttl)
	n, err := s.tasks.EvictFinished(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict tasks: %w", err)
	}
	if n > 0 {
		s.logger.Info("evicted finished tasks", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
