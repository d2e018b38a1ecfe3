// Package worker runs queued scan tasks through the crawl pipeline.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	// Topic receives a crawler.TaskEvent per finished task. Empty disables publishing.
	Topic string
}

// Worker consumes queue items and drives each task to a terminal state.
type Worker struct {
	queue     crawler.Queue
	tasks     crawler.TaskStore
	pipeline  *Pipeline
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	tasks crawler.TaskStore,
	pipeline *Pipeline,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		tasks:     tasks,
		pipeline:  pipeline,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.TaskID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	logger := w.logger.With(zap.String("task_id", item.TaskID), zap.String("username", item.Username))

	if err := w.tasks.TransitionTask(ctx, item.TaskID, crawler.TaskStateRunning, ""); err != nil {
		logger.Error("start task failed", zap.Error(err))
		return
	}
	metrics.ObserveTask(string(crawler.TaskStateRunning))
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	out := w.pipeline.Run(ctx, item.Username)

	if err := w.tasks.TransitionTask(ctx, item.TaskID, out.State, out.ErrorText()); err != nil {
		logger.Error("finish task failed", zap.String("state", string(out.State)), zap.Error(err))
		return
	}
	metrics.ObserveTask(string(out.State))
	if out.Err != nil {
		logger.Warn("task failed", zap.String("crawl_status", string(out.CrawlInfo)), zap.Error(out.Err))
	} else {
		logger.Info("task finished", zap.String("state", string(out.State)))
	}

	w.publish(ctx, item, out)
}

func (w *Worker) publish(ctx context.Context, item crawler.QueueItem, out Outcome) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	ev := crawler.TaskEvent{
		TaskID:     item.TaskID,
		Username:   item.Username,
		State:      out.State,
		ErrorText:  out.ErrorText(),
		Saved:      out.Saved,
		Sweep:      out.Sweep,
		FinishedAt: w.clock.Now(),
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, ev)
	if err != nil {
		w.logger.Warn("publish task event failed", zap.String("task_id", item.TaskID), zap.Error(err))
		return
	}
	w.logger.Debug("task event published", zap.String("task_id", item.TaskID), zap.String("message_id", id))
}
