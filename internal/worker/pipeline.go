package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/threadscan/internal/worker")

// Outcome is the result of one crawl-persist-sweep run.
type Outcome struct {
	State     crawler.TaskState
	Err       error
	Saved     crawler.SaveSummary
	Sweep     *crawler.SweepReport
	CrawlInfo crawler.CrawlStatus
}

// ErrorText renders the failure cause stored on the task.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Pipeline runs crawl, persistence and the classification sweep for one
// username and maps the result onto a terminal task state.
type Pipeline struct {
	crawler crawler.ProfileCrawler
	records crawler.RecordStore
	sweeper crawler.Sweeper
	logger  *zap.Logger
}

// NewPipeline wires a Pipeline.
func NewPipeline(c crawler.ProfileCrawler, records crawler.RecordStore, sweeper crawler.Sweeper, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{crawler: c, records: records, sweeper: sweeper, logger: logger}
}

// Run executes the pipeline. It never panics; a panic in any stage becomes
// an error outcome.
func (p *Pipeline) Run(ctx context.Context, username string) (out Outcome) {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	span.SetAttributes(attribute.String("threads.username", username))
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic", zap.String("username", username), zap.Any("panic", r), zap.Stack("stack"))
			out = Outcome{State: crawler.TaskStateError, Err: fmt.Errorf("panic: %v", r), Saved: out.Saved, CrawlInfo: out.CrawlInfo}
		}
		span.SetAttributes(attribute.String("task.state", string(out.State)))
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	res := p.crawler.Crawl(ctx, username)
	out.CrawlInfo = res.Status
	metrics.ObserveCrawl(string(res.Status))

	switch res.Status {
	case crawler.CrawlNoPosts:
		out.State = crawler.TaskStateNoPosts
		// The profile row is kept so stats show the user was seen. A failed
		// save does not change the outcome.
		if res.Profile != nil {
			saved, err := p.save(ctx, crawler.Batch{Profile: res.Profile})
			if err != nil {
				p.logger.Warn("save profile failed", zap.String("username", username), zap.Error(err))
			}
			out.Saved = saved
		}
		return out
	case crawler.CrawlOK:
	default:
		out.State = crawler.TaskStateError
		out.Err = fmt.Errorf("crawl %s: %s", username, res.Status)
		if res.Err != nil {
			out.Err = fmt.Errorf("crawl %s: %s: %w", username, res.Status, res.Err)
		}
		return out
	}

	saved, err := p.save(ctx, crawler.Batch{Profile: res.Profile, Posts: res.Posts, Replies: res.Replies})
	out.Saved = saved
	if err != nil {
		out.State = crawler.TaskStateError
		out.Err = err
		return out
	}

	report, err := p.sweeper.Sweep(ctx)
	if err != nil {
		out.State = crawler.TaskStateError
		out.Err = fmt.Errorf("sweep: %w", err)
		return out
	}
	out.Sweep = &report
	out.State = crawler.TaskStateDone
	return out
}

func (p *Pipeline) save(ctx context.Context, batch crawler.Batch) (crawler.SaveSummary, error) {
	if p.records == nil {
		return crawler.SaveSummary{}, errors.New("record store is not configured")
	}
	summary, err := p.records.SaveRecords(ctx, batch)
	if err != nil {
		return crawler.SaveSummary{}, fmt.Errorf("save records: %w", err)
	}
	metrics.ObserveSaved(string(crawler.KindPost), summary.PostsInserted, summary.PostsSkipped)
	metrics.ObserveSaved(string(crawler.KindReply), summary.RepliesInserted, summary.RepliesSkipped)
	p.logger.Info("records saved",
		zap.Int("posts_inserted", summary.PostsInserted),
		zap.Int("posts_skipped", summary.PostsSkipped),
		zap.Int("replies_inserted", summary.RepliesInserted),
		zap.Int("replies_skipped", summary.RepliesSkipped),
	)
	return summary, nil
}
