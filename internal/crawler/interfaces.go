package crawler

import (
	"context"
	"io"
	"time"
)

// Browser opens isolated page sessions. A failed NewSession maps to the
// browser_failed outcome.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session is a single browser tab owned by one crawl.
type Session interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// WaitFor returns ErrSelectorTimeout when the selector is not observed in time.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	HTML(ctx context.Context) (string, error)
	Close()
}

// ProfileCrawler fetches and extracts the records for one username.
type ProfileCrawler interface {
	Crawl(ctx context.Context, username string) Result
}

// Classifier labels a single text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Prediction, error)
}

// RecordStore persists extracted records and their classifications.
type RecordStore interface {
	SaveRecords(ctx context.Context, batch Batch) (SaveSummary, error)
	Unclassified(ctx context.Context) ([]PendingText, error)
	ApplyLabels(ctx context.Context, labels []Label) ([]LabelFailure, error)
	UserTexts(ctx context.Context, username string) ([]UserText, error)
	Ping(ctx context.Context) error
}

// Sweeper classifies every unclassified stored record.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// TaskStore is the task registry.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	TransitionTask(ctx context.Context, taskID string, next TaskState, errText string) error
	DeleteTask(ctx context.Context, taskID string) error
	// EvictFinished removes terminal tasks finished before the cutoff and
	// returns how many were removed.
	EvictFinished(ctx context.Context, before time.Time) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for scan tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for snapshot keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a task ready to run.
type QueueItem struct {
	TaskID    string
	Username  string
	Submitted int64
}
