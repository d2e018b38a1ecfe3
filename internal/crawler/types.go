package crawler

import (
	"errors"
	"time"
)

// TaskState represents the lifecycle state of a scan task.
type TaskState string

// Task state values held in the task registry.
const (
	TaskStatePending TaskState = "pending"
	TaskStateRunning TaskState = "running"
	TaskStateDone    TaskState = "done"
	TaskStateNoPosts TaskState = "no_posts"
	TaskStateError   TaskState = "error"
)

// IsTerminal reports whether no further transition can leave the state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateDone, TaskStateNoPosts, TaskStateError:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the five known states.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateRunning, TaskStateDone, TaskStateNoPosts, TaskStateError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is allowed.
// Only pending→running and running→terminal exist.
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case TaskStatePending:
		return next == TaskStateRunning
	case TaskStateRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Task is one submitted request to crawl and classify a username.
type Task struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	State     TaskState  `json:"state"`
	ErrorText string     `json:"error_text,omitempty"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
}

// Profile is the persisted projection of a user profile.
type Profile struct {
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	Bio       string `json:"bio"`
	Followers int64  `json:"followers"`
	URL       string `json:"url"`
}

// Post is a single top-level thread keyed by its short code.
type Post struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Reply is a reply authored by the crawled user.
type Reply struct {
	ID           string    `json:"id"`
	ParentPostID string    `json:"post_id"`
	Username     string    `json:"username"`
	Text         string    `json:"text"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"created_at"`
}

// CrawlStatus is the outcome of one crawl.
type CrawlStatus string

// Crawl outcomes.
const (
	CrawlOK              CrawlStatus = "ok"
	CrawlNoPosts         CrawlStatus = "no_posts"
	CrawlSelectorTimeout CrawlStatus = "selector_timeout"
	CrawlBrowserFailed   CrawlStatus = "browser_failed"
)

// Result is returned by a crawl. Err carries the cause for the failure
// outcomes and is nil otherwise.
type Result struct {
	Status  CrawlStatus
	Profile *Profile
	Posts   []Post
	Replies []Reply
	Err     error
}

// Batch groups the records persisted for one crawl.
type Batch struct {
	Profile *Profile
	Posts   []Post
	Replies []Reply
}

// SaveSummary counts new and already-present rows for one SaveRecords call.
type SaveSummary struct {
	ProfilesInserted int `json:"profiles_inserted"`
	PostsInserted    int `json:"posts_inserted"`
	PostsSkipped     int `json:"posts_skipped"`
	RepliesInserted  int `json:"replies_inserted"`
	RepliesSkipped   int `json:"replies_skipped"`
}

// RecordKind distinguishes the two classifiable tables.
type RecordKind string

// Classifiable record kinds.
const (
	KindPost  RecordKind = "post"
	KindReply RecordKind = "reply"
)

// PendingText is a stored row that has not been classified yet.
type PendingText struct {
	Kind RecordKind
	ID   string
	Text string
}

// Prediction is the classifier output for one text.
type Prediction struct {
	Label      int     `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Misogynistic reports whether the label marks the text as flagged.
func (p Prediction) Misogynistic() bool {
	return p.Label != 0
}

// Label is a classification to write back onto a stored row.
type Label struct {
	Kind         RecordKind
	ID           string
	Misogynistic bool
	Confidence   float64
}

// LabelFailure describes a row whose label could not be written.
type LabelFailure struct {
	Kind RecordKind
	ID   string
	Err  error
}

// SweepReport summarises one classification sweep.
type SweepReport struct {
	Selected   int `json:"selected"`
	Classified int `json:"classified"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// UserText is one stored text for a user together with its label, if any.
type UserText struct {
	Kind         RecordKind
	Text         string
	Misogynistic *bool
}

// Sentinel errors shared by implementations.
var (
	// ErrSelectorTimeout reports that the expected markup never appeared.
	ErrSelectorTimeout = errors.New("selector wait timed out")
	// ErrEmptyText is returned by classifiers for empty input.
	ErrEmptyText = errors.New("text is empty")
	// ErrStoreUnavailable reports that no store connection could be obtained.
	ErrStoreUnavailable = errors.New("record store unavailable")
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition rejects a state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrQueueClosed is returned by queues that no longer accept or yield work.
	ErrQueueClosed = errors.New("queue closed")
)

// TaskEvent is published when a task reaches a terminal state.
type TaskEvent struct {
	TaskID     string       `json:"task_id"`
	Username   string       `json:"username"`
	State      TaskState    `json:"state"`
	ErrorText  string       `json:"error_text,omitempty"`
	Saved      SaveSummary  `json:"saved"`
	Sweep      *SweepReport `json:"sweep,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
}
