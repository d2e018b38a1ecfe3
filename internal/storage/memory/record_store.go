package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

type row struct {
	kind       crawler.RecordKind
	id         string
	username   string
	text       string
	label      *bool
	confidence *float64
	created    time.Time
}

// RecordStore keeps profiles, posts, and replies in memory. Rows are kept in
// insertion order per kind.
type RecordStore struct {
	mu       sync.RWMutex
	profiles map[string]crawler.Profile
	rows     map[crawler.RecordKind]map[string]*row
	order    map[crawler.RecordKind][]string
	now      func() time.Time
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		profiles: make(map[string]crawler.Profile),
		rows: map[crawler.RecordKind]map[string]*row{
			crawler.KindPost:  {},
			crawler.KindReply: {},
		},
		order: make(map[crawler.RecordKind][]string),
		now:   time.Now,
	}
}

// Ping always succeeds.
func (s *RecordStore) Ping(context.Context) error { return nil }

// SaveRecords inserts rows whose keys are new and counts the rest as skipped.
func (s *RecordStore) SaveRecords(_ context.Context, batch crawler.Batch) (crawler.SaveSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summary crawler.SaveSummary
	now := s.now().UTC()
	if p := batch.Profile; p != nil {
		if _, ok := s.profiles[p.Username]; !ok {
			s.profiles[p.Username] = *p
			summary.ProfilesInserted++
		}
	}
	for _, post := range batch.Posts {
		if s.insert(crawler.KindPost, post.ID, post.Username, post.Text, post.CreatedAt, now) {
			summary.PostsInserted++
		} else {
			summary.PostsSkipped++
		}
	}
	for _, reply := range batch.Replies {
		if s.insert(crawler.KindReply, reply.ID, reply.Username, reply.Text, reply.CreatedAt, now) {
			summary.RepliesInserted++
		} else {
			summary.RepliesSkipped++
		}
	}
	return summary, nil
}

func (s *RecordStore) insert(kind crawler.RecordKind, id, username, text string, created, now time.Time) bool {
	if _, exists := s.rows[kind][id]; exists {
		return false
	}
	if created.IsZero() {
		created = now
	}
	s.rows[kind][id] = &row{kind: kind, id: id, username: username, text: text, created: created}
	s.order[kind] = append(s.order[kind], id)
	return true
}

// Unclassified returns unlabelled posts then unlabelled replies.
func (s *RecordStore) Unclassified(context.Context) ([]crawler.PendingText, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.PendingText
	s.each(func(r *row) {
		if r.label == nil {
			out = append(out, crawler.PendingText{Kind: r.kind, ID: r.id, Text: r.text})
		}
	})
	return out, nil
}

// ApplyLabels sets labels on rows that are still unlabelled. Unknown ids are
// reported as failures.
func (s *RecordStore) ApplyLabels(_ context.Context, labels []crawler.Label) ([]crawler.LabelFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failures []crawler.LabelFailure
	for _, l := range labels {
		r, ok := s.rows[l.Kind][l.ID]
		if !ok {
			failures = append(failures, crawler.LabelFailure{Kind: l.Kind, ID: l.ID, Err: fmt.Errorf("no %s with id %s", l.Kind, l.ID)})
			continue
		}
		if r.label != nil {
			continue
		}
		flag, conf := l.Misogynistic, l.Confidence
		r.label, r.confidence = &flag, &conf
	}
	return failures, nil
}

// UserTexts returns the user's posts followed by their replies.
func (s *RecordStore) UserTexts(_ context.Context, username string) ([]crawler.UserText, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.UserText
	s.each(func(r *row) {
		if r.username != username {
			return
		}
		t := crawler.UserText{Kind: r.kind, Text: r.text}
		if r.label != nil {
			v := *r.label
			t.Misogynistic = &v
		}
		out = append(out, t)
	})
	return out, nil
}

// Profile returns the stored profile for username.
func (s *RecordStore) Profile(username string) (crawler.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[username]
	return p, ok
}

func (s *RecordStore) each(fn func(*row)) {
	for _, kind := range []crawler.RecordKind{crawler.KindPost, crawler.KindReply} {
		for _, id := range s.order[kind] {
			fn(s.rows[kind][id])
		}
	}
}
