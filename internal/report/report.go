// Package report aggregates per-user classification statistics.
package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

// Stats counts a user's non-empty texts and how many of them are flagged.
type Stats struct {
	TotalPosts        int `json:"total_posts"`
	MisogynisticPosts int `json:"misogynistic_posts"`
}

// UserStats is the rendered result for one username.
type UserStats struct {
	Username     string   `json:"username"`
	Stats        Stats    `json:"stats"`
	FlaggedTexts []string `json:"flagged_texts"`
}

// Aggregate counts rows with non-empty text and returns the texts labelled
// misogynistic in input order. Unlabelled rows count toward the total only.
func Aggregate(texts []crawler.UserText) (Stats, []string) {
	var stats Stats
	flagged := []string{}
	for _, t := range texts {
		if t.Text == "" {
			continue
		}
		stats.TotalPosts++
		if t.Misogynistic != nil && *t.Misogynistic {
			stats.MisogynisticPosts++
			flagged = append(flagged, t.Text)
		}
	}
	return stats, flagged
}

// Service reads stored texts and aggregates them.
type Service struct {
	store crawler.RecordStore
}

// NewService builds a Service over store.
func NewService(store crawler.RecordStore) (*Service, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	return &Service{store: store}, nil
}

// UserStats loads username's posts and replies and aggregates them.
func (s *Service) UserStats(ctx context.Context, username string) (UserStats, error) {
	texts, err := s.store.UserTexts(ctx, username)
	if err != nil {
		return UserStats{}, fmt.Errorf("load texts for %s: %w", username, err)
	}
	stats, flagged := Aggregate(texts)
	return UserStats{Username: username, Stats: stats, FlaggedTexts: flagged}, nil
}
