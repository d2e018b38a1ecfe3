// Package sweep classifies stored posts and replies that have no label yet.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/metrics"
)

// Sweeper implements crawler.Sweeper. Sweeps are serialised so two tasks
// finishing together never classify the same rows twice.
type Sweeper struct {
	store      crawler.RecordStore
	classifier crawler.Classifier
	logger     *zap.Logger

	mu sync.Mutex
}

// New builds a Sweeper.
func New(store crawler.RecordStore, classifier crawler.Classifier, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, classifier: classifier, logger: logger}
}

// Sweep labels every unclassified row. Row-level problems are logged and
// counted; only failing to read or write the store aborts the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (crawler.SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	pending, err := s.store.Unclassified(ctx)
	if err != nil {
		return crawler.SweepReport{}, fmt.Errorf("select unclassified: %w", err)
	}

	report := crawler.SweepReport{Selected: len(pending)}
	labels := make([]crawler.Label, 0, len(pending))
	for _, row := range pending {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("sweep canceled: %w", err)
		}
		if row.Text == "" {
			report.Skipped++
			continue
		}
		pred, err := s.classifier.Classify(ctx, row.Text)
		if err != nil {
			s.logger.Warn("classification failed",
				zap.String("kind", string(row.Kind)),
				zap.String("id", row.ID),
				zap.Error(err),
			)
			report.Failed++
			continue
		}
		labels = append(labels, crawler.Label{
			Kind:         row.Kind,
			ID:           row.ID,
			Misogynistic: pred.Misogynistic(),
			Confidence:   pred.Confidence,
		})
	}

	failures, err := s.store.ApplyLabels(ctx, labels)
	if err != nil {
		return report, fmt.Errorf("apply labels: %w", err)
	}
	for _, f := range failures {
		s.logger.Warn("label update failed",
			zap.String("kind", string(f.Kind)),
			zap.String("id", f.ID),
			zap.Error(f.Err),
		)
	}
	report.Failed += len(failures)
	report.Classified = len(labels) - len(failures)

	metrics.ObserveSweep(report.Classified, report.Skipped, report.Failed, time.Since(start))
	s.logger.Info("sweep finished",
		zap.Int("selected", report.Selected),
		zap.Int("classified", report.Classified),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return report, nil
}
