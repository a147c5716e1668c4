package review

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

// Summarize counts findings for the review cycle rollup. Total covers every
// finding; the per-severity counts skip findings that are remediated,
// dismissed or closed. INFO only counts toward the total.
func Summarize(findings []models.Finding) models.FindingCounts {
	var c models.FindingCounts
	c.Total = len(findings)
	for _, f := range findings {
		if f.Status.Resolved() {
			continue
		}
		switch f.Severity {
		case models.SeverityCritical:
			c.Critical++
		case models.SeverityHigh:
			c.High++
		case models.SeverityMedium:
			c.Medium++
		case models.SeverityLow:
			c.Low++
		}
	}
	return c
}

// RecomputeCounts overwrites the cycle's counters from its live findings.
func (s *Service) RecomputeCounts(ctx context.Context, reviewCycleID uuid.UUID) (models.FindingCounts, error) {
	findings, _, err := s.store.ListFindings(ctx, models.FindingFilter{ReviewCycleID: &reviewCycleID})
	if err != nil {
		return models.FindingCounts{}, fmt.Errorf("listing findings: %w", err)
	}

	counts := Summarize(findings)
	if err := s.store.UpdateReviewCycleCounts(ctx, reviewCycleID, counts); err != nil {
		return models.FindingCounts{}, fmt.Errorf("updating finding counts: %w", err)
	}

	s.logger.Debug("finding counts recomputed",
		"review_cycle_id", reviewCycleID,
		"total", counts.Total,
		"critical", counts.Critical,
		"high", counts.High)

	return counts, nil
}
