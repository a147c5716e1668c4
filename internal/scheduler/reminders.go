package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qualys/accessreview/internal/models"
)

type CycleLister interface {
	ListReviewCycles(ctx context.Context, filter models.ReviewCycleFilter) ([]models.ReviewCycle, int, error)
}

type ReminderNotifier interface {
	NotifyReviewOverdue(ctx context.Context, cycle *models.ReviewCycle) error
	NotifyReviewDueSoon(ctx context.Context, cycle *models.ReviewCycle) error
}

// Reminders notifies about open review cycles that are past due or due
// within DueSoonDays.
type Reminders struct {
	cycles      CycleLister
	notifier    ReminderNotifier
	dueSoonDays int
	now         func() time.Time
	logger      *slog.Logger
}

func NewReminders(cycles CycleLister, notifier ReminderNotifier, dueSoonDays int, logger *slog.Logger) *Reminders {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reminders{
		cycles:      cycles,
		notifier:    notifier,
		dueSoonDays: dueSoonDays,
		now:         time.Now,
		logger:      logger,
	}
}

func (r *Reminders) Run(ctx context.Context) (overdue, dueSoon int, err error) {
	cycles, _, err := r.cycles.ListReviewCycles(ctx, models.ReviewCycleFilter{})
	if err != nil {
		return 0, 0, fmt.Errorf("listing review cycles: %w", err)
	}

	now := r.now()
	horizon := now.AddDate(0, 0, r.dueSoonDays)
	for i := range cycles {
		rc := &cycles[i]
		if rc.DueDate == nil || rc.Status == models.ReviewStatusCompleted || rc.Status == models.ReviewStatusArchived {
			continue
		}

		var notifyErr error
		switch {
		case rc.DueDate.Before(now):
			overdue++
			notifyErr = r.notifier.NotifyReviewOverdue(ctx, rc)
		case r.dueSoonDays > 0 && !rc.DueDate.After(horizon):
			dueSoon++
			notifyErr = r.notifier.NotifyReviewDueSoon(ctx, rc)
		}
		if notifyErr != nil {
			r.logger.Warn("failed to send review reminder", "review_cycle_id", rc.ID, "error", notifyErr)
		}
	}
	return overdue, dueSoon, nil
}
