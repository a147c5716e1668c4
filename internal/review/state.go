package review

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/metrics"
	"github.com/qualys/accessreview/internal/models"
)

// transitions lists the legal next states for every review cycle status.
// Every status mutation is checked against it.
var transitions = map[models.ReviewStatus][]models.ReviewStatus{
	models.ReviewStatusDraft: {
		models.ReviewStatusDataCollection,
	},
	models.ReviewStatusDataCollection: {
		models.ReviewStatusDraft,
		models.ReviewStatusAnalysisPending,
		models.ReviewStatusArchived,
	},
	models.ReviewStatusAnalysisPending: {
		models.ReviewStatusAnalysisComplete,
		models.ReviewStatusDataCollection,
		models.ReviewStatusArchived,
	},
	models.ReviewStatusAnalysisComplete: {
		models.ReviewStatusInReview,
		models.ReviewStatusArchived,
	},
	models.ReviewStatusInReview: {
		models.ReviewStatusPendingAttestation,
		models.ReviewStatusArchived,
	},
	models.ReviewStatusPendingAttestation: {
		models.ReviewStatusCompleted,
		models.ReviewStatusInReview,
		models.ReviewStatusArchived,
	},
	models.ReviewStatusCompleted: {
		models.ReviewStatusArchived,
	},
	models.ReviewStatusArchived: {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to models.ReviewStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the legal targets from a status.
func NextStatuses(from models.ReviewStatus) []models.ReviewStatus {
	next := transitions[from]
	out := make([]models.ReviewStatus, len(next))
	copy(out, next)
	return out
}

// CanImport reports whether access data may be imported in status.
func CanImport(status models.ReviewStatus) bool {
	return status == models.ReviewStatusDraft || status == models.ReviewStatusDataCollection
}

// CanClear reports whether access records may be cleared in status.
func CanClear(status models.ReviewStatus) bool {
	return status == models.ReviewStatusDraft || status == models.ReviewStatusDataCollection
}

// CanAnalyze reports whether analysis may run in status.
func CanAnalyze(status models.ReviewStatus) bool {
	return status == models.ReviewStatusDataCollection || status == models.ReviewStatusAnalysisPending
}

// CanDecide reports whether reviewers may record decisions in status.
func CanDecide(status models.ReviewStatus) bool {
	return status == models.ReviewStatusAnalysisComplete || status == models.ReviewStatusInReview
}

// TransitionStatus moves a cycle to target. DRAFT is reached only by
// clearing access records and COMPLETED only through attestation.
func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, target models.ReviewStatus, actor models.Actor) (*models.ReviewCycle, error) {
	if err := requireMutate(actor, "change review status"); err != nil {
		return nil, err
	}

	rc, err := s.loadCycle(ctx, id)
	if err != nil {
		return nil, err
	}

	switch target {
	case models.ReviewStatusDraft:
		return s.clear(ctx, rc)
	case models.ReviewStatusArchived:
		return rc, s.archive(ctx, rc)
	case models.ReviewStatusCompleted:
		fw, err := s.loadFrameworkOrDefault(ctx, rc.FrameworkID)
		if err != nil {
			return nil, err
		}
		if !attestationComplete(rc, fw) {
			return nil, &models.InvalidStateError{
				Entity:    "review cycle",
				State:     string(rc.Status),
				Operation: "complete an unattested",
			}
		}
	case models.ReviewStatusPendingAttestation:
		open, err := s.countUndecided(ctx, rc.ID)
		if err != nil {
			return nil, err
		}
		if open > 0 {
			return nil, &models.InvalidStateError{
				Entity:    "review cycle",
				State:     fmt.Sprintf("%s with %d undecided findings", rc.Status, open),
				Operation: "request attestation for",
			}
		}
	}

	if err := s.setStatus(ctx, rc, target); err != nil {
		return nil, err
	}

	if target == models.ReviewStatusPendingAttestation {
		s.notify(func(n Notifier) error {
			return n.NotifyAttestationRequested(ctx, rc)
		}, "attestation_requested", rc.ID)
	}

	return rc, nil
}

// setStatus validates and persists a status change, stamping startedAt
// and completedAt once.
func (s *Service) setStatus(ctx context.Context, rc *models.ReviewCycle, target models.ReviewStatus) error {
	from := rc.Status
	if !CanTransition(from, target) {
		return &models.InvalidStateError{
			Entity:    "review cycle",
			State:     string(from),
			Operation: "move to " + string(target) + " a",
		}
	}

	now := s.now()
	rc.Status = target
	switch target {
	case models.ReviewStatusDataCollection:
		if rc.StartedAt == nil {
			rc.StartedAt = ptr(now)
		}
	case models.ReviewStatusCompleted:
		if rc.CompletedAt == nil {
			rc.CompletedAt = ptr(now)
		}
	case models.ReviewStatusArchived:
		if rc.ArchivedAt == nil {
			rc.ArchivedAt = ptr(now)
		}
	case models.ReviewStatusInReview:
		if from == models.ReviewStatusPendingAttestation {
			rc.AttestedBy, rc.AttestedAt, rc.AttestationComment = nil, nil, nil
			rc.SecondAttestedBy, rc.SecondAttestedAt = nil, nil
		}
	}

	if err := s.store.UpdateReviewCycle(ctx, rc); err != nil {
		rc.Status = from
		return fmt.Errorf("updating review cycle status: %w", err)
	}

	metrics.ReviewTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	s.logger.Info("review cycle status changed",
		"review_cycle_id", rc.ID,
		"from", from,
		"to", target)

	return nil
}

// ClearAccessRecords deletes every imported record and resets the cycle to
// DRAFT.
func (s *Service) ClearAccessRecords(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.ReviewCycle, error) {
	if err := requireMutate(actor, "clear access records"); err != nil {
		return nil, err
	}
	rc, err := s.loadCycle(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.clear(ctx, rc)
}

func (s *Service) clear(ctx context.Context, rc *models.ReviewCycle) (*models.ReviewCycle, error) {
	if !CanClear(rc.Status) {
		return nil, &models.InvalidStateError{
			Entity:    "review cycle",
			State:     string(rc.Status),
			Operation: "clear access records of",
		}
	}

	deleted, err := s.store.DeleteAccessRecords(ctx, rc.ID)
	if err != nil {
		return nil, fmt.Errorf("deleting access records: %w", err)
	}

	from := rc.Status
	rc.Status = models.ReviewStatusDraft
	rc.StartedAt = nil
	rc.SnapshotDate = nil
	if err := s.store.UpdateReviewCycle(ctx, rc); err != nil {
		return nil, fmt.Errorf("resetting review cycle: %w", err)
	}
	if from != models.ReviewStatusDraft {
		metrics.ReviewTransitionsTotal.WithLabelValues(string(from), string(rc.Status)).Inc()
	}

	s.logger.Info("access records cleared",
		"review_cycle_id", rc.ID,
		"deleted", deleted)

	return rc, nil
}

// DeleteReviewCycle hard-deletes a DRAFT cycle and archives any other.
// It reports whether the row was removed.
func (s *Service) DeleteReviewCycle(ctx context.Context, id uuid.UUID, actor models.Actor) (bool, error) {
	if err := requireMutate(actor, "delete review cycles"); err != nil {
		return false, err
	}
	rc, err := s.loadCycle(ctx, id)
	if err != nil {
		return false, err
	}

	if rc.Status == models.ReviewStatusDraft {
		if err := s.store.DeleteReviewCycle(ctx, rc.ID); err != nil {
			return false, fmt.Errorf("deleting review cycle: %w", err)
		}
		s.logger.Info("review cycle deleted", "review_cycle_id", rc.ID)
		return true, nil
	}

	return false, s.archive(ctx, rc)
}

func (s *Service) archive(ctx context.Context, rc *models.ReviewCycle) error {
	if rc.Status == models.ReviewStatusArchived {
		return nil
	}
	return s.setStatus(ctx, rc, models.ReviewStatusArchived)
}

func (s *Service) countUndecided(ctx context.Context, reviewCycleID uuid.UUID) (int, error) {
	findings, _, err := s.store.ListFindings(ctx, models.FindingFilter{ReviewCycleID: &reviewCycleID})
	if err != nil {
		return 0, fmt.Errorf("listing findings: %w", err)
	}
	n := 0
	for _, f := range findings {
		if decidable(f.Status) {
			n++
		}
	}
	return n, nil
}
