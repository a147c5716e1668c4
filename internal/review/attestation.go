package review

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

// Attest records a sign-off on a cycle in PENDING_ATTESTATION. SINGLE
// attestation completes the cycle. DUAL needs two different users.
func (s *Service) Attest(ctx context.Context, reviewCycleID uuid.UUID, comment string, actor models.Actor) (*models.ReviewCycle, error) {
	if err := requireMutate(actor, "attest review cycles"); err != nil {
		return nil, err
	}

	rc, err := s.loadCycle(ctx, reviewCycleID)
	if err != nil {
		return nil, err
	}
	if rc.Status != models.ReviewStatusPendingAttestation {
		return nil, &models.InvalidStateError{
			Entity:    "review cycle",
			State:     string(rc.Status),
			Operation: "attest",
		}
	}

	fw, err := s.loadFrameworkOrDefault(ctx, rc.FrameworkID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case rc.AttestedBy == nil:
		rc.AttestedBy = ptr(actor.UserID)
		rc.AttestedAt = ptr(now)
		rc.AttestationComment = optional(comment)
	case fw.AttestationType == models.AttestationDual && rc.SecondAttestedBy == nil:
		if *rc.AttestedBy == actor.UserID {
			return nil, &models.ForbiddenError{Reason: "dual attestation requires a second, different attester"}
		}
		rc.SecondAttestedBy = ptr(actor.UserID)
		rc.SecondAttestedAt = ptr(now)
	default:
		return nil, &models.InvalidStateError{
			Entity:    "review cycle",
			State:     "already attested",
			Operation: "attest",
		}
	}

	if !attestationComplete(rc, fw) {
		if err := s.store.UpdateReviewCycle(ctx, rc); err != nil {
			return nil, fmt.Errorf("recording attestation: %w", err)
		}
		s.logger.Info("first attestation recorded",
			"review_cycle_id", rc.ID,
			"attested_by", actor.UserID)
		return rc, nil
	}

	if err := s.setStatus(ctx, rc, models.ReviewStatusCompleted); err != nil {
		return nil, err
	}
	return rc, nil
}

func attestationComplete(rc *models.ReviewCycle, fw *models.Framework) bool {
	if rc.AttestedBy == nil {
		return false
	}
	if fw != nil && fw.AttestationType == models.AttestationDual {
		return rc.SecondAttestedBy != nil
	}
	return true
}
