package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/metrics"
	"github.com/qualys/accessreview/internal/models"
)

// DecisionRequest is a reviewer's ruling on a finding.
type DecisionRequest struct {
	Decision              models.Decision `json:"decision" validate:"required,decision"`
	DecisionJustification string          `json:"decisionJustification" validate:"required,max=4000"`
	CompensatingControls  string          `json:"compensatingControls,omitempty" validate:"required_if=Decision EXCEPTION,max=4000"`
	RemediationDueDate    string          `json:"remediationDueDate,omitempty"`
	RemediationTicketID   string          `json:"remediationTicketId,omitempty" validate:"max=100"`
	ExceptionExpiryDate   string          `json:"exceptionExpiryDate,omitempty"`
}

// statusForDecision is the fixed decision to status mapping.
var statusForDecision = map[models.Decision]models.FindingStatus{
	models.DecisionRemediate: models.FindingStatusPendingRemediation,
	models.DecisionException: models.FindingStatusExceptionApproved,
	models.DecisionDismiss:   models.FindingStatusDismissed,
}

var recordStatusForDecision = map[models.Decision]models.AccessReviewStatus{
	models.DecisionRemediate: models.AccessStatusRemediation,
	models.DecisionException: models.AccessStatusException,
	models.DecisionDismiss:   models.AccessStatusApproved,
}

// StatusForDecision maps a reviewer decision to the finding status it sets.
func StatusForDecision(d models.Decision) (models.FindingStatus, bool) {
	st, ok := statusForDecision[d]
	return st, ok
}

// decidable findings have not been ruled on yet.
func decidable(status models.FindingStatus) bool {
	return status == models.FindingStatusOpen || status == models.FindingStatusInReview
}

func (r *DecisionRequest) validate() error {
	var fields []models.FieldError
	if _, ok := statusForDecision[r.Decision]; !ok {
		fields = append(fields, models.FieldError{Field: "decision", Message: "must be one of REMEDIATE, EXCEPTION, DISMISS"})
	}
	if strings.TrimSpace(r.DecisionJustification) == "" {
		fields = append(fields, models.FieldError{Field: "decisionJustification", Message: "is required"})
	}
	if r.Decision == models.DecisionException && strings.TrimSpace(r.CompensatingControls) == "" {
		fields = append(fields, models.FieldError{Field: "compensatingControls", Message: "is required for an exception"})
	}
	if _, err := ParseDate(r.RemediationDueDate); err != nil {
		fields = append(fields, models.FieldError{Field: "remediationDueDate", Message: "must be an ISO date"})
	}
	if _, err := ParseDate(r.ExceptionExpiryDate); err != nil {
		fields = append(fields, models.FieldError{Field: "exceptionExpiryDate", Message: "must be an ISO date"})
	}
	if len(fields) > 0 {
		return &models.ValidationError{Message: "invalid decision", Fields: fields}
	}
	return nil
}

// Decide applies a decision to an undecided finding and recomputes the
// cycle's counters. A finding can be decided once.
func (s *Service) Decide(ctx context.Context, findingID uuid.UUID, req DecisionRequest, actor models.Actor) (*models.Finding, error) {
	if err := requireMutate(actor, "decide findings"); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	f, err := s.loadFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	if !decidable(f.Status) {
		return nil, &models.InvalidStateError{
			Entity:    "finding",
			State:     string(f.Status),
			Operation: "decide",
		}
	}

	rc, err := s.loadCycle(ctx, f.ReviewCycleID)
	if err != nil {
		return nil, err
	}
	if !CanDecide(rc.Status) {
		return nil, &models.InvalidStateError{
			Entity:    "review cycle",
			State:     string(rc.Status),
			Operation: "decide findings of",
		}
	}

	applyDecision(f, &req, actor.UserID, s.now())

	if err := s.store.UpdateFinding(ctx, f); err != nil {
		return nil, fmt.Errorf("updating finding: %w", err)
	}

	if f.UserAccessRecordID != nil {
		if err := s.store.UpdateAccessRecordStatus(ctx, *f.UserAccessRecordID, recordStatusForDecision[req.Decision]); err != nil {
			s.logger.Warn("updating access record status failed",
				"finding_id", f.ID,
				"access_record_id", *f.UserAccessRecordID,
				"error", err)
		}
	}

	if rc.Status == models.ReviewStatusAnalysisComplete {
		if err := s.setStatus(ctx, rc, models.ReviewStatusInReview); err != nil {
			return nil, err
		}
	}

	if _, err := s.RecomputeCounts(ctx, f.ReviewCycleID); err != nil {
		return nil, err
	}

	metrics.FindingDecisionsTotal.WithLabelValues(string(req.Decision)).Inc()
	s.logger.Info("finding decided",
		"finding_id", f.ID,
		"review_cycle_id", f.ReviewCycleID,
		"decision", req.Decision,
		"decided_by", actor.UserID)

	return f, nil
}

// applyDecision sets the decision fields and derived status. Fields that
// belong to the other decision types are cleared.
func applyDecision(f *models.Finding, req *DecisionRequest, userID string, now time.Time) {
	decision := req.Decision
	f.Decision = &decision
	f.Status = statusForDecision[decision]
	f.DecisionJustification = optional(req.DecisionJustification)
	f.DecidedBy = ptr(userID)
	f.DecidedAt = ptr(now)

	f.RemediationDueDate, f.RemediationTicketID = nil, nil
	f.CompensatingControls, f.ExceptionExpiryDate = nil, nil
	f.ExceptionApprovedBy, f.ExceptionApprovedAt = nil, nil

	switch decision {
	case models.DecisionRemediate:
		f.RemediationDueDate, _ = ParseDate(req.RemediationDueDate)
		f.RemediationTicketID = optional(req.RemediationTicketID)
	case models.DecisionException:
		f.CompensatingControls = optional(req.CompensatingControls)
		f.ExceptionExpiryDate, _ = ParseDate(req.ExceptionExpiryDate)
		f.ExceptionApprovedBy = ptr(userID)
		f.ExceptionApprovedAt = ptr(now)
	}
}

// findingTransitions covers the lifecycle outside of decisions.
var findingTransitions = map[models.FindingStatus][]models.FindingStatus{
	models.FindingStatusOpen:               {models.FindingStatusInReview},
	models.FindingStatusInReview:           {models.FindingStatusOpen},
	models.FindingStatusPendingRemediation: {models.FindingStatusRemediated},
	models.FindingStatusRemediated:         {models.FindingStatusClosed},
	models.FindingStatusExceptionApproved:  {models.FindingStatusClosed},
	models.FindingStatusDismissed:          {models.FindingStatusClosed},
}

// CanTransitionFinding reports whether a finding may move from one status
// to another.
func CanTransitionFinding(from, to models.FindingStatus) bool {
	for _, next := range findingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateFindingStatus moves a finding through its post-decision lifecycle,
// for example marking a remediation done. Decided statuses are only
// reachable through Decide.
func (s *Service) UpdateFindingStatus(ctx context.Context, findingID uuid.UUID, target models.FindingStatus, actor models.Actor) (*models.Finding, error) {
	if err := requireMutate(actor, "update findings"); err != nil {
		return nil, err
	}

	f, err := s.loadFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	if !CanTransitionFinding(f.Status, target) {
		return nil, &models.InvalidStateError{
			Entity:    "finding",
			State:     string(f.Status),
			Operation: "move to " + string(target) + " a",
		}
	}

	rc, err := s.loadCycle(ctx, f.ReviewCycleID)
	if err != nil {
		return nil, err
	}
	if rc.Status == models.ReviewStatusArchived {
		return nil, &models.InvalidStateError{
			Entity:    "review cycle",
			State:     string(rc.Status),
			Operation: "update findings of",
		}
	}

	f.Status = target
	if err := s.store.UpdateFinding(ctx, f); err != nil {
		return nil, fmt.Errorf("updating finding: %w", err)
	}
	if _, err := s.RecomputeCounts(ctx, f.ReviewCycleID); err != nil {
		return nil, err
	}

	s.logger.Info("finding status changed",
		"finding_id", f.ID,
		"status", target,
		"changed_by", actor.UserID)

	return f, nil
}
