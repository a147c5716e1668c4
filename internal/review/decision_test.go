package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
)

func TestDecide_Exception(t *testing.T) {
	f := newFixture(t)
	rc := f.analyzed(t)
	sod := f.findingOfType(t, rc, models.FindingSodConflict)

	got, err := f.svc.Decide(f.ctx, sod.ID, DecisionRequest{
		Decision:              models.DecisionException,
		DecisionJustification: "Treasury team of two",
		CompensatingControls:  "Daily wire log reviewed by the controller",
		ExceptionExpiryDate:   "2025-12-31",
	}, iso)
	require.NoError(t, err)

	assert.Equal(t, models.FindingStatusExceptionApproved, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, models.DecisionException, *got.Decision)
	require.NotNil(t, got.ExceptionApprovedAt)
	assert.Equal(t, reviewNow, *got.ExceptionApprovedAt)
	assert.Equal(t, iso.UserID, *got.ExceptionApprovedBy)
	assert.Equal(t, iso.UserID, *got.DecidedBy)
	assert.Equal(t, reviewNow, *got.DecidedAt)
	require.NotNil(t, got.ExceptionExpiryDate)
	assert.Equal(t, "2025-12-31", got.ExceptionExpiryDate.Format("2006-01-02"))
	assert.Nil(t, got.RemediationDueDate)

	stored, err := f.store.GetFinding(f.ctx, sod.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusExceptionApproved, stored.Status)

	rec, err := f.store.GetAccessRecord(f.ctx, *sod.UserAccessRecordID)
	require.NoError(t, err)
	assert.Equal(t, models.AccessStatusException, rec.ReviewStatus)

	assert.Equal(t, models.ReviewStatusInReview, f.cycle(t, rc.ID).Status)
}

func TestDecide_StatusMapping(t *testing.T) {
	tests := []struct {
		req        DecisionRequest
		wantStatus models.FindingStatus
		wantRecord models.AccessReviewStatus
	}{
		{
			req:        DecisionRequest{Decision: models.DecisionRemediate, DecisionJustification: "revoke", RemediationDueDate: "2025-07-01", RemediationTicketID: "CHG-1"},
			wantStatus: models.FindingStatusPendingRemediation,
			wantRecord: models.AccessStatusRemediation,
		},
		{
			req:        DecisionRequest{Decision: models.DecisionDismiss, DecisionJustification: "false positive"},
			wantStatus: models.FindingStatusDismissed,
			wantRecord: models.AccessStatusApproved,
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.req.Decision), func(t *testing.T) {
			f := newFixture(t)
			rc := f.analyzed(t)
			target := f.findingOfType(t, rc, models.FindingTerminatedAccess)

			got, err := f.svc.Decide(f.ctx, target.ID, tt.req, analyst)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Nil(t, got.ExceptionApprovedAt)

			rec, err := f.store.GetAccessRecord(f.ctx, *target.UserAccessRecordID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRecord, rec.ReviewStatus)

			if tt.req.Decision == models.DecisionRemediate {
				require.NotNil(t, got.RemediationTicketID)
				assert.Equal(t, "CHG-1", *got.RemediationTicketID)
			}
		})
	}
}

func TestDecide_SecondDecisionRejected(t *testing.T) {
	f := newFixture(t)
	rc := f.analyzed(t)
	target := f.findingOfType(t, rc, models.FindingPrivilegedAccess)

	_, err := f.svc.Decide(f.ctx, target.ID, DecisionRequest{Decision: models.DecisionDismiss, DecisionJustification: "ok"}, analyst)
	require.NoError(t, err)

	_, err = f.svc.Decide(f.ctx, target.ID, DecisionRequest{Decision: models.DecisionRemediate, DecisionJustification: "changed my mind"}, analyst)
	var stateErr *models.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, string(models.FindingStatusDismissed), stateErr.State)

	stored, err := f.store.GetFinding(f.ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusDismissed, stored.Status)
}

func TestDecide_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   DecisionRequest
		field string
	}{
		{"unknown decision", DecisionRequest{Decision: "APPROVE", DecisionJustification: "x"}, "decision"},
		{"missing justification", DecisionRequest{Decision: models.DecisionDismiss, DecisionJustification: "  "}, "decisionJustification"},
		{"exception without controls", DecisionRequest{Decision: models.DecisionException, DecisionJustification: "x"}, "compensatingControls"},
		{"bad due date", DecisionRequest{Decision: models.DecisionRemediate, DecisionJustification: "x", RemediationDueDate: "next week"}, "remediationDueDate"},
		{"bad expiry date", DecisionRequest{Decision: models.DecisionException, DecisionJustification: "x", CompensatingControls: "y", ExceptionExpiryDate: "someday"}, "exceptionExpiryDate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rc := f.analyzed(t)
			target := f.findingOfType(t, rc, models.FindingDormantAccount)

			_, err := f.svc.Decide(f.ctx, target.ID, tt.req, analyst)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, len(verr.Fields))
			for i, fe := range verr.Fields {
				fields[i] = fe.Field
			}
			assert.Contains(t, fields, tt.field)

			stored, err := f.store.GetFinding(f.ctx, target.ID)
			require.NoError(t, err)
			assert.Equal(t, models.FindingStatusOpen, stored.Status)
		})
	}
}

func TestDecide_RecomputesCounts(t *testing.T) {
	f := newFixture(t)
	rc := f.analyzed(t)
	before := f.cycle(t, rc.ID).FindingCounts
	require.Equal(t, 2, before.Critical)

	target := f.findingOfType(t, rc, models.FindingTerminatedAccess)
	_, err := f.svc.Decide(f.ctx, target.ID, DecisionRequest{Decision: models.DecisionDismiss, DecisionJustification: "already revoked"}, analyst)
	require.NoError(t, err)

	after := f.cycle(t, rc.ID).FindingCounts
	assert.Equal(t, before.Total, after.Total)
	assert.Equal(t, 1, after.Critical)
}

func TestDecide_CycleMustBeUnderReview(t *testing.T) {
	f := newFixture(t)
	rc := f.analyzed(t)
	target := f.findingOfType(t, rc, models.FindingDormantAccount)
	f.forceStatus(t, rc, models.ReviewStatusArchived)

	_, err := f.svc.Decide(f.ctx, target.ID, DecisionRequest{Decision: models.DecisionDismiss, DecisionJustification: "x"}, analyst)
	var stateErr *models.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "review cycle", stateErr.Entity)
}

func TestDecide_ReadOnlyRoleForbidden(t *testing.T) {
	f := newFixture(t)
	rc := f.analyzed(t)
	target := f.findingOfType(t, rc, models.FindingDormantAccount)

	_, err := f.svc.Decide(f.ctx, target.ID, DecisionRequest{Decision: models.DecisionDismiss, DecisionJustification: "x"}, auditor)
	var forbidden *models.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestUpdateFindingStatus(t *testing.T) {
	f := newFixture(t)
	rc := f.analyzed(t)
	target := f.findingOfType(t, rc, models.FindingTerminatedAccess)

	_, err := f.svc.UpdateFindingStatus(f.ctx, target.ID, models.FindingStatusClosed, analyst)
	var stateErr *models.InvalidStateError
	require.ErrorAs(t, err, &stateErr, "an open finding cannot be closed directly")

	_, err = f.svc.Decide(f.ctx, target.ID, DecisionRequest{Decision: models.DecisionRemediate, DecisionJustification: "revoke"}, analyst)
	require.NoError(t, err)

	got, err := f.svc.UpdateFindingStatus(f.ctx, target.ID, models.FindingStatusRemediated, analyst)
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusRemediated, got.Status)
	assert.Equal(t, 1, f.cycle(t, rc.ID).Critical)

	got, err = f.svc.UpdateFindingStatus(f.ctx, target.ID, models.FindingStatusClosed, analyst)
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusClosed, got.Status)
}

func TestStatusForDecision(t *testing.T) {
	st, ok := StatusForDecision(models.DecisionException)
	assert.True(t, ok)
	assert.Equal(t, models.FindingStatusExceptionApproved, st)

	_, ok = StatusForDecision("APPROVE")
	assert.False(t, ok)
}
