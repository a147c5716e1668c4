package review

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/store"
)

var (
	reviewNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	analyst  = models.Actor{UserID: "analyst-1", Email: "analyst@co.com", Role: models.RoleAnalyst}
	iso      = models.Actor{UserID: "iso-1", Email: "iso@co.com", Role: models.RoleISO}
	auditor  = models.Actor{UserID: "auditor-1", Email: "auditor@co.com", Role: models.RoleAuditor}
	reviewer = models.Actor{UserID: "reviewer-1", Email: "reviewer@co.com", Role: models.RoleReviewer}
)

type recordingNotifier struct {
	imports      int
	analyses     int
	attestations int
}

func (n *recordingNotifier) NotifyImportCompleted(ctx context.Context, cycle *models.ReviewCycle, imported, failed int) error {
	n.imports++
	return nil
}

func (n *recordingNotifier) NotifyAnalysisCompleted(ctx context.Context, cycle *models.ReviewCycle) error {
	n.analyses++
	return nil
}

func (n *recordingNotifier) NotifyAttestationRequested(ctx context.Context, cycle *models.ReviewCycle) error {
	n.attestations++
	return nil
}

type fixture struct {
	ctx       context.Context
	store     *store.Memory
	svc       *Service
	notifier  *recordingNotifier
	app       *models.Application
	framework *models.Framework
	initiator *models.ApplicationRole
	approver  *models.ApplicationRole
	viewer    *models.ApplicationRole
	wireRule  *models.SodConflict
	jdoe      *models.Employee
	leaver    *models.Employee
}

type fixtureOption func(*models.Framework)

func withAttestation(t models.AttestationType) fixtureOption {
	return func(fw *models.Framework) { fw.AttestationType = t }
}

func withDormantDays(days int) fixtureOption {
	return func(fw *models.Framework) { fw.DormantDays = days }
}

// newFixture seeds an application with a wire payment SoD rule, a framework
// with every check enabled and a two-person HR roster.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	f := &fixture{ctx: ctx, store: mem, notifier: &recordingNotifier{}}

	f.framework = &models.Framework{
		Name:            "SOX ITGC",
		ReviewFrequency: models.FrequencyQuarterly,
		AttestationType: models.AttestationSingle,
		IsActive:        true,
		CheckCategories: []models.CheckCategory{
			{Name: "Terminated users", CheckType: models.CheckEmploymentStatus, DefaultSeverity: models.SeverityCritical, IsEnabled: true},
			{Name: "SoD", CheckType: models.CheckSegregationOfDuties, DefaultSeverity: models.SeverityHigh, IsEnabled: true},
			{Name: "Privileged", CheckType: models.CheckPrivilegedAccess, DefaultSeverity: models.SeverityMedium, IsEnabled: true},
			{Name: "Dormant", CheckType: models.CheckDormantAccount, DefaultSeverity: models.SeverityLow, IsEnabled: true},
		},
	}
	for _, opt := range opts {
		opt(f.framework)
	}
	require.NoError(t, mem.CreateFramework(ctx, f.framework))
	require.NoError(t, mem.SetDefaultFramework(ctx, f.framework.ID))

	f.app = &models.Application{Name: "Treasury", IsActive: true, FrameworkID: &f.framework.ID}
	require.NoError(t, mem.CreateApplication(ctx, f.app))

	f.initiator = &models.ApplicationRole{ApplicationID: f.app.ID, Name: "Wire Initiator", RiskLevel: models.SeverityMedium}
	f.approver = &models.ApplicationRole{ApplicationID: f.app.ID, Name: "Wire Approver", RiskLevel: models.SeverityHigh, IsPrivileged: true}
	f.viewer = &models.ApplicationRole{ApplicationID: f.app.ID, Name: "Viewer", RiskLevel: models.SeverityLow}
	for _, r := range []*models.ApplicationRole{f.initiator, f.approver, f.viewer} {
		require.NoError(t, mem.CreateRole(ctx, r))
	}

	f.wireRule = &models.SodConflict{
		ApplicationID: f.app.ID,
		Role1ID:       f.initiator.ID,
		Role2ID:       f.approver.ID,
		Severity:      models.SeverityHigh,
		Description:   "Wire payments need two people.",
	}
	require.NoError(t, mem.CreateSodConflict(ctx, f.wireRule))

	f.jdoe = &models.Employee{EmployeeID: "E100", Email: "jdoe@co.com", FirstName: "Jane", LastName: "Doe", EmploymentStatus: models.EmploymentActive}
	f.leaver = &models.Employee{EmployeeID: "E200", Email: "bsmith@co.com", FirstName: "Bob", LastName: "Smith", EmploymentStatus: models.EmploymentTerminated}
	require.NoError(t, mem.UpsertEmployee(ctx, f.jdoe))
	require.NoError(t, mem.UpsertEmployee(ctx, f.leaver))

	f.svc = NewService(mem, nil,
		WithClock(func() time.Time { return reviewNow }),
		WithNotifier(f.notifier))
	return f
}

func (f *fixture) newCycle(t *testing.T) *models.ReviewCycle {
	t.Helper()
	rc, err := f.svc.CreateReviewCycle(f.ctx, CreateCycleInput{
		Name:          "Treasury Q2 2025",
		ApplicationID: f.app.ID,
		Year:          2025,
	}, analyst)
	require.NoError(t, err)
	return rc
}

func (f *fixture) cycle(t *testing.T, id uuid.UUID) *models.ReviewCycle {
	t.Helper()
	rc, err := f.store.GetReviewCycle(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rc)
	return rc
}

// forceStatus writes a status directly, bypassing the state machine.
func (f *fixture) forceStatus(t *testing.T, rc *models.ReviewCycle, status models.ReviewStatus) {
	t.Helper()
	rc.Status = status
	require.NoError(t, f.store.UpdateReviewCycle(f.ctx, rc))
}

func (f *fixture) sampleRecords() []models.ImportRecord {
	return []models.ImportRecord{
		{Username: "jdoe", Email: "jdoe@co.com", Roles: []string{"Wire Initiator", "Wire Approver"}, LastLoginAt: "2024-01-01"},
		{Username: "bsmith", Email: "bsmith@co.com", Roles: []string{"Viewer"}, LastLoginAt: "2025-05-20"},
		{Username: "svc_batch", Roles: []string{"viewer"}, LastLoginAt: "2025-05-30"},
	}
}

// analyzed imports the sample records and runs analysis.
func (f *fixture) analyzed(t *testing.T) *models.ReviewCycle {
	t.Helper()
	rc := f.newCycle(t)
	_, err := f.svc.Import(f.ctx, rc.ID, f.sampleRecords(), analyst)
	require.NoError(t, err)
	_, err = f.svc.Analyze(f.ctx, rc.ID, analyst)
	require.NoError(t, err)
	return f.cycle(t, rc.ID)
}

func (f *fixture) findings(t *testing.T, rc *models.ReviewCycle) []models.Finding {
	t.Helper()
	out, _, err := f.store.ListFindings(f.ctx, models.FindingFilter{ReviewCycleID: &rc.ID})
	require.NoError(t, err)
	return out
}

func (f *fixture) findingOfType(t *testing.T, rc *models.ReviewCycle, ft models.FindingType) models.Finding {
	t.Helper()
	for _, finding := range f.findings(t, rc) {
		if finding.FindingType == ft {
			return finding
		}
	}
	t.Fatalf("no %s finding", ft)
	return models.Finding{}
}

func (f *fixture) decideAll(t *testing.T, rc *models.ReviewCycle) {
	t.Helper()
	for _, finding := range f.findings(t, rc) {
		if !decidable(finding.Status) {
			continue
		}
		_, err := f.svc.Decide(f.ctx, finding.ID, DecisionRequest{
			Decision:              models.DecisionDismiss,
			DecisionJustification: "accepted by business owner",
		}, analyst)
		require.NoError(t, err)
	}
}
