package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

// getTestDSN returns the test database DSN from environment
func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=accessreview password=accessreview dbname=accessreview_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{
		DSN:          getTestDSN(),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}

	return store
}

// seedApplication creates a framework, an application and two conflicting roles.
func seedApplication(t *testing.T, store *Store) (*models.Framework, *models.Application, *models.ApplicationRole, *models.ApplicationRole) {
	t.Helper()
	ctx := context.Background()

	fw := &models.Framework{
		Name:            "Test Framework " + uuid.New().String()[:8],
		ReviewFrequency: models.FrequencyQuarterly,
		AttestationType: models.AttestationSingle,
		Thresholds:      models.Thresholds{DormantDays: 60},
		IsActive:        true,
		CheckCategories: []models.CheckCategory{
			{Name: "SoD", CheckType: models.CheckSegregationOfDuties, DefaultSeverity: models.SeverityHigh, IsEnabled: true, SortOrder: 1},
			{Name: "Dormant", CheckType: models.CheckDormantAccount, DefaultSeverity: models.SeverityLow, IsEnabled: true, SortOrder: 2,
				SeverityRules: models.JSONB{"privileged": "HIGH"}},
		},
	}
	if err := store.CreateFramework(ctx, fw); err != nil {
		t.Fatalf("CreateFramework failed: %v", err)
	}

	app := &models.Application{
		Name:               "Test App " + uuid.New().String()[:8],
		DataClassification: models.ClassificationConfidential,
		Criticality:        models.CriticalityHigh,
		RegulatoryScope:    models.StringArray{"SOX"},
		FrameworkID:        &fw.ID,
		IsActive:           true,
	}
	if err := store.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication failed: %v", err)
	}

	initiator := &models.ApplicationRole{ApplicationID: app.ID, Name: "Wire Initiator", RiskLevel: models.SeverityMedium}
	approver := &models.ApplicationRole{ApplicationID: app.ID, Name: "Wire Approver", RiskLevel: models.SeverityHigh, IsPrivileged: true}
	for _, r := range []*models.ApplicationRole{initiator, approver} {
		if err := store.CreateRole(ctx, r); err != nil {
			t.Fatalf("CreateRole failed: %v", err)
		}
	}

	return fw, app, initiator, approver
}

func TestStore_Frameworks(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()
	fw, _, _, _ := seedApplication(t, store)

	retrieved, err := store.GetFramework(ctx, fw.ID)
	if err != nil {
		t.Fatalf("GetFramework failed: %v", err)
	}
	if retrieved.DormantDays != 60 {
		t.Errorf("Expected dormant days 60, got %d", retrieved.DormantDays)
	}
	if len(retrieved.CheckCategories) != 2 {
		t.Fatalf("Expected 2 check categories, got %d", len(retrieved.CheckCategories))
	}
	if retrieved.CheckCategories[1].SeverityRules["privileged"] != "HIGH" {
		t.Errorf("Expected severity rule to round-trip, got %v", retrieved.CheckCategories[1].SeverityRules)
	}

	other := &models.Framework{Name: "Other " + uuid.New().String()[:8], ReviewFrequency: models.FrequencyAnnual, AttestationType: models.AttestationDual, IsActive: true}
	if err := store.CreateFramework(ctx, other); err != nil {
		t.Fatalf("CreateFramework failed: %v", err)
	}

	for _, id := range []uuid.UUID{fw.ID, other.ID} {
		if err := store.SetDefaultFramework(ctx, id); err != nil {
			t.Fatalf("SetDefaultFramework failed: %v", err)
		}
		def, err := store.GetDefaultFramework(ctx)
		if err != nil {
			t.Fatalf("GetDefaultFramework failed: %v", err)
		}
		if def == nil || def.ID != id {
			t.Errorf("Expected default framework %s, got %v", id, def)
		}
	}

	all, err := store.ListFrameworks(ctx)
	if err != nil {
		t.Fatalf("ListFrameworks failed: %v", err)
	}
	defaults := 0
	for _, f := range all {
		if f.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Errorf("Expected exactly one default framework, got %d", defaults)
	}
}

func TestStore_RolesAndConflicts(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()
	_, app, initiator, approver := seedApplication(t, store)
	defer store.DeleteApplication(ctx, app.ID)

	role, err := store.GetRoleByName(ctx, app.ID, "  wire APPROVER ")
	if err != nil {
		t.Fatalf("GetRoleByName failed: %v", err)
	}
	if role == nil || role.ID != approver.ID {
		t.Errorf("Expected case-insensitive lookup to find the approver role")
	}

	conflict := &models.SodConflict{ApplicationID: app.ID, Role1ID: approver.ID, Role2ID: initiator.ID, Severity: models.SeverityCritical}
	if err := store.CreateSodConflict(ctx, conflict); err != nil {
		t.Fatalf("CreateSodConflict failed: %v", err)
	}

	found, err := store.GetSodConflictByRoles(ctx, initiator.ID, approver.ID)
	if err != nil {
		t.Fatalf("GetSodConflictByRoles failed: %v", err)
	}
	if found == nil || found.ID != conflict.ID {
		t.Errorf("Expected conflict lookup to ignore role order")
	}

	n, err := store.CountSodConflictsForRole(ctx, initiator.ID)
	if err != nil {
		t.Fatalf("CountSodConflictsForRole failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 conflict for role, got %d", n)
	}
}

func TestStore_AccessRecordUpsert(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()
	fw, app, _, _ := seedApplication(t, store)

	rc := &models.ReviewCycle{Name: "Upsert test", ApplicationID: app.ID, FrameworkID: fw.ID, Year: 2025, Status: models.ReviewStatusDraft, CreatedBy: "test"}
	if err := store.CreateReviewCycle(ctx, rc); err != nil {
		t.Fatalf("CreateReviewCycle failed: %v", err)
	}
	defer store.DeleteReviewCycle(ctx, rc.ID)

	first := &models.UserAccessRecord{ReviewCycleID: rc.ID, Username: "jdoe", Roles: models.StringArray{"Wire Initiator"}, ReviewStatus: models.AccessStatusPending}
	if err := store.UpsertAccessRecord(ctx, first); err != nil {
		t.Fatalf("UpsertAccessRecord failed: %v", err)
	}

	second := &models.UserAccessRecord{ReviewCycleID: rc.ID, Username: "JDoe", Roles: models.StringArray{"Viewer"}, IsDormant: true, ReviewStatus: models.AccessStatusPending}
	if err := store.UpsertAccessRecord(ctx, second); err != nil {
		t.Fatalf("UpsertAccessRecord failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected upsert to reuse id %s, got %s", first.ID, second.ID)
	}

	records, total, err := store.ListAccessRecords(ctx, models.AccessRecordFilter{ReviewCycleID: rc.ID})
	if err != nil {
		t.Fatalf("ListAccessRecords failed: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Fatalf("Expected 1 record after re-import, got %d", total)
	}
	if !records[0].IsDormant || records[0].Roles[0] != "Viewer" {
		t.Errorf("Expected record to be replaced, got %+v", records[0])
	}

	flagged, _, err := store.ListAccessRecords(ctx, models.AccessRecordFilter{ReviewCycleID: rc.ID, OnlyFlagged: true})
	if err != nil {
		t.Fatalf("ListAccessRecords failed: %v", err)
	}
	if len(flagged) != 1 {
		t.Errorf("Expected dormant record to be flagged")
	}
}

func TestStore_FindingsAndCounts(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()
	fw, app, _, _ := seedApplication(t, store)

	rc := &models.ReviewCycle{Name: "Findings test", ApplicationID: app.ID, FrameworkID: fw.ID, Year: 2025, Status: models.ReviewStatusAnalysisComplete, CreatedBy: "test"}
	if err := store.CreateReviewCycle(ctx, rc); err != nil {
		t.Fatalf("CreateReviewCycle failed: %v", err)
	}
	defer store.DeleteReviewCycle(ctx, rc.ID)

	for _, sev := range []models.Severity{models.SeverityLow, models.SeverityCritical, models.SeverityHigh} {
		f := &models.Finding{ReviewCycleID: rc.ID, FindingType: models.FindingCustom, Severity: sev, Title: string(sev), Status: models.FindingStatusOpen}
		if err := store.CreateFinding(ctx, f); err != nil {
			t.Fatalf("CreateFinding failed: %v", err)
		}
	}

	findings, total, err := store.ListFindings(ctx, models.FindingFilter{ReviewCycleID: &rc.ID, Limit: 2})
	if err != nil {
		t.Fatalf("ListFindings failed: %v", err)
	}
	if total != 3 || len(findings) != 2 {
		t.Fatalf("Expected total 3 and page of 2, got %d and %d", total, len(findings))
	}
	if findings[0].Severity != models.SeverityCritical {
		t.Errorf("Expected findings ordered by severity, got %s first", findings[0].Severity)
	}

	decision := models.DecisionDismiss
	now := time.Now()
	findings[0].Status = models.FindingStatusDismissed
	findings[0].Decision = &decision
	findings[0].DecidedAt = &now
	if err := store.UpdateFinding(ctx, &findings[0]); err != nil {
		t.Fatalf("UpdateFinding failed: %v", err)
	}

	deleted, err := store.DeleteOpenFindings(ctx, rc.ID)
	if err != nil {
		t.Fatalf("DeleteOpenFindings failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 open findings deleted, got %d", deleted)
	}

	counts := models.FindingCounts{Total: 1}
	if err := store.UpdateReviewCycleCounts(ctx, rc.ID, counts); err != nil {
		t.Fatalf("UpdateReviewCycleCounts failed: %v", err)
	}
	retrieved, err := store.GetReviewCycle(ctx, rc.ID)
	if err != nil {
		t.Fatalf("GetReviewCycle failed: %v", err)
	}
	if retrieved.FindingCounts != counts {
		t.Errorf("Expected counts %+v, got %+v", counts, retrieved.FindingCounts)
	}
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()
	rc, err := store.GetReviewCycle(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetReviewCycle failed: %v", err)
	}
	if rc != nil {
		t.Error("Expected nil for missing review cycle")
	}

	f, err := store.GetFinding(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetFinding failed: %v", err)
	}
	if f != nil {
		t.Error("Expected nil for missing finding")
	}
}
