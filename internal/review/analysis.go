package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/risk"
)

// AnalysisResult summarizes one analysis run.
type AnalysisResult struct {
	RecordsAnalyzed int                  `json:"recordsAnalyzed"`
	FindingsCreated int                  `json:"findingsCreated"`
	NeedsReview     int                  `json:"needsReview"`
	AutoApproved    int                  `json:"autoApproved"`
	Counts          models.FindingCounts `json:"counts"`
}

// Analyze raises rule-based findings for every imported record according
// to the framework's enabled check categories, then moves the cycle to
// ANALYSIS_COMPLETE. Re-running from ANALYSIS_PENDING replaces the
// previously generated open findings.
func (s *Service) Analyze(ctx context.Context, reviewCycleID uuid.UUID, actor models.Actor) (*AnalysisResult, error) {
	if err := requireMutate(actor, "run analysis"); err != nil {
		return nil, err
	}

	rc, err := s.loadCycle(ctx, reviewCycleID)
	if err != nil {
		return nil, err
	}
	if !CanAnalyze(rc.Status) {
		return nil, &models.InvalidStateError{
			Entity:    "review cycle",
			State:     string(rc.Status),
			Operation: "analyze",
		}
	}

	fw, err := s.store.GetFramework(ctx, rc.FrameworkID)
	if err != nil {
		return nil, fmt.Errorf("getting framework: %w", err)
	}
	if fw == nil {
		return nil, &models.NotFoundError{Entity: "framework", ID: rc.FrameworkID.String()}
	}

	if rc.Status == models.ReviewStatusDataCollection {
		if err := s.setStatus(ctx, rc, models.ReviewStatusAnalysisPending); err != nil {
			return nil, err
		}
	}

	if _, err := s.store.DeleteOpenFindings(ctx, rc.ID); err != nil {
		return nil, fmt.Errorf("clearing previous findings: %w", err)
	}

	records, _, err := s.store.ListAccessRecords(ctx, models.AccessRecordFilter{ReviewCycleID: rc.ID})
	if err != nil {
		return nil, fmt.Errorf("listing access records: %w", err)
	}
	employees, err := s.store.ListEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading employee roster: %w", err)
	}
	roles, err := s.store.ListRoles(ctx, rc.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("loading role catalog: %w", err)
	}
	conflicts, err := s.store.ListSodConflicts(ctx, rc.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("loading sod conflicts: %w", err)
	}

	byID := make(map[uuid.UUID]*models.Employee, len(employees))
	for i := range employees {
		byID[employees[i].ID] = &employees[i]
	}
	a := &analyzer{
		cycle:     rc,
		framework: fw,
		employees: byID,
		catalog:   risk.NewCatalog(roles, conflicts),
		roleNames: roleNames(roles),
	}

	result := &AnalysisResult{RecordsAnalyzed: len(records)}
	for i := range records {
		rec := &records[i]
		findings := a.evaluate(rec)

		for j := range findings {
			if err := s.store.CreateFinding(ctx, &findings[j]); err != nil {
				return nil, fmt.Errorf("creating finding: %w", err)
			}
		}
		result.FindingsCreated += len(findings)

		status := models.AccessStatusAutoApproved
		if len(findings) > 0 {
			status = models.AccessStatusNeedsReview
			result.NeedsReview++
		} else {
			result.AutoApproved++
		}
		if err := s.store.UpdateAccessRecordStatus(ctx, rec.ID, status); err != nil {
			return nil, fmt.Errorf("updating access record status: %w", err)
		}
	}

	counts, err := s.RecomputeCounts(ctx, rc.ID)
	if err != nil {
		return nil, err
	}
	rc.FindingCounts = counts
	result.Counts = counts

	if err := s.setStatus(ctx, rc, models.ReviewStatusAnalysisComplete); err != nil {
		return nil, err
	}

	s.logger.Info("analysis completed",
		"review_cycle_id", rc.ID,
		"records", result.RecordsAnalyzed,
		"findings", result.FindingsCreated,
		"critical", counts.Critical)

	s.notify(func(n Notifier) error {
		return n.NotifyAnalysisCompleted(ctx, rc)
	}, "analysis_completed", rc.ID)

	return result, nil
}

type analyzer struct {
	cycle     *models.ReviewCycle
	framework *models.Framework
	employees map[uuid.UUID]*models.Employee
	catalog   *risk.Catalog
	roleNames map[string]string
}

func (a *analyzer) evaluate(rec *models.UserAccessRecord) []models.Finding {
	var out []models.Finding

	var emp *models.Employee
	if rec.EmployeeID != nil {
		emp = a.employees[*rec.EmployeeID]
	}
	terminated := emp != nil && emp.EmploymentStatus == models.EmploymentTerminated
	conds := map[string]bool{
		models.ConditionPrivileged:  rec.HasPrivilegedAccess,
		models.ConditionSodConflict: rec.HasSodConflict,
		models.ConditionDormant:     rec.IsDormant,
		models.ConditionTerminated:  terminated,
		models.ConditionUnmatched:   !rec.IsMatched,
	}

	if cat, ok := a.framework.Category(models.CheckEmploymentStatus); ok {
		switch {
		case terminated:
			out = append(out, a.finding(rec, cat, models.FindingTerminatedAccess, cat.DefaultSeverity, conds,
				"Terminated employee retains access",
				fmt.Sprintf("%s (%s) is TERMINATED in the HR roster but still holds %s.", rec.Username, emp.FullName(), heldRoles(rec))))
		case !rec.IsMatched:
			out = append(out, a.finding(rec, cat, models.FindingOrphanedAccount, cat.DefaultSeverity, conds,
				"Account not linked to an employee",
				fmt.Sprintf("%s could not be matched to any employee by email or employee id.", rec.Username)))
		}
	}

	if cat, ok := a.framework.Category(models.CheckSegregationOfDuties); ok && rec.HasSodConflict {
		for _, idStr := range rec.SodConflictIDs {
			id, err := uuid.Parse(idStr)
			if err != nil {
				continue
			}
			rule, ok := a.catalog.Conflict(id)
			if !ok {
				continue
			}
			base := cat.DefaultSeverity
			if rule.Severity.Valid() {
				base = rule.Severity
			}
			desc := fmt.Sprintf("%s holds both %s and %s.", rec.Username, a.roleName(rule.Role1ID), a.roleName(rule.Role2ID))
			if rule.Description != "" {
				desc += " " + rule.Description
			}
			f := a.finding(rec, cat, models.FindingSodConflict, base, conds, "Segregation of duties conflict", desc)
			f.SodConflictID = ptr(rule.ID)
			out = append(out, f)
		}
	}

	if cat, ok := a.framework.Category(models.CheckPrivilegedAccess); ok && rec.HasPrivilegedAccess {
		out = append(out, a.finding(rec, cat, models.FindingPrivilegedAccess, cat.DefaultSeverity, conds,
			"Privileged access requires review",
			fmt.Sprintf("%s holds privileged access: %s.", rec.Username, heldRoles(rec))))
	}

	if cat, ok := a.framework.Category(models.CheckDormantAccount); ok && rec.IsDormant {
		last := "unknown"
		if rec.LastLoginAt != nil {
			last = rec.LastLoginAt.Format("2006-01-02")
		}
		out = append(out, a.finding(rec, cat, models.FindingDormantAccount, cat.DefaultSeverity, conds,
			"Dormant account",
			fmt.Sprintf("%s has not logged in since %s (threshold %d days).", rec.Username, last, dormantDays(a.framework))))
	}

	return out
}

func (a *analyzer) finding(rec *models.UserAccessRecord, cat *models.CheckCategory, ft models.FindingType, base models.Severity, conds map[string]bool, title, desc string) models.Finding {
	return models.Finding{
		ReviewCycleID:      a.cycle.ID,
		UserAccessRecordID: ptr(rec.ID),
		FindingType:        ft,
		Severity:           severityFor(cat, base, conds),
		Title:              title,
		Description:        desc,
		Status:             models.FindingStatusOpen,
	}
}

func (a *analyzer) roleName(id uuid.UUID) string {
	if name, ok := a.roleNames[id.String()]; ok {
		return name
	}
	return id.String()
}

// severityFor applies a category's severity rules on top of base. When
// several rules match, the most severe wins. Rules that do not parse are
// ignored; the catalog rejects them on write.
func severityFor(cat *models.CheckCategory, base models.Severity, conds map[string]bool) models.Severity {
	if !base.Valid() {
		base = models.SeverityMedium
	}
	rules, _ := cat.Rules()
	var override models.Severity
	for _, rule := range rules {
		if conds[rule.When] && rule.Severity.Rank() > override.Rank() {
			override = rule.Severity
		}
	}
	if override != "" {
		return override
	}
	return base
}

func heldRoles(rec *models.UserAccessRecord) string {
	if len(rec.Roles) == 0 {
		return "no roles"
	}
	return strings.Join(rec.Roles, ", ")
}

func roleNames(roles []models.ApplicationRole) map[string]string {
	m := make(map[string]string, len(roles))
	for _, r := range roles {
		m[r.ID.String()] = r.Name
	}
	return m
}

func dormantDays(fw *models.Framework) int {
	if fw.DormantDays > 0 {
		return fw.DormantDays
	}
	return risk.DefaultDormantDays
}
