// Package reports renders review cycle compliance reports as CSV or PDF and
// manages their lifecycle as stored artifacts.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

// DataProvider is the read side of the store that reports draw from.
type DataProvider interface {
	GetReviewCycle(ctx context.Context, id uuid.UUID) (*models.ReviewCycle, error)
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
	GetFramework(ctx context.Context, id uuid.UUID) (*models.Framework, error)
	ListRoles(ctx context.Context, applicationID uuid.UUID) ([]models.ApplicationRole, error)
	ListSodConflicts(ctx context.Context, applicationID uuid.UUID) ([]models.SodConflict, error)
	ListAccessRecords(ctx context.Context, filter models.AccessRecordFilter) ([]models.UserAccessRecord, int, error)
	ListFindings(ctx context.Context, filter models.FindingFilter) ([]models.Finding, int, error)
}

type Request struct {
	ReviewCycleID uuid.UUID
	Type          models.ReportType
	Format        models.ReportFormat
}

// Output is a rendered report.
type Output struct {
	Data        []byte
	Filename    string
	ContentType string
}

type Generator struct {
	provider DataProvider
	now      func() time.Time
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider, now: time.Now}
}

// snapshot is everything one report needs, loaded once.
type snapshot struct {
	cycle     *models.ReviewCycle
	app       *models.Application
	framework *models.Framework
	roles     map[uuid.UUID]models.ApplicationRole
	conflicts []models.SodConflict
	records   []models.UserAccessRecord
	findings  []models.Finding
	usernames map[uuid.UUID]string
}

func (g *Generator) load(ctx context.Context, cycleID uuid.UUID) (*snapshot, error) {
	rc, err := g.provider.GetReviewCycle(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch review cycle: %w", err)
	}
	if rc == nil {
		return nil, &models.NotFoundError{Entity: "review cycle", ID: cycleID.String()}
	}

	snap := &snapshot{cycle: rc, roles: make(map[uuid.UUID]models.ApplicationRole), usernames: make(map[uuid.UUID]string)}

	if snap.app, err = g.provider.GetApplication(ctx, rc.ApplicationID); err != nil {
		return nil, fmt.Errorf("failed to fetch application: %w", err)
	}
	if snap.app == nil {
		snap.app = &models.Application{ID: rc.ApplicationID, Name: rc.ApplicationID.String()}
	}
	if snap.framework, err = g.provider.GetFramework(ctx, rc.FrameworkID); err != nil {
		return nil, fmt.Errorf("failed to fetch framework: %w", err)
	}
	if snap.framework == nil {
		snap.framework = &models.Framework{Name: "(deleted framework)"}
	}

	roles, err := g.provider.ListRoles(ctx, rc.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roles: %w", err)
	}
	for _, r := range roles {
		snap.roles[r.ID] = r
	}
	if snap.conflicts, err = g.provider.ListSodConflicts(ctx, rc.ApplicationID); err != nil {
		return nil, fmt.Errorf("failed to fetch sod conflicts: %w", err)
	}
	if snap.records, _, err = g.provider.ListAccessRecords(ctx, models.AccessRecordFilter{ReviewCycleID: rc.ID}); err != nil {
		return nil, fmt.Errorf("failed to fetch access records: %w", err)
	}
	for _, rec := range snap.records {
		snap.usernames[rec.ID] = rec.Username
	}
	if snap.findings, _, err = g.provider.ListFindings(ctx, models.FindingFilter{ReviewCycleID: &rc.ID}); err != nil {
		return nil, fmt.Errorf("failed to fetch findings: %w", err)
	}
	return snap, nil
}

func (g *Generator) Generate(ctx context.Context, req Request) (*Output, error) {
	if req.Format != models.ReportFormatCSV && req.Format != models.ReportFormatPDF {
		return nil, models.NewValidationError("format", fmt.Sprintf("unsupported format %q", req.Format))
	}

	var render func(*snapshot, models.ReportFormat) ([]byte, error)
	switch req.Type {
	case models.ReportTypeReviewSummary:
		render = g.summary
	case models.ReportTypeFindingsDetail:
		render = g.findingsDetail
	case models.ReportTypeSodConflicts:
		render = g.sodConflicts
	case models.ReportTypeAttestation:
		render = g.attestation
	case models.ReportTypeAccessListing:
		render = g.accessListing
	default:
		return nil, models.NewValidationError("reportType", fmt.Sprintf("unsupported report type %q", req.Type))
	}

	snap, err := g.load(ctx, req.ReviewCycleID)
	if err != nil {
		return nil, err
	}

	data, err := render(snap, req.Format)
	if err != nil {
		return nil, err
	}

	ext, contentType := "csv", "text/csv"
	if req.Format == models.ReportFormatPDF {
		ext, contentType = "pdf", "application/pdf"
	}
	return &Output{
		Data:        data,
		Filename:    fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(req.Type)), slug(snap.cycle.Name), g.now().Format("20060102_150405"), ext),
		ContentType: contentType,
	}, nil
}

func (g *Generator) title(snap *snapshot, kind string) string {
	return fmt.Sprintf("%s - %s", kind, snap.cycle.Name)
}

func (g *Generator) summary(snap *snapshot, format models.ReportFormat) ([]byte, error) {
	info := cycleInfo(snap)
	byType := countBy(snap.findings, func(f models.Finding) string { return string(f.FindingType) })
	byStatus := countBy(snap.findings, func(f models.Finding) string { return string(f.Status) })
	byReview := make(map[string]int)
	for _, rec := range snap.records {
		byReview[string(rec.ReviewStatus)]++
	}

	if format == models.ReportFormatCSV {
		return writeCSV(func(w *csv.Writer) error {
			if err := writeMetrics(w, info); err != nil {
				return err
			}
			for _, block := range []struct {
				title  string
				counts map[string]int
			}{
				{"Finding Type", byType},
				{"Finding Status", byStatus},
				{"Access Review Status", byReview},
			} {
				if err := w.Write([]string{""}); err != nil {
					return err
				}
				if err := w.Write([]string{block.title, "Count"}); err != nil {
					return err
				}
				for _, k := range sortedKeys(block.counts) {
					if err := w.Write([]string{k, strconv.Itoa(block.counts[k])}); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}

	pdf := NewPDFReport(g.title(snap, "Access Review Summary"), g.now())
	pdf.AddSection("Review Cycle")
	pdf.AddSummaryTable(info)
	pdf.AddSection("Open Findings by Severity")
	pdf.AddSeverityBars(snap.cycle.FindingCounts)
	pdf.AddSection("Findings by Type")
	pdf.AddSummaryTable(metricsFrom(byType))
	pdf.AddSection("Findings by Status")
	pdf.AddSummaryTable(metricsFrom(byStatus))
	pdf.AddSection("Access Records by Review Status")
	pdf.AddSummaryTable(metricsFrom(byReview))
	return pdf.Output()
}

func cycleInfo(snap *snapshot) []Metric {
	rc := snap.cycle
	matched, privileged, sod, dormant := 0, 0, 0, 0
	for _, rec := range snap.records {
		if rec.IsMatched {
			matched++
		}
		if rec.HasPrivilegedAccess {
			privileged++
		}
		if rec.HasSodConflict {
			sod++
		}
		if rec.IsDormant {
			dormant++
		}
	}
	return []Metric{
		{"Review Cycle", rc.Name},
		{"Application", snap.app.Name},
		{"Framework", snap.framework.Name},
		{"Period", period(rc)},
		{"Status", string(rc.Status)},
		{"Due Date", formatDate(rc.DueDate)},
		{"Snapshot Date", formatDate(rc.SnapshotDate)},
		{"Access Records", strconv.Itoa(len(snap.records))},
		{"Matched to HR", strconv.Itoa(matched)},
		{"Unmatched", strconv.Itoa(len(snap.records) - matched)},
		{"Privileged Access", strconv.Itoa(privileged)},
		{"SoD Conflicts", strconv.Itoa(sod)},
		{"Dormant Accounts", strconv.Itoa(dormant)},
		{"Total Findings", strconv.Itoa(rc.Total)},
		{"Open Critical", strconv.Itoa(rc.Critical)},
		{"Open High", strconv.Itoa(rc.High)},
		{"Open Medium", strconv.Itoa(rc.Medium)},
		{"Open Low", strconv.Itoa(rc.Low)},
	}
}

func (g *Generator) findingsDetail(snap *snapshot, format models.ReportFormat) ([]byte, error) {
	if format == models.ReportFormatCSV {
		return writeCSV(func(w *csv.Writer) error {
			header := []string{
				"ID", "Type", "Severity", "Status", "Title", "Username", "Decision",
				"Justification", "Decided By", "Decided At", "Compensating Controls",
				"Exception Expiry", "Remediation Due", "Ticket", "Created At",
			}
			if err := w.Write(header); err != nil {
				return err
			}
			for _, f := range snap.findings {
				row := []string{
					f.ID.String(),
					string(f.FindingType),
					string(f.Severity),
					string(f.Status),
					f.Title,
					snap.username(f.UserAccessRecordID),
					decision(f.Decision),
					deref(f.DecisionJustification),
					deref(f.DecidedBy),
					formatTime(f.DecidedAt),
					deref(f.CompensatingControls),
					formatDate(f.ExceptionExpiryDate),
					formatDate(f.RemediationDueDate),
					deref(f.RemediationTicketID),
					f.CreatedAt.Format(time.RFC3339),
				}
				if err := w.Write(row); err != nil {
					return err
				}
			}
			return nil
		})
	}

	pdf := NewPDFReport(g.title(snap, "Findings Detail"), g.now())
	pdf.AddSection(fmt.Sprintf("%d Findings", len(snap.findings)))
	rows := make([][]string, len(snap.findings))
	for i, f := range snap.findings {
		rows[i] = []string{
			string(f.Severity),
			string(f.FindingType),
			snap.username(f.UserAccessRecordID),
			string(f.Status),
			decision(f.Decision),
			deref(f.DecidedBy),
		}
	}
	pdf.AddTable([]string{"Severity", "Type", "User", "Status", "Decision", "Decided By"}, rows, []float64{1.2, 2, 1.6, 2, 1.3, 1.6})
	return pdf.Output()
}

// conflictRow describes one SoD rule and who violates it.
type conflictRow struct {
	rule  models.SodConflict
	role1 string
	role2 string
	users []string
}

func (snap *snapshot) conflictRows() []conflictRow {
	violators := make(map[string][]string)
	for _, rec := range snap.records {
		for _, id := range rec.SodConflictIDs {
			violators[id] = append(violators[id], rec.Username)
		}
	}
	rows := make([]conflictRow, 0, len(snap.conflicts))
	for _, c := range snap.conflicts {
		users := violators[c.ID.String()]
		sort.Strings(users)
		rows = append(rows, conflictRow{
			rule:  c,
			role1: snap.roles[c.Role1ID].Name,
			role2: snap.roles[c.Role2ID].Name,
			users: users,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].rule.Severity.Rank() > rows[j].rule.Severity.Rank()
	})
	return rows
}

func (g *Generator) sodConflicts(snap *snapshot, format models.ReportFormat) ([]byte, error) {
	rows := snap.conflictRows()

	if format == models.ReportFormatCSV {
		return writeCSV(func(w *csv.Writer) error {
			if err := w.Write([]string{"Rule ID", "Role 1", "Role 2", "Severity", "Description", "Violations", "Users"}); err != nil {
				return err
			}
			for _, r := range rows {
				if err := w.Write([]string{
					r.rule.ID.String(),
					r.role1,
					r.role2,
					string(r.rule.Severity),
					r.rule.Description,
					strconv.Itoa(len(r.users)),
					strings.Join(r.users, "; "),
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	pdf := NewPDFReport(g.title(snap, "Segregation of Duties"), g.now())
	pdf.AddSection(fmt.Sprintf("%d Rules", len(rows)))
	table := make([][]string, len(rows))
	for i, r := range rows {
		table[i] = []string{r.role1, r.role2, string(r.rule.Severity), strconv.Itoa(len(r.users))}
	}
	pdf.AddTable([]string{"Role 1", "Role 2", "Severity", "Violations"}, table, []float64{3, 3, 1.5, 1.5})

	for _, r := range rows {
		if len(r.users) == 0 {
			continue
		}
		pdf.AddSection(fmt.Sprintf("%s + %s", r.role1, r.role2))
		pdf.AddParagraph(strings.Join(r.users, ", "))
	}
	return pdf.Output()
}

func (g *Generator) attestation(snap *snapshot, format models.ReportFormat) ([]byte, error) {
	rc := snap.cycle
	decided := countBy(snap.findings, func(f models.Finding) string { return decision(f.Decision) })

	info := append(cycleInfo(snap)[:7:7],
		Metric{"Attestation Type", string(snap.framework.AttestationType)},
		Metric{"Attested By", deref(rc.AttestedBy)},
		Metric{"Attested At", formatTime(rc.AttestedAt)},
		Metric{"Second Attestor", deref(rc.SecondAttestedBy)},
		Metric{"Second Attested At", formatTime(rc.SecondAttestedAt)},
		Metric{"Completed At", formatTime(rc.CompletedAt)},
		Metric{"Comment", deref(rc.AttestationComment)},
	)

	if format == models.ReportFormatCSV {
		return writeCSV(func(w *csv.Writer) error {
			if err := writeMetrics(w, info); err != nil {
				return err
			}
			if err := w.Write([]string{""}); err != nil {
				return err
			}
			if err := w.Write([]string{"Decision", "Findings"}); err != nil {
				return err
			}
			for _, k := range sortedKeys(decided) {
				if err := w.Write([]string{k, strconv.Itoa(decided[k])}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	pdf := NewPDFReport(g.title(snap, "Access Review Attestation"), g.now())
	pdf.AddSection("Attestation")
	pdf.AddSummaryTable(info)
	pdf.AddSection("Finding Decisions")
	pdf.AddSummaryTable(metricsFrom(decided))
	if rc.AttestedAt == nil {
		pdf.AddParagraph("This review cycle has not been attested.")
	} else {
		pdf.AddParagraph(fmt.Sprintf(
			"The access of %d accounts to %s was reviewed under %s and attested by %s on %s.",
			len(snap.records), snap.app.Name, snap.framework.Name, deref(rc.AttestedBy), formatDate(rc.AttestedAt)))
	}
	pdf.AddSignatureLine("Information Security Officer")
	return pdf.Output()
}

func (g *Generator) accessListing(snap *snapshot, format models.ReportFormat) ([]byte, error) {
	if format == models.ReportFormatCSV {
		return writeCSV(func(w *csv.Writer) error {
			header := []string{
				"Username", "Email", "Display Name", "Roles", "Matched", "Privileged",
				"SoD Conflict", "Dormant", "Last Login", "Grant Date", "Review Status",
			}
			if err := w.Write(header); err != nil {
				return err
			}
			for _, rec := range snap.records {
				row := []string{
					rec.Username,
					deref(rec.Email),
					deref(rec.DisplayName),
					strings.Join(rec.Roles, "; "),
					strconv.FormatBool(rec.IsMatched),
					strconv.FormatBool(rec.HasPrivilegedAccess),
					strconv.FormatBool(rec.HasSodConflict),
					strconv.FormatBool(rec.IsDormant),
					formatDate(rec.LastLoginAt),
					formatDate(rec.GrantDate),
					string(rec.ReviewStatus),
				}
				if err := w.Write(row); err != nil {
					return err
				}
			}
			return nil
		})
	}

	pdf := NewPDFReport(g.title(snap, "User Access Listing"), g.now())
	pdf.AddSection(fmt.Sprintf("%d Accounts", len(snap.records)))
	rows := make([][]string, len(snap.records))
	for i, rec := range snap.records {
		rows[i] = []string{
			rec.Username,
			strings.Join(rec.Roles, ", "),
			flags(rec),
			formatDate(rec.LastLoginAt),
			string(rec.ReviewStatus),
		}
	}
	pdf.AddTable([]string{"User", "Roles", "Flags", "Last Login", "Status"}, rows, []float64{2, 3, 1.5, 1.5, 2})
	return pdf.Output()
}

func flags(rec models.UserAccessRecord) string {
	var out []string
	if !rec.IsMatched {
		out = append(out, "UNM")
	}
	if rec.HasPrivilegedAccess {
		out = append(out, "PRIV")
	}
	if rec.HasSodConflict {
		out = append(out, "SOD")
	}
	if rec.IsDormant {
		out = append(out, "DORM")
	}
	return strings.Join(out, " ")
}

func (snap *snapshot) username(recordID *uuid.UUID) string {
	if recordID == nil {
		return ""
	}
	return snap.usernames[*recordID]
}

func writeCSV(fn func(w *csv.Writer) error) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := fn(w); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func writeMetrics(w *csv.Writer, metrics []Metric) error {
	if err := w.Write([]string{"Field", "Value"}); err != nil {
		return err
	}
	for _, m := range metrics {
		if err := w.Write([]string{m.Label, m.Value}); err != nil {
			return err
		}
	}
	return nil
}

func countBy(findings []models.Finding, key func(models.Finding) string) map[string]int {
	out := make(map[string]int)
	for _, f := range findings {
		out[key(f)]++
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func metricsFrom(m map[string]int) []Metric {
	out := make([]Metric, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, Metric{Label: k, Value: strconv.Itoa(m[k])})
	}
	return out
}

func period(rc *models.ReviewCycle) string {
	if rc.Quarter != nil {
		return fmt.Sprintf("Q%d %d", *rc.Quarter, rc.Year)
	}
	return strconv.Itoa(rc.Year)
}

func decision(d *models.Decision) string {
	if d == nil {
		return "UNDECIDED"
	}
	return string(*d)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
