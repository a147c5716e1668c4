package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

// Memory is an in-process store with the same semantics as the Postgres
// store. It backs tests and the single-binary demo mode.
type Memory struct {
	mu           sync.RWMutex
	applications map[uuid.UUID]models.Application
	roles        map[uuid.UUID]models.ApplicationRole
	conflicts    map[uuid.UUID]models.SodConflict
	frameworks   map[uuid.UUID]models.Framework
	employees    map[uuid.UUID]models.Employee
	cycles       map[uuid.UUID]models.ReviewCycle
	records      map[uuid.UUID]models.UserAccessRecord
	findings     map[uuid.UUID]models.Finding
	reports      map[uuid.UUID]models.Report
}

func NewMemory() *Memory {
	return &Memory{
		applications: make(map[uuid.UUID]models.Application),
		roles:        make(map[uuid.UUID]models.ApplicationRole),
		conflicts:    make(map[uuid.UUID]models.SodConflict),
		frameworks:   make(map[uuid.UUID]models.Framework),
		employees:    make(map[uuid.UUID]models.Employee),
		cycles:       make(map[uuid.UUID]models.ReviewCycle),
		records:      make(map[uuid.UUID]models.UserAccessRecord),
		findings:     make(map[uuid.UUID]models.Finding),
		reports:      make(map[uuid.UUID]models.Report),
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Applications

func (m *Memory) CreateApplication(ctx context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app.ID = uuid.New()
	app.CreatedAt = time.Now()
	app.UpdatedAt = app.CreatedAt
	m.applications[app.ID] = *app
	return nil
}

func (m *Memory) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.applications[id]
	if !ok {
		return nil, nil
	}
	return &app, nil
}

func (m *Memory) ListApplications(ctx context.Context, includeInactive bool) ([]models.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Application, 0, len(m.applications))
	for _, app := range m.applications {
		if app.IsActive || includeInactive {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateApplication(ctx context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applications[app.ID]; !ok {
		return nil
	}
	app.UpdatedAt = time.Now()
	m.applications[app.ID] = *app
	return nil
}

func (m *Memory) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.applications, id)
	for rid, r := range m.roles {
		if r.ApplicationID == id {
			delete(m.roles, rid)
		}
	}
	for cid, c := range m.conflicts {
		if c.ApplicationID == id {
			delete(m.conflicts, cid)
		}
	}
	return nil
}

func (m *Memory) CountReviewCycles(ctx context.Context, applicationID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rc := range m.cycles {
		if rc.ApplicationID == applicationID {
			n++
		}
	}
	return n, nil
}

// Roles

func (m *Memory) CreateRole(ctx context.Context, role *models.ApplicationRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	role.ID = uuid.New()
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	m.roles[role.ID] = *role
	return nil
}

func (m *Memory) GetRole(ctx context.Context, id uuid.UUID) (*models.ApplicationRole, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[id]
	if !ok {
		return nil, nil
	}
	return &role, nil
}

func (m *Memory) GetRoleByName(ctx context.Context, applicationID uuid.UUID, name string) (*models.ApplicationRole, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, role := range m.roles {
		if role.ApplicationID == applicationID && strings.EqualFold(role.Name, strings.TrimSpace(name)) {
			return &role, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListRoles(ctx context.Context, applicationID uuid.UUID) ([]models.ApplicationRole, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ApplicationRole, 0)
	for _, role := range m.roles {
		if role.ApplicationID == applicationID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateRole(ctx context.Context, role *models.ApplicationRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	role.UpdatedAt = time.Now()
	m.roles[role.ID] = *role
	return nil
}

func (m *Memory) DeleteRole(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles, id)
	return nil
}

func (m *Memory) CountSodConflictsForRole(ctx context.Context, roleID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.conflicts {
		if c.Role1ID == roleID || c.Role2ID == roleID {
			n++
		}
	}
	return n, nil
}

// SoD conflicts

func (m *Memory) CreateSodConflict(ctx context.Context, c *models.SodConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Normalize()
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	m.conflicts[c.ID] = *c
	return nil
}

func (m *Memory) GetSodConflict(ctx context.Context, id uuid.UUID) (*models.SodConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) GetSodConflictByRoles(ctx context.Context, role1ID, role2ID uuid.UUID) (*models.SodConflict, error) {
	probe := models.SodConflict{Role1ID: role1ID, Role2ID: role2ID}
	probe.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conflicts {
		if c.Role1ID == probe.Role1ID && c.Role2ID == probe.Role2ID {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListSodConflicts(ctx context.Context, applicationID uuid.UUID) ([]models.SodConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SodConflict, 0)
	for _, c := range m.conflicts {
		if c.ApplicationID == applicationID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteSodConflict(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conflicts, id)
	return nil
}

// Frameworks

func (m *Memory) CreateFramework(ctx context.Context, fw *models.Framework) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fw.ID = uuid.New()
	fw.CreatedAt = time.Now()
	fw.UpdatedAt = fw.CreatedAt
	for i := range fw.CheckCategories {
		fw.CheckCategories[i].ID = uuid.New()
		fw.CheckCategories[i].FrameworkID = fw.ID
	}
	m.frameworks[fw.ID] = cloneFramework(*fw)
	return nil
}

func (m *Memory) GetFramework(ctx context.Context, id uuid.UUID) (*models.Framework, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fw, ok := m.frameworks[id]
	if !ok {
		return nil, nil
	}
	fw = cloneFramework(fw)
	return &fw, nil
}

func (m *Memory) GetDefaultFramework(ctx context.Context) (*models.Framework, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, fw := range m.frameworks {
		if fw.IsDefault && fw.IsActive {
			fw = cloneFramework(fw)
			return &fw, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListFrameworks(ctx context.Context) ([]models.Framework, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Framework, 0, len(m.frameworks))
	for _, fw := range m.frameworks {
		out = append(out, cloneFramework(fw))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateFramework(ctx context.Context, fw *models.Framework) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fw.UpdatedAt = time.Now()
	for i := range fw.CheckCategories {
		if fw.CheckCategories[i].ID == uuid.Nil {
			fw.CheckCategories[i].ID = uuid.New()
		}
		fw.CheckCategories[i].FrameworkID = fw.ID
	}
	m.frameworks[fw.ID] = cloneFramework(*fw)
	return nil
}

// SetDefaultFramework swaps the default under one lock, so no reader sees
// zero or two defaults.
func (m *Memory) SetDefaultFramework(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fid, fw := range m.frameworks {
		fw.IsDefault = fid == id
		m.frameworks[fid] = fw
	}
	return nil
}

func cloneFramework(fw models.Framework) models.Framework {
	if fw.CheckCategories != nil {
		cats := make([]models.CheckCategory, len(fw.CheckCategories))
		copy(cats, fw.CheckCategories)
		fw.CheckCategories = cats
	}
	return fw
}

// Employees

func (m *Memory) UpsertEmployee(ctx context.Context, emp *models.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, existing := range m.employees {
		if existing.EmployeeID == emp.EmployeeID {
			emp.ID = id
			emp.CreatedAt = existing.CreatedAt
			emp.UpdatedAt = now
			m.employees[id] = *emp
			return nil
		}
	}
	emp.ID = uuid.New()
	emp.CreatedAt = now
	emp.UpdatedAt = now
	m.employees[emp.ID] = *emp
	return nil
}

func (m *Memory) ListEmployees(ctx context.Context) ([]models.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Employee, 0, len(m.employees))
	for _, emp := range m.employees {
		out = append(out, emp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

// Review cycles

func (m *Memory) CreateReviewCycle(ctx context.Context, rc *models.ReviewCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc.ID = uuid.New()
	rc.CreatedAt = time.Now()
	rc.UpdatedAt = rc.CreatedAt
	m.cycles[rc.ID] = *rc
	return nil
}

func (m *Memory) GetReviewCycle(ctx context.Context, id uuid.UUID) (*models.ReviewCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.cycles[id]
	if !ok {
		return nil, nil
	}
	return &rc, nil
}

func (m *Memory) ListReviewCycles(ctx context.Context, filter models.ReviewCycleFilter) ([]models.ReviewCycle, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ReviewCycle, 0)
	for _, rc := range m.cycles {
		if filter.ApplicationID != nil && rc.ApplicationID != *filter.ApplicationID {
			continue
		}
		if filter.Status != nil && rc.Status != *filter.Status {
			continue
		}
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	return page(out, filter.Limit, filter.Offset), total, nil
}

func (m *Memory) UpdateReviewCycle(ctx context.Context, rc *models.ReviewCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.cycles[rc.ID]
	if !ok {
		return nil
	}
	rc.FindingCounts = existing.FindingCounts
	rc.UpdatedAt = time.Now()
	m.cycles[rc.ID] = *rc
	return nil
}

func (m *Memory) UpdateReviewCycleCounts(ctx context.Context, id uuid.UUID, counts models.FindingCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.cycles[id]
	if !ok {
		return nil
	}
	rc.FindingCounts = counts
	rc.UpdatedAt = time.Now()
	m.cycles[id] = rc
	return nil
}

func (m *Memory) DeleteReviewCycle(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cycles, id)
	for rid, r := range m.records {
		if r.ReviewCycleID == id {
			delete(m.records, rid)
		}
	}
	for fid, f := range m.findings {
		if f.ReviewCycleID == id {
			delete(m.findings, fid)
		}
	}
	return nil
}

// Access records

// UpsertAccessRecord keys records on (review cycle, lower(username)).
func (m *Memory) UpsertAccessRecord(ctx context.Context, rec *models.UserAccessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, existing := range m.records {
		if existing.ReviewCycleID == rec.ReviewCycleID && strings.EqualFold(existing.Username, rec.Username) {
			rec.ID = id
			rec.CreatedAt = existing.CreatedAt
			rec.UpdatedAt = now
			m.records[id] = *rec
			return nil
		}
	}
	rec.ID = uuid.New()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.ID] = *rec
	return nil
}

func (m *Memory) GetAccessRecord(ctx context.Context, id uuid.UUID) (*models.UserAccessRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) ListAccessRecords(ctx context.Context, filter models.AccessRecordFilter) ([]models.UserAccessRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.UserAccessRecord, 0)
	for _, rec := range m.records {
		if rec.ReviewCycleID != filter.ReviewCycleID {
			continue
		}
		if filter.ReviewStatus != nil && rec.ReviewStatus != *filter.ReviewStatus {
			continue
		}
		if filter.OnlyUnmatched && rec.IsMatched {
			continue
		}
		if filter.OnlyFlagged && !(rec.HasPrivilegedAccess || rec.HasSodConflict || rec.IsDormant) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	total := len(out)
	return page(out, filter.Limit, filter.Offset), total, nil
}

func (m *Memory) UpdateAccessRecordStatus(ctx context.Context, id uuid.UUID, status models.AccessReviewStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	rec.ReviewStatus = status
	rec.UpdatedAt = time.Now()
	m.records[id] = rec
	return nil
}

// DeleteAccessRecords also drops the findings raised against the records.
func (m *Memory) DeleteAccessRecords(ctx context.Context, reviewCycleID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if rec.ReviewCycleID == reviewCycleID {
			delete(m.records, id)
			n++
		}
	}
	for id, f := range m.findings {
		if f.ReviewCycleID == reviewCycleID {
			delete(m.findings, id)
		}
	}
	return n, nil
}

// Findings

func (m *Memory) CreateFinding(ctx context.Context, f *models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = uuid.New()
	f.CreatedAt = time.Now()
	f.UpdatedAt = f.CreatedAt
	m.findings[f.ID] = *f
	return nil
}

func (m *Memory) GetFinding(ctx context.Context, id uuid.UUID) (*models.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.findings[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *Memory) ListFindings(ctx context.Context, filter models.FindingFilter) ([]models.Finding, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Finding, 0)
	for _, f := range m.findings {
		if filter.ReviewCycleID != nil && f.ReviewCycleID != *filter.ReviewCycleID {
			continue
		}
		if filter.Severity != nil && f.Severity != *filter.Severity {
			continue
		}
		if filter.Status != nil && f.Status != *filter.Status {
			continue
		}
		if filter.FindingType != nil && f.FindingType != *filter.FindingType {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	total := len(out)
	return page(out, filter.Limit, filter.Offset), total, nil
}

func (m *Memory) UpdateFinding(ctx context.Context, f *models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.findings[f.ID]; !ok {
		return nil
	}
	f.UpdatedAt = time.Now()
	m.findings[f.ID] = *f
	return nil
}

func (m *Memory) DeleteOpenFindings(ctx context.Context, reviewCycleID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, f := range m.findings {
		if f.ReviewCycleID == reviewCycleID && f.Status == models.FindingStatusOpen {
			delete(m.findings, id)
			n++
		}
	}
	return n, nil
}

// Reports

func (m *Memory) CreateReport(ctx context.Context, r *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	m.reports[r.ID] = *r
	return nil
}

func (m *Memory) GetReport(ctx context.Context, id uuid.UUID) (*models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) ListReports(ctx context.Context, reviewCycleID *uuid.UUID, limit int) ([]models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Report, 0)
	for _, r := range m.reports {
		if reviewCycleID != nil && (r.ReviewCycleID == nil || *r.ReviewCycleID != *reviewCycleID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

func (m *Memory) UpdateReport(ctx context.Context, r *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = *r
	return nil
}

func (m *Memory) ListReportsCreatedBefore(ctx context.Context, before time.Time) ([]models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Report, 0)
	for _, r := range m.reports {
		if r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) DeleteReport(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reports, id)
	return nil
}

// page applies limit/offset; a zero limit returns everything after offset.
func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
