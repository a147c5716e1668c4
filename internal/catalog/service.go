// Package catalog manages the reviewed applications, their roles and
// segregation of duties rules, review frameworks and the employee roster.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/profile"
)

// Store getters return (nil, nil) when the row does not exist.
type Store interface {
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
	ListApplications(ctx context.Context, includeInactive bool) ([]models.Application, error)
	UpdateApplication(ctx context.Context, app *models.Application) error
	DeleteApplication(ctx context.Context, id uuid.UUID) error
	CountReviewCycles(ctx context.Context, applicationID uuid.UUID) (int, error)

	CreateRole(ctx context.Context, role *models.ApplicationRole) error
	GetRole(ctx context.Context, id uuid.UUID) (*models.ApplicationRole, error)
	GetRoleByName(ctx context.Context, applicationID uuid.UUID, name string) (*models.ApplicationRole, error)
	ListRoles(ctx context.Context, applicationID uuid.UUID) ([]models.ApplicationRole, error)
	UpdateRole(ctx context.Context, role *models.ApplicationRole) error
	DeleteRole(ctx context.Context, id uuid.UUID) error
	CountSodConflictsForRole(ctx context.Context, roleID uuid.UUID) (int, error)

	CreateSodConflict(ctx context.Context, c *models.SodConflict) error
	GetSodConflict(ctx context.Context, id uuid.UUID) (*models.SodConflict, error)
	GetSodConflictByRoles(ctx context.Context, role1ID, role2ID uuid.UUID) (*models.SodConflict, error)
	ListSodConflicts(ctx context.Context, applicationID uuid.UUID) ([]models.SodConflict, error)
	DeleteSodConflict(ctx context.Context, id uuid.UUID) error

	CreateFramework(ctx context.Context, fw *models.Framework) error
	GetFramework(ctx context.Context, id uuid.UUID) (*models.Framework, error)
	GetDefaultFramework(ctx context.Context) (*models.Framework, error)
	ListFrameworks(ctx context.Context) ([]models.Framework, error)
	UpdateFramework(ctx context.Context, fw *models.Framework) error
	SetDefaultFramework(ctx context.Context, id uuid.UUID) error

	UpsertEmployee(ctx context.Context, emp *models.Employee) error
	ListEmployees(ctx context.Context) ([]models.Employee, error)
}

type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Applications

func (s *Service) CreateApplication(ctx context.Context, app *models.Application, actor models.Actor) error {
	if err := requireMutate(actor); err != nil {
		return err
	}
	if err := s.validateApplication(ctx, app); err != nil {
		return err
	}
	app.IsActive = true
	app.ProfileCompleteness = profile.Score(app)
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return fmt.Errorf("creating application: %w", err)
	}
	s.logger.Info("application created", "application_id", app.ID, "completeness", app.ProfileCompleteness)
	return nil
}

func (s *Service) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting application: %w", err)
	}
	if app == nil {
		return nil, &models.NotFoundError{Entity: "application", ID: id.String()}
	}
	return app, nil
}

func (s *Service) ListApplications(ctx context.Context, includeInactive bool) ([]models.Application, error) {
	return s.store.ListApplications(ctx, includeInactive)
}

func (s *Service) UpdateApplication(ctx context.Context, app *models.Application, actor models.Actor) error {
	if err := requireMutate(actor); err != nil {
		return err
	}
	existing, err := s.GetApplication(ctx, app.ID)
	if err != nil {
		return err
	}
	if err := s.validateApplication(ctx, app); err != nil {
		return err
	}
	app.IsActive = existing.IsActive
	app.CreatedAt = existing.CreatedAt
	app.ProfileCompleteness = profile.Score(app)
	if err := s.store.UpdateApplication(ctx, app); err != nil {
		return fmt.Errorf("updating application: %w", err)
	}
	return nil
}

// DeleteApplication deactivates an application that has review history and
// removes it otherwise. It reports whether the row was removed.
func (s *Service) DeleteApplication(ctx context.Context, id uuid.UUID, actor models.Actor) (bool, error) {
	if err := requireMutate(actor); err != nil {
		return false, err
	}
	app, err := s.GetApplication(ctx, id)
	if err != nil {
		return false, err
	}

	cycles, err := s.store.CountReviewCycles(ctx, id)
	if err != nil {
		return false, fmt.Errorf("counting review cycles: %w", err)
	}
	if cycles > 0 {
		app.IsActive = false
		if err := s.store.UpdateApplication(ctx, app); err != nil {
			return false, fmt.Errorf("deactivating application: %w", err)
		}
		s.logger.Info("application deactivated", "application_id", id, "review_cycles", cycles)
		return false, nil
	}

	if err := s.store.DeleteApplication(ctx, id); err != nil {
		return false, fmt.Errorf("deleting application: %w", err)
	}
	s.logger.Info("application deleted", "application_id", id)
	return true, nil
}

func (s *Service) validateApplication(ctx context.Context, app *models.Application) error {
	app.Name = strings.TrimSpace(app.Name)
	if app.Name == "" {
		return models.NewValidationError("name", "is required")
	}
	if app.DataClassification == "" {
		app.DataClassification = models.ClassificationInternal
	}
	if app.Criticality == "" {
		app.Criticality = models.CriticalityMedium
	}
	if app.FrameworkID != nil {
		fw, err := s.store.GetFramework(ctx, *app.FrameworkID)
		if err != nil {
			return fmt.Errorf("getting framework: %w", err)
		}
		if fw == nil {
			return &models.NotFoundError{Entity: "framework", ID: app.FrameworkID.String()}
		}
	}
	return nil
}

// Roles

func (s *Service) CreateRole(ctx context.Context, role *models.ApplicationRole, actor models.Actor) error {
	if err := requireMutate(actor); err != nil {
		return err
	}
	if _, err := s.GetApplication(ctx, role.ApplicationID); err != nil {
		return err
	}
	if err := s.checkRoleName(ctx, role); err != nil {
		return err
	}
	if role.RiskLevel == "" {
		role.RiskLevel = models.SeverityLow
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return fmt.Errorf("creating role: %w", err)
	}
	return nil
}

func (s *Service) ListRoles(ctx context.Context, applicationID uuid.UUID) ([]models.ApplicationRole, error) {
	if _, err := s.GetApplication(ctx, applicationID); err != nil {
		return nil, err
	}
	return s.store.ListRoles(ctx, applicationID)
}

func (s *Service) UpdateRole(ctx context.Context, role *models.ApplicationRole, actor models.Actor) error {
	if err := requireMutate(actor); err != nil {
		return err
	}
	existing, err := s.getRole(ctx, role.ID)
	if err != nil {
		return err
	}
	role.ApplicationID = existing.ApplicationID
	role.CreatedAt = existing.CreatedAt
	if err := s.checkRoleName(ctx, role); err != nil {
		return err
	}
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return fmt.Errorf("updating role: %w", err)
	}
	return nil
}

// DeleteRole refuses while any SoD rule references the role.
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID, actor models.Actor) error {
	if err := requireMutate(actor); err != nil {
		return err
	}
	if _, err := s.getRole(ctx, id); err != nil {
		return err
	}
	refs, err := s.store.CountSodConflictsForRole(ctx, id)
	if err != nil {
		return fmt.Errorf("counting sod conflicts: %w", err)
	}
	if refs > 0 {
		return &models.ValidationError{
			Message: "role is referenced by segregation of duties rules",
			Fields: []models.FieldError{{
				Field:   "roleId",
				Message: fmt.Sprintf("is referenced by %d sod conflict(s)", refs),
			}},
		}
	}
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return fmt.Errorf("deleting role: %w", err)
	}
	return nil
}

func (s *Service) getRole(ctx context.Context, id uuid.UUID) (*models.ApplicationRole, error) {
	role, err := s.store.GetRole(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting role: %w", err)
	}
	if role == nil {
		return nil, &models.NotFoundError{Entity: "role", ID: id.String()}
	}
	return role, nil
}

// checkRoleName enforces case-insensitive uniqueness within the application.
func (s *Service) checkRoleName(ctx context.Context, role *models.ApplicationRole) error {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return models.NewValidationError("name", "is required")
	}
	if role.RiskLevel != "" && !role.RiskLevel.Valid() {
		return models.NewValidationError("riskLevel", "must be one of CRITICAL, HIGH, MEDIUM, LOW, INFO")
	}
	existing, err := s.store.GetRoleByName(ctx, role.ApplicationID, role.Name)
	if err != nil {
		return fmt.Errorf("checking role name: %w", err)
	}
	if existing != nil && existing.ID != role.ID {
		return models.NewValidationError("name", fmt.Sprintf("role %q already exists for this application", existing.Name))
	}
	return nil
}

// SoD conflicts

func (s *Service) CreateSodConflict(ctx context.Context, c *models.SodConflict, actor models.Actor) error {
	if err := requireMutate(actor); err != nil {
		return err
	}
	if c.Role1ID == c.Role2ID {
		return models.NewValidationError("role2Id", "must differ from role1Id")
	}
	for _, id := range []uuid.UUID{c.Role1ID, c.Role2ID} {
		role, err := s.getRole(ctx, id)
		if err != nil {
			return err
		}
		if role.ApplicationID != c.ApplicationID {
			return models.NewValidationError("roleId", fmt.Sprintf("role %s belongs to another application", id))
		}
	}
	if c.Severity == "" {
		c.Severity = models.SeverityHigh
	}
	if !c.Severity.Valid() {
		return models.NewValidationError("severity", "must be one of CRITICAL, HIGH, MEDIUM, LOW, INFO")
	}

	c.Normalize()
	dup, err := s.store.GetSodConflictByRoles(ctx, c.Role1ID, c.Role2ID)
	if err != nil {
		return fmt.Errorf("checking sod conflict: %w", err)
	}
	if dup != nil {
		return models.NewValidationError("roles", "a conflict for this role pair already exists")
	}

	if err := s.store.CreateSodConflict(ctx, c); err != nil {
		return fmt.Errorf("creating sod conflict: %w", err)
	}
	return nil
}

func (s *Service) ListSodConflicts(ctx context.Context, applicationID uuid.UUID) ([]models.SodConflict, error) {
	if _, err := s.GetApplication(ctx, applicationID); err != nil {
		return nil, err
	}
	return s.store.ListSodConflicts(ctx, applicationID)
}

func (s *Service) DeleteSodConflict(ctx context.Context, id uuid.UUID, actor models.Actor) error {
	if err := requireMutate(actor); err != nil {
		return err
	}
	c, err := s.store.GetSodConflict(ctx, id)
	if err != nil {
		return fmt.Errorf("getting sod conflict: %w", err)
	}
	if c == nil {
		return &models.NotFoundError{Entity: "sod conflict", ID: id.String()}
	}
	if err := s.store.DeleteSodConflict(ctx, id); err != nil {
		return fmt.Errorf("deleting sod conflict: %w", err)
	}
	return nil
}

// Frameworks

func (s *Service) CreateFramework(ctx context.Context, fw *models.Framework, actor models.Actor) error {
	if err := requireMutate(actor); err != nil {
		return err
	}
	if err := validateFramework(fw); err != nil {
		return err
	}
	makeDefault := fw.IsDefault
	fw.IsDefault = false
	fw.IsActive = true
	if err := s.store.CreateFramework(ctx, fw); err != nil {
		return fmt.Errorf("creating framework: %w", err)
	}
	if makeDefault {
		if err := s.store.SetDefaultFramework(ctx, fw.ID); err != nil {
			return fmt.Errorf("setting default framework: %w", err)
		}
		fw.IsDefault = true
	}
	return nil
}

func (s *Service) GetFramework(ctx context.Context, id uuid.UUID) (*models.Framework, error) {
	fw, err := s.store.GetFramework(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting framework: %w", err)
	}
	if fw == nil {
		return nil, &models.NotFoundError{Entity: "framework", ID: id.String()}
	}
	return fw, nil
}

func (s *Service) ListFrameworks(ctx context.Context) ([]models.Framework, error) {
	return s.store.ListFrameworks(ctx)
}

// UpdateFramework leaves the default flag alone; use SetDefaultFramework.
func (s *Service) UpdateFramework(ctx context.Context, fw *models.Framework, actor models.Actor) error {
	if err := requireMutate(actor); err != nil {
		return err
	}
	existing, err := s.GetFramework(ctx, fw.ID)
	if err != nil {
		return err
	}
	if err := validateFramework(fw); err != nil {
		return err
	}
	fw.IsDefault = existing.IsDefault
	fw.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateFramework(ctx, fw); err != nil {
		return fmt.Errorf("updating framework: %w", err)
	}
	return nil
}

// SetDefaultFramework makes id the only default framework.
func (s *Service) SetDefaultFramework(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Framework, error) {
	if err := requireMutate(actor); err != nil {
		return nil, err
	}
	fw, err := s.GetFramework(ctx, id)
	if err != nil {
		return nil, err
	}
	if !fw.IsActive {
		return nil, models.NewValidationError("frameworkId", "an inactive framework cannot be the default")
	}
	if err := s.store.SetDefaultFramework(ctx, id); err != nil {
		return nil, fmt.Errorf("setting default framework: %w", err)
	}
	fw.IsDefault = true
	s.logger.Info("default framework changed", "framework_id", id)
	return fw, nil
}

func validateFramework(fw *models.Framework) error {
	var fields []models.FieldError
	fw.Name = strings.TrimSpace(fw.Name)
	if fw.Name == "" {
		fields = append(fields, models.FieldError{Field: "name", Message: "is required"})
	}
	if fw.ReviewFrequency == "" {
		fw.ReviewFrequency = models.FrequencyQuarterly
	}
	if fw.AttestationType == "" {
		fw.AttestationType = models.AttestationSingle
	}
	if fw.DormantDays < 0 {
		fields = append(fields, models.FieldError{Field: "thresholds.dormantDays", Message: "must not be negative"})
	}
	if fw.WarningDays > 0 && fw.CriticalDays > 0 && fw.WarningDays > fw.CriticalDays {
		fields = append(fields, models.FieldError{Field: "thresholds.warningDays", Message: "must not exceed criticalDays"})
	}
	for i := range fw.CheckCategories {
		cat := &fw.CheckCategories[i]
		if strings.TrimSpace(cat.Name) == "" {
			fields = append(fields, models.FieldError{Field: fmt.Sprintf("checkCategories[%d].name", i), Message: "is required"})
		}
		if cat.DefaultSeverity == "" {
			cat.DefaultSeverity = models.SeverityMedium
		}
		if !cat.DefaultSeverity.Valid() {
			fields = append(fields, models.FieldError{Field: fmt.Sprintf("checkCategories[%d].defaultSeverity", i), Message: "is not a valid severity"})
		}
		if _, err := cat.Rules(); err != nil {
			fields = append(fields, models.FieldError{Field: fmt.Sprintf("checkCategories[%d].severityRules", i), Message: err.Error()})
		}
		if cat.SortOrder == 0 {
			cat.SortOrder = i + 1
		}
	}
	if len(fields) > 0 {
		return &models.ValidationError{Message: "invalid framework", Fields: fields}
	}
	return nil
}

// Employees

// ImportEmployees upserts roster rows keyed by employee id.
func (s *Service) ImportEmployees(ctx context.Context, employees []models.Employee, actor models.Actor) (int, error) {
	if err := requireMutate(actor); err != nil {
		return 0, err
	}
	n := 0
	for i := range employees {
		emp := &employees[i]
		emp.EmployeeID = strings.TrimSpace(emp.EmployeeID)
		if emp.EmployeeID == "" {
			return n, models.NewValidationError(fmt.Sprintf("employees[%d].employeeId", i), "is required")
		}
		if emp.EmploymentStatus == "" {
			emp.EmploymentStatus = models.EmploymentUnknown
		}
		if err := s.store.UpsertEmployee(ctx, emp); err != nil {
			return n, fmt.Errorf("upserting employee %s: %w", emp.EmployeeID, err)
		}
		n++
	}
	s.logger.Info("employee roster imported", "count", n)
	return n, nil
}

func (s *Service) ListEmployees(ctx context.Context) ([]models.Employee, error) {
	return s.store.ListEmployees(ctx)
}

func requireMutate(actor models.Actor) error {
	if !actor.CanMutate() {
		return &models.ForbiddenError{Reason: fmt.Sprintf("role %q may not modify the catalog", actor.Role)}
	}
	return nil
}
