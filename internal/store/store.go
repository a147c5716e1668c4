package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/qualys/accessreview/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// arr keeps NOT NULL array columns from receiving NULL.
func arr(a models.StringArray) models.StringArray {
	if a == nil {
		return models.StringArray{}
	}
	return a
}

// Applications

func (s *Store) CreateApplication(ctx context.Context, app *models.Application) error {
	query := `
		INSERT INTO applications (
			id, name, description, vendor, system_owner, business_unit, purpose,
			typical_users, sensitive_functions, access_request_process,
			data_classification, criticality, regulatory_scope, framework_id,
			profile_completeness, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	app.ID = uuid.New()
	app.CreatedAt = time.Now()
	app.UpdatedAt = app.CreatedAt

	_, err := s.db.ExecContext(ctx, query,
		app.ID,
		app.Name,
		app.Description,
		app.Vendor,
		app.SystemOwner,
		app.BusinessUnit,
		app.Purpose,
		app.TypicalUsers,
		app.SensitiveFunctions,
		app.AccessRequestProcess,
		app.DataClassification,
		app.Criticality,
		arr(app.RegulatoryScope),
		app.FrameworkID,
		app.ProfileCompleteness,
		app.IsActive,
		app.CreatedAt,
		app.UpdatedAt,
	)
	return err
}

func (s *Store) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	var app models.Application
	query := `SELECT * FROM applications WHERE id = $1`
	err := s.db.GetContext(ctx, &app, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &app, err
}

func (s *Store) ListApplications(ctx context.Context, includeInactive bool) ([]models.Application, error) {
	query := `SELECT * FROM applications WHERE 1=1`
	if !includeInactive {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY name"

	var apps []models.Application
	err := s.db.SelectContext(ctx, &apps, query)
	return apps, err
}

func (s *Store) UpdateApplication(ctx context.Context, app *models.Application) error {
	query := `
		UPDATE applications SET
			name = $2, description = $3, vendor = $4, system_owner = $5,
			business_unit = $6, purpose = $7, typical_users = $8,
			sensitive_functions = $9, access_request_process = $10,
			data_classification = $11, criticality = $12, regulatory_scope = $13,
			framework_id = $14, profile_completeness = $15, is_active = $16,
			updated_at = $17
		WHERE id = $1
	`
	app.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, query,
		app.ID,
		app.Name,
		app.Description,
		app.Vendor,
		app.SystemOwner,
		app.BusinessUnit,
		app.Purpose,
		app.TypicalUsers,
		app.SensitiveFunctions,
		app.AccessRequestProcess,
		app.DataClassification,
		app.Criticality,
		arr(app.RegulatoryScope),
		app.FrameworkID,
		app.ProfileCompleteness,
		app.IsActive,
		app.UpdatedAt,
	)
	return err
}

// DeleteApplication removes the application, its roles and SoD rules.
func (s *Store) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sod_conflicts WHERE application_id = $1`, id); err != nil {
			return fmt.Errorf("deleting sod conflicts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM application_roles WHERE application_id = $1`, id); err != nil {
			return fmt.Errorf("deleting roles: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE id = $1`, id); err != nil {
			return fmt.Errorf("deleting application: %w", err)
		}
		return nil
	})
}

func (s *Store) CountReviewCycles(ctx context.Context, applicationID uuid.UUID) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM review_cycles WHERE application_id = $1`, applicationID)
	return count, err
}

// Roles

func (s *Store) CreateRole(ctx context.Context, role *models.ApplicationRole) error {
	query := `
		INSERT INTO application_roles (id, application_id, name, description, risk_level, is_privileged, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	role.ID = uuid.New()
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt

	_, err := s.db.ExecContext(ctx, query,
		role.ID,
		role.ApplicationID,
		role.Name,
		role.Description,
		role.RiskLevel,
		role.IsPrivileged,
		role.CreatedAt,
		role.UpdatedAt,
	)
	return err
}

func (s *Store) GetRole(ctx context.Context, id uuid.UUID) (*models.ApplicationRole, error) {
	var role models.ApplicationRole
	err := s.db.GetContext(ctx, &role, `SELECT * FROM application_roles WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &role, err
}

func (s *Store) GetRoleByName(ctx context.Context, applicationID uuid.UUID, name string) (*models.ApplicationRole, error) {
	var role models.ApplicationRole
	query := `SELECT * FROM application_roles WHERE application_id = $1 AND lower(name) = lower(trim($2))`
	err := s.db.GetContext(ctx, &role, query, applicationID, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &role, err
}

func (s *Store) ListRoles(ctx context.Context, applicationID uuid.UUID) ([]models.ApplicationRole, error) {
	var roles []models.ApplicationRole
	err := s.db.SelectContext(ctx, &roles,
		`SELECT * FROM application_roles WHERE application_id = $1 ORDER BY name`, applicationID)
	return roles, err
}

func (s *Store) UpdateRole(ctx context.Context, role *models.ApplicationRole) error {
	query := `
		UPDATE application_roles SET name = $2, description = $3, risk_level = $4, is_privileged = $5, updated_at = $6
		WHERE id = $1
	`
	role.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, query, role.ID, role.Name, role.Description, role.RiskLevel, role.IsPrivileged, role.UpdatedAt)
	return err
}

func (s *Store) DeleteRole(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM application_roles WHERE id = $1`, id)
	return err
}

func (s *Store) CountSodConflictsForRole(ctx context.Context, roleID uuid.UUID) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM sod_conflicts WHERE role1_id = $1 OR role2_id = $1`, roleID)
	return count, err
}

// SoD conflicts

func (s *Store) CreateSodConflict(ctx context.Context, c *models.SodConflict) error {
	query := `
		INSERT INTO sod_conflicts (id, application_id, role1_id, role2_id, severity, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	c.Normalize()
	c.ID = uuid.New()
	c.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.ApplicationID,
		c.Role1ID,
		c.Role2ID,
		c.Severity,
		c.Description,
		c.CreatedAt,
	)
	return err
}

func (s *Store) GetSodConflict(ctx context.Context, id uuid.UUID) (*models.SodConflict, error) {
	var c models.SodConflict
	err := s.db.GetContext(ctx, &c, `SELECT * FROM sod_conflicts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *Store) GetSodConflictByRoles(ctx context.Context, role1ID, role2ID uuid.UUID) (*models.SodConflict, error) {
	probe := models.SodConflict{Role1ID: role1ID, Role2ID: role2ID}
	probe.Normalize()

	var c models.SodConflict
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM sod_conflicts WHERE role1_id = $1 AND role2_id = $2`, probe.Role1ID, probe.Role2ID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *Store) ListSodConflicts(ctx context.Context, applicationID uuid.UUID) ([]models.SodConflict, error) {
	var conflicts []models.SodConflict
	err := s.db.SelectContext(ctx, &conflicts,
		`SELECT * FROM sod_conflicts WHERE application_id = $1 ORDER BY created_at`, applicationID)
	return conflicts, err
}

func (s *Store) DeleteSodConflict(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sod_conflicts WHERE id = $1`, id)
	return err
}

// Employees

// UpsertEmployee keys the roster on the HR employee id.
func (s *Store) UpsertEmployee(ctx context.Context, emp *models.Employee) error {
	query := `
		INSERT INTO employees (
			id, employee_id, email, first_name, last_name, department, job_title,
			manager, hire_date, employment_status, termination_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (employee_id) DO UPDATE SET
			email = EXCLUDED.email,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			department = EXCLUDED.department,
			job_title = EXCLUDED.job_title,
			manager = EXCLUDED.manager,
			hire_date = EXCLUDED.hire_date,
			employment_status = EXCLUDED.employment_status,
			termination_date = EXCLUDED.termination_date,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`
	now := time.Now()
	row := s.db.QueryRowxContext(ctx, query,
		uuid.New(),
		emp.EmployeeID,
		emp.Email,
		emp.FirstName,
		emp.LastName,
		emp.Department,
		emp.JobTitle,
		emp.Manager,
		emp.HireDate,
		emp.EmploymentStatus,
		emp.TerminationDate,
		now,
	)
	return row.Scan(&emp.ID, &emp.CreatedAt, &emp.UpdatedAt)
}

func (s *Store) ListEmployees(ctx context.Context) ([]models.Employee, error) {
	var employees []models.Employee
	err := s.db.SelectContext(ctx, &employees, `SELECT * FROM employees ORDER BY employee_id`)
	return employees, err
}
