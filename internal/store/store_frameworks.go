package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qualys/accessreview/internal/models"
)

// CreateFramework inserts the framework and its check categories together.
func (s *Store) CreateFramework(ctx context.Context, fw *models.Framework) error {
	fw.ID = uuid.New()
	fw.CreatedAt = time.Now()
	fw.UpdatedAt = fw.CreatedAt

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO frameworks (
				id, name, description, version, review_frequency, attestation_type,
				regulatory_scope, dormant_days, warning_days, critical_days,
				is_default, is_active, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`
		_, err := tx.ExecContext(ctx, query,
			fw.ID,
			fw.Name,
			fw.Description,
			fw.Version,
			fw.ReviewFrequency,
			fw.AttestationType,
			arr(fw.RegulatoryScope),
			fw.DormantDays,
			fw.WarningDays,
			fw.CriticalDays,
			fw.IsDefault,
			fw.IsActive,
			fw.CreatedAt,
			fw.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting framework: %w", err)
		}
		return insertCategories(ctx, tx, fw)
	})
}

func insertCategories(ctx context.Context, tx *sqlx.Tx, fw *models.Framework) error {
	query := `
		INSERT INTO check_categories (id, framework_id, name, check_type, default_severity, severity_rules, is_enabled, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for i := range fw.CheckCategories {
		cat := &fw.CheckCategories[i]
		if cat.ID == uuid.Nil {
			cat.ID = uuid.New()
		}
		cat.FrameworkID = fw.ID
		_, err := tx.ExecContext(ctx, query,
			cat.ID,
			cat.FrameworkID,
			cat.Name,
			cat.CheckType,
			cat.DefaultSeverity,
			cat.SeverityRules,
			cat.IsEnabled,
			cat.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("inserting check category %q: %w", cat.Name, err)
		}
	}
	return nil
}

func (s *Store) GetFramework(ctx context.Context, id uuid.UUID) (*models.Framework, error) {
	var fw models.Framework
	err := s.db.GetContext(ctx, &fw, `SELECT * FROM frameworks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadCategories(ctx, &fw); err != nil {
		return nil, err
	}
	return &fw, nil
}

func (s *Store) GetDefaultFramework(ctx context.Context) (*models.Framework, error) {
	var fw models.Framework
	err := s.db.GetContext(ctx, &fw, `SELECT * FROM frameworks WHERE is_default AND is_active LIMIT 1`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadCategories(ctx, &fw); err != nil {
		return nil, err
	}
	return &fw, nil
}

func (s *Store) ListFrameworks(ctx context.Context) ([]models.Framework, error) {
	var frameworks []models.Framework
	if err := s.db.SelectContext(ctx, &frameworks, `SELECT * FROM frameworks ORDER BY name`); err != nil {
		return nil, err
	}

	var cats []models.CheckCategory
	if err := s.db.SelectContext(ctx, &cats, `SELECT * FROM check_categories ORDER BY sort_order, name`); err != nil {
		return nil, fmt.Errorf("listing check categories: %w", err)
	}
	byFramework := make(map[uuid.UUID][]models.CheckCategory)
	for _, c := range cats {
		byFramework[c.FrameworkID] = append(byFramework[c.FrameworkID], c)
	}
	for i := range frameworks {
		frameworks[i].CheckCategories = byFramework[frameworks[i].ID]
	}
	return frameworks, nil
}

func (s *Store) loadCategories(ctx context.Context, fw *models.Framework) error {
	var cats []models.CheckCategory
	err := s.db.SelectContext(ctx, &cats,
		`SELECT * FROM check_categories WHERE framework_id = $1 ORDER BY sort_order, name`, fw.ID)
	if err != nil {
		return fmt.Errorf("loading check categories: %w", err)
	}
	fw.CheckCategories = cats
	return nil
}

// UpdateFramework rewrites the framework row and replaces its categories.
// The default flag is only changed through SetDefaultFramework.
func (s *Store) UpdateFramework(ctx context.Context, fw *models.Framework) error {
	fw.UpdatedAt = time.Now()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE frameworks SET
				name = $2, description = $3, version = $4, review_frequency = $5,
				attestation_type = $6, regulatory_scope = $7, dormant_days = $8,
				warning_days = $9, critical_days = $10, is_active = $11, updated_at = $12
			WHERE id = $1
		`
		_, err := tx.ExecContext(ctx, query,
			fw.ID,
			fw.Name,
			fw.Description,
			fw.Version,
			fw.ReviewFrequency,
			fw.AttestationType,
			arr(fw.RegulatoryScope),
			fw.DormantDays,
			fw.WarningDays,
			fw.CriticalDays,
			fw.IsActive,
			fw.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("updating framework: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM check_categories WHERE framework_id = $1`, fw.ID); err != nil {
			return fmt.Errorf("clearing check categories: %w", err)
		}
		return insertCategories(ctx, tx, fw)
	})
}

// SetDefaultFramework clears the old default and sets the new one in a
// single transaction, so readers never see zero or two defaults.
func (s *Store) SetDefaultFramework(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE frameworks SET is_default = FALSE, updated_at = $2 WHERE is_default AND id <> $1`, id, now); err != nil {
			return fmt.Errorf("clearing default framework: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE frameworks SET is_default = TRUE, updated_at = $2 WHERE id = $1`, id, now)
		if err != nil {
			return fmt.Errorf("setting default framework: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("framework %s not found", id)
		}
		return nil
	})
}
