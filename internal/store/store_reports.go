package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

func (s *Store) CreateReport(ctx context.Context, r *models.Report) error {
	query := `
		INSERT INTO reports (
			id, review_cycle_id, report_type, format, status, file_name, file_path,
			file_size, storage_backend, error, generated_by, generated_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	r.ID = uuid.New()
	r.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.ReviewCycleID,
		r.ReportType,
		r.Format,
		r.Status,
		r.FileName,
		r.FilePath,
		r.FileSize,
		r.StorageBackend,
		r.Error,
		r.GeneratedBy,
		r.GeneratedAt,
		r.CreatedAt,
	)
	return err
}

func (s *Store) GetReport(ctx context.Context, id uuid.UUID) (*models.Report, error) {
	var r models.Report
	err := s.db.GetContext(ctx, &r, `SELECT * FROM reports WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &r, err
}

func (s *Store) ListReports(ctx context.Context, reviewCycleID *uuid.UUID, limit int) ([]models.Report, error) {
	query := `SELECT * FROM reports WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if reviewCycleID != nil {
		query += fmt.Sprintf(" AND review_cycle_id = $%d", argIdx)
		args = append(args, *reviewCycleID)
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	query, args = paginate(query, args, argIdx, limit, 0)

	var reports []models.Report
	err := s.db.SelectContext(ctx, &reports, query, args...)
	return reports, err
}

func (s *Store) UpdateReport(ctx context.Context, r *models.Report) error {
	query := `
		UPDATE reports SET
			status = $2, file_name = $3, file_path = $4, file_size = $5,
			storage_backend = $6, error = $7, generated_at = $8
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.Status,
		r.FileName,
		r.FilePath,
		r.FileSize,
		r.StorageBackend,
		r.Error,
		r.GeneratedAt,
	)
	return err
}

func (s *Store) ListReportsCreatedBefore(ctx context.Context, before time.Time) ([]models.Report, error) {
	var reports []models.Report
	err := s.db.SelectContext(ctx, &reports,
		`SELECT * FROM reports WHERE created_at < $1 ORDER BY created_at`, before)
	return reports, err
}

func (s *Store) DeleteReport(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id)
	return err
}
