package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

func (s *Store) CreateReviewCycle(ctx context.Context, rc *models.ReviewCycle) error {
	query := `
		INSERT INTO review_cycles (
			id, name, application_id, framework_id, year, quarter, status,
			due_date, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	rc.ID = uuid.New()
	rc.CreatedAt = time.Now()
	rc.UpdatedAt = rc.CreatedAt

	_, err := s.db.ExecContext(ctx, query,
		rc.ID,
		rc.Name,
		rc.ApplicationID,
		rc.FrameworkID,
		rc.Year,
		rc.Quarter,
		rc.Status,
		rc.DueDate,
		rc.CreatedBy,
		rc.CreatedAt,
		rc.UpdatedAt,
	)
	return err
}

func (s *Store) GetReviewCycle(ctx context.Context, id uuid.UUID) (*models.ReviewCycle, error) {
	var rc models.ReviewCycle
	err := s.db.GetContext(ctx, &rc, `SELECT * FROM review_cycles WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rc, err
}

func (s *Store) ListReviewCycles(ctx context.Context, filter models.ReviewCycleFilter) ([]models.ReviewCycle, int, error) {
	baseQuery := `FROM review_cycles WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filter.ApplicationID != nil {
		baseQuery += fmt.Sprintf(" AND application_id = $%d", argIdx)
		args = append(args, *filter.ApplicationID)
		argIdx++
	}
	if filter.Status != nil {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filter.Status)
		argIdx++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		return nil, 0, err
	}

	query := "SELECT * " + baseQuery + " ORDER BY created_at DESC"
	query, args = paginate(query, args, argIdx, filter.Limit, filter.Offset)

	var cycles []models.ReviewCycle
	err := s.db.SelectContext(ctx, &cycles, query, args...)
	return cycles, total, err
}

// UpdateReviewCycle persists status, timestamps and attestation fields.
// Finding counters are written only by UpdateReviewCycleCounts.
func (s *Store) UpdateReviewCycle(ctx context.Context, rc *models.ReviewCycle) error {
	query := `
		UPDATE review_cycles SET
			name = $2, status = $3, due_date = $4, snapshot_date = $5,
			started_at = $6, completed_at = $7, archived_at = $8,
			attested_by = $9, attested_at = $10, attestation_comment = $11,
			second_attested_by = $12, second_attested_at = $13, updated_at = $14
		WHERE id = $1
	`
	rc.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, query,
		rc.ID,
		rc.Name,
		rc.Status,
		rc.DueDate,
		rc.SnapshotDate,
		rc.StartedAt,
		rc.CompletedAt,
		rc.ArchivedAt,
		rc.AttestedBy,
		rc.AttestedAt,
		rc.AttestationComment,
		rc.SecondAttestedBy,
		rc.SecondAttestedAt,
		rc.UpdatedAt,
	)
	return err
}

func (s *Store) UpdateReviewCycleCounts(ctx context.Context, id uuid.UUID, counts models.FindingCounts) error {
	query := `
		UPDATE review_cycles SET
			total_findings = $2, critical_findings = $3, high_findings = $4,
			medium_findings = $5, low_findings = $6, updated_at = $7
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, id,
		counts.Total, counts.Critical, counts.High, counts.Medium, counts.Low, time.Now())
	return err
}

// DeleteReviewCycle cascades to access records and findings.
func (s *Store) DeleteReviewCycle(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM review_cycles WHERE id = $1`, id)
	return err
}

// Access records

// UpsertAccessRecord replaces an existing record for the same username
// (case-insensitive) in the same review cycle.
func (s *Store) UpsertAccessRecord(ctx context.Context, rec *models.UserAccessRecord) error {
	query := `
		INSERT INTO user_access_records (
			id, review_cycle_id, username, email, display_name, roles, matched_role_ids,
			last_login_at, grant_date, employee_id, is_matched, has_privileged_access,
			has_sod_conflict, sod_conflict_ids, is_dormant, review_status, raw_data,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)
		ON CONFLICT (review_cycle_id, lower(username)) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			roles = EXCLUDED.roles,
			matched_role_ids = EXCLUDED.matched_role_ids,
			last_login_at = EXCLUDED.last_login_at,
			grant_date = EXCLUDED.grant_date,
			employee_id = EXCLUDED.employee_id,
			is_matched = EXCLUDED.is_matched,
			has_privileged_access = EXCLUDED.has_privileged_access,
			has_sod_conflict = EXCLUDED.has_sod_conflict,
			sod_conflict_ids = EXCLUDED.sod_conflict_ids,
			is_dormant = EXCLUDED.is_dormant,
			review_status = EXCLUDED.review_status,
			raw_data = EXCLUDED.raw_data,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`
	now := time.Now()
	row := s.db.QueryRowxContext(ctx, query,
		uuid.New(),
		rec.ReviewCycleID,
		rec.Username,
		rec.Email,
		rec.DisplayName,
		arr(rec.Roles),
		arr(rec.MatchedRoleIDs),
		rec.LastLoginAt,
		rec.GrantDate,
		rec.EmployeeID,
		rec.IsMatched,
		rec.HasPrivilegedAccess,
		rec.HasSodConflict,
		arr(rec.SodConflictIDs),
		rec.IsDormant,
		rec.ReviewStatus,
		rec.RawData,
		now,
	)
	return row.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

func (s *Store) GetAccessRecord(ctx context.Context, id uuid.UUID) (*models.UserAccessRecord, error) {
	var rec models.UserAccessRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM user_access_records WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rec, err
}

func (s *Store) ListAccessRecords(ctx context.Context, filter models.AccessRecordFilter) ([]models.UserAccessRecord, int, error) {
	baseQuery := `FROM user_access_records WHERE review_cycle_id = $1`
	args := []interface{}{filter.ReviewCycleID}
	argIdx := 2

	if filter.ReviewStatus != nil {
		baseQuery += fmt.Sprintf(" AND review_status = $%d", argIdx)
		args = append(args, *filter.ReviewStatus)
		argIdx++
	}
	if filter.OnlyUnmatched {
		baseQuery += " AND is_matched = FALSE"
	}
	if filter.OnlyFlagged {
		baseQuery += " AND (has_privileged_access OR has_sod_conflict OR is_dormant)"
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		return nil, 0, err
	}

	query := "SELECT * " + baseQuery + " ORDER BY lower(username)"
	query, args = paginate(query, args, argIdx, filter.Limit, filter.Offset)

	var records []models.UserAccessRecord
	err := s.db.SelectContext(ctx, &records, query, args...)
	return records, total, err
}

func (s *Store) UpdateAccessRecordStatus(ctx context.Context, id uuid.UUID, status models.AccessReviewStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_access_records SET review_status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now())
	return err
}

// DeleteAccessRecords cascades to the findings raised against the records.
func (s *Store) DeleteAccessRecords(ctx context.Context, reviewCycleID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_access_records WHERE review_cycle_id = $1`, reviewCycleID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Findings

func (s *Store) CreateFinding(ctx context.Context, f *models.Finding) error {
	query := `
		INSERT INTO findings (
			id, review_cycle_id, user_access_record_id, sod_conflict_id, finding_type,
			severity, title, description, status, ai_rationale, ai_confidence,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	f.ID = uuid.New()
	f.CreatedAt = time.Now()
	f.UpdatedAt = f.CreatedAt

	_, err := s.db.ExecContext(ctx, query,
		f.ID,
		f.ReviewCycleID,
		f.UserAccessRecordID,
		f.SodConflictID,
		f.FindingType,
		f.Severity,
		f.Title,
		f.Description,
		f.Status,
		f.AIRationale,
		f.AIConfidence,
		f.CreatedAt,
		f.UpdatedAt,
	)
	return err
}

func (s *Store) GetFinding(ctx context.Context, id uuid.UUID) (*models.Finding, error) {
	var f models.Finding
	err := s.db.GetContext(ctx, &f, `SELECT * FROM findings WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &f, err
}

func (s *Store) ListFindings(ctx context.Context, filter models.FindingFilter) ([]models.Finding, int, error) {
	baseQuery := `FROM findings WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filter.ReviewCycleID != nil {
		baseQuery += fmt.Sprintf(" AND review_cycle_id = $%d", argIdx)
		args = append(args, *filter.ReviewCycleID)
		argIdx++
	}
	if filter.Severity != nil {
		baseQuery += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, *filter.Severity)
		argIdx++
	}
	if filter.Status != nil {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filter.Status)
		argIdx++
	}
	if filter.FindingType != nil {
		baseQuery += fmt.Sprintf(" AND finding_type = $%d", argIdx)
		args = append(args, *filter.FindingType)
		argIdx++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		return nil, 0, err
	}

	query := "SELECT * " + baseQuery + `
		ORDER BY CASE severity
			WHEN 'CRITICAL' THEN 1 WHEN 'HIGH' THEN 2 WHEN 'MEDIUM' THEN 3
			WHEN 'LOW' THEN 4 ELSE 5 END, created_at`
	query, args = paginate(query, args, argIdx, filter.Limit, filter.Offset)

	var findings []models.Finding
	err := s.db.SelectContext(ctx, &findings, query, args...)
	return findings, total, err
}

func (s *Store) UpdateFinding(ctx context.Context, f *models.Finding) error {
	query := `
		UPDATE findings SET
			status = $2, decision = $3, decision_justification = $4, decided_by = $5,
			decided_at = $6, compensating_controls = $7, exception_expiry_date = $8,
			exception_approved_by = $9, exception_approved_at = $10,
			remediation_due_date = $11, remediation_ticket_id = $12, updated_at = $13
		WHERE id = $1
	`
	f.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, query,
		f.ID,
		f.Status,
		f.Decision,
		f.DecisionJustification,
		f.DecidedBy,
		f.DecidedAt,
		f.CompensatingControls,
		f.ExceptionExpiryDate,
		f.ExceptionApprovedBy,
		f.ExceptionApprovedAt,
		f.RemediationDueDate,
		f.RemediationTicketID,
		f.UpdatedAt,
	)
	return err
}

func (s *Store) DeleteOpenFindings(ctx context.Context, reviewCycleID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM findings WHERE review_cycle_id = $1 AND status = $2`,
		reviewCycleID, models.FindingStatusOpen)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// paginate appends LIMIT/OFFSET placeholders. A zero limit returns all rows.
func paginate(query string, args []interface{}, argIdx, limit, offset int) (string, []interface{}) {
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
		argIdx++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, offset)
	}
	return query, args
}
