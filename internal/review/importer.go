package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/identity"
	"github.com/qualys/accessreview/internal/metrics"
	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/risk"
)

// ImportResult summarizes one import call. Imported counts distinct
// usernames and Replaced the rows that overwrote an earlier row of the same
// batch. ErrorDetails holds at most the configured number of entries;
// Errors is the full count.
type ImportResult struct {
	Imported     int                  `json:"imported"`
	Replaced     int                  `json:"replaced"`
	Matched      int                  `json:"matched"`
	Unmatched    int                  `json:"unmatched"`
	Errors       int                  `json:"errors"`
	ErrorDetails []models.ImportError `json:"errorDetails"`
}

func (r *ImportResult) fail(record, msg string, limit int) {
	r.Errors++
	if len(r.ErrorDetails) < limit {
		r.ErrorDetails = append(r.ErrorDetails, models.ImportError{Record: record, Error: msg})
	}
}

// evaluation holds everything loaded once per import.
type evaluation struct {
	index  *identity.Index
	tagger *risk.Tagger
	now    time.Time
}

func (s *Service) loadEvaluation(ctx context.Context, rc *models.ReviewCycle) (*evaluation, error) {
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
	fw, err := s.loadFrameworkOrDefault(ctx, rc.FrameworkID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	return &evaluation{
		index:  identity.NewIndex(employees),
		tagger: risk.NewTagger(risk.NewCatalog(roles, conflicts), fw.DormantDays, now),
		now:    now,
	}, nil
}

// Import evaluates and stores a user-access snapshot. Records are handled
// one at a time and a bad record never aborts the batch. Records are keyed
// by username within the cycle, so submitting the same file twice replaces
// rows rather than duplicating them.
func (s *Service) Import(ctx context.Context, reviewCycleID uuid.UUID, records []models.ImportRecord, actor models.Actor) (*ImportResult, error) {
	if err := requireMutate(actor, "import access data"); err != nil {
		return nil, err
	}

	rc, err := s.loadCycle(ctx, reviewCycleID)
	if err != nil {
		return nil, err
	}
	if !CanImport(rc.Status) {
		return nil, &models.InvalidStateError{
			Entity:    "review cycle",
			State:     string(rc.Status),
			Operation: "import access data into",
		}
	}

	eval, err := s.loadEvaluation(ctx, rc)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &ImportResult{ErrorDetails: []models.ImportError{}}
	seen := make(map[string]bool, len(records))

	for i := range records {
		if err := ctx.Err(); err != nil {
			cancelled := fmt.Errorf("import cancelled after %d records: %w", i, err)
			if err := s.beginCollection(context.WithoutCancel(ctx), rc, eval.now, result); err != nil {
				return result, errors.Join(cancelled, err)
			}
			return result, cancelled
		}

		in := &records[i]
		label := strings.TrimSpace(in.Username)
		if label == "" {
			label = fmt.Sprintf("row %d", i+1)
		}

		rec, err := buildAccessRecord(rc.ID, in, eval)
		if err != nil {
			result.fail(label, err.Error(), s.maxErrorDetails)
			metrics.ImportRecordsTotal.WithLabelValues("error").Inc()
			continue
		}
		if err := s.store.UpsertAccessRecord(ctx, rec); err != nil {
			s.logger.Warn("storing access record failed",
				"review_cycle_id", rc.ID,
				"record", label,
				"error", err)
			result.fail(label, "could not be stored", s.maxErrorDetails)
			metrics.ImportRecordsTotal.WithLabelValues("error").Inc()
			continue
		}

		key := strings.ToLower(rec.Username)
		if matched, dup := seen[key]; dup {
			result.Replaced++
			if matched {
				result.Matched--
			} else {
				result.Unmatched--
			}
		} else {
			result.Imported++
		}
		seen[key] = rec.IsMatched
		if rec.IsMatched {
			result.Matched++
			metrics.ImportRecordsTotal.WithLabelValues("matched").Inc()
		} else {
			result.Unmatched++
			metrics.ImportRecordsTotal.WithLabelValues("unmatched").Inc()
		}
	}

	if err := s.beginCollection(ctx, rc, eval.now, result); err != nil {
		return result, err
	}

	metrics.ImportDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("access import completed",
		"review_cycle_id", rc.ID,
		"imported", result.Imported,
		"matched", result.Matched,
		"unmatched", result.Unmatched,
		"errors", result.Errors,
		"duration", time.Since(start))

	s.notify(func(n Notifier) error {
		return n.NotifyImportCompleted(ctx, rc, result.Imported, result.Errors)
	}, "import_completed", rc.ID)

	return result, nil
}

// beginCollection moves a DRAFT cycle that now holds records into
// DATA_COLLECTION.
func (s *Service) beginCollection(ctx context.Context, rc *models.ReviewCycle, snapshot time.Time, result *ImportResult) error {
	if rc.Status != models.ReviewStatusDraft || result.Imported == 0 {
		return nil
	}
	rc.SnapshotDate = ptr(snapshot)
	return s.setStatus(ctx, rc, models.ReviewStatusDataCollection)
}

func buildAccessRecord(reviewCycleID uuid.UUID, in *models.ImportRecord, eval *evaluation) (*models.UserAccessRecord, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}

	lastLogin, err := ParseDate(in.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("invalid lastLoginAt %q", in.LastLoginAt)
	}
	grantDate, err := ParseDate(in.GrantDate)
	if err != nil {
		return nil, fmt.Errorf("invalid grantDate %q", in.GrantDate)
	}

	roles := make(models.StringArray, 0, len(in.Roles))
	for _, r := range in.Roles {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}

	assessment := eval.tagger.Assess(roles, lastLogin)

	rec := &models.UserAccessRecord{
		ReviewCycleID:       reviewCycleID,
		Username:            username,
		Email:               optional(in.Email),
		DisplayName:         optional(in.DisplayName),
		Roles:               roles,
		MatchedRoleIDs:      idStrings(assessment.MatchedRoleIDs),
		LastLoginAt:         lastLogin,
		GrantDate:           grantDate,
		HasPrivilegedAccess: assessment.HasPrivilegedAccess,
		HasSodConflict:      assessment.HasSodConflict,
		SodConflictIDs:      idStrings(assessment.ConflictIDs),
		IsDormant:           assessment.IsDormant,
		ReviewStatus:        models.AccessStatusPending,
		RawData:             rawPayload(in),
	}

	if emp, ok := eval.index.Match(in.Email, username); ok {
		rec.EmployeeID = ptr(emp.ID)
		rec.IsMatched = true
	}

	return rec, nil
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseDate accepts ISO dates and timestamps. Blank input yields nil.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", s)
}

// rawPayload keeps the submitted row: the mapped fields overlaid with
// whatever the source passed through in Raw.
func rawPayload(in *models.ImportRecord) models.JSONB {
	raw := models.JSONB{"username": in.Username}
	if in.Email != "" {
		raw["email"] = in.Email
	}
	if in.DisplayName != "" {
		raw["displayName"] = in.DisplayName
	}
	if len(in.Roles) > 0 {
		raw["roles"] = in.Roles
	}
	if in.LastLoginAt != "" {
		raw["lastLoginAt"] = in.LastLoginAt
	}
	if in.GrantDate != "" {
		raw["grantDate"] = in.GrantDate
	}
	for k, v := range in.Raw {
		raw[k] = v
	}
	return raw
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func idStrings(ids []uuid.UUID) models.StringArray {
	out := make(models.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
