package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

// Source is the catalog and review data a sync reads.
type Source interface {
	ListApplications(ctx context.Context, includeInactive bool) ([]models.Application, error)
	ListRoles(ctx context.Context, applicationID uuid.UUID) ([]models.ApplicationRole, error)
	ListSodConflicts(ctx context.Context, applicationID uuid.UUID) ([]models.SodConflict, error)
	ListReviewCycles(ctx context.Context, filter models.ReviewCycleFilter) ([]models.ReviewCycle, int, error)
	ListAccessRecords(ctx context.Context, filter models.AccessRecordFilter) ([]models.UserAccessRecord, int, error)
}

type AppNode struct {
	ID          string
	Name        string
	Criticality string
}

type RoleNode struct {
	ID            string
	ApplicationID string
	Name          string
	RiskLevel     string
	Privileged    bool
}

type ConflictEdge struct {
	RuleID   string
	Role1ID  string
	Role2ID  string
	Severity string
}

// IdentityNode is one person or account. Key is the lowercased email when
// known so the same person links across applications.
type IdentityNode struct {
	Key        string
	Username   string
	Email      string
	EmployeeID string
	Matched    bool
}

type GrantEdge struct {
	IdentityKey   string
	RoleID        string
	ReviewCycleID string
	Dormant       bool
	ReviewStatus  string
}

type Snapshot struct {
	Applications []AppNode
	Roles        []RoleNode
	Conflicts    []ConflictEdge
	Identities   []IdentityNode
	Grants       []GrantEdge
}

// identityKey links accounts by email first and falls back to a per
// application username key.
func identityKey(appID uuid.UUID, rec *models.UserAccessRecord) string {
	if rec.Email != nil && strings.TrimSpace(*rec.Email) != "" {
		return "email:" + strings.ToLower(strings.TrimSpace(*rec.Email))
	}
	return "user:" + appID.String() + ":" + strings.ToLower(rec.Username)
}

// latestCycle picks the newest cycle that has imported data.
func latestCycle(cycles []models.ReviewCycle) *models.ReviewCycle {
	var best *models.ReviewCycle
	for i := range cycles {
		rc := &cycles[i]
		if rc.Status == models.ReviewStatusDraft || rc.Status == models.ReviewStatusArchived {
			continue
		}
		if best == nil || rc.CreatedAt.After(best.CreatedAt) {
			best = rc
		}
	}
	return best
}

// BuildSnapshot collects active applications with their roles, SoD rules
// and the access held in each application's latest review cycle.
func BuildSnapshot(ctx context.Context, src Source) (*Snapshot, error) {
	apps, err := src.ListApplications(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}

	snap := &Snapshot{}
	identities := make(map[string]*IdentityNode)

	for _, app := range apps {
		snap.Applications = append(snap.Applications, AppNode{
			ID:          app.ID.String(),
			Name:        app.Name,
			Criticality: string(app.Criticality),
		})

		roles, err := src.ListRoles(ctx, app.ID)
		if err != nil {
			return nil, fmt.Errorf("listing roles for %s: %w", app.Name, err)
		}
		byName := make(map[string]string, len(roles))
		for _, r := range roles {
			snap.Roles = append(snap.Roles, RoleNode{
				ID:            r.ID.String(),
				ApplicationID: app.ID.String(),
				Name:          r.Name,
				RiskLevel:     string(r.RiskLevel),
				Privileged:    r.IsPrivileged,
			})
			byName[strings.ToLower(strings.TrimSpace(r.Name))] = r.ID.String()
		}

		conflicts, err := src.ListSodConflicts(ctx, app.ID)
		if err != nil {
			return nil, fmt.Errorf("listing sod conflicts for %s: %w", app.Name, err)
		}
		for _, c := range conflicts {
			snap.Conflicts = append(snap.Conflicts, ConflictEdge{
				RuleID:   c.ID.String(),
				Role1ID:  c.Role1ID.String(),
				Role2ID:  c.Role2ID.String(),
				Severity: string(c.Severity),
			})
		}

		appID := app.ID
		cycles, _, err := src.ListReviewCycles(ctx, models.ReviewCycleFilter{ApplicationID: &appID})
		if err != nil {
			return nil, fmt.Errorf("listing review cycles for %s: %w", app.Name, err)
		}
		rc := latestCycle(cycles)
		if rc == nil {
			continue
		}

		records, _, err := src.ListAccessRecords(ctx, models.AccessRecordFilter{ReviewCycleID: rc.ID})
		if err != nil {
			return nil, fmt.Errorf("listing access records for %s: %w", rc.Name, err)
		}
		for i := range records {
			rec := &records[i]
			key := identityKey(app.ID, rec)
			node, ok := identities[key]
			if !ok {
				node = &IdentityNode{Key: key, Username: rec.Username}
				identities[key] = node
			}
			if rec.Email != nil {
				node.Email = strings.ToLower(*rec.Email)
			}
			if rec.EmployeeID != nil {
				node.EmployeeID = rec.EmployeeID.String()
				node.Matched = true
			}

			for _, roleName := range rec.Roles {
				roleID, ok := byName[strings.ToLower(strings.TrimSpace(roleName))]
				if !ok {
					continue
				}
				snap.Grants = append(snap.Grants, GrantEdge{
					IdentityKey:   key,
					RoleID:        roleID,
					ReviewCycleID: rc.ID.String(),
					Dormant:       rec.IsDormant,
					ReviewStatus:  string(rec.ReviewStatus),
				})
			}
		}
	}

	keys := make([]string, 0, len(identities))
	for k := range identities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		snap.Identities = append(snap.Identities, *identities[k])
	}
	return snap, nil
}
