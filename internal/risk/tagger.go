// Package risk tags imported access records with privileged, segregation of
// duties and dormancy flags.
package risk

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

// DefaultDormantDays applies when a framework does not configure a threshold.
const DefaultDormantDays = 90

// Catalog is an application's role catalog and SoD rule set, keyed for
// case-insensitive role name lookup.
type Catalog struct {
	roles     map[string]*models.ApplicationRole
	conflicts []models.SodConflict
}

// NewCatalog indexes an application's roles by lower-cased name.
func NewCatalog(roles []models.ApplicationRole, conflicts []models.SodConflict) *Catalog {
	c := &Catalog{
		roles:     make(map[string]*models.ApplicationRole, len(roles)),
		conflicts: conflicts,
	}
	for i := range roles {
		key := strings.ToLower(strings.TrimSpace(roles[i].Name))
		if key == "" {
			continue
		}
		if _, exists := c.roles[key]; !exists {
			c.roles[key] = &roles[i]
		}
	}
	return c
}

// Role looks up a role by name, ignoring case and surrounding whitespace.
func (c *Catalog) Role(name string) (*models.ApplicationRole, bool) {
	role, ok := c.roles[strings.ToLower(strings.TrimSpace(name))]
	return role, ok
}

// Conflict returns the SoD rule with the given id.
func (c *Catalog) Conflict(id uuid.UUID) (*models.SodConflict, bool) {
	for i := range c.conflicts {
		if c.conflicts[i].ID == id {
			return &c.conflicts[i], true
		}
	}
	return nil, false
}

// Assessment is the computed risk profile of one access record.
type Assessment struct {
	MatchedRoleIDs      []uuid.UUID
	HasPrivilegedAccess bool
	HasSodConflict      bool
	ConflictIDs         []uuid.UUID
	IsDormant           bool
}

// Tagger tags access records with privileged, SoD and dormancy flags.
type Tagger struct {
	catalog      *Catalog
	dormantAfter time.Duration
	now          time.Time
}

// NewTagger builds a tagger evaluated as of now. A non-positive dormantDays
// falls back to DefaultDormantDays.
func NewTagger(catalog *Catalog, dormantDays int, now time.Time) *Tagger {
	if dormantDays <= 0 {
		dormantDays = DefaultDormantDays
	}
	return &Tagger{
		catalog:      catalog,
		dormantAfter: time.Duration(dormantDays) * 24 * time.Hour,
		now:          now,
	}
}

// Assess never fails. Unknown role names are dropped and a missing login
// time is never dormant.
func (t *Tagger) Assess(roleNames []string, lastLoginAt *time.Time) Assessment {
	var a Assessment

	held := make(map[uuid.UUID]struct{}, len(roleNames))
	for _, name := range roleNames {
		role, ok := t.catalog.Role(name)
		if !ok {
			continue
		}
		if _, dup := held[role.ID]; dup {
			continue
		}
		held[role.ID] = struct{}{}
		a.MatchedRoleIDs = append(a.MatchedRoleIDs, role.ID)
		if role.IsPrivileged {
			a.HasPrivilegedAccess = true
		}
	}

	for _, conflict := range t.catalog.conflicts {
		_, has1 := held[conflict.Role1ID]
		_, has2 := held[conflict.Role2ID]
		if has1 && has2 {
			a.ConflictIDs = append(a.ConflictIDs, conflict.ID)
		}
	}
	a.HasSodConflict = len(a.ConflictIDs) > 0

	a.IsDormant = t.IsDormant(lastLoginAt)

	return a
}

// IsDormant reports whether the last login is at least the dormancy
// threshold old. Records that never logged in are not dormant.
func (t *Tagger) IsDormant(lastLoginAt *time.Time) bool {
	if lastLoginAt == nil || lastLoginAt.IsZero() {
		return false
	}
	return t.now.Sub(*lastLoginAt) >= t.dormantAfter
}
