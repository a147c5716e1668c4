package risk

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
)

type fixture struct {
	initiator models.ApplicationRole
	approver  models.ApplicationRole
	viewer    models.ApplicationRole
	admin     models.ApplicationRole
	wireRule  models.SodConflict
	adminRule models.SodConflict
	catalog   *Catalog
}

func newFixture() fixture {
	appID := uuid.New()
	f := fixture{
		initiator: models.ApplicationRole{ID: uuid.New(), ApplicationID: appID, Name: "Wire Initiator"},
		approver:  models.ApplicationRole{ID: uuid.New(), ApplicationID: appID, Name: "Wire Approver", IsPrivileged: true},
		viewer:    models.ApplicationRole{ID: uuid.New(), ApplicationID: appID, Name: "Viewer"},
		admin:     models.ApplicationRole{ID: uuid.New(), ApplicationID: appID, Name: "Admin", IsPrivileged: true},
	}
	f.wireRule = models.SodConflict{ID: uuid.New(), ApplicationID: appID, Role1ID: f.initiator.ID, Role2ID: f.approver.ID, Severity: models.SeverityCritical}
	f.adminRule = models.SodConflict{ID: uuid.New(), ApplicationID: appID, Role1ID: f.approver.ID, Role2ID: f.admin.ID, Severity: models.SeverityHigh}
	f.catalog = NewCatalog(
		[]models.ApplicationRole{f.initiator, f.approver, f.viewer, f.admin},
		[]models.SodConflict{f.wireRule, f.adminRule},
	)
	return f
}

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestTagger_WireScenario(t *testing.T) {
	f := newFixture()
	tagger := NewTagger(f.catalog, 0, *date("2025-06-01"))

	a := tagger.Assess([]string{"Wire Initiator", "Wire Approver"}, date("2024-01-01"))

	assert.True(t, a.HasSodConflict)
	assert.Equal(t, []uuid.UUID{f.wireRule.ID}, a.ConflictIDs)
	assert.True(t, a.HasPrivilegedAccess, "approver is privileged")
	assert.True(t, a.IsDormant)
	assert.ElementsMatch(t, []uuid.UUID{f.initiator.ID, f.approver.ID}, a.MatchedRoleIDs)
}

func TestTagger_Flags(t *testing.T) {
	f := newFixture()
	now := *date("2025-06-01")
	tagger := NewTagger(f.catalog, 90, now)

	tests := []struct {
		name          string
		roles         []string
		wantMatched   int
		wantPriv      bool
		wantSod       bool
		wantConflicts int
	}{
		{"no roles", nil, 0, false, false, 0},
		{"unknown roles dropped", []string{"Ghost", "Other"}, 0, false, false, 0},
		{"case-insensitive lookup", []string{"  wire initiator ", "WIRE APPROVER"}, 2, true, true, 1},
		{"single side of rule", []string{"Wire Initiator", "Viewer"}, 2, false, false, 0},
		{"duplicate role names counted once", []string{"Viewer", "viewer"}, 1, false, false, 0},
		{"every violated rule reported", []string{"Wire Initiator", "Wire Approver", "Admin"}, 3, true, true, 2},
		{"privileged without conflict", []string{"Admin", "Viewer"}, 2, true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tagger.Assess(tt.roles, nil)
			assert.Len(t, a.MatchedRoleIDs, tt.wantMatched)
			assert.Equal(t, tt.wantPriv, a.HasPrivilegedAccess)
			assert.Equal(t, tt.wantSod, a.HasSodConflict)
			assert.Len(t, a.ConflictIDs, tt.wantConflicts)
			assert.False(t, a.IsDormant)
		})
	}
}

func TestTagger_Dormancy(t *testing.T) {
	f := newFixture()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	exactly := now.Add(-90 * 24 * time.Hour)
	justUnder := exactly.Add(time.Minute)
	zero := time.Time{}

	tests := []struct {
		name        string
		dormantDays int
		lastLogin   *time.Time
		want        bool
	}{
		{"absent login", 90, nil, false},
		{"zero login", 90, &zero, false},
		{"exactly at threshold", 90, &exactly, true},
		{"just under threshold", 90, &justUnder, false},
		{"default when unset", 0, &exactly, true},
		{"default when negative", -5, &justUnder, false},
		{"framework threshold shorter", 30, &justUnder, true},
		{"framework threshold longer", 180, &exactly, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tagger := NewTagger(f.catalog, tt.dormantDays, now)
			assert.Equal(t, tt.want, tagger.IsDormant(tt.lastLogin))
		})
	}
}

func TestCatalog_Lookup(t *testing.T) {
	f := newFixture()

	role, ok := f.catalog.Role("ADMIN")
	require.True(t, ok)
	assert.Equal(t, f.admin.ID, role.ID)

	_, ok = f.catalog.Role("")
	assert.False(t, ok)

	rule, ok := f.catalog.Conflict(f.wireRule.ID)
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, rule.Severity)

	_, ok = f.catalog.Conflict(uuid.New())
	assert.False(t, ok)
}
