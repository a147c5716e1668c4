package graph

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/store"
)

func strPtr(s string) *string { return &s }

type seededApp struct {
	app   *models.Application
	admin *models.ApplicationRole
	clerk *models.ApplicationRole
}

func seedApp(t *testing.T, mem *store.Memory, name string) seededApp {
	t.Helper()
	ctx := context.Background()
	app := &models.Application{Name: name, IsActive: true, Criticality: models.CriticalityHigh}
	require.NoError(t, mem.CreateApplication(ctx, app))
	admin := &models.ApplicationRole{ApplicationID: app.ID, Name: "Admin", IsPrivileged: true, RiskLevel: models.SeverityCritical}
	clerk := &models.ApplicationRole{ApplicationID: app.ID, Name: "Clerk", RiskLevel: models.SeverityLow}
	require.NoError(t, mem.CreateRole(ctx, admin))
	require.NoError(t, mem.CreateRole(ctx, clerk))
	return seededApp{app: app, admin: admin, clerk: clerk}
}

func seedCycle(t *testing.T, mem *store.Memory, appID models.Application, status models.ReviewStatus, records ...models.UserAccessRecord) *models.ReviewCycle {
	t.Helper()
	ctx := context.Background()
	rc := &models.ReviewCycle{Name: appID.Name + " " + string(status), ApplicationID: appID.ID, Status: status, Year: 2025}
	require.NoError(t, mem.CreateReviewCycle(ctx, rc))
	for i := range records {
		records[i].ReviewCycleID = rc.ID
		require.NoError(t, mem.UpsertAccessRecord(ctx, &records[i]))
	}
	return rc
}

func TestBuildSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	erp := seedApp(t, mem, "ERP")
	crm := seedApp(t, mem, "CRM")
	retired := &models.Application{Name: "Legacy", IsActive: false}
	require.NoError(t, mem.CreateApplication(ctx, retired))

	rule := &models.SodConflict{ApplicationID: erp.app.ID, Role1ID: erp.admin.ID, Role2ID: erp.clerk.ID, Severity: models.SeverityHigh}
	rule.Normalize()
	require.NoError(t, mem.CreateSodConflict(ctx, rule))

	seedCycle(t, mem, *erp.app, models.ReviewStatusInReview,
		models.UserAccessRecord{Username: "jdoe", Email: strPtr("JDoe@Co.com"), Roles: models.StringArray{"admin", "Clerk", "Ghost Role"}, IsDormant: true},
		models.UserAccessRecord{Username: "svc_batch", Roles: models.StringArray{"Clerk"}},
	)
	seedCycle(t, mem, *crm.app, models.ReviewStatusDraft,
		models.UserAccessRecord{Username: "draft-only", Roles: models.StringArray{"Admin"}},
	)
	seedCycle(t, mem, *crm.app, models.ReviewStatusCompleted,
		models.UserAccessRecord{Username: "john.doe", Email: strPtr("jdoe@co.com"), Roles: models.StringArray{"Admin"}},
	)

	snap, err := BuildSnapshot(ctx, mem)
	require.NoError(t, err)

	assert.Len(t, snap.Applications, 2, "inactive applications are skipped")
	assert.Len(t, snap.Roles, 4)
	require.Len(t, snap.Conflicts, 1)
	assert.Equal(t, rule.ID.String(), snap.Conflicts[0].RuleID)

	require.Len(t, snap.Identities, 2, "jdoe links across applications by email")
	assert.Equal(t, "email:jdoe@co.com", snap.Identities[0].Key)
	assert.Equal(t, "user:"+erp.app.ID.String()+":svc_batch", snap.Identities[1].Key)

	grants := map[string]int{}
	for _, g := range snap.Grants {
		grants[g.IdentityKey]++
	}
	assert.Equal(t, 3, grants["email:jdoe@co.com"], "two ERP roles plus CRM admin; unknown roles dropped")
	assert.Equal(t, 1, grants["user:"+erp.app.ID.String()+":svc_batch"])
	for _, g := range snap.Grants {
		assert.NotEqual(t, "draft-only", g.IdentityKey)
	}
}

type recordingWriter struct {
	snap *Snapshot
	err  error
}

func (w *recordingWriter) Apply(ctx context.Context, snap *Snapshot) error {
	w.snap = snap
	return w.err
}

func TestSyncer_Sync(t *testing.T) {
	mem := store.NewMemory()
	seedApp(t, mem, "ERP")

	w := &recordingWriter{}
	require.NoError(t, NewSyncer(mem, w, nil).Sync(context.Background()))
	require.NotNil(t, w.snap)
	assert.Len(t, w.snap.Roles, 2)

	w.err = errors.New("neo4j down")
	assert.Error(t, NewSyncer(mem, w, nil).Sync(context.Background()))
}

func TestGraph_ApplyAndQuery(t *testing.T) {
	uri := os.Getenv("TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("TEST_NEO4J_URI not set")
	}
	ctx := context.Background()
	g, err := New(ctx, Config{URI: uri, Username: os.Getenv("TEST_NEO4J_USER"), Password: os.Getenv("TEST_NEO4J_PASSWORD")})
	if err != nil {
		t.Skipf("neo4j not available: %v", err)
	}
	defer g.Close(ctx)

	snap := &Snapshot{
		Applications: []AppNode{{ID: "a1", Name: "ERP"}, {ID: "a2", Name: "CRM"}},
		Roles: []RoleNode{
			{ID: "r1", ApplicationID: "a1", Name: "Admin", Privileged: true},
			{ID: "r2", ApplicationID: "a1", Name: "Clerk"},
			{ID: "r3", ApplicationID: "a2", Name: "Admin", Privileged: true},
		},
		Conflicts:  []ConflictEdge{{RuleID: "c1", Role1ID: "r1", Role2ID: "r2", Severity: "HIGH"}},
		Identities: []IdentityNode{{Key: "email:jdoe@co.com", Username: "jdoe", Email: "jdoe@co.com"}},
		Grants: []GrantEdge{
			{IdentityKey: "email:jdoe@co.com", RoleID: "r1"},
			{IdentityKey: "email:jdoe@co.com", RoleID: "r2"},
			{IdentityKey: "email:jdoe@co.com", RoleID: "r3"},
		},
	}
	require.NoError(t, g.Apply(ctx, snap))

	privileged, err := g.PrivilegedAcrossApplications(ctx, 2)
	require.NoError(t, err)
	require.Len(t, privileged, 1)
	assert.ElementsMatch(t, []string{"ERP", "CRM"}, privileged[0].Applications)

	holders, err := g.ConflictHolders(ctx)
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, "c1", holders[0].RuleID)

	stats, err := g.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Grants)
}
