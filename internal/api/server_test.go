package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/artifacts"
	"github.com/qualys/accessreview/internal/auth"
	"github.com/qualys/accessreview/internal/catalog"
	"github.com/qualys/accessreview/internal/config"
	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/reports"
	"github.com/qualys/accessreview/internal/review"
	"github.com/qualys/accessreview/internal/store"
)

const testPassword = "correct-horse-battery"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
	Meta    *apiMeta        `json:"meta"`
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	mem     *store.Memory
	auth    *auth.Service
	tokens  map[auth.Role]string
}

func newTestServer(t *testing.T, tweak ...func(*config.Config)) *testServer {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load("does-not-exist.yaml")
	require.NoError(t, err)
	cfg.RateLimit.AuthPerMinute = 600
	cfg.RateLimit.AuthBurst = 100
	for _, fn := range tweak {
		fn(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	users := auth.NewMemoryUserStore()
	authSvc := auth.NewService(auth.Config{JWTSecret: "test-secret"}, users)

	local, err := artifacts.NewLocal(t.TempDir())
	require.NoError(t, err)

	srv := NewServer(cfg, Deps{
		Store:   mem,
		Auth:    authSvc,
		Users:   users,
		Catalog: catalog.NewService(mem, logger),
		Review:  review.NewService(mem, logger),
		Reports: reports.NewService(mem, reports.NewGenerator(mem), local, logger),
	}, WithLogger(logger))
	t.Cleanup(srv.authLimiter.Stop)

	ts := &testServer{t: t, handler: srv.Handler(), mem: mem, auth: authSvc, tokens: make(map[auth.Role]string)}
	for _, role := range []auth.Role{auth.RoleAdministrator, auth.RoleAnalyst, auth.RoleReviewer} {
		email := string(role) + "@co.com"
		_, err := authSvc.Register(ctx, email, string(role), testPassword, role)
		require.NoError(t, err)
		pair, err := authSvc.Login(ctx, email, testPassword)
		require.NoError(t, err)
		ts.tokens[role] = pair.AccessToken
	}
	return ts
}

func (ts *testServer) do(method, path string, role auth.Role, body interface{}) (*httptest.ResponseRecorder, envelope) {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token, ok := ts.tokens[role]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

// seedCatalog creates an application with two conflicting roles and a
// default framework that checks segregation of duties.
func (ts *testServer) seedCatalog() *models.Application {
	ts.t.Helper()
	ctx := context.Background()

	fw := &models.Framework{
		Name:            "SOX ITGC",
		ReviewFrequency: models.FrequencyQuarterly,
		AttestationType: models.AttestationSingle,
		IsActive:        true,
		CheckCategories: []models.CheckCategory{
			{Name: "SoD", CheckType: models.CheckSegregationOfDuties, DefaultSeverity: models.SeverityHigh, IsEnabled: true},
		},
	}
	require.NoError(ts.t, ts.mem.CreateFramework(ctx, fw))
	require.NoError(ts.t, ts.mem.SetDefaultFramework(ctx, fw.ID))

	app := &models.Application{Name: "Treasury", IsActive: true, FrameworkID: &fw.ID}
	require.NoError(ts.t, ts.mem.CreateApplication(ctx, app))

	initiator := &models.ApplicationRole{ApplicationID: app.ID, Name: "Wire Initiator", RiskLevel: models.SeverityMedium}
	approver := &models.ApplicationRole{ApplicationID: app.ID, Name: "Wire Approver", RiskLevel: models.SeverityHigh}
	require.NoError(ts.t, ts.mem.CreateRole(ctx, initiator))
	require.NoError(ts.t, ts.mem.CreateRole(ctx, approver))
	require.NoError(ts.t, ts.mem.CreateSodConflict(ctx, &models.SodConflict{
		ApplicationID: app.ID,
		Role1ID:       initiator.ID,
		Role2ID:       approver.ID,
		Severity:      models.SeverityHigh,
	}))
	return app
}

func (ts *testServer) createCycle(appID uuid.UUID) models.ReviewCycle {
	ts.t.Helper()
	rec, env := ts.do(http.MethodPost, "/api/v1/review-cycles", auth.RoleAnalyst, map[string]interface{}{
		"name":          "Treasury Q2",
		"applicationId": appID,
		"year":          2025,
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	var rc models.ReviewCycle
	require.NoError(ts.t, json.Unmarshal(env.Data, &rc))
	return rc
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, _ = ts.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnauthenticated(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(http.MethodGet, "/api/v1/applications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginAndMe(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "analyst@co.com",
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(env.Data, &pair))
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	rec, _ = ts.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "analyst@co.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env = ts.do(http.MethodGet, "/api/v1/auth/me", auth.RoleAnalyst, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, "analyst@co.com", me["email"])
	assert.Equal(t, string(auth.RoleAnalyst), me["role"])
}

func TestValidationErrorDetails(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(http.MethodPost, "/api/v1/review-cycles", auth.RoleAnalyst, map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	fields := make([]string, 0, len(env.Error.Details))
	for _, d := range env.Error.Details {
		fields = append(fields, d.Field)
	}
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "year")

	rec, env = ts.do(http.MethodGet, "/api/v1/review-cycles/not-a-uuid", auth.RoleAnalyst, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(http.MethodGet, "/api/v1/review-cycles/"+uuid.NewString(), auth.RoleAnalyst, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	rec, _ = ts.do(http.MethodGet, "/api/v1/findings/"+uuid.NewString(), auth.RoleAnalyst, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewerCannotMutate(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(http.MethodPost, "/api/v1/applications", auth.RoleReviewer, map[string]string{"name": "Payroll"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	rec, _ = ts.do(http.MethodGet, "/api/v1/users", auth.RoleReviewer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = ts.do(http.MethodGet, "/api/v1/jobs", auth.RoleAnalyst, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConflicts(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(http.MethodPost, "/api/v1/users", auth.RoleAdministrator, map[string]string{
		"email":    "analyst@co.com",
		"password": testPassword,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", env.Error.Code)

	app := ts.seedCatalog()
	rc := ts.createCycle(app.ID)
	rec, env = ts.do(http.MethodPatch, "/api/v1/review-cycles/"+rc.ID.String()+"/status", auth.RoleAnalyst,
		map[string]string{"status": string(models.ReviewStatusCompleted)})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)
}

func TestImportAnalyzeDecide(t *testing.T) {
	ts := newTestServer(t)
	app := ts.seedCatalog()
	rc := ts.createCycle(app.ID)
	base := "/api/v1/review-cycles/" + rc.ID.String()

	rec, env := ts.do(http.MethodPost, base+"/import", auth.RoleAnalyst, map[string]interface{}{
		"records": []models.ImportRecord{
			{Username: "jdoe", Email: "jdoe@co.com", Roles: []string{"Wire Initiator", "Wire Approver"}},
			{Username: "asmith", Email: "asmith@co.com", Roles: []string{"wire initiator"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var imported review.ImportResult
	require.NoError(t, json.Unmarshal(env.Data, &imported))
	assert.Equal(t, 2, imported.Imported)

	rec, env = ts.do(http.MethodGet, base+"/access-records", auth.RoleReviewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 2, env.Meta.Total)

	rec, _ = ts.do(http.MethodPost, base+"/analyze", auth.RoleAnalyst, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = ts.do(http.MethodGet, "/api/v1/findings?review_cycle_id="+rc.ID.String()+"&finding_type=SOD_CONFLICT", auth.RoleReviewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var findings []models.Finding
	require.NoError(t, json.Unmarshal(env.Data, &findings))
	require.Len(t, findings, 1)
	assert.Equal(t, models.SeverityHigh, findings[0].Severity)

	findingPath := "/api/v1/findings/" + findings[0].ID.String() + "/decision"
	rec, _ = ts.do(http.MethodPatch, findingPath, auth.RoleAnalyst, map[string]string{
		"decision": string(models.DecisionException),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = ts.do(http.MethodPatch, findingPath, auth.RoleAnalyst, map[string]string{
		"decision":              string(models.DecisionDismiss),
		"decisionJustification": "approver role removed last week",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var decided models.Finding
	require.NoError(t, json.Unmarshal(env.Data, &decided))
	assert.Equal(t, models.FindingStatusDismissed, decided.Status)

	rec, env = ts.do(http.MethodGet, "/api/v1/dashboard/summary", auth.RoleReviewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary dashboardSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 1, summary.Applications)
	assert.Equal(t, 1, summary.ActiveReviews)
}

func TestReportGenerateAndDownload(t *testing.T) {
	ts := newTestServer(t)
	app := ts.seedCatalog()
	rc := ts.createCycle(app.ID)

	rec, env := ts.do(http.MethodPost, "/api/v1/reports/generate", auth.RoleAnalyst, map[string]string{
		"reviewCycleId": rc.ID.String(),
		"reportType":    string(models.ReportTypeReviewSummary),
		"format":        string(models.ReportFormatCSV),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var report models.Report
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, models.ReportStatusCompleted, report.Status)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+report.ID.String()+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+ts.tokens[auth.RoleReviewer])
	dl := httptest.NewRecorder()
	ts.handler.ServeHTTP(dl, req)
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "text/csv", dl.Header().Get("Content-Type"))
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "attachment")
	assert.NotZero(t, dl.Body.Len())
}

func TestOptionalServicesDisabled(t *testing.T) {
	ts := newTestServer(t)
	app := ts.seedCatalog()
	rc := ts.createCycle(app.ID)

	rec, env := ts.do(http.MethodPost, "/api/v1/review-cycles/"+rc.ID.String()+"/collect", auth.RoleAnalyst,
		map[string]string{"provider": "aws"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SOURCES_DISABLED", env.Error.Code)

	rec, _ = ts.do(http.MethodGet, "/api/v1/access-graph/stats", auth.RoleAnalyst, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = ts.do(http.MethodGet, "/api/v1/jobs", auth.RoleAdministrator, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoginRateLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.AuthPerMinute = 1
		cfg.RateLimit.AuthBurst = 1
	})
	body := map[string]string{"email": "analyst@co.com", "password": testPassword}

	rec, _ := ts.do(http.MethodPost, "/api/v1/auth/login", "", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := ts.do(http.MethodPost, "/api/v1/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
