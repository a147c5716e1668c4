package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Review.MaxErrorDetails)
	assert.Equal(t, "local", cfg.Reports.Storage)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenExpiry)
	assert.Equal(t, models.SeverityHigh, cfg.Notifications.MinSeverity)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("UAR_DB_PASSWORD", "s3cret")
	path := writeConfig(t, `
server:
  port: 9090
database:
  user: uar
  password: ${UAR_DB_PASSWORD}
review:
  max_error_details: 25
reports:
  storage: s3
  s3:
    bucket: uar-reports
scheduler:
  enabled: true
  graph_sync: "@hourly"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Contains(t, cfg.Database.DSN(), "password=s3cret")
	assert.Contains(t, cfg.Database.DSN(), "dbname=accessreview")
	assert.Equal(t, 25, cfg.Review.MaxErrorDetails)
	assert.Equal(t, "uar-reports", cfg.Reports.S3.Bucket)
	assert.Equal(t, "@hourly", cfg.Scheduler.GraphSync)
	assert.Equal(t, "0 7 * * *", cfg.Scheduler.OverdueCheck)
}

func TestLoad_RejectsIncompleteStorage(t *testing.T) {
	tests := []string{
		"reports:\n  storage: s3\n",
		"reports:\n  storage: azure\n  azure:\n    container: x\n",
		"reports:\n  storage: gcs\n",
		"reports:\n  storage: ftp\n",
		"notifications:\n  min_severity: URGENT\n",
	}
	for _, body := range tests {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, body)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  prot: 9090\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prot")
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	_, err := Load(writeConfig(t, `
sources:
  gcp: true
notifications:
  slack:
    enabled: true
  email:
    enabled: true
    smtp_host: mail.example
logging:
  format: xml
`))
	require.Error(t, err)
	for _, want := range []string{"gcp.project_id", "slack.webhook_url", "notifications.email", "logging.format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedisAddr(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
}
