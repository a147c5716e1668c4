package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
)

func testCycle() *models.ReviewCycle {
	due := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	return &models.ReviewCycle{
		ID:            uuid.New(),
		Name:          "Treasury Q2",
		Status:        models.ReviewStatusAnalysisComplete,
		DueDate:       &due,
		FindingCounts: models.FindingCounts{Total: 5, Critical: 2, High: 1},
	}
}

func TestNotifyAnalysisCompleted_Slack(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(Config{Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#uar", MinSeverity: models.SeverityHigh}}, nil)

	require.NoError(t, svc.NotifyAnalysisCompleted(context.Background(), testCycle()))

	require.Len(t, got.Attachments, 1)
	att := got.Attachments[0]
	assert.Equal(t, "#uar", got.Channel)
	assert.Equal(t, "#FF0000", att.Color)
	assert.Contains(t, att.Text, "5 findings (2 critical)")

	titles := make([]string, 0, len(att.Fields))
	for _, f := range att.Fields {
		titles = append(titles, f.Title)
	}
	assert.Equal(t, []string{"Review Cycle", "Status", "Findings", "Critical", "Due"}, titles)
}

func TestSend_BelowMinimumSeverityIsSkipped(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	svc := NewService(Config{Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL, MinSeverity: models.SeverityHigh}}, nil)

	require.NoError(t, svc.NotifyImportCompleted(context.Background(), testCycle(), 10, 0))
	assert.Zero(t, calls)
}

func TestSend_SlackErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewService(Config{Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL}}, nil)

	err := svc.NotifyReviewOverdue(context.Background(), testCycle())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestSend_Email(t *testing.T) {
	svc := NewService(Config{Email: EmailConfig{
		Enabled:  true,
		SMTPHost: "smtp.example",
		SMTPPort: 587,
		From:     "uar@bank.example",
		To:       []string{"iso@bank.example", "audit@bank.example"},
	}}, nil)

	var addr string
	var body string
	svc.email.send = func(a string, _ smtp.Auth, from string, to []string, msg []byte) error {
		addr = a
		body = string(msg)
		assert.Equal(t, "uar@bank.example", from)
		assert.Len(t, to, 2)
		return nil
	}

	require.NoError(t, svc.NotifyAttestationRequested(context.Background(), testCycle()))
	assert.Equal(t, "smtp.example:587", addr)
	assert.True(t, strings.Contains(body, "Subject: [Access Review] Attestation Requested"))
	assert.Contains(t, body, "Treasury Q2")
	assert.Contains(t, body, "multipart/alternative")
	assert.Contains(t, body, "text/plain; charset=UTF-8")
	assert.Contains(t, body, "Review Cycle: Treasury Q2")
}

func TestSend_FailingChannelDoesNotBlockOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL},
		Email: EmailConfig{Enabled: true, SMTPHost: "smtp.example", SMTPPort: 25, From: "uar@bank.example", To: []string{"iso@bank.example"}},
	}, nil)
	mailed := false
	svc.email.send = func(string, smtp.Auth, string, []string, []byte) error {
		mailed = true
		return nil
	}

	err := svc.NotifyReviewOverdue(context.Background(), testCycle())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack: webhook returned status 403: invalid_token")
	assert.True(t, mailed)
}

func TestCountsToSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, countsToSeverity(models.FindingCounts{Critical: 1, Low: 3}))
	assert.Equal(t, models.SeverityHigh, countsToSeverity(models.FindingCounts{High: 1}))
	assert.Equal(t, models.SeverityMedium, countsToSeverity(models.FindingCounts{Medium: 2}))
	assert.Equal(t, models.SeverityLow, countsToSeverity(models.FindingCounts{Total: 1}))
}

func TestEnabled(t *testing.T) {
	assert.False(t, NewService(Config{}, nil).Enabled())
	assert.True(t, NewService(Config{Email: EmailConfig{Enabled: true}}, nil).Enabled())
}
