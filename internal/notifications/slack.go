package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qualys/accessreview/internal/models"
)

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// dataFields lists the notification data keys worth showing, in display
// order. Both channels use it.
var dataFields = []struct {
	key   string
	title string
}{
	{"review_cycle", "Review Cycle"},
	{"status", "Status"},
	{"imported", "Imported"},
	{"failed", "Failed"},
	{"total_findings", "Findings"},
	{"critical_findings", "Critical"},
	{"due_date", "Due"},
}

type slackChannel struct {
	cfg    SlackConfig
	client *http.Client
}

func newSlackChannel(cfg SlackConfig) *slackChannel {
	return &slackChannel{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *slackChannel) name() string { return "slack" }

func (c *slackChannel) accepts(sev models.Severity) bool {
	return meetsFloor(sev, c.cfg.MinSeverity)
}

func (c *slackChannel) message(n *Notification) SlackMessage {
	var fields []SlackField
	for _, f := range dataFields {
		if v, ok := n.Data[f.key]; ok {
			fields = append(fields, SlackField{Title: f.title, Value: fmt.Sprint(v), Short: true})
		}
	}
	return SlackMessage{
		Channel:   c.cfg.Channel,
		Username:  c.cfg.Username,
		IconEmoji: c.cfg.IconEmoji,
		Attachments: []SlackAttachment{{
			Color:     severityColor(n.Severity),
			Title:     n.Title,
			Text:      n.Message,
			Fallback:  n.Title + ": " + n.Message,
			Fields:    fields,
			Footer:    "Access Review",
			Timestamp: n.Timestamp.Unix(),
		}},
	}
}

func (c *slackChannel) deliver(ctx context.Context, n *Notification) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(c.message(n)); err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

func severityColor(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FFA500"
	case models.SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}
