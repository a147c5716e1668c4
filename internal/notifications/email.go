package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

type emailChannel struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func newEmailChannel(cfg EmailConfig) *emailChannel {
	return &emailChannel{cfg: cfg, send: smtp.SendMail}
}

func (c *emailChannel) name() string { return "email" }

func (c *emailChannel) accepts(sev models.Severity) bool {
	return meetsFloor(sev, c.cfg.MinSeverity)
}

// deliver ignores ctx; net/smtp has no context support.
func (c *emailChannel) deliver(_ context.Context, n *Notification) error {
	msg, err := c.compose(n)
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	return c.send(addr, auth, c.cfg.From, c.cfg.To, msg)
}

type emailRow struct{ Label, Value string }

// rows renders the known data keys in display order.
func rows(n *Notification) []emailRow {
	var out []emailRow
	for _, f := range dataFields {
		if v, ok := n.Data[f.key]; ok {
			out = append(out, emailRow{f.title, fmt.Sprint(v)})
		}
	}
	return out
}

// compose builds a multipart/alternative message with text and HTML parts.
func (c *emailChannel) compose(n *Notification) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	text, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(text, "%s\r\n\r\n%s\r\n\r\n", n.Title, n.Message)
	for _, r := range rows(n) {
		fmt.Fprintf(text, "%s: %s\r\n", r.Label, r.Value)
	}

	html, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if err := emailTemplate.Execute(html, map[string]interface{}{
		"Title":     n.Title,
		"Message":   n.Message,
		"Color":     severityColor(n.Severity),
		"Rows":      rows(n),
		"Timestamp": n.Timestamp.Format(time.RFC1123),
	}); err != nil {
		return nil, fmt.Errorf("rendering email: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&msg, "%s: %s\r\n", k, v) }
	header("From", c.cfg.From)
	header("To", strings.Join(c.cfg.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", "[Access Review] "+n.Title))
	header("Date", n.Timestamp.Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@accessreview>", uuid.NewString()))
	header("MIME-Version", "1.0")
	header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; background: #f5f5f5; padding: 20px;">
  <div style="max-width: 600px; margin: 0 auto; background: #fff; border-radius: 8px;">
    <div style="padding: 20px; background: {{.Color}}; color: #fff; border-radius: 8px 8px 0 0;">
      <h2 style="margin: 0;">{{.Title}}</h2>
    </div>
    <div style="padding: 20px;">
      <p>{{.Message}}</p>
      {{if .Rows}}<table style="width: 100%; border-collapse: collapse;">
        {{range .Rows}}<tr><td style="padding: 8px; border-bottom: 1px solid #eee;">{{.Label}}</td><td style="padding: 8px; border-bottom: 1px solid #eee;">{{.Value}}</td></tr>
        {{end}}</table>{{end}}
    </div>
    <div style="padding: 15px 20px; font-size: 12px; color: #666;">Generated at {{.Timestamp}}</div>
  </div>
</body>
</html>
`))
