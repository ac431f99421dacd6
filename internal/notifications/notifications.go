package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/nelssec/gapscan/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyRunComplete     NotificationType = "run_complete"
	NotifyRunFailed       NotificationType = "run_failed"
	NotifyHighPriorityGap NotificationType = "high_priority_gap"
	NotifyDailyDigest     NotificationType = "daily_digest"
)

// Urgency ranks how loudly a notification should be delivered
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Urgency   Urgency
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig

	// HighPriorityThreshold is the composite score above which a gap
	// triggers an immediate notification.
	HighPriorityThreshold float64
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
	Enabled    bool
	MinUrgency Urgency
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost   string
	SMTPPort   int
	Username   string
	Password   string
	From       string
	To         []string
	Enabled    bool
	MinUrgency Urgency
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.HighPriorityThreshold == 0 {
		config.HighPriorityThreshold = 0.75
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && s.shouldNotify(notif.Urgency, s.config.Slack.MinUrgency) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && s.shouldNotify(notif.Urgency, s.config.Email.MinUrgency) {
		if err := s.sendEmail(notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}

	return nil
}

// shouldNotify checks if notification should be sent based on urgency
func (s *Service) shouldNotify(actual, minimum Urgency) bool {
	order := map[Urgency]int{
		UrgencyLow:      1,
		UrgencyMedium:   2,
		UrgencyHigh:     3,
		UrgencyCritical: 4,
	}

	return order[actual] >= order[minimum]
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// sendSlack sends a notification to Slack
func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	color := s.urgencyToColor(notif.Urgency)

	fields := []SlackField{}
	if notif.Data != nil {
		if runID, ok := notif.Data["run_id"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Run",
				Value: runID,
				Short: true,
			})
		}
		if assets, ok := notif.Data["asset_count"].(int); ok {
			fields = append(fields, SlackField{
				Title: "Assets",
				Value: fmt.Sprintf("%d", assets),
				Short: true,
			})
		}
		if gapCount, ok := notif.Data["gap_count"].(int); ok {
			fields = append(fields, SlackField{
				Title: "Gaps",
				Value: fmt.Sprintf("%d", gapCount),
				Short: true,
			})
		}
		if framework, ok := notif.Data["framework"].(string); ok && framework != "" {
			fields = append(fields, SlackField{
				Title: "Framework",
				Value: framework,
				Short: true,
			})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Gapscan Alerts",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

// urgencyToColor converts urgency to Slack color
func (s *Service) urgencyToColor(urgency Urgency) string {
	switch urgency {
	case UrgencyCritical:
		return "#FF0000" // Red
	case UrgencyHigh:
		return "#FFA500" // Orange
	case UrgencyMedium:
		return "#FFFF00" // Yellow
	default:
		return "#36A64F" // Green
	}
}

// sendEmail sends a notification via email
func (s *Service) sendEmail(notif *Notification) error {
	subject := fmt.Sprintf("[Gapscan Alert] %s", notif.Title)
	body, err := s.formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	err = smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg))
	if err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// formatEmailBody formats the email body
func (s *Service) formatEmailBody(notif *Notification) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .urgency { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.UrgencyColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Urgency: <span class="urgency">{{.Urgency}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated alert from the gapscan discovery system.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}

	headerColor := "#2196F3" // Default blue
	urgencyColor := s.urgencyToColor(notif.Urgency)

	switch notif.Urgency {
	case UrgencyCritical:
		headerColor = "#F44336"
	case UrgencyHigh:
		headerColor = "#FF9800"
	case UrgencyMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":        notif.Title,
		"Message":      notif.Message,
		"Urgency":      string(notif.Urgency),
		"HeaderColor":  headerColor,
		"UrgencyColor": urgencyColor,
		"Data":         notif.Data,
		"HasData":      len(notif.Data) > 0,
		"Timestamp":    notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// NotifyRunCompleted summarizes a finished run and separately flags any
// gaps scoring above the high-priority threshold.
func (s *Service) NotifyRunCompleted(ctx context.Context, report *models.DiscoveryReport) error {
	notif := &Notification{
		Type:    NotifyRunComplete,
		Title:   "Discovery Run Completed",
		Message: fmt.Sprintf("Run %s finished", report.Metadata.RunID),
		Urgency: s.reportToUrgency(report),
		Data: map[string]interface{}{
			"run_id":      report.Metadata.RunID.String(),
			"asset_count": len(report.Assets),
			"gap_count":   len(report.Gaps),
			"truncated":   report.Metadata.Truncated,
		},
		Timestamp: time.Now(),
	}

	if err := s.Send(ctx, notif); err != nil {
		return err
	}

	for _, score := range report.Scores {
		if score.CompositeScore < s.config.HighPriorityThreshold {
			break // Scores are sorted descending
		}
		if err := s.NotifyHighPriorityGap(ctx, &score); err != nil {
			s.logger.Warn("high priority gap notification failed",
				"gap_id", score.Gap.GapID,
				"error", err)
		}
	}

	return nil
}

// NotifyHighPriorityGap sends an immediate alert for one scored gap
func (s *Service) NotifyHighPriorityGap(ctx context.Context, score *models.GapPriorityScore) error {
	gap := score.Gap
	notif := &Notification{
		Type:    NotifyHighPriorityGap,
		Title:   fmt.Sprintf("High Priority %s Gap", gap.GapType),
		Message: fmt.Sprintf("Gap %s on asset %s scored %.2f", gap.GapID, gap.AssetID, score.CompositeScore),
		Urgency: UrgencyCritical,
		Data: map[string]interface{}{
			"run_id":    gap.RunID.String(),
			"gap_type":  string(gap.GapType),
			"asset_id":  gap.AssetID,
			"framework": string(gap.Framework),
			"rule":      gap.ViolatedRule,
			"score":     fmt.Sprintf("%.2f", score.CompositeScore),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// NotifyRunFailed sends a notification when a run fails
func (s *Service) NotifyRunFailed(ctx context.Context, runID string, err error) error {
	notif := &Notification{
		Type:    NotifyRunFailed,
		Title:   "Discovery Run Failed",
		Message: fmt.Sprintf("Run %s failed: %s", runID, err.Error()),
		Urgency: UrgencyHigh,
		Data: map[string]interface{}{
			"run_id": runID,
			"error":  err.Error(),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// reportToUrgency determines notification urgency from run contents
func (s *Service) reportToUrgency(report *models.DiscoveryReport) Urgency {
	compliance := 0
	for _, gap := range report.Gaps {
		if gap.GapType == models.GapTypeCompliance {
			compliance++
		}
	}

	if compliance > 0 {
		return UrgencyHigh
	}
	if len(report.Gaps) > 0 {
		return UrgencyMedium
	}
	return UrgencyLow
}
