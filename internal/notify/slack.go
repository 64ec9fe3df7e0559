package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Slack posts notifications to an incoming webhook
type Slack struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is a colored block of a message
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text"`
	Fields []SlackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
}

// SlackField is a labelled value in an attachment; short fields sit side by side
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlack creates a Slack notifier; an empty URL disables it
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackColor maps a level to an attachment color
func SlackColor(l Level) string {
	switch l {
	case LevelSuccess:
		return "good"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// Send posts the notification
func (s *Slack) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	msg := SlackMessage{
		Text: n.Title,
		Attachments: []SlackAttachment{{
			Color:  SlackColor(n.Level),
			Title:  n.RunID,
			Text:   n.Message,
			Fields: slackFields(n),
			Footer: "autodev",
		}},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}

// slackFields lays out the run state of a run notification
func slackFields(n Notification) []SlackField {
	if n.State == "" {
		return nil
	}
	fields := []SlackField{
		{Title: "State", Value: string(n.State), Short: true},
		{Title: "Phase", Value: n.Phase.String(), Short: true},
	}
	if n.TasksTotal > 0 {
		fields = append(fields, SlackField{Title: "Tasks", Value: fmt.Sprintf("%d/%d completed", n.TasksCompleted, n.TasksTotal), Short: true})
	}
	if n.BuildAttempts > 0 {
		fields = append(fields, SlackField{Title: "Builds", Value: fmt.Sprintf("%d, %d healing", n.BuildAttempts, n.HealingAttempts), Short: true})
	}
	if total := n.Usage.Total(); total > 0 {
		fields = append(fields, SlackField{Title: "Usage", Value: fmt.Sprintf("%d tokens, $%.4f", total, n.Usage.CostUSD), Short: true})
	}
	return fields
}
