package notifier

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

var slackColors = map[Level]string{
	LevelInfo:     "#2eb886",
	LevelDanger:   "#daa038",
	LevelCritical: "#a30200",
}

// SlackTransport posts records to an incoming webhook.
type SlackTransport struct {
	webhookURL string
}

func NewSlackTransport(webhookURL string) *SlackTransport {
	return &SlackTransport{webhookURL: webhookURL}
}

func (t *SlackTransport) Name() string { return "slack" }

func (t *SlackTransport) Send(ctx context.Context, rec Record) error {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] %s", rec.Level, rec.Title),
		Attachments: []slack.Attachment{{
			Color: slackColors[rec.Level],
			Text:  rec.Description,
			Fields: []slack.AttachmentField{
				{Title: "bot", Value: string(rec.BotType), Short: true},
				{Title: "address", Value: rec.Address, Short: true},
			},
		}},
	}
	if err := slack.PostWebhookContext(ctx, t.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
