package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
)

// Slack posts notifications as colored attachments to one channel.
type Slack struct {
	client  *slack.Client
	channel string
}

// NewSlack returns a Slack notifier. An empty token or channel disables it.
// Extra options are forwarded to the client, which lets tests point it at a
// local server.
func NewSlack(token, channel string, opts ...slack.Option) *Slack {
	var client *slack.Client
	if token != "" {
		client = slack.New(token, opts...)
	}
	return &Slack{client: client, channel: channel}
}

func (s *Slack) Name() string  { return "slack" }
func (s *Slack) Enabled() bool { return s.client != nil && s.channel != "" }

func severityColor(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func (s *Slack) Send(ctx context.Context, n Notification) error {
	title := fmt.Sprintf("[%s] %s", n.Severity, n.RuleName)
	if n.Test {
		title = "[TEST] " + title
	}
	attachment := slack.Attachment{
		Color: severityColor(n.Severity),
		Title: title,
		Text: fmt.Sprintf("Policy %q denied %.1f%% of requests over the last %ds (threshold %.1f%%).",
			n.PolicyName, n.CurrentDenyRate, n.WindowSeconds, n.ThresholdPercentage),
		Fields: []slack.AttachmentField{
			{Title: "Denied", Value: strconv.FormatInt(n.DeniedRequests, 10), Short: true},
			{Title: "Total", Value: strconv.FormatInt(n.TotalRequests, 10), Short: true},
		},
		Footer: "gatelimit",
		Ts:     json.Number(strconv.FormatInt(n.TriggeredAt.Unix(), 10)),
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}
