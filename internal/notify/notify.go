// Package notify sends outbound notifications and one-off reactions to
// Slack, formatted with Slack mrkdwn.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/models"
)

// Default values for notifications.
const (
	DefaultChannel = "claude-notifications"
	DefaultEmoji   = "white_check_mark"

	urgentPrefix = ":rotating_light: *URGENT*"
)

// TestMessage is the notification sent by Notifier.Test.
var TestMessage = Message{
	Title: "Connection Test",
	Text:  "Test message from signalbox. Slack integration is working!",
}

// Provider is the subset of the chat client notify needs.
type Provider interface {
	PostMessage(ctx context.Context, channel, text string) (models.TS, error)
	AddReaction(ctx context.Context, channel string, ts models.TS, name string) error
}

// Message is one outbound notification.
type Message struct {
	Text   string
	Title  string // rendered bold above the text
	Urgent bool   // prefixes the urgent marker
	Code   bool   // wraps the text in a code block
}

// Compose renders m as Slack mrkdwn, one part per line.
func Compose(m Message) string {
	var parts []string
	if m.Urgent {
		parts = append(parts, urgentPrefix)
	}
	if m.Title != "" {
		parts = append(parts, "*"+m.Title+"*")
	}
	if m.Code {
		parts = append(parts, "```"+m.Text+"```")
	} else {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n")
}

// ChannelRef turns a channel name into the "#name" form chat.postMessage
// accepts. Channel ids are returned unchanged.
func ChannelRef(channel string) string {
	channel = strings.TrimPrefix(channel, "#")
	if isChannelID(channel) {
		return channel
	}
	return "#" + channel
}

func isChannelID(s string) bool {
	if len(s) < 2 || (s[0] != 'C' && s[0] != 'G' && s[0] != 'D') {
		return false
	}
	for _, r := range s[1:] {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Notifier posts notifications through a Provider.
type Notifier struct {
	provider       Provider
	defaultChannel string
}

// New creates a Notifier. An empty defaultChannel means DefaultChannel.
func New(provider Provider, defaultChannel string) (*Notifier, error) {
	if provider == nil {
		return nil, fmt.Errorf("notify: provider is required")
	}
	if defaultChannel == "" {
		defaultChannel = DefaultChannel
	}
	return &Notifier{provider: provider, defaultChannel: defaultChannel}, nil
}

// Send posts m to channel, or to the default channel when channel is empty,
// and returns the posted message timestamp.
func (n *Notifier) Send(ctx context.Context, channel string, m Message) (models.TS, error) {
	if strings.TrimSpace(m.Text) == "" {
		return "", fmt.Errorf("notify: message text is required")
	}
	if channel == "" {
		channel = n.defaultChannel
	}
	ts, err := n.provider.PostMessage(ctx, ChannelRef(channel), Compose(m))
	if err != nil {
		return "", fmt.Errorf("notify: send to %s: %w", channel, err)
	}
	return ts, nil
}

// Test posts TestMessage.
func (n *Notifier) Test(ctx context.Context, channel string) (models.TS, error) {
	return n.Send(ctx, channel, TestMessage)
}

// React adds emoji to the message at ts. Reactions need a channel id, so a
// leading "#" is stripped and the rest is passed through.
func (n *Notifier) React(ctx context.Context, channel string, ts models.TS, emoji string) error {
	if err := ts.Validate(); err != nil {
		return fmt.Errorf("notify: react: %w", err)
	}
	if emoji == "" {
		emoji = DefaultEmoji
	}
	channel = strings.TrimPrefix(channel, "#")
	if channel == "" {
		return fmt.Errorf("notify: react: channel is required")
	}
	if err := n.provider.AddReaction(ctx, channel, ts, emoji); err != nil {
		return fmt.Errorf("notify: react: %w", err)
	}
	return nil
}

// Hint returns operator guidance for common Slack error codes, or "".
func Hint(code, channel string) string {
	switch code {
	case "channel_not_found":
		return fmt.Sprintf("Create #%s channel in Slack first", strings.TrimPrefix(channel, "#"))
	case "not_in_channel":
		return fmt.Sprintf("Invite the bot to #%s", strings.TrimPrefix(channel, "#"))
	case "missing_scope":
		return "Add the chat:write and reactions:write scopes to the Slack app"
	}
	return ""
}
