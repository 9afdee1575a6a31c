package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/slack"
)

type notifyFlags struct {
	channel   string
	urgent    bool
	code      bool
	title     string
	test      bool
	react     bool
	timestamp string
	emoji     string
}

func newNotifyCmd() *cobra.Command {
	var f notifyFlags

	cmd := &cobra.Command{
		Use:   "notify [message]",
		Short: "Send a notification to Slack",
		Long: `Posts a message to a Slack channel, optionally marked urgent, titled or
formatted as a code block. With --react it adds a reaction to an existing
message instead.`,
		Example: `  sb notify "Build completed successfully"
  sb notify --urgent "Tests failing - need review"
  sb notify --title "Security Scan" --code "No issues found"
  sb notify --react --channel C0A8LB49E1M --timestamp 1768621161.846209`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if len(args) == 1 {
				text = args[0]
			}
			return runNotify(cmd, text, f)
		},
	}

	cmd.Flags().StringVarP(&f.channel, "channel", "c", "", "target channel (default from config)")
	cmd.Flags().BoolVarP(&f.urgent, "urgent", "u", false, "mark as urgent")
	cmd.Flags().BoolVar(&f.code, "code", false, "format as code block")
	cmd.Flags().StringVarP(&f.title, "title", "t", "", "add a bold title")
	cmd.Flags().BoolVar(&f.test, "test", false, "send a test message")
	cmd.Flags().BoolVar(&f.react, "react", false, "add a reaction instead of sending a message")
	cmd.Flags().StringVar(&f.timestamp, "timestamp", "", "message timestamp for --react")
	cmd.Flags().StringVarP(&f.emoji, "emoji", "e", notify.DefaultEmoji, "emoji name for --react")
	return cmd
}

func runNotify(cmd *cobra.Command, text string, f notifyFlags) error {
	if f.react && f.timestamp == "" {
		return fmt.Errorf("notify: --timestamp is required with --react")
	}
	if !f.react && !f.test && text == "" {
		return fmt.Errorf("notify: message required (or use --test)")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	logger, closer := newProcessLogger(cfg, out, "")
	defer closer.Close()
	client, err := newSlackClient(cfg, logger)
	if err != nil {
		return err
	}
	n, err := notify.New(client, cfg.Slack.NotifyChannel)
	if err != nil {
		return err
	}
	ctx := cmdContext(cmd)

	channel := f.channel
	if f.react {
		if channel == "" {
			channel = cfg.Slack.ChannelID
		}
		if err := n.React(ctx, channel, models.TS(f.timestamp), f.emoji); err != nil {
			return explainSlackError(cmd, err, channel)
		}
		fmt.Fprintf(out, "[OK] Added :%s: reaction\n", f.emoji)
		return nil
	}

	if channel == "" {
		channel = cfg.Slack.NotifyChannel
	}
	msg := notify.Message{Text: text, Title: f.title, Urgent: f.urgent, Code: f.code}
	if f.test {
		msg = notify.TestMessage
	}
	if _, err := n.Send(ctx, channel, msg); err != nil {
		return explainSlackError(cmd, err, channel)
	}
	fmt.Fprintf(out, "[OK] Message sent to %s\n", notify.ChannelRef(channel))
	return nil
}

// explainSlackError prints a hint for well-known Slack error codes and
// returns err.
func explainSlackError(cmd *cobra.Command, err error, channel string) error {
	if hint := notify.Hint(slack.ErrorCode(err), channel); hint != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "  Hint: %s\n", hint)
	}
	return err
}
