package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/acknowledger"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/slack"
)

func newAckCmd() *cobra.Command {
	var (
		once     bool
		status   bool
		interval int
		channel  string
	)

	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Confirm read inbox messages in Slack",
		Long: `Watches the inbox for messages marked read and adds the acknowledgment
reaction to each one in Slack, recording it so it is never confirmed twice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAck(cmd, once, status, interval, channel)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single acknowledgment cycle and exit")
	cmd.Flags().BoolVar(&status, "status", false, "show acknowledgment status")
	cmd.Flags().IntVarP(&interval, "interval", "i", 0, "check interval in seconds (default from config)")
	cmd.Flags().StringVar(&channel, "channel", "", "fallback channel id (default from config)")
	cmd.MarkFlagsMutuallyExclusive("once", "status")
	return cmd
}

// noReactions stands in for the Slack client where only the store is read.
type noReactions struct{}

func (noReactions) AddReaction(ctx context.Context, channel string, ts models.TS, name string) error {
	return fmt.Errorf("ack: reactions unavailable in status mode")
}

func runAck(cmd *cobra.Command, once, status bool, interval int, channel string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if channel != "" {
		cfg.Slack.ChannelID = channel
	}
	if interval > 0 {
		cfg.Acknowledger.IntervalSec = interval
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	ctx := cmdContext(cmd)

	opts := acknowledger.Opts{
		Provider:       noReactions{},
		Store:          st,
		DefaultChannel: cfg.Slack.ChannelID,
		Reaction:       cfg.Acknowledger.Reaction,
		Interval:       time.Duration(cfg.Acknowledger.IntervalSec) * time.Second,
		IsAlreadyDone:  slack.IsAlreadyReacted,
	}

	if status {
		a, err := acknowledger.New(opts)
		if err != nil {
			return err
		}
		s, err := a.Status(ctx)
		if err != nil {
			return err
		}
		printAckStatus(out, s)
		return nil
	}

	logName := config.AcknowledgerLogName
	if once {
		logName = ""
	}
	logger, closer := newProcessLogger(cfg, out, logName)
	defer closer.Close()

	client, err := newSlackClient(cfg, logger)
	if err != nil {
		return err
	}
	if err := verifyCredentials(ctx, client); err != nil {
		return err
	}
	opts.Provider = client
	opts.Logger = logger
	if cfg.Storage.Driver == config.DriverJSON && cfg.Acknowledger.Watch() {
		opts.WatchPath = cfg.Path(config.InboxFileName)
	}
	a, err := acknowledger.New(opts)
	if err != nil {
		return err
	}

	if once {
		n, err := a.Cycle(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Acknowledged %d message(s)\n", n)
		return nil
	}

	sigCtx, cancel := signalContext()
	defer cancel()
	return a.Run(sigCtx)
}

func printAckStatus(out io.Writer, s acknowledger.Status) {
	rule := strings.Repeat("=", ruleWidth)
	fmt.Fprintf(out, "\n%s\n", rule)
	fmt.Fprintln(out, "SLACK ACKNOWLEDGMENT STATUS")
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "Total messages in inbox: %d\n", s.Total)
	fmt.Fprintf(out, "Read messages: %d\n", s.Read)
	fmt.Fprintf(out, "Acknowledged in Slack: %d\n", s.Acknowledged)
	fmt.Fprintf(out, "Pending acknowledgment: %d\n", len(s.Pending))
	fmt.Fprintf(out, "%s\n\n", rule)

	if len(s.Pending) == 0 {
		return
	}
	fmt.Fprint(out, "PENDING ACKNOWLEDGMENTS:\n\n")
	for _, m := range s.Pending {
		text := []rune(m.Text)
		if len(text) > 60 {
			text = append(text[:60], []rune("...")...)
		}
		fmt.Fprintf(out, "  [%d] %s\n", m.ID, string(text))
	}
	fmt.Fprintln(out)
}
