package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/listener"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
)

const ruleWidth = 60

type listenFlags struct {
	check    bool
	clear    bool
	markRead bool
	sync     bool
	poll     bool
	noSync   bool
	once     bool
	interval int
	channel  string
}

func newListenCmd() *cobra.Command {
	var f listenFlags

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Mirror channel messages into the inbox",
		Long: `Polls (or, in socket mode, subscribes to) the configured Slack channel and
appends every new human message to the inbox, reacting with the receipt
emoji. The inbox maintenance flags run once and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, f)
		},
	}

	cmd.Flags().BoolVar(&f.check, "check", false, "show inbox status and unread messages")
	cmd.Flags().BoolVar(&f.clear, "clear", false, "remove all messages from the inbox")
	cmd.Flags().BoolVar(&f.markRead, "mark-read", false, "mark all messages as read")
	cmd.Flags().BoolVar(&f.sync, "sync", false, "fetch missed messages from channel history and exit")
	cmd.Flags().BoolVar(&f.poll, "poll", false, "use polling mode (only needs the bot token)")
	cmd.Flags().BoolVar(&f.noSync, "no-sync", false, "skip history sync on startup")
	cmd.Flags().BoolVar(&f.once, "once", false, "run a single poll cycle and exit")
	cmd.Flags().IntVarP(&f.interval, "interval", "i", 0, "polling interval in seconds (default from config)")
	cmd.Flags().StringVar(&f.channel, "channel", "", "channel id (default from config)")
	cmd.MarkFlagsMutuallyExclusive("check", "clear", "mark-read", "sync", "once")
	return cmd
}

func runListen(cmd *cobra.Command, f listenFlags) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if f.channel != "" {
		cfg.Slack.ChannelID = f.channel
	}
	if f.interval > 0 {
		cfg.Listener.IntervalSec = f.interval
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	ctx := cmdContext(cmd)

	switch {
	case f.check:
		msgs, err := st.Load(ctx)
		if err != nil {
			return err
		}
		printInbox(out, msgs)
		return nil
	case f.clear:
		if err := st.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Inbox cleared.")
		return nil
	case f.markRead:
		if _, err := st.MarkAllRead(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "All messages marked as read.")
		return nil
	}

	logName := config.ListenerLogName
	if f.sync || f.once {
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

	opts := listener.Opts{
		Provider:        client,
		Store:           st,
		Channel:         cfg.Slack.ChannelID,
		ReceiptReaction: cfg.Listener.ReceiptReaction,
		Interval:        time.Duration(cfg.Listener.IntervalSec) * time.Second,
		HistoryLimit:    cfg.Listener.HistoryLimit,
		PollLimit:       cfg.Listener.PollLimit,
		SyncOnStart:     !f.noSync,
		Logger:          logger,
	}
	if cfg.Listener.ResyncCron != "" {
		sched, err := config.CronParser.Parse(cfg.Listener.ResyncCron)
		if err != nil {
			return fmt.Errorf("listener.resync_cron: %w", err)
		}
		opts.Resync = sched
	}
	l, err := listener.New(opts)
	if err != nil {
		return err
	}

	switch {
	case f.sync:
		if _, err := l.SyncHistory(ctx); err != nil {
			return err
		}
		msgs, err := st.Load(ctx)
		if err != nil {
			return err
		}
		printInbox(out, msgs)
		return nil
	case f.once:
		res, err := l.PollOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Found %d new message(s)\n", res.Added)
		return nil
	}

	sigCtx, cancel := signalContext()
	defer cancel()

	if f.poll || cfg.Listener.Mode == config.ModePoll {
		return l.Run(sigCtx)
	}
	return runSocketListener(sigCtx, l, logger, cfg, f.noSync)
}

func runSocketListener(ctx context.Context, l *listener.Listener, logger *log.Logger, cfg *config.Config, noSync bool) error {
	if cfg.Slack.AppToken == "" {
		return fmt.Errorf("listen: SLACK_APP_TOKEN is required for socket mode (or use --poll)")
	}
	if !noSync {
		logger.Printf("Syncing channel history to catch missed messages...")
		if res, err := l.SyncHistory(ctx); err != nil {
			logger.Printf("[ERROR] Failed to sync history: %v", err)
		} else if res.Added > 0 {
			logger.Printf("Found %d missed messages", res.Added)
		}
	}
	logger.Printf("Starting Slack listener...")
	logger.Printf("Inbox: %s", inboxLocation(cfg))
	return l.RunSocket(ctx)
}

func inboxLocation(cfg *config.Config) string {
	if cfg.Storage.Driver == config.DriverJSON {
		return cfg.Path(config.InboxFileName)
	}
	return cfg.Storage.Driver + " database"
}

// printInbox writes the inbox summary and every unread message.
func printInbox(out io.Writer, msgs []models.Message) {
	unread := store.Unread(msgs)
	rule := strings.Repeat("=", ruleWidth)

	fmt.Fprintf(out, "\n%s\n", rule)
	fmt.Fprintln(out, "SLACK INBOX STATUS")
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "Total messages: %d\n", len(msgs))
	fmt.Fprintf(out, "Unread messages: %d\n", len(unread))
	fmt.Fprintf(out, "%s\n\n", rule)

	if len(unread) == 0 {
		fmt.Fprint(out, "No unread messages.\n\n")
		return
	}
	fmt.Fprint(out, "UNREAD MESSAGES:\n\n")
	for _, m := range unread {
		fmt.Fprintf(out, "  [%d] From: %s\n", m.ID, m.User)
		fmt.Fprintf(out, "      Channel: %s\n", m.Channel)
		fmt.Fprintf(out, "      Time: %s\n", m.ReceivedAt)
		fmt.Fprintf(out, "      Message: %s\n", m.Text)
		for _, file := range m.Files {
			fmt.Fprintf(out, "      File: %s (%s)\n", file.Name, file.ID)
		}
		fmt.Fprintln(out)
	}
}
