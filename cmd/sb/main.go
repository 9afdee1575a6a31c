package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/slack"
	"github.com/zulandar/signalbox/internal/store"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "sb",
		Short:        "Slack inbox sync",
		Long:         "signalbox mirrors a Slack channel into a local inbox and confirms read messages back in Slack.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to signalbox config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newListenCmd())
	cmd.AddCommand(newAckCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newRestartCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newFilesCmd())
	cmd.AddCommand(newNotifyCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sb %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// loadConfig reads the file named by --config, falling back to defaults
// when it does not exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured inbox backend.
func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// newSlackClient builds the Slack client for cfg. Tests override it.
var newSlackClient = func(cfg *config.Config, logger *log.Logger) (*slack.Client, error) {
	return slack.New(slack.Opts{
		BotToken: cfg.Slack.BotToken,
		AppToken: cfg.Slack.AppToken,
		Logger:   logger,
	})
}

// botIdentity verifies the bot token with Slack.
type botIdentity interface {
	AuthTest(ctx context.Context) (string, error)
}

// verifyCredentials fails when Slack rejects the bot token, so a revoked or
// mistyped token stops a process at startup instead of failing every cycle.
func verifyCredentials(ctx context.Context, bot botIdentity) error {
	if _, err := bot.AuthTest(ctx); err != nil {
		return fmt.Errorf("verify Slack credentials: %w", err)
	}
	return nil
}

// newProcessLogger returns a logger writing to out and, when logName is set,
// to that rotating file in the state directory.
func newProcessLogger(cfg *config.Config, out io.Writer, logName string) (*log.Logger, io.Closer) {
	opts := logging.Opts{Out: out, Rotate: cfg.Log}
	if logName != "" {
		opts.Path = cfg.Path(logName)
	}
	return logging.New(opts)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()
	os.Exit(execute(newRootCmd()))
}
