package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/supervisor"
	"golang.org/x/term"
)

const (
	statusRuleWidth = 50
	watchInterval   = 2 * time.Second
)

// spawnerFor returns the process spawner to use. Allows test override.
var spawnerFor = func() supervisor.Spawner {
	return supervisor.ExecSpawner{}
}

// executablePath returns the binary the children re-exec. Allows test override.
var executablePath = os.Executable

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the listener and acknowledger in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, closeFn, err := newSupervisor(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			_, err = sup.Start(cmdContext(cmd))
			return err
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background services",
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, closeFn, err := newSupervisor(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			return sup.Stop(cmdContext(cmd))
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the background services",
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, closeFn, err := newSupervisor(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			_, err = sup.Restart(cmdContext(cmd))
			return err
		},
	}
}

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show background service and inbox status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, watch)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh every 2 seconds until interrupted")
	return cmd
}

// newSupervisor builds a Supervisor for the configured state directory. The
// returned func closes the inbox store.
func newSupervisor(cmd *cobra.Command) (*supervisor.Supervisor, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	exe, err := executablePath()
	if err != nil {
		return nil, nil, fmt.Errorf("locate executable: %w", err)
	}

	var extra []string
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		extra = []string{"--config", path}
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	sup, err := supervisor.New(supervisor.Opts{
		HandleFile: cfg.Path(config.HandleFileName),
		Executable: exe,
		ExtraArgs:  extra,
		Spawner:    spawnerFor(),
		Inbox:      st,
		Out:        cmd.OutOrStdout(),
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return sup, func() { st.Close() }, nil
}

func runStatus(cmd *cobra.Command, watch bool) error {
	sup, closeFn, err := newSupervisor(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	if !watch {
		r, err := sup.Status(cmdContext(cmd))
		if err != nil {
			return err
		}
		printReport(out, r)
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()
	tty := isTerminal(out)
	for {
		r, err := sup.Status(ctx)
		if err != nil {
			return err
		}
		if tty {
			fmt.Fprint(out, "\033[H\033[2J")
		}
		printReport(out, r)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchInterval):
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printReport(out io.Writer, r supervisor.Report) {
	rule := strings.Repeat("=", statusRuleWidth)
	fmt.Fprintf(out, "\n%s\n", rule)
	fmt.Fprintln(out, "SLACK BOT STATUS")
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "Listener:     %s\n", roleLine(r.Listener))
	fmt.Fprintf(out, "Acknowledger: %s\n", roleLine(r.Acknowledger))
	if r.UpdatedAt != "" {
		fmt.Fprintf(out, "\nLast updated: %s\n", r.UpdatedAt)
	}
	fmt.Fprintf(out, "%s\n\n", rule)

	if r.InboxErr != nil {
		fmt.Fprintf(out, "Inbox: unavailable (%v)\n", r.InboxErr)
		return
	}
	fmt.Fprintf(out, "Inbox: %d messages (%d unread)\n", r.Total, r.Unread)
}

func roleLine(s supervisor.RoleStatus) string {
	state := "STOPPED"
	if s.Running {
		state = "RUNNING"
	}
	pid := "N/A"
	if s.PID > 0 {
		pid = fmt.Sprint(s.PID)
	}
	return fmt.Sprintf("%s (PID: %s)", state, pid)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
