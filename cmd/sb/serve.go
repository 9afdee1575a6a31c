package main

import (
	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/server"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the inbox HTTP API",
		Long:  "Serves the inbox as JSON and lets clients mark messages read, which hands them to the acknowledger.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, port int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return server.Start(ctx, server.StartOpts{
		Store: st,
		Port:  cfg.Server.Port,
		Out:   cmd.OutOrStdout(),
	})
}
