package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobkit/internal/app"
	"jobkit/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "./jobkit.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobkitd",
		Short:         "Run spools, scheduled services and the watchdog from a config file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config file (.json, .yaml, .yml)")
	root.AddCommand(newRunCmd(), newValidateCmd(), newVersionCmd())
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon and block until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath(cmd))
		},
	}
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopAppStop
loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				if _, err := a.Reload(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "reload:", err)
				}
				continue
			}
			reason = app.ReasonForSignal(sig)
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		case <-parent.Done():
			break loop
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.ShutdownTimeout()+10*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		return err
	}
	return stopErr
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(configPath(cmd)).Parse()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d services, storage %s, http enabled=%t\n",
				len(cfg.Services), cfg.Storage.DriverName(), cfg.HTTP.Enabled)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "jobkitd", version)
		},
	}
}
