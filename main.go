package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"calmweb/pkg/config"
	"calmweb/pkg/configdoc"
	"calmweb/pkg/errs"
	"calmweb/pkg/logger"
	"calmweb/pkg/settings"
	"calmweb/pkg/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "calmweb",
		Short:        "Domain filtering control service",
		Long:         "calmweb keeps the blocked and allowed domain lists, protection settings and usage statistics, and serves them over an HTTP API.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Setup(cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $CALMWEB_CONFIG or /etc/calmweb/calmweb.conf)")

	root.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Validate a config document and list rejected entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := config.Setup(cfgFile)
				if err != nil {
					return err
				}
				path = cfg.DocumentPath()
			}
			return checkDocument(cmd, path)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "calmweb %s\n", version.CalmwebVersion)
		},
	})

	return root
}

func serve(ctx context.Context, cfg *config.Config) error {
	logs := logger.NewBuffer(cfg.Logging.BufferSize)
	log := logger.Setup(cfg.Logging.Level, cfg.Logging.File, logs)
	if cfg.Path == "" {
		log.Info("no config file found, using defaults")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, log, logs)
	if err != nil {
		log.Error("failed to initialize", "error", err)
		return err
	}
	if err := a.start(ctx); err != nil {
		log.Error("failed to start server", "error", err)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return errors.Join(err, a.stop(shutdownCtx))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			log.Info("received SIGHUP signal, reloading config document")
			a.reload(ctx)
		case syscall.SIGINT, syscall.SIGTERM:
			log.Info("received shutdown signal", "signal", sig)

			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			if err := a.stop(shutdownCtx); err != nil {
				log.Error("shutdown failed", "error", err)
				return err
			}
			return nil
		}
	}
}

// checkDocument reports what a config document would load.
func checkDocument(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path provided by the operator.
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := configdoc.Parse(data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d blocked, %d allowed\n", path, len(doc.Blocked), len(doc.Allowed))
	if doc.HasOptions() {
		for _, key := range settings.Keys {
			value, _ := doc.Settings.Get(key)
			fmt.Fprintf(out, "option %s = %t\n", key, value)
		}
	}
	for _, rejected := range doc.Rejected {
		fmt.Fprintf(out, "rejected: %q\n", rejected)
	}
	if len(doc.Rejected) > 0 {
		return fmt.Errorf("%w: %d invalid entries", errs.ErrInvalidDomain, len(doc.Rejected))
	}
	return nil
}
