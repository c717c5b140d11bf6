// Package cli implements the sealpdf command line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/sealpdf/sealpdf/config"
)

// Version is stamped at build time.
var Version = "dev"

type appContext struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand builds the sealpdf command tree.
func NewRootCommand() *cobra.Command {
	app := &appContext{}
	var configFile string

	root := &cobra.Command{
		Use:           "sealpdf",
		Short:         "Embed digital signatures in PDF documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			app.cfg = cfg
			app.logger = newLogger(cfg.Logging)
			slog.SetDefault(app.logger)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "path to the YAML configuration file")

	root.AddCommand(newSignCommand(app))
	root.AddCommand(newSelfSignCertCommand(app))
	root.AddCommand(newVersionCommand())

	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sealpdf version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sealpdf", Version)
		},
	}
}
