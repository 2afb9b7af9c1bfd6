// Package main is the entry point of the icon repository server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/config"
	"github.com/ui-toolbox/icon-repository-sub000/internal/logger"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if apperr.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Icon repository server",
		Long: `Serves icons whose metadata lives in Postgres and whose files live in a
git working tree. Every change is written to both.

Configuration is read from --config (YAML, JSON or TOML) and overridden by
ICONREPO_* environment variables, e.g. ICONREPO_DATABASE_URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newVerifyCmd(&configPath),
		newHashPasswordCmd(),
	)
	return cmd
}

// loadRuntime reads the configuration and builds the logger every command
// shares.
func loadRuntime(configPath string) (config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, nil, apperr.Fatal("load config", err)
	}
	log, closer := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	slog.SetDefault(log)
	return cfg, log, closer, nil
}
