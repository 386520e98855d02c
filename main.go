package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"automation-engine/pkg/config"
	"automation-engine/pkg/db"
	"automation-engine/pkg/logging"
	"automation-engine/services/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "automation-engine",
		Short:         "Runs visual automation workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pflags := cmd.PersistentFlags()
	pflags.String("config", "", "Config file path (yaml, json or toml)")
	pflags.String("log-level", "", "Log level (debug, info, warn, error)")
	pflags.String("database-url", "", "PostgreSQL connection string")
	v.BindPFlag("log.level", pflags.Lookup("log-level"))
	v.BindPFlag("database.url", pflags.Lookup("database-url"))

	cmd.AddCommand(newServeCommand(v), newMigrateCommand(v))
	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(logging.Setup(os.Stdout, cfg.Log.Level, cfg.Log.Format))
	return cfg, nil
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and execution workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "Listen address")
	flags.Int("workers", 0, "Number of execution workers")
	v.BindPFlag("server.addr", flags.Lookup("addr"))
	v.BindPFlag("engine.workers", flags.Lookup("workers"))
	return cmd
}

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and seed the sample workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is not set")
			}

			pool, err := db.Connect(cmd.Context(), db.Config{URL: cfg.Database.URL})
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := workflow.InitDB(cmd.Context(), pool, cfg.Seed); err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}
			slog.Info("Database initialized")
			return nil
		},
	}
}
