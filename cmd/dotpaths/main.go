// dotpaths runs the dot path tracking service and its operator commands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/dotpaths/internal/config"
	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/store"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dotpaths",
		Short: "Crowd-sourced dot path tracking backend",
		Long: `dotpaths records photo uploads for numbered dots and keeps a path of
where each dot has been seen.

  dotpaths serve                    run the HTTP service
  dotpaths expire                   delete abandoned pending uploads
  dotpaths reset --objects          clear uploads, paths and stored photos
  dotpaths migrate --file old.json  import legacy path documents`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level override")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newExpireCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newCodesCmd())
	rootCmd.AddCommand(newCounterCmd())
	return rootCmd
}

// loadConfig reads the layered configuration and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logging.Init(cfg.LoggingConfig()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds the components every command shares.
type app struct {
	cfg     *config.Config
	store   dotpaths.Store
	counter *dotpaths.CounterMaintainer
	log     zerolog.Logger
}

func openApp(name string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.Component(name)
	st, err := store.Open(cfg.Store.DSN, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{
		cfg:     cfg,
		store:   st,
		counter: dotpaths.NewCounterMaintainer(st, cfg.Store.CounterName, nil),
		log:     log,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close store")
	}
}

// withApp opens the configured store for the duration of one command.
func withApp(name string, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(name)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, args)
	}
}
