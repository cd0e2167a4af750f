package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mastery-signals/internal/config"
	"mastery-signals/internal/logger"
	"mastery-signals/internal/store"
)

// cli carries the settings shared by every subcommand.
type cli struct {
	cfg        config.Config
	driver     string
	sqlitePath string
	dsn        string
	timeout    time.Duration
	verbose    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{cfg: config.Load()}

	root := &cobra.Command{
		Use:           "signalctl",
		Short:         "Operate the signal queue",
		Long:          "signalctl inspects and maintains the signal queue directly against its database.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.driver, "driver", "", "Store driver: postgres or sqlite (default: STORE_DRIVER)")
	root.PersistentFlags().StringVar(&c.sqlitePath, "sqlite-path", "", "SQLite database path (default: SQLITE_PATH)")
	root.PersistentFlags().StringVar(&c.dsn, "dsn", "", "Postgres DSN (default: POSTGRES_DSN)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Operation timeout")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(
		c.enqueueCmd(),
		c.statsCmd(),
		c.listCmd(),
		c.sweepCmd(),
		c.batchCmd(),
		c.archiveCmd(),
		c.migrateCmd(),
	)
	return root
}

func (c *cli) resolvedConfig() config.Config {
	cfg := c.cfg
	if c.driver != "" {
		cfg.StoreDriver = c.driver
	}
	if c.sqlitePath != "" {
		cfg.SQLitePath = c.sqlitePath
	}
	if c.dsn != "" {
		cfg.PostgresDSN = c.dsn
	}
	return cfg
}

func (c *cli) newLogger() *logger.Logger {
	if !c.verbose {
		return logger.Nop()
	}
	l, err := logger.New("development")
	if err != nil {
		return logger.Nop()
	}
	return l
}

// withStore opens the store, applies migrations and runs fn under the
// command timeout.
func (c *cli) withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.SignalStore) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()

	cfg := c.resolvedConfig()
	st, err := store.Open(ctx, cfg, store.Options{Logger: c.newLogger()})
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return fn(ctx, st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
