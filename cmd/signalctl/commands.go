package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mastery-signals/internal/archive"
	"mastery-signals/internal/models"
	"mastery-signals/internal/store"
	"mastery-signals/internal/worker"
)

func (c *cli) enqueueCmd() *cobra.Command {
	var p store.EnqueueParams
	var priority, window string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a signal",
		Example: `  signalctl enqueue --user u1 --event HabitMissed --priority Urgent
  signalctl enqueue --user u1 --event GoalUpdated --target-type Goal --target-id g7 --data '{"progress":0.4}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p.Priority = models.Priority(priority)
			p.WindowType = models.WindowType(window)
			if ttl > 0 {
				exp := time.Now().Add(ttl)
				p.ExpiresAt = &exp
			}
			return c.withStore(cmd, func(ctx context.Context, st store.SignalStore) error {
				entry, deduped, err := st.Enqueue(ctx, p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"signal": entry, "deduplicated": deduped})
			})
		},
	}
	cmd.Flags().StringVar(&p.UserID, "user", "", "User id")
	cmd.Flags().StringVar(&p.EventType, "event", "", "Event type")
	cmd.Flags().StringVar(&p.EventDataJSON, "data", "", "Event data as JSON")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityNormal), "Urgent, High, Normal or Low")
	cmd.Flags().StringVar(&window, "window", string(models.WindowImmediate), "Immediate, Morning, Evening or Weekly")
	cmd.Flags().StringVar(&p.TargetEntityType, "target-type", "", "Target entity type")
	cmd.Flags().StringVar(&p.TargetEntityID, "target-id", "", "Target entity id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Expire the signal after this long (default: SIGNAL_TTL)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count signals per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(ctx context.Context, st store.SignalStore) error {
				stats, err := st.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var f store.ListFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent signals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				st, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = &st
			}
			return c.withStore(cmd, func(ctx context.Context, st store.SignalStore) error {
				entries, err := st.List(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only this status")
	cmd.Flags().StringVar(&f.UserID, "user", "", "Only this user")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "Maximum rows")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired leases and expire stale signals once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(ctx context.Context, st store.SignalStore) error {
				opts := worker.SweeperOptionsFromConfig(c.resolvedConfig())
				opts.Logger = c.newLogger()
				res, err := worker.NewSweeper(st, opts).RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func (c *cli) batchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <batch-id | signal-id>",
		Short: "Show a processing history record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, st store.SignalStore) error {
				hist, err := st.GetBatch(ctx, args[0])
				if err == nil {
					return printJSON(cmd.OutOrStdout(), hist)
				}
				id, perr := strconv.ParseInt(args[0], 10, 64)
				if perr != nil {
					return err
				}
				entry, gerr := st.Get(ctx, id)
				if gerr != nil {
					return fmt.Errorf("no batch or signal %s: %w", args[0], gerr)
				}
				return printJSON(cmd.OutOrStdout(), entry)
			})
		},
	}
}

func (c *cli) archiveCmd() *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive and delete old terminal signals once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.resolvedConfig()
			if after <= 0 {
				after = cfg.ArchiveAfter
			}
			return c.withStore(cmd, func(ctx context.Context, st store.SignalStore) error {
				uploader, err := archive.NewUploader(ctx, cfg)
				if err != nil {
					return err
				}
				n, err := archive.New(st, uploader, archive.Options{After: after, Logger: c.newLogger()}).RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"archived": n})
			})
		},
	}
	cmd.Flags().DurationVar(&after, "after", 0, "Archive signals resolved longer ago than this (default: ARCHIVE_AFTER)")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(ctx context.Context, _ store.SignalStore) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return err
			})
		},
	}
}
