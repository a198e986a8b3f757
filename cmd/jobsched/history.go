package main

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobsched/internal/config"
	"jobsched/internal/history"
	"jobsched/internal/storage"
	"jobsched/pkg/logx"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Maintain execution history",
	}
	cmd.AddCommand(newHistoryCleanupCommand())
	return cmd
}

func newHistoryCleanupCommand() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete executions and daily stats older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			return cleanupHistory(cmd.Context(), cmd.OutOrStdout(), cfgPath, days)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default history.retention_days)")
	return cmd
}

func cleanupHistory(ctx context.Context, w io.Writer, cfgPath string, days int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return history.ErrDisabled
	}
	if days <= 0 {
		days = cfg.History.RetentionDays
	}
	if days <= 0 {
		return errors.New("no retention: pass --days or set history.retention_days")
	}
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return err
	}

	db, err := storage.OpenDB(cfg.HistoryPath(), busy, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer db.Close()
	h := history.NewSQL(db)

	execs, err := h.CleanupOldHistory(ctx, days)
	if err != nil {
		return err
	}
	stats, err := h.CleanupOldStats(ctx, days)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "deleted %d executions and %d daily stats older than %d days\n", execs, stats, days)
	return nil
}
