package main

import (
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobsched/internal/task/trigger"
)

func newTriggerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Inspect schedule expressions",
	}
	cmd.AddCommand(newTriggerPreviewCommand())
	return cmd
}

func newTriggerPreviewCommand() *cobra.Command {
	var (
		count int
		tz    string
	)
	cmd := &cobra.Command{
		Use:   "preview <schedule>",
		Short: "Print the next fire times of a schedule",
		Long: `Print the next fire times of a schedule.

Accepted forms: cron ("*/5 * * * *", "@hourly", "@every 55m"), an interval
("55m", "02:30") or a one-shot date ("at:2026-01-02T15:04:05Z").`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return previewTrigger(cmd.OutOrStdout(), args[0], tz, count, time.Now())
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for cron schedules (default local)")
	return cmd
}

func previewTrigger(w io.Writer, spec, tz string, n int, now time.Time) error {
	loc := time.Local
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return errors.Wrapf(err, "unknown timezone %q", tz)
		}
		loc = l
	}
	t, err := trigger.Parse(spec, loc)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, t.String())
	times := trigger.Preview(t, now.In(loc), n)
	if len(times) == 0 {
		fmt.Fprintln(w, "  (never fires)")
		return nil
	}
	for i, at := range times {
		fmt.Fprintf(w, "  %d. %s\n", i+1, at.In(loc).Format(time.RFC3339))
	}
	return nil
}
