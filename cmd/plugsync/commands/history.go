package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plugsync/pkg/engine"
	"github.com/openfroyo/plugsync/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		status string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled runs",
		Long: `List the runs recorded in the journal, newest first.

Subcommands show the operation outcomes and events of one run, the audit
trail, or remove a run from the journal.`,
		Example: `  # Last runs of the configured scope
  plugsync history

  # Failed runs across every scope
  plugsync history --all --status failed

  # Outcomes of one run
  plugsync history show 3f6c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, opts, func(ctx context.Context, rt *runtime) error {
				filter := stores.RunFilter{Limit: limit}
				if !all {
					filter.Scope = rt.settings.Scope
				}
				if status != "" {
					filter.Status = engine.RunStatus(status)
					if err := filter.Status.Validate(); err != nil {
						return err
					}
				}

				runs, err := rt.journal.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				return renderRuns(cmd.OutOrStdout(), runs)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().BoolVar(&all, "all", false, "include every scope")

	cmd.AddCommand(newHistoryShowCommand(opts))
	cmd.AddCommand(newHistoryAuditCommand(opts))
	cmd.AddCommand(newHistoryDeleteCommand(opts))

	return cmd
}

func newHistoryShowCommand(opts *globalOptions) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the operation outcomes of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, opts, func(ctx context.Context, rt *runtime) error {
				run, err := rt.journal.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				ops, err := rt.journal.ListOperations(ctx, run.ID)
				if err != nil {
					return err
				}
				var timeline []*stores.Event
				if events {
					if timeline, err = rt.journal.GetEvents(ctx, run.ID, 0); err != nil {
						return err
					}
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, struct {
						Run        *stores.Run              `json:"run"`
						Operations []*stores.OperationRecord `json:"operations"`
						Events     []*stores.Event          `json:"events,omitempty"`
					}{run, ops, timeline})
				}
				return renderRun(out, run, ops, timeline)
			})
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the event timeline")

	return cmd
}

func newHistoryAuditCommand(opts *globalOptions) *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, opts, func(ctx context.Context, rt *runtime) error {
				var filter *string
				if action != "" {
					filter = &action
				}
				entries, err := rt.journal.ListAuditEntries(ctx, filter, limit, 0)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, entries)
				}
				for _, e := range entries {
					fmt.Fprintf(out, "%s  %-12s %-10s %s\n",
						e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, deref(e.RunID))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action (run.applied, run.planned)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")

	return cmd
}

func newHistoryDeleteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Remove a run from the journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, opts, func(ctx context.Context, rt *runtime) error {
				if err := rt.journal.DeleteRun(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
				return nil
			})
		},
	}
}

// withJournal runs fn with the journal open.
func withJournal(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, rt *runtime) error) (err error) {
	ctx, rt, err := opts.newRuntime(cmd, "history", needs{journal: true})
	if err != nil {
		return err
	}
	defer func() { err = rt.close(ctx, err) }()

	if rt.journal == nil {
		return errors.New("the run journal is disabled (store.enabled is false)")
	}
	return fn(ctx, rt)
}

func renderRuns(w io.Writer, runs []*stores.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}
	fmt.Fprintf(w, "%-36s  %-20s  %-5s  %-9s  %-25s  %s\n", "RUN", "SCOPE", "MODE", "STATUS", "STARTED", "DURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-20s  %-5s  %-9s  %-25s  %s\n",
			r.ID, r.Scope, runMode(r), r.Status, r.StartedAt.Format(time.RFC3339), r.Duration().Round(time.Millisecond))
	}
	return nil
}

func renderRun(w io.Writer, run *stores.Run, ops []*stores.OperationRecord, events []*stores.Event) error {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Scope:    %s\n", run.Scope)
	fmt.Fprintf(w, "Mode:     %s", runMode(run))
	if run.Force {
		fmt.Fprint(w, " (force)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %s\n", run.Duration().Round(time.Millisecond))
	if run.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", run.Error)
	}

	if len(ops) > 0 {
		fmt.Fprintln(w, "\nOperations:")
		for _, op := range ops {
			fmt.Fprintf(w, "  %s %-10s %-9s %s", op.Action.Symbol(), op.Kind, op.Status, op.Key)
			if op.Attempts > 1 {
				fmt.Fprintf(w, " (%d attempts)", op.Attempts)
			}
			if op.Error != "" {
				fmt.Fprintf(w, ": %s", op.Error)
			}
			fmt.Fprintln(w)
		}
	}

	for _, v := range run.Violations {
		fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}

	if len(events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, e := range events {
			fmt.Fprintf(w, "  %s  %-7s %s\n", e.Timestamp.Format("15:04:05.000"), e.Level, e.Message)
		}
	}
	return nil
}

func runMode(r *stores.Run) string {
	if r.DryRun {
		return "plan"
	}
	return "apply"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
