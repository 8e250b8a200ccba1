package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/plugsync/pkg/config"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var (
		outFile string
		dotFile string
		force   bool
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the operations needed to converge the scope",
		Long: `Compute the plan that would bring the remote registrations of the scope in
line with the declaration, and print it without changing anything.

The plan:
  - Validates the declaration document
  - Loads the remote plugin types, steps and images of the scope
  - Diffs them into create, update and orphan operations
  - Evaluates the plan guard policies
  - Walks the plan as a dry run and prints the result`,
		Example: `  # Print the plan
  plugsync plan

  # Save the plan and its dependency graph
  plugsync plan --out plan.json --dot plan.dot

  # Show which orphans an apply with --force would delete
  plugsync plan --force

  # Re-plan whenever the declaration changes
  plugsync plan --watch`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, rt, err := opts.newRuntime(cmd, "plan", needs{registry: true, policy: true, journal: true})
			if err != nil {
				return err
			}
			defer func() { err = rt.close(ctx, err) }()

			runPlan := func(ctx context.Context) error {
				doc, err := rt.loadDocument()
				if err != nil {
					return err
				}

				rec := rt.reconciler()
				prepared, err := rec.Prepare(ctx, rt.settings.Scope, doc)
				if err != nil {
					return err
				}
				if err := writePlanFiles(prepared.Plan, outFile, dotFile); err != nil {
					return err
				}

				applyOpts := rt.settings.ApplyOptions()
				applyOpts.DryRun = true
				applyOpts.Force = force
				report, runErr := rec.Execute(ctx, prepared, applyOpts)
				if err := writeReport(cmd.OutOrStdout(), report, opts.jsonOutput); err != nil {
					return err
				}
				return runError(report, runErr)
			}

			if !watch {
				return runPlan(ctx)
			}

			if err := runPlan(ctx); err != nil {
				rt.logger.Error().Err(err).Msg("Plan failed")
			}
			// Policy edits are picked up by the guard and apply from the next re-plan.
			g, gctx := errgroup.WithContext(ctx)
			if rt.guard != nil {
				g.Go(func() error { return rt.guard.Watch(gctx) })
			}
			watcher := config.NewWatcher(rt.logger, config.DefaultDebounce, rt.settings.Declaration)
			g.Go(func() error {
				return watcher.Run(gctx, func(ctx context.Context) {
					fmt.Fprintf(cmd.OutOrStdout(), "\n--- %s changed, re-planning ---\n\n", rt.settings.Declaration)
					if err := runPlan(ctx); err != nil {
						rt.logger.Error().Err(err).Msg("Plan failed")
					}
				})
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph as DOT to this file")
	cmd.Flags().BoolVar(&force, "force", false, "plan orphan deletion")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-plan when the declaration changes")

	return cmd
}
