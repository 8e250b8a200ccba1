package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ExitDrift is the exit code of a drift check that found differences.
const ExitDrift = 2

func newDriftCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect drift between the declaration and the registry",
		Long: `Compare the remote registrations of the scope with the declaration.

Exit status:
  0  the scope matches the declaration
  1  the check could not run
  2  operations or orphans exist`,
		Example: `  # Fail a pipeline when the environment drifted
  plugsync drift --scope Contoso.Plugins`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, rt, err := opts.newRuntime(cmd, "drift", needs{registry: true})
			if err != nil {
				return err
			}
			defer func() { err = rt.close(ctx, err) }()

			doc, err := rt.loadDocument()
			if err != nil {
				return err
			}

			prepared, err := rt.reconciler().Prepare(ctx, rt.settings.Scope, doc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			plan := prepared.Plan
			if opts.jsonOutput {
				if err := writeJSON(out, plan); err != nil {
					return err
				}
			} else if err := plan.Render(out); err != nil {
				return err
			}

			if plan.IsEmpty() {
				return nil
			}

			orphans := len(plan.Orphans())
			changes := 0
			for _, op := range plan.Operations {
				if op.Action.IsMutating() {
					changes++
				}
			}
			rt.logger.Warn().Int("changes", changes).Int("orphans", orphans).Msg("Drift detected")
			return &ExitError{Code: ExitDrift, Err: fmt.Errorf("scope %s drifted: %d changes and %d orphans pending", plan.Scope, changes, orphans)}
		},
	}

	return cmd
}
