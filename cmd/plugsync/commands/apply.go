package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plugsync/pkg/telemetry"
)

func newApplyCommand(opts *globalOptions) *cobra.Command {
	var (
		autoApprove bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the remote registrations with the declaration",
		Long: `Compute the plan for the scope and execute it against the registry.

This command:
  - Computes the plan exactly like 'plan'
  - Stops if a blocking plan guard policy is violated
  - Prompts for approval (unless --auto-approve)
  - Executes operations one at a time in dependency order
  - Retries throttled and transient failures with backoff
  - Leaves orphans in place unless --force is given
  - Records the run in the journal`,
		Example: `  # Apply with approval prompt
  plugsync apply

  # Apply in CI
  plugsync apply --auto-approve

  # Also delete registrations that are no longer declared
  plugsync apply --auto-approve --force`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, rt, err := opts.newRuntime(cmd, "apply", needs{registry: true, policy: true, journal: true, progress: true})
			if err != nil {
				return err
			}
			defer func() { err = rt.close(ctx, err) }()

			doc, err := rt.loadDocument()
			if err != nil {
				return err
			}

			rec := rt.reconciler()
			prepared, err := rec.Prepare(ctx, rt.settings.Scope, doc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !prepared.Blocked() && !autoApprove && !prepared.Plan.IsEmpty() {
				if err := prepared.Plan.Render(out); err != nil {
					return err
				}
				ok, err := confirm(cmd.InOrStdin(), out)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Apply cancelled.")
					return nil
				}
			}

			applyOpts := rt.settings.ApplyOptions()
			applyOpts.Force = force
			report, runErr := rec.Execute(ctx, prepared, applyOpts)
			rt.span.SetAttributes(telemetry.AttrRunID.String(report.RunID))

			rt.logger.Info().
				Str("run_id", report.RunID).
				Str("status", string(report.Status)).
				Bool("changed", report.Changed()).
				Msg("Apply finished")

			if err := writeReport(out, report, opts.jsonOutput); err != nil {
				return err
			}
			return runError(report, runErr)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().BoolVar(&force, "force", false, "delete orphaned registrations")

	return cmd
}

// confirm asks for approval. Only "yes" approves.
func confirm(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "\nDo you want to perform these actions?\n  Only 'yes' will be accepted to approve.\n\n  Enter a value: ")
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	fmt.Fprintln(out)
	return strings.TrimSpace(answer) == "yes", nil
}
