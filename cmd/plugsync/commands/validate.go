package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/plugsync/pkg/config"
	"github.com/openfroyo/plugsync/pkg/engine"
	"github.com/openfroyo/plugsync/pkg/policy"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a declaration document and policies",
		Long: `Validate a declaration document without contacting the registry.

This command checks:
  - Syntax and schema conformance (JSON, YAML or CUE)
  - Required fields and enum values
  - References from steps to plugin types and from images to steps
  - Duplicate identity keys
  - That custom policies compile`,
		Example: `  # Validate the configured declaration
  plugsync validate

  # Validate a specific file
  plugsync validate plugins.cue

  # Also compile custom policies
  plugsync validate --policy ./policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.declaration
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				settings, err := config.LoadSettingsOrDefault(opts.configPath)
				if err != nil {
					return err
				}
				path = settings.Declaration
			}

			log.Info().Str("path", path).Msg("Validating declaration")

			doc, err := config.LoadDocument(path)
			if err != nil {
				return err
			}
			desired, err := engine.NewDesiredState(doc)
			if err != nil {
				return err
			}

			if len(policyPaths) > 0 {
				guard, err := policy.NewEngine(log.Logger)
				if err != nil {
					return err
				}
				if err := guard.LoadPolicies(cmd.Context(), policyPaths); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d plugin types, %d steps, %d images\n",
				path, len(doc.PluginTypes), len(doc.Steps), len(doc.Images))
			log.Debug().Int("entities", desired.Len()).Msg("Declaration validated")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "policy files or directories to compile")

	return cmd
}
