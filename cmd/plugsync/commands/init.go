package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/plugsync/pkg/config"
)

func newInitCommand(opts *globalOptions) *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a plugsync workspace",
		Long: `Write a plugsync.yaml settings file and create the run journal.

Global flags (--scope, --url, --registry, --snapshot, --declaration) are
written into the settings file.`,
		Example: `  # Workspace against an environment
  plugsync init --scope Contoso.Plugins --url https://contoso.crm.dynamics.com

  # Offline workspace backed by a snapshot file
  plugsync init --scope Contoso.Plugins --snapshot state.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists (use --overwrite to replace it)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			log.Info().
				Str("config", path).
				Str("scope", opts.scope).
				Msg("Initializing workspace")

			settings := config.DefaultSettings()
			settings.Scope = opts.scope
			if opts.declaration != "" {
				settings.Declaration = opts.declaration
			}
			if opts.backend != "" {
				settings.Registry.Backend = opts.backend
			}
			settings.Registry.URL = opts.url
			if opts.snapshot != "" {
				settings.Registry.Snapshot = opts.snapshot
				if opts.backend == "" {
					settings.Registry.Backend = "snapshot"
				}
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := settings.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Wrote settings: %s\n", path)

			if settings.Store.Enabled && !opts.noJournal {
				// Paths are relative to the settings file once it is loaded back.
				loaded, err := config.LoadSettings(path)
				if err != nil {
					return err
				}
				journal, err := openJournal(cmd.Context(), loaded)
				if err != nil {
					return err
				}
				if err := journal.Close(); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Initialized run journal: %s\n", loaded.Store.Path)
			}

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Export the current registrations: plugsync export --out %s\n", settings.Declaration)
			fmt.Fprintf(out, "  2. Review the plan:                  plugsync plan\n")
			fmt.Fprintf(out, "  3. Apply it:                         plugsync apply\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing settings file")

	return cmd
}
