package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plugsync/pkg/config"
	"github.com/openfroyo/plugsync/pkg/engine"
)

func newExportCommand(opts *globalOptions) *cobra.Command {
	var (
		outFile string
		format  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the remote registrations of the scope as a declaration",
		Long: `Read the plugin types, steps and images registered for the scope and write
them as a declaration document. Planning against the exported document yields
no operations.`,
		Example: `  # Bootstrap a declaration from an environment
  plugsync export --scope Contoso.Plugins --out plugins.yaml

  # Print as CUE
  plugsync export --format cue`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if format == "" && outFile != "" {
				if format, err = config.FormatFromPath(outFile); err != nil {
					return err
				}
			}
			if format == "" {
				format = config.FormatJSON
			}

			ctx, rt, err := opts.newRuntime(cmd, "export", needs{registry: true})
			if err != nil {
				return err
			}
			defer func() { err = rt.close(ctx, err) }()

			loader := engine.NewStateLoader(rt.registry, rt.settings.Apply.CallTimeout, rt.logger, rt.tel.Metrics)
			remote, err := loader.Load(ctx, rt.settings.Scope)
			if err != nil {
				return err
			}
			doc := remote.Document()

			var w io.Writer = cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				defer f.Close()
				w = f
			}

			if err := config.NewDocumentLoader().WriteDocument(w, doc, format); err != nil {
				return err
			}

			rt.logger.Info().
				Int("plugin_types", len(doc.PluginTypes)).
				Int("steps", len(doc.Steps)).
				Int("images", len(doc.Images)).
				Str("format", format).
				Msg("Exported registrations")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&format, "format", "", "output format: json, yaml or cue (default from --out extension)")

	return cmd
}
