package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/plugsync/pkg/engine"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeReport prints a run report as text or JSON.
func writeReport(w io.Writer, report *engine.Report, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, report)
	}
	return report.Render(w)
}

// runError turns a finished run into the command's error. The report has
// already been printed, so only the exit status matters.
func runError(report *engine.Report, err error) error {
	if err == nil && report.ExitCode() == 0 {
		return nil
	}
	if err == nil {
		err = report.Err()
	}
	if err == nil {
		err = fmt.Errorf("run %s", report.Status)
	}
	return &ExitError{Code: report.ExitCode(), Err: err}
}

// writePlanFiles writes the plan as JSON and its dependency graph as DOT.
func writePlanFiles(plan *engine.Plan, outFile, dotFile string) error {
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return fmt.Errorf("failed to create plan file: %w", err)
		}
		if err := writeJSON(f, plan); err != nil {
			f.Close()
			return fmt.Errorf("failed to write plan file: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	if dotFile != "" {
		builder := engine.NewDAGBuilder()
		if _, err := builder.BuildGraph(plan.Operations); err != nil {
			return fmt.Errorf("failed to build plan graph: %w", err)
		}
		if err := os.WriteFile(dotFile, []byte(builder.ToDOT()), 0o644); err != nil {
			return fmt.Errorf("failed to write DOT file: %w", err)
		}
	}
	return nil
}
