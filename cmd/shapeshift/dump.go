package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shapeshift/internal/dump"
	"shapeshift/internal/scenario"
	"shapeshift/internal/trace"
	"shapeshift/internal/version"
)

var dumpCmd = &cobra.Command{
	Use:   "dump --out <file.mp> <scenario.toml>",
	Short: "Run a scenario and snapshot the resulting shape tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath, err := cmd.Flags().GetString("out")
		if err != nil {
			return fmt.Errorf("failed to get out flag: %w", err)
		}
		jobs, err := cmd.Flags().GetInt("jobs")
		if err != nil {
			return fmt.Errorf("failed to get jobs flag: %w", err)
		}
		eng, err := openEngine(cmd)
		if err != nil {
			return err
		}
		file, err := scenario.Load(args[0])
		if err != nil {
			return err
		}
		r := scenario.NewRunner(eng.heap, scenario.Options{Jobs: jobs, Tracer: trace.FromContext(cmd.Context())})
		if _, err := r.Run(cmd.Context(), file); err != nil {
			// A failing scenario still leaves a tree worth inspecting.
			fmt.Fprintf(cmd.ErrOrStderr(), "scenario failed: %v\n", err)
		}
		snap := dump.Capture(eng.rt, eng.heap)
		snap.Tool = "shapeshift " + version.String()
		snap.Source = file.Path
		if err := dump.Write(outPath, snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d shapes)\n", outPath, len(snap.Shapes))
		return nil
	},
}

func init() {
	dumpCmd.Flags().String("out", "shapes.mp", "snapshot output path")
	dumpCmd.Flags().Int("jobs", 0, "max domains run in parallel (0=auto)")
}
