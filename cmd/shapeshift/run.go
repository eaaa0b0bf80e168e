package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"shapeshift/internal/dump"
	"shapeshift/internal/ivar"
	"shapeshift/internal/observ"
	"shapeshift/internal/prof"
	"shapeshift/internal/scenario"
	"shapeshift/internal/testkit"
	"shapeshift/internal/trace"
	"shapeshift/internal/value"
	"shapeshift/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <scenario.toml>",
	Short: "Run a property-storage scenario",
	Long:  `Run every [[domain]] of a scenario file concurrently against a fresh runtime and report failed steps`,
	Args:  cobra.ExactArgs(1),
	RunE:  runScenario,
}

func init() {
	runCmd.Flags().String("ui", "auto", "progress view (auto|on|off)")
	runCmd.Flags().Bool("timings", false, "print phase timings")
	runCmd.Flags().Int("jobs", 0, "max domains run in parallel and compaction workers (0=auto)")
	runCmd.Flags().String("cpuprofile", "", "write a CPU profile to file")
	runCmd.Flags().String("memprofile", "", "write a heap profile to file")
	runCmd.Flags().String("runtime-trace", "", "write a Go runtime trace to file")
	runCmd.Flags().Bool("check", false, "verify shape tree and object invariants after the run")
	runCmd.Flags().String("dump", "", "write a shape-tree snapshot to file after the run")
}

type runOptions struct {
	ui       uiMode
	timings  bool
	jobs     int
	check    bool
	dumpPath string
	profile  prof.Options
}

func readRunOptions(cmd *cobra.Command) (runOptions, error) {
	var opts runOptions
	uiStr, err := cmd.Flags().GetString("ui")
	if err != nil {
		return opts, fmt.Errorf("failed to get ui flag: %w", err)
	}
	if opts.ui, err = readUIMode(uiStr); err != nil {
		return opts, err
	}
	if opts.timings, err = cmd.Flags().GetBool("timings"); err != nil {
		return opts, fmt.Errorf("failed to get timings flag: %w", err)
	}
	if opts.jobs, err = cmd.Flags().GetInt("jobs"); err != nil {
		return opts, fmt.Errorf("failed to get jobs flag: %w", err)
	}
	if opts.check, err = cmd.Flags().GetBool("check"); err != nil {
		return opts, fmt.Errorf("failed to get check flag: %w", err)
	}
	if opts.dumpPath, err = cmd.Flags().GetString("dump"); err != nil {
		return opts, fmt.Errorf("failed to get dump flag: %w", err)
	}
	if opts.profile.CPU, err = cmd.Flags().GetString("cpuprofile"); err != nil {
		return opts, fmt.Errorf("failed to get cpuprofile flag: %w", err)
	}
	if opts.profile.Mem, err = cmd.Flags().GetString("memprofile"); err != nil {
		return opts, fmt.Errorf("failed to get memprofile flag: %w", err)
	}
	if opts.profile.Trace, err = cmd.Flags().GetString("runtime-trace"); err != nil {
		return opts, fmt.Errorf("failed to get runtime-trace flag: %w", err)
	}
	return opts, nil
}

func runScenario(cmd *cobra.Command, args []string) (err error) {
	opts, err := readRunOptions(cmd)
	if err != nil {
		return err
	}
	session, err := prof.Start(opts.profile)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := session.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	timer := observ.NewTimer(trace.FromContext(cmd.Context()))
	out := cmd.OutOrStdout()

	var eng *engine
	var file *scenario.File
	err = timer.Time("load", func() (string, error) {
		var err error
		if eng, err = openEngine(cmd); err != nil {
			return "", err
		}
		if file, err = scenario.Load(args[0]); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d domains, %d steps", len(file.Domains), file.Steps()), nil
	})
	if err != nil {
		return err
	}

	var res *scenario.Result
	var runErr error
	_ = timer.Time("run", func() (string, error) {
		res, runErr = execute(cmd, eng, file, opts)
		if res == nil {
			return "", runErr
		}
		return fmt.Sprintf("%d domains", len(res.Domains)), runErr
	})
	if res != nil {
		printResult(out, res)
	}

	if opts.check && runErr == nil {
		runErr = timer.Time("check", func() (string, error) {
			n, err := checkInvariants(eng)
			return strconv.Itoa(n) + " objects", err
		})
	}
	if opts.dumpPath != "" {
		dumpErr := timer.Time("dump", func() (string, error) {
			snap := dump.Capture(eng.rt, eng.heap)
			snap.Tool = "shapeshift " + version.String()
			snap.Source = file.Path
			return opts.dumpPath, dump.Write(opts.dumpPath, snap)
		})
		if runErr == nil {
			runErr = dumpErr
		}
	}

	printStats(out, eng)
	if opts.timings {
		fmt.Fprint(out, timer.Summary())
	}
	if runErr != nil {
		dumpRing(cmd)
	}
	return runErr
}

// execute runs file on eng, with the progress view when enabled.
func execute(cmd *cobra.Command, eng *engine, file *scenario.File, opts runOptions) (*scenario.Result, error) {
	tracer := trace.FromContext(cmd.Context())
	if !shouldUseTUI(opts.ui) {
		r := scenario.NewRunner(eng.heap, scenario.Options{Jobs: opts.jobs, Tracer: tracer})
		return r.Run(cmd.Context(), file)
	}
	events := make(chan scenario.Event, 256)
	r := scenario.NewRunner(eng.heap, scenario.Options{
		Jobs:   opts.jobs,
		Tracer: tracer,
		Sink:   scenario.ChannelSink{Ch: events},
	})
	title := file.Name
	if title == "" {
		title = file.Path
	}
	return runWithUI(cmd.Context(), title, r, file, events)
}

func checkInvariants(eng *engine) (int, error) {
	if err := testkit.CheckShapeTree(eng.rt.Shapes()); err != nil {
		return 0, err
	}
	n := 0
	var err error
	eng.heap.Each(func(_ value.Addr, obj *ivar.Object) bool {
		n++
		err = testkit.CheckObject(eng.rt, obj)
		return err == nil
	})
	return n, err
}

func printResult(out io.Writer, res *scenario.Result) {
	for _, d := range res.Domains {
		status := color.GreenString("ok  ")
		if d.Failure != nil {
			status = color.RedString("FAIL")
		}
		fmt.Fprintf(out, "%s %-16s %4d/%-4d steps  %8.2f ms  cache %d/%d\n",
			status, d.Name, d.Done, d.Steps, toMillis(d.Elapsed), d.CacheHits, d.CacheHits+d.CacheMisses)
		if d.Failure != nil {
			fmt.Fprintf(out, "     %s\n", d.Failure.Error())
		}
	}
}

func printStats(out io.Writer, eng *engine) {
	rs := eng.rt.Shapes().Stats()
	hs := eng.heap.Stats()
	fmt.Fprintf(out, "shapes %d/%d (cap hits %d, variation hits %d)  objects %d live, %d freed  side table %d  moves %d  collections %d\n",
		rs.Shapes, rs.MaxShapes, rs.CapHits, rs.VariationHits, hs.Live, hs.Freed, eng.rt.Generic().Len(), hs.Moves, hs.Collections)
}
