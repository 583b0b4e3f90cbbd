package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chubes4/data-machine/internal/dedup"
	"github.com/chubes4/data-machine/internal/executor"
	"github.com/chubes4/data-machine/internal/scheduler"
	"github.com/chubes4/data-machine/internal/seed"
	"github.com/spf13/cobra"
)

func runCMD(cfgPath *string) *cobra.Command {
	var queued bool
	run := &cobra.Command{
		Use:   "run <flow-id>",
		Short: "Run a flow once and print the finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "datamachine-cli")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			runner := scheduler.Runner(a.executor)
			if queued {
				if a.cfg.Scheduler.UseQueue && a.publisher != nil {
					runner = a.runner
				} else {
					return fmt.Errorf("--queue requires scheduler.use_queue and storage.redis")
				}
			}
			job, err := runner.RunFlow(ctx, args[0], executor.TriggerManual)
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
	run.Flags().BoolVar(&queued, "queue", false, "enqueue the run for a worker instead of running it here")
	return run
}

func scheduleCMD(cfgPath *string) *cobra.Command {
	var at string
	var inactive, pipeline bool
	schedule := &cobra.Command{
		Use:   "schedule <flow-id> [interval]",
		Short: "Set the schedule of a flow (or pipeline with --pipeline)",
		Long: "interval is one of " + fmt.Sprint(scheduler.Intervals()) +
			", manual, inherit, or cron:<expr>. Use --at for a single run.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "datamachine-cli")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			spec := scheduler.Spec{}
			if len(args) == 2 {
				spec.Interval = args[1]
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				spec.Timestamp = &ts
			}
			if spec.Interval == "" && spec.Timestamp == nil {
				return fmt.Errorf("interval or --at required")
			}
			if inactive {
				spec.Status = "inactive"
			}
			if pipeline {
				err = a.scheduler.SchedulePipeline(ctx, args[0], spec)
			} else {
				err = a.scheduler.Schedule(ctx, args[0], spec)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schedule saved; running servers pick it up on restart")
			return nil
		},
	}
	schedule.Flags().StringVar(&at, "at", "", "single run time (RFC3339)")
	schedule.Flags().BoolVar(&inactive, "inactive", false, "store the schedule without activating it")
	schedule.Flags().BoolVar(&pipeline, "pipeline", false, "target is a pipeline id")

	unschedule := &cobra.Command{
		Use:   "clear <flow-id>",
		Short: "Remove a flow's (or pipeline's) schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "datamachine-cli")
			if err != nil {
				return err
			}
			defer a.close(ctx)
			if pipeline {
				return a.scheduler.UnschedulePipeline(ctx, args[0])
			}
			return a.scheduler.Unschedule(ctx, args[0])
		},
	}
	unschedule.Flags().BoolVar(&pipeline, "pipeline", false, "target is a pipeline id")
	schedule.AddCommand(unschedule)
	return schedule
}

func dedupCMD(cfgPath *string) *cobra.Command {
	var flowID, pipelineID string
	dd := &cobra.Command{
		Use:   "dedup",
		Short: "Manage processed-item records",
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget processed items of a flow or pipeline so they are fetched again",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, target := dedup.ScopeFlow, flowID
			if pipelineID != "" {
				scope, target = dedup.ScopePipeline, pipelineID
			}
			if (flowID == "") == (pipelineID == "") {
				return fmt.Errorf("exactly one of --flow or --pipeline is required")
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "datamachine-cli")
			if err != nil {
				return err
			}
			defer a.close(ctx)
			n, err := a.tracker.Clear(ctx, scope, target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared processed items of %d flow steps\n", n)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&flowID, "flow", "", "flow id")
	clearCmd.Flags().StringVar(&pipelineID, "pipeline", "", "pipeline id")
	dd.AddCommand(clearCmd)
	return dd
}

func seedCMD(cfgPath *string) *cobra.Command {
	var dir string
	var file string
	sd := &cobra.Command{
		Use:   "seed",
		Short: "Load pipelines and flows from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc seed.Document
			var err error
			if file != "" {
				doc, err = seed.LoadFile(file)
			} else {
				doc, err = seed.LoadDir(dir)
			}
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "datamachine-cli")
			if err != nil {
				return err
			}
			defer a.close(ctx)
			rep, err := seed.New(a.store,
				seed.WithScheduler(a.scheduler),
				seed.WithValidator(a.handlers),
				seed.WithLogger(a.logger)).Apply(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d pipelines, %d flows, %d schedules\n", rep.Pipelines, rep.Flows, rep.Schedules)
			return nil
		},
	}
	sd.Flags().StringVar(&dir, "dir", "config/pipelines", "directory of seed files")
	sd.Flags().StringVar(&file, "file", "", "single seed file (overrides --dir)")
	return sd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
