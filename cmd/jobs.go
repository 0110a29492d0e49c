package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/kestrelhq/sentinel/internal/app"
	"github.com/kestrelhq/sentinel/internal/config"
)

// runJobs lists registered jobs or runs a single one to completion. Both
// need the full application wired so the job sees the same dependencies it
// would under the scheduler.
func runJobs() error {
	logger := initLogger()

	jobFlags := flag.NewFlagSet("jobs", flag.ContinueOnError)
	jobFlags.SetOutput(os.Stderr)
	list := jobFlags.Bool("list", false, "List registered jobs")
	run := jobFlags.String("run", "", "Run the named job once and exit")

	args := []string{}
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}
	if err := jobFlags.Parse(args); err != nil {
		return fmt.Errorf("parsing jobs flags: %w", err)
	}
	if !*list && *run == "" {
		return fmt.Errorf("jobs requires --list or --run <id>")
	}

	if err := checkRequiredEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	if *list {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCADENCE")
		for _, j := range a.Scheduler.Jobs() {
			fmt.Fprintf(w, "%s\t%s\n", j.ID, j.Cadence)
		}
		return w.Flush()
	}

	logger.Info("running job", "job", *run)
	if err := a.Scheduler.RunOnce(ctx, *run); err != nil {
		return fmt.Errorf("job %q: %w", *run, err)
	}
	fmt.Printf("job %s completed\n", *run)
	return nil
}
