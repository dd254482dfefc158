package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/assessly/assess-api/internal/data"
)

const commandTimeout = 2 * time.Minute

type syncStatusOptions struct {
	JobID string
}

type cascadeDeleteOptions struct {
	JobID    string
	ResultID string
	Yes      bool
}

func runSyncStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseSyncStatusFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, commandTimeout)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", closeErr)
		}
	}()

	reconciler, err := buildReconciler(cmdCtx, db, nil)
	if err != nil {
		return err
	}

	report, err := reconciler.SyncStatus(ctx, opts.JobID)
	if err != nil {
		return err
	}

	if err := writef(os.Stdout, "Job %s\n", report.JobID); err != nil {
		return fmt.Errorf("print sync report: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "  status before:\t%s\n", report.StatusBefore); err != nil {
		return fmt.Errorf("print sync report: %w", err)
	}
	if err := writef(w, "  status after:\t%s\n", report.StatusAfter); err != nil {
		return fmt.Errorf("print sync report: %w", err)
	}
	if err := writef(w, "  result created:\t%t\n", report.ResultCreated); err != nil {
		return fmt.Errorf("print sync report: %w", err)
	}
	if err := writef(w, "  result linked:\t%t\n", report.ResultLinked); err != nil {
		return fmt.Errorf("print sync report: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush sync report: %w", err)
	}

	if !report.Changed {
		return writeln(os.Stdout, "Job and result were already consistent; nothing changed.")
	}
	return writeln(os.Stdout, "Repairs applied.")
}

func parseSyncStatusFlags(args []string) (syncStatusOptions, error) {
	fs := flag.NewFlagSet("sync-status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts syncStatusOptions
	fs.StringVar(&opts.JobID, "job", "", "Job ID to repair (required)")

	if err := fs.Parse(args); err != nil {
		return syncStatusOptions{}, err
	}
	if opts.JobID == "" {
		return syncStatusOptions{}, errors.New("--job is required")
	}
	return opts, nil
}

func runCleanupOrphans(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("cleanup-orphans", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, commandTimeout)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", closeErr)
		}
	}()

	reconciler, err := buildReconciler(cmdCtx, db, nil)
	if err != nil {
		return err
	}

	count, err := reconciler.CleanupOrphanedJobs(ctx)
	if err != nil {
		return err
	}

	if count == 0 {
		return writef(os.Stdout, "No stale jobs found (processing > %s, queued > %s).\n",
			cmdCtx.Config.Reconciler.StaleProcessingAge, cmdCtx.Config.Reconciler.StaleQueuedAge)
	}
	return writef(os.Stdout, "Failed %d stale job(s) (processing > %s, queued > %s).\n",
		count, cmdCtx.Config.Reconciler.StaleProcessingAge, cmdCtx.Config.Reconciler.StaleQueuedAge)
}

func runCascadeDelete(cmdCtx *commandContext, args []string) error {
	opts, err := parseCascadeDeleteFlags(args)
	if err != nil {
		return err
	}

	target := "job " + opts.JobID
	if opts.ResultID != "" {
		target = "result " + opts.ResultID
	}
	if confirmErr := confirmAction(opts.Yes, "delete "+target+" and its counterpart"); confirmErr != nil {
		return confirmErr
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, commandTimeout)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", closeErr)
		}
	}()

	reconciler, err := buildReconciler(cmdCtx, db, nil)
	if err != nil {
		return err
	}

	var deleted bool
	if opts.ResultID != "" {
		deleted, err = reconciler.CascadeDeleteResult(ctx, opts.ResultID)
	} else {
		deleted, err = reconciler.CascadeDeleteJob(ctx, opts.JobID)
	}
	if err != nil {
		return err
	}

	if !deleted {
		return writef(os.Stdout, "No rows deleted; %s was not found.\n", target)
	}
	return writef(os.Stdout, "Deleted %s together with its counterpart.\n", target)
}

func parseCascadeDeleteFlags(args []string) (cascadeDeleteOptions, error) {
	fs := flag.NewFlagSet("cascade-delete", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts cascadeDeleteOptions
	fs.StringVar(&opts.JobID, "job", "", "Job ID to delete along with its result")
	fs.StringVar(&opts.ResultID, "result", "", "Result ID to delete along with its job")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return cascadeDeleteOptions{}, err
	}
	if err := validateCascadeDeleteOptions(opts); err != nil {
		return cascadeDeleteOptions{}, err
	}
	return opts, nil
}

func validateCascadeDeleteOptions(opts cascadeDeleteOptions) error {
	if opts.JobID == "" && opts.ResultID == "" {
		return errors.New("either --job or --result is required")
	}
	if opts.JobID != "" && opts.ResultID != "" {
		return errors.New("--job and --result are mutually exclusive")
	}
	return nil
}

func runStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, commandTimeout)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", closeErr)
		}
	}()

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	stats, err := repo.Stats(ctx)
	if err != nil {
		return fmt.Errorf("fetch job stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		count int
	}{
		{"queued", stats.Queued},
		{"processing", stats.Processing},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
		{"cancelled", stats.Cancelled},
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%d\n", row.label, row.count); err != nil {
			return fmt.Errorf("print job stats: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush job stats: %w", err)
	}

	total := stats.Queued + stats.Processing + stats.Completed + stats.Failed + stats.Cancelled
	return writef(os.Stdout, "\nTotal jobs: %d\n", total)
}
