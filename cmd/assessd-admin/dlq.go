package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

const defaultDeadLetterLimit = 50

type listDeadLettersOptions struct {
	Limit int
}

type purgeDeadLettersOptions struct {
	Yes bool
}

func runListDeadLetters(cmdCtx *commandContext, args []string) error {
	opts, err := parseListDeadLettersFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, commandTimeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, redisClient); closeErr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", closeErr)
		}
	}()

	reconciler, err := buildReconciler(cmdCtx, db, redisClient)
	if err != nil {
		return err
	}

	letters, err := reconciler.DLQList(ctx, opts.Limit)
	if err != nil {
		return err
	}

	if len(letters) == 0 {
		return writeln(os.Stdout, "Dead letter stream is empty.")
	}

	if err := writef(os.Stdout, "Dead letters in %s (showing up to %d):\n\n",
		cmdCtx.Config.Queue.DLQStream, opts.Limit); err != nil {
		return fmt.Errorf("print dead letter header: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "MESSAGE ID\tJOB ID\tDELIVERIES\tDEAD AT\tLAST ERROR\n"); err != nil {
		return fmt.Errorf("print dead letter columns: %w", err)
	}
	for _, letter := range letters {
		if err := writef(w, "%s\t%s\t%d\t%s\t%s\n",
			letter.MessageID,
			letter.Task.JobID,
			letter.Deliveries,
			letter.DeadAt.UTC().Format(time.RFC3339),
			letter.LastError,
		); err != nil {
			return fmt.Errorf("print dead letter row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush dead letter table: %w", err)
	}

	return writef(os.Stdout, "\nTotal shown: %d\n", len(letters))
}

func parseListDeadLettersFlags(args []string) (listDeadLettersOptions, error) {
	fs := flag.NewFlagSet("list-dead-letters", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listDeadLettersOptions
	fs.IntVar(&opts.Limit, "limit", defaultDeadLetterLimit, "Maximum number of entries to show")

	if err := fs.Parse(args); err != nil {
		return listDeadLettersOptions{}, err
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultDeadLetterLimit
	}
	return opts, nil
}

func runPurgeDeadLetters(cmdCtx *commandContext, args []string) error {
	opts, err := parsePurgeDeadLettersFlags(args)
	if err != nil {
		return err
	}

	if confirmErr := confirmAction(opts.Yes, "purge every entry from the dead letter stream"); confirmErr != nil {
		return confirmErr
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, commandTimeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, redisClient); closeErr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", closeErr)
		}
	}()

	reconciler, err := buildReconciler(cmdCtx, db, redisClient)
	if err != nil {
		return err
	}

	purged, err := reconciler.DLQPurge(ctx)
	if err != nil {
		return err
	}

	if purged == 0 {
		return writeln(os.Stdout, "Dead letter stream was already empty.")
	}
	return writef(os.Stdout, "Purged %d dead letter(s); payloads were written to the audit log.\n", purged)
}

func parsePurgeDeadLettersFlags(args []string) (purgeDeadLettersOptions, error) {
	fs := flag.NewFlagSet("purge-dead-letters", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts purgeDeadLettersOptions
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return purgeDeadLettersOptions{}, err
	}
	return opts, nil
}
