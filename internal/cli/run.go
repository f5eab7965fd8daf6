package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/indexsync/internal/indexer"
	"github.com/syntrixbase/indexsync/internal/services"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Record   bool
	DryRun   bool
	Recovery bool
	LastXmin int64
	Types    []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one indexing pass",
		Long: `Run one indexing pass and print its summary.

Example:
  indexsync run --record
  indexsync run --dry-run --last-xmin 1200
  indexsync run --types Experiment,Biosample`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Record, "record", false, "write the summary to the indexing document")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the invalidation set without indexing")
	cmd.Flags().BoolVar(&opts.Recovery, "recovery", false, "read the watermark from a recovering replica")
	cmd.Flags().Int64Var(&opts.LastXmin, "last-xmin", 0, "read the transaction log from this watermark")
	cmd.Flags().StringSliceVar(&opts.Types, "types", nil, "restrict a full reindex to these item types")

	return cmd
}

func runPass(cmd *cobra.Command, opts *RunOptions) error {
	run := indexer.RunOptions{
		Record:   opts.Record,
		DryRun:   opts.DryRun,
		Recovery: opts.Recovery,
		Types:    opts.Types,
	}
	if cmd.Flags().Changed("last-xmin") {
		last := opts.LastXmin
		run.LastWatermark = &last
	}
	return onePass(cmd, opts.RootOptions, run)
}

// onePass opens a session, runs a single pass and prints its result.
func onePass(cmd *cobra.Command, opts *RootOptions, run indexer.RunOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, opts, services.Options{})
	if err != nil {
		return err
	}
	defer s.close()

	res, err := s.manager.Indexer().RunPass(ctx, run)
	if res != nil {
		if perr := printResult(cmd.OutOrStdout(), opts.Format, res); perr != nil {
			return perr
		}
	}
	return err
}

func printResult(w io.Writer, format string, res *indexer.Result) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(w, "%s: outcome=%s xmin=%d txns=%d invalidated=%d indexed=%d errors=%d",
		res.Title, res.Outcome, res.Watermark, res.TxnCount, res.Invalidated, res.Indexed, len(res.Errors))
	if res.Elapsed != "" {
		fmt.Fprintf(w, " elapsed=%s", res.Elapsed)
	}
	fmt.Fprintln(w)
	if len(res.Keys) > 0 {
		fmt.Fprintln(w, strings.Join(res.Keys, "\n"))
	}
	return nil
}

// NewPurgeQueueCommand creates the purge-queue command.
func NewPurgeQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-queue",
		Short: "Drop every pending key and the active cycle from the work queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return onePass(cmd, rootOpts, indexer.RunOptions{ResetQueue: true})
		},
	}
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reindex [KEY...]",
		Short: "Request keys to be reindexed by the next pass",
		Long: `Store a priority request consumed by the next pass of the configured indexer.

Example:
  indexsync reindex 2b6d5f1e-0d8a-4f0a-9a3d-6c1f4e2b7c11
  indexsync reindex --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("reindex needs at least one key or --all")
			}
			s, err := openSession(cmd.Context(), rootOpts, services.Options{})
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.manager.Indexer().RequestReindex(cmd.Context(), args, all); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requested reindex of %d keys (all=%t) for %s\n", len(args), all, s.cfg.Indexer.Title)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reindex every key")
	return cmd
}

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run passes on an interval and on followup notices until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, rootOpts, services.Options{Listen: true}, func(ctx context.Context, s *session) error {
				if err := s.manager.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			})
		},
	}
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process work queue batches for a listener in another process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, rootOpts, services.Options{}, func(ctx context.Context, s *session) error {
				return s.manager.Indexer().RunWorker(ctx)
			})
		},
	}
}

func serve(cmd *cobra.Command, opts *RootOptions, svc services.Options, body func(context.Context, *session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, opts, svc)
	if err != nil {
		return err
	}
	defer s.close()
	return body(ctx, s)
}
