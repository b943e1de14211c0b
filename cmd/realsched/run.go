package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flexinfer/realsched/internal/driver"
	"github.com/flexinfer/realsched/internal/scheduler"
	"github.com/flexinfer/realsched/internal/validator"
	"github.com/flexinfer/realsched/pkg/types"
)

type runOptions struct {
	ensembleID string
	backend    string
	maxRunning int
	maxSubmit  int
	record     bool
	requireOK  bool
	jsonOut    bool
}

// runSummary is what run prints once the ensemble has finished.
type runSummary struct {
	EnsembleID   string                    `json:"ensemble_id"`
	Outcome      types.Outcome             `json:"outcome"`
	Completed    int                       `json:"completed"`
	Required     int                       `json:"required"`
	Realizations []types.RealizationResult `json:"realizations"`
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Execute an ensemble manifest in-process",
		Long: "Run validates the manifest, submits every realization to the configured backend " +
			"and waits until all of them have finished. Interrupting run kills the outstanding realizations.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("backend") {
				a.cfg.Backend = opts.backend
			}
			if cmd.Flags().Changed("max-running") {
				a.cfg.MaxRunning = opts.maxRunning
			}
			if cmd.Flags().Changed("max-submit") {
				a.cfg.MaxSubmit = opts.maxSubmit
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			v, err := validator.New()
			if err != nil {
				return err
			}
			manifest, res := v.Load(data)
			if err := res.Err(); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := a.runManifest(ctx, manifest, &opts)
			if summary != nil {
				if perr := printSummary(cmd, summary, opts.jsonOut); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if summary.Outcome == types.OutcomeCancelled {
				return fmt.Errorf("ensemble %s was cancelled", summary.EnsembleID)
			}
			if summary.Completed < summary.Required {
				return fmt.Errorf("%d of %d realizations completed, %d required", summary.Completed, len(summary.Realizations), summary.Required)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ensembleID, "ensemble-id", "", "Ensemble id (default: a new UUID)")
	cmd.Flags().StringVar(&opts.backend, "backend", a.cfg.Backend, "Compute backend (local, lsf, openpbs, k8s)")
	cmd.Flags().IntVar(&opts.maxRunning, "max-running", a.cfg.MaxRunning, "Realizations allowed to run at once (0 = unlimited)")
	cmd.Flags().IntVar(&opts.maxSubmit, "max-submit", a.cfg.MaxSubmit, "Submit attempts per realization")
	cmd.Flags().BoolVar(&opts.record, "record", false, "Record status in the configured run store")
	cmd.Flags().BoolVar(&opts.requireOK, "require-ok-file", false, "Count a realization as completed only if it wrote an OK file")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON")
	return cmd
}

func (a *app) runManifest(ctx context.Context, manifest *types.Manifest, opts *runOptions) (*runSummary, error) {
	logger := a.logger
	id := opts.ensembleID
	if id == "" {
		id = uuid.NewString()
	}

	tp, err := initTracing(ctx, a.cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	cfg := schedulerConfig(a.cfg, logger)
	cfg.EnsembleID = id
	cfg.Dispatch = cfg.Dispatch.ForEnsemble(id)
	cfg.ApplyManifest(manifest)
	issuer, err := tokenIssuer(a.cfg)
	if err != nil {
		return nil, err
	}
	if issuer != nil && cfg.Dispatch.URL != "" {
		if cfg.Dispatch.Token, err = issuer.Issue(id); err != nil {
			return nil, fmt.Errorf("issue dispatch token: %w", err)
		}
	}

	drv, err := driver.New(a.cfg, id, logger)
	if err != nil {
		return nil, err
	}

	schedOpts := []scheduler.Option{
		scheduler.WithPublisher(newPublisher(a.cfg, cfg.Dispatch, logger)),
	}
	if opts.requireOK {
		schedOpts = append(schedOpts, scheduler.WithCompletionCheck(okFileCheck))
	}
	archiver, err := newArchiver(ctx, a.cfg, logger)
	if err != nil {
		return nil, err
	}
	if archiver != nil {
		schedOpts = append(schedOpts, scheduler.WithArchiver(archiver))
	}
	if opts.record {
		store := openStore(a.cfg, logger)
		defer store.Close()
		if err := store.CreateEnsemble(ctx, &types.Ensemble{
			ID:           id,
			Name:         manifest.Name,
			ExperimentID: manifest.ExperimentID,
			Backend:      drv.Name(),
			Size:         len(manifest.Realizations),
		}); err != nil {
			return nil, fmt.Errorf("record ensemble: %w", err)
		}
		schedOpts = append(schedOpts, scheduler.WithRunStore(store))
	}

	sched := scheduler.New(drv, &cfg, schedOpts...)
	for _, arg := range manifest.RunArgs() {
		if err := sched.AddRealization(arg); err != nil {
			return nil, err
		}
	}

	maxRunning := a.cfg.MaxRunning
	if manifest.MaxRunning > 0 {
		maxRunning = manifest.MaxRunning
	}
	logger.Info("running ensemble",
		slog.String("ensemble_id", id),
		slog.String("name", manifest.Name),
		slog.Int("realizations", len(manifest.Realizations)),
		slog.String("driver", drv.Name()),
		slog.Int("max_running", maxRunning),
	)

	outcome, runErr := sched.Execute(ctx, maxRunning)

	results := sched.Results()
	summary := &runSummary{
		EnsembleID:   id,
		Outcome:      outcome,
		Required:     cfg.MinRealizations,
		Realizations: results,
	}
	if summary.Required <= 0 || summary.Required > len(results) {
		summary.Required = len(results)
	}
	for _, r := range results {
		if r.State == types.StateCompleted {
			summary.Completed++
		}
	}
	if failures := sched.Failures(); failures != nil {
		logger.Warn("realizations failed", slog.Any("error", failures))
	}
	return summary, runErr
}

func printSummary(cmd *cobra.Command, s *runSummary, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(out, "Ensemble %s: %s (%d/%d completed)\n", s.EnsembleID, s.Outcome, s.Completed, len(s.Realizations))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IENS\tSTATE\tRC\tATTEMPTS\tMESSAGE")
	for _, r := range s.Realizations {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", r.Iens, r.State, r.ReturnCode, r.Attempts, r.Message)
	}
	return tw.Flush()
}
