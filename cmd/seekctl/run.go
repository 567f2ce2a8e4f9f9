package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/yourusername/seek-forge/internal/client"
	"github.com/yourusername/seek-forge/internal/jobs"
	"github.com/yourusername/seek-forge/internal/logging"
	"github.com/yourusername/seek-forge/internal/progress"
	"github.com/yourusername/seek-forge/internal/reconcile"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

type runFlags struct {
	server      string
	tool        string
	mode        string
	days        int
	startDate   string
	endDate     string
	temperature float64
	threshold   float64
	dryRun      bool
	timeout     time.Duration
	jsonOut     bool
	verbose     bool
}

func serverDefault() string {
	if v := os.Getenv("SEEK_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a job and stream its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobs.Request{
				Tool:      f.tool,
				Mode:      f.mode,
				Days:      f.days,
				StartDate: f.startDate,
				EndDate:   f.endDate,
				DryRun:    f.dryRun,
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &f.temperature
			}
			if cmd.Flags().Changed("threshold") {
				req.Threshold = &f.threshold
			}
			return runSeek(cmd.Context(), cmd.OutOrStdout(), f, req)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.server, "server", serverDefault(), "API server base URL (env SEEK_SERVER)")
	flags.StringVar(&f.tool, "tool", "", "worker tool name (server default when empty)")
	flags.StringVar(&f.mode, "mode", jobs.DefaultMode, "generation mode")
	flags.IntVar(&f.days, "days", 0, "number of days to look back")
	flags.StringVar(&f.startDate, "start-date", "", "range start (YYYY-MM-DD)")
	flags.StringVar(&f.endDate, "end-date", "", "range end (YYYY-MM-DD)")
	flags.Float64Var(&f.temperature, "temperature", 0, "model temperature (0-2)")
	flags.Float64Var(&f.threshold, "threshold", 0, "duplicate similarity threshold (0-1)")
	flags.BoolVar(&f.dryRun, "dry-run", false, "generate without storing items")
	flags.DurationVar(&f.timeout, "inactivity-timeout", client.DefaultInactivityTimeout, "give up when no event arrives for this long")
	flags.BoolVar(&f.jsonOut, "json", false, "print the final report as JSON")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runSeek(parent context.Context, out io.Writer, f *runFlags, req jobs.Request) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := "warn"
	if f.verbose {
		level = "debug"
	}
	logger := logging.Configure(logging.Options{Level: level, Console: true, Out: os.Stderr})

	consumer := client.New(client.Options{
		BaseURL:           f.server,
		InactivityTimeout: f.timeout,
		Logger:            logger,
	})

	r := &renderer{out: out, quiet: f.jsonOut}
	report, err := consumer.Seek(ctx, req, r.update)
	if report == nil {
		return err
	}
	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
		return err
	}
	r.summary(report, err)
	return err
}

// renderer は状態の変化分だけを端末に書き出します。
type renderer struct {
	out      io.Writer
	quiet    bool
	phase    progress.Phase
	step     progress.Step
	warnings int
}

func (r *renderer) update(s progress.State) {
	if r.quiet {
		return
	}
	if s.Phase != r.phase {
		r.phase = s.Phase
		color.New(phaseColor(s.Phase)...).Fprintf(r.out, "▶ %s\n", s.Phase)
	}
	if s.Step != nil && *s.Step != r.step {
		r.step = *s.Step
		label := s.Step.Label
		if label != "" {
			label = " " + label
		}
		fmt.Fprintf(r.out, "  %d/%d%s\n", s.Step.Current, s.Step.Total, label)
	}
	for ; r.warnings < len(s.Warnings); r.warnings++ {
		warnColor.Fprintf(r.out, "  ! %s\n", s.Warnings[r.warnings])
	}
}

func (r *renderer) summary(report *client.Report, err error) {
	fmt.Fprintln(r.out)
	headerColor.Fprintf(r.out, "Job %s\n", report.JobID)
	labelColor.Fprint(r.out, "Outcome: ")
	switch {
	case report.Outcome == progress.OutcomeSuccess && report.Partial:
		warnColor.Fprintln(r.out, "partial success")
	case report.Outcome == progress.OutcomeSuccess:
		goodColor.Fprintln(r.out, "success")
	case report.Outcome == progress.OutcomeCancelled:
		warnColor.Fprintln(r.out, "cancelled")
	default:
		badColor.Fprintln(r.out, "failure")
	}

	for _, key := range report.State.Stats.Keys() {
		fmt.Fprintf(r.out, "  %-24s %g\n", key, report.State.Stats[key])
	}
	if t := report.State.Tokens; t.InputTokens > 0 || t.OutputTokens > 0 {
		fmt.Fprintf(r.out, "  %-24s %d in / %d out ($%.4f)\n", "tokens", t.InputTokens, t.OutputTokens, t.CostUSD)
	}
	if res := report.Result(); res != nil {
		for _, item := range res.Items {
			fmt.Fprintf(r.out, "  • %s\n", item.Title)
		}
	}
	if report.FinalCount != nil {
		fmt.Fprintf(r.out, "  %-24s %d\n", "stored items", *report.FinalCount)
	}
	if report.Note != "" {
		warnColor.Fprintf(r.out, "Note: %s\n", report.Note)
	}
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			badColor.Fprintf(r.out, "Error: %s\n", apiErr.Message)
			return
		}
		badColor.Fprintf(r.out, "Error: %v\n", err)
	}
}

func phaseColor(p progress.Phase) []color.Attribute {
	switch p {
	case progress.PhaseComplete:
		return []color.Attribute{color.FgGreen, color.Bold}
	case progress.PhaseError:
		return []color.Attribute{color.FgRed, color.Bold}
	case progress.PhaseStopping, progress.PhaseStopped:
		return []color.Attribute{color.FgYellow}
	default:
		return []color.Attribute{color.FgCyan}
	}
}

func newCountCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Show the number of stored items",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			count, err := reconcile.NewHTTPCounter(server + "/api/items/count").Count(ctx)
			if err != nil {
				return err
			}
			labelColor.Fprint(cmd.OutOrStdout(), "stored items: ")
			fmt.Fprintln(cmd.OutOrStdout(), count)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", serverDefault(), "API server base URL (env SEEK_SERVER)")
	return cmd
}
