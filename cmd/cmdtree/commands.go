// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/joeycumines/go-cmdtree/cmdtree"
	"github.com/joeycumines/go-cmdtree/cmdtreeprom"
	"github.com/joeycumines/go-cmdtree/internal/psquare"
	"github.com/joeycumines/go-cmdtree/workerpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var benchQuantiles = [...]float64{0.5, 0.9, 0.99}

func newRootCommand(x *app) *cobra.Command {
	root := &cobra.Command{
		Use:           `cmdtree`,
		Short:         `Execute dependency graphs of commands on a fixed worker pool`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return x.setup()
		},
	}
	root.SetOut(x.stdout)
	root.SetErr(x.stderr)

	pf := root.PersistentFlags()
	pf.IntVar(&x.flags.threads, `threads`, x.flags.threads, `worker threads`)
	pf.DurationVar(&x.flags.timeout, `timeout`, x.flags.timeout, `per-run timeout, zero waits indefinitely`)
	pf.StringVar(&x.flags.logLevel, `log-level`, x.flags.logLevel, `log level (trace, debug, info, notice, warning, err, off)`)
	pf.StringVar(&x.flags.metricsAddr, `metrics-addr`, ``, `serve prometheus metrics on this address, e.g. :9090`)
	pf.BoolVar(&x.flags.trace, `trace`, false, `write trace spans to stderr`)

	root.AddCommand(
		newRunCommand(x),
		newBenchCommand(x),
		newSizeCommand(x),
	)

	return root
}

func newRunCommand(x *app) *cobra.Command {
	return &cobra.Command{
		Use:   `run FILE`,
		Short: `Execute a command tree once`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer x.close()
			return x.serve(cmd.Context(), func(ctx context.Context) error {
				return x.run(ctx, args[0])
			})
		},
	}
}

func (x *app) run(ctx context.Context, path string) error {
	t, err := x.load(path)
	if err != nil {
		return err
	}
	defer x.unload(t)

	runID := uuid.New()
	ctx, span := x.tracer.Start(ctx, `cmdtree.run`, trace.WithAttributes(
		attribute.String(`run.id`, runID.String()),
		attribute.String(`tree`, t.file.Name),
		attribute.Int(`nodes`, len(t.descs)),
		attribute.Int(`threads`, x.flags.threads),
	))
	defer span.End()

	code, err := x.execute(ctx, t)
	result := t.last

	span.SetAttributes(
		attribute.Int(`code`, int(code)),
		attribute.Int(`finished`, result.Finished),
		attribute.String(`outcome`, cmdtreeprom.Outcome(result)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	x.logger.Info().
		Str(`run`, runID.String()).
		Str(`tree`, t.file.Name).
		Int(`finished`, result.Finished).
		Int(`nodes`, result.Nodes).
		Dur(`duration`, result.Duration).
		Log(`run complete`)

	fmt.Fprintf(x.stdout, "run %s: %s code=%d finished=%d/%d duration=%s\n",
		runID, cmdtreeprom.Outcome(result), code, result.Finished, result.Nodes, result.Duration)

	return err
}

func newBenchCommand(x *app) *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   `bench FILE`,
		Short: `Execute a command tree repeatedly, and report latency`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if iterations <= 0 {
				return fmt.Errorf(`invalid iterations: %d`, iterations)
			}
			defer x.close()
			return x.serve(cmd.Context(), func(ctx context.Context) error {
				return x.bench(ctx, args[0], iterations)
			})
		},
	}
	cmd.Flags().IntVar(&iterations, `iterations`, 100, `number of runs`)
	return cmd
}

func (x *app) bench(ctx context.Context, path string, iterations int) error {
	t, err := x.load(path)
	if err != nil {
		return err
	}
	defer x.unload(t)

	benchID := uuid.New()
	ctx, span := x.tracer.Start(ctx, `cmdtree.bench`, trace.WithAttributes(
		attribute.String(`bench.id`, benchID.String()),
		attribute.String(`tree`, t.file.Name),
		attribute.Int(`nodes`, len(t.descs)),
		attribute.Int(`threads`, x.flags.threads),
		attribute.Int(`iterations`, iterations),
	))
	defer span.End()

	summary := psquare.NewSummary(benchQuantiles[:]...)
	outcomes := make(map[string]int)

	for i := range iterations {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return err
		}
		if err := x.reset(t); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf(`iteration %d: %w`, i, err)
		}
		_, err := x.execute(ctx, t)
		outcome := cmdtreeprom.Outcome(t.last)
		outcomes[outcome]++
		if outcome == cmdtreeprom.OutcomeError {
			return fmt.Errorf(`iteration %d: %w`, i, err)
		}
		if errors.Is(err, cmdtree.ErrTimeout) && ctx.Err() != nil {
			return err
		}
		summary.Observe(t.last.Duration)
	}

	stats := t.scheduler.Stats()
	span.SetAttributes(
		attribute.Int(`succeeded`, int(stats.Succeeded)),
		attribute.Int(`failed`, int(stats.Failed)),
		attribute.Int(`timed_out`, int(stats.TimedOut)),
		attribute.Int64(`mean_ns`, summary.Mean().Nanoseconds()),
	)

	x.logger.Info().
		Str(`bench`, benchID.String()).
		Str(`tree`, t.file.Name).
		Int(`iterations`, summary.Count()).
		Dur(`mean`, summary.Mean()).
		Log(`bench complete`)

	x.printBench(t, summary, outcomes, stats.Pool)
	return nil
}

func (x *app) printBench(t *tree, summary *psquare.Summary, outcomes map[string]int, pool workerpool.Stats) {
	fmt.Fprintf(x.stdout, "tree=%s nodes=%d threads=%d iterations=%d\n",
		t.file.Name, len(t.descs), x.flags.threads, summary.Count())
	fmt.Fprintf(x.stdout, "outcomes: success=%d failure=%d timeout=%d\n",
		outcomes[cmdtreeprom.OutcomeSuccess], outcomes[cmdtreeprom.OutcomeFailure], outcomes[cmdtreeprom.OutcomeTimeout])
	fmt.Fprintf(x.stdout, "latency: min=%s mean=%s max=%s\n",
		summary.Min(), summary.Mean(), summary.Max())
	for _, p := range benchQuantiles {
		if v, ok := summary.Quantile(p); ok {
			fmt.Fprintf(x.stdout, "latency: p%g=%s\n", p*100, v)
		}
	}
	fmt.Fprintf(x.stdout, "pool: enqueued=%d executed=%d rejected=%d panics=%d\n",
		pool.Enqueued, pool.Executed, pool.Rejected, pool.Panics)
}

func newSizeCommand(x *app) *cobra.Command {
	var roots, edges int
	cmd := &cobra.Command{
		Use:   `size`,
		Short: `Print the buffer size required for a scheduler`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if roots < 0 || edges < 0 {
				return fmt.Errorf(`invalid tree shape: roots=%d edges=%d`, roots, edges)
			}
			pool := workerpool.BufferSize(x.flags.threads, cmdtree.MaxNodes)
			total := cmdtree.RequiredBufferSize(x.flags.threads, roots, edges)
			fmt.Fprintf(x.stdout, "pool=%d scratch=%d total=%d\n", pool, total-pool, total)
			return nil
		},
	}
	cmd.Flags().IntVar(&roots, `roots`, 1, `number of nodes without dependencies`)
	cmd.Flags().IntVar(&edges, `edges`, 0, `total number of dependencies`)
	return cmd
}
