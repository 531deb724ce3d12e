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
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/joeycumines/go-cmdtree/cmdtree"
	"github.com/joeycumines/go-cmdtree/cmdtreeprom"
	"github.com/joeycumines/go-cmdtree/dagfile"
	"github.com/joeycumines/go-cmdtree/slotpool"
	"github.com/joeycumines/go-cmdtree/workerpool"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const tracerName = `github.com/joeycumines/go-cmdtree/cmd/cmdtree`

type (
	flags struct {
		threads     int
		timeout     time.Duration
		logLevel    string
		metricsAddr string
		trace       bool
	}

	// app is the state shared by every sub-command, for one invocation.
	app struct {
		stdout   io.Writer
		stderr   io.Writer
		flags    flags
		logger   *logiface.Logger[logiface.Event]
		tracer   trace.Tracer
		registry *prometheus.Registry
		observer *cmdtreeprom.Observer
		shutdown []func(ctx context.Context) error
	}

	// tree is a loaded document, and a scheduler ready to execute it.
	tree struct {
		file      *dagfile.File
		descs     []cmdtree.NodeDesc
		scheduler *cmdtree.Scheduler
		// last is the result of the most recent run
		last cmdtree.Result
	}
)

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		flags: flags{
			threads:  4,
			logLevel: logiface.LevelInformational.String(),
		},
	}
}

// parseLevel accepts the logiface keyword for a level, or a common alias.
func parseLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case `error`:
		return logiface.LevelError, nil
	case `warn`:
		return logiface.LevelWarning, nil
	case `information`, `informational`:
		return logiface.LevelInformational, nil
	case `off`, `none`:
		return logiface.LevelDisabled, nil
	}
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf(`invalid log level: %q`, s)
}

// setup initialises the logger, tracer and metrics registry, from flags.
func (x *app) setup() error {
	if x.flags.threads <= 0 {
		return fmt.Errorf(`invalid thread count: %d`, x.flags.threads)
	}

	level, err := parseLevel(x.flags.logLevel)
	if err != nil {
		return err
	}
	x.logger = stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(x.stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	if x.flags.trace {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(x.stderr))
		if err != nil {
			return fmt.Errorf(`trace exporter: %w`, err)
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exporter),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		x.shutdown = append(x.shutdown, provider.Shutdown)
		x.tracer = provider.Tracer(tracerName)
	} else {
		x.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	x.registry = prometheus.NewRegistry()
	x.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	x.observer = cmdtreeprom.NewObserver(x.registry, ``)

	return nil
}

func (x *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(x.shutdown) - 1; i >= 0; i-- {
		if err := x.shutdown[i](ctx); err != nil {
			x.logger.Err().
				Err(err).
				Log(`shutdown failed`)
		}
	}
	x.shutdown = nil
}

// serve calls fn, while serving metrics if configured. The metrics server
// is shut down once fn returns.
func (x *app) serve(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if x.flags.metricsAddr != `` {
		listener, err := net.Listen(`tcp`, x.flags.metricsAddr)
		if err != nil {
			return fmt.Errorf(`metrics listener: %w`, err)
		}
		mux := http.NewServeMux()
		mux.Handle(`/metrics`, promhttp.HandlerFor(x.registry, promhttp.HandlerOpts{Registry: x.registry}))
		server := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		x.logger.Info().
			Str(`addr`, listener.Addr().String()).
			Log(`serving metrics`)
		g.Go(func() error {
			if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf(`metrics server: %w`, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})

	return g.Wait()
}

// load reads the document at path, and prepares a scheduler for it.
func (x *app) load(path string) (*tree, error) {
	file, err := dagfile.Load(path)
	if err != nil {
		return nil, err
	}
	descs, err := file.Descs()
	if err != nil {
		return nil, err
	}

	t := &tree{file: file, descs: descs}

	scheduler, err := cmdtree.New(
		cmdtree.WithLogger(x.logger),
		cmdtree.WithRunObserver(func(r cmdtree.Result) {
			t.last = r
			x.observer.ObserveRun(r)
		}),
		cmdtree.WithPoolOptions(workerpool.WithRunObserver(x.observer.ObserveRoutine)),
	)
	if err != nil {
		return nil, err
	}

	roots, edges := file.Edges()
	if err := scheduler.Initialize(x.flags.threads, slotpool.AlignedBuffer(cmdtree.RequiredBufferSize(x.flags.threads, roots, edges))); err != nil {
		_ = scheduler.Close(cmdtree.DefaultJoinTimeout)
		return nil, err
	}
	if err := scheduler.ConstructTree(descs); err != nil {
		_ = scheduler.Close(cmdtree.DefaultJoinTimeout)
		return nil, err
	}

	x.registry.MustRegister(cmdtreeprom.NewCollector(scheduler, ``, prometheus.Labels{`tree`: file.Name}))

	t.scheduler = scheduler
	return t, nil
}

func (x *app) unload(t *tree) {
	if err := t.scheduler.Close(cmdtree.DefaultJoinTimeout); err != nil {
		x.logger.Err().
			Err(err).
			Log(`failed to close scheduler`)
	}
}

// execute runs the tree once, bounded by ctx and the timeout flag.
func (x *app) execute(ctx context.Context, t *tree) (int32, error) {
	if x.flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.flags.timeout)
		defer cancel()
	}
	return t.scheduler.ExecuteContext(ctx)
}

// reset prepares the tree for another run, after a failure or timeout.
func (x *app) reset(t *tree) error {
	switch state := t.scheduler.State(); state {
	case cmdtree.ReadyToExecute:
		return nil
	case cmdtree.TimedOut:
		if err := t.scheduler.Recover(cmdtree.DefaultJoinTimeout); err != nil {
			return err
		}
	case cmdtree.Initialized:
	default:
		return fmt.Errorf(`%w: cannot reset from %s`, cmdtree.ErrInvalidState, state)
	}
	return t.scheduler.ConstructTree(t.descs)
}
