// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package cmdtreeprom exports command tree scheduler and worker pool
// metrics to Prometheus.
package cmdtreeprom

import (
	"errors"
	"time"

	"github.com/joeycumines/go-cmdtree/cmdtree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeSuccess = `success`
	OutcomeFailure = `failure`
	OutcomeTimeout = `timeout`
	OutcomeError   = `error`
)

// StatsSource is implemented by *cmdtree.Scheduler.
type StatsSource interface {
	Stats() cmdtree.Stats
}

// Collector is a prometheus.Collector, reading the counters of a
// StatsSource on each scrape.
type Collector struct {
	source   StatsSource
	runs     *prometheus.Desc
	enqueued *prometheus.Desc
	rejected *prometheus.Desc
	executed *prometheus.Desc
	panics   *prometheus.Desc
	queued   *prometheus.Desc
	busy     *prometheus.Desc
	outcomes [3]string
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector for source. The namespace and labels
// are applied to every metric.
func NewCollector(source StatsSource, namespace string, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, variableLabels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, ``, name), help, variableLabels, constLabels)
	}
	return &Collector{
		source:   source,
		runs:     desc(`cmdtree_runs_total`, `Command tree runs, by outcome.`, `outcome`),
		enqueued: desc(`workerpool_enqueued_total`, `Routines accepted by the worker pool.`),
		rejected: desc(`workerpool_rejected_total`, `Routines refused by the worker pool.`),
		executed: desc(`workerpool_executed_total`, `Routines executed by the worker pool.`),
		panics:   desc(`workerpool_panics_total`, `Routines that panicked.`),
		queued:   desc(`workerpool_queued`, `Routines waiting to be executed.`),
		busy:     desc(`workerpool_busy_workers`, `Workers not parked.`),
		outcomes: [...]string{OutcomeSuccess, OutcomeFailure, OutcomeTimeout},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.runs
	ch <- c.enqueued
	ch <- c.rejected
	ch <- c.executed
	ch <- c.panics
	ch <- c.queued
	ch <- c.busy
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	for i, n := range [...]uint64{stats.Succeeded, stats.Failed, stats.TimedOut} {
		ch <- prometheus.MustNewConstMetric(c.runs, prometheus.CounterValue, float64(n), c.outcomes[i])
	}
	ch <- prometheus.MustNewConstMetric(c.enqueued, prometheus.CounterValue, float64(stats.Pool.Enqueued))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(stats.Pool.Rejected))
	ch <- prometheus.MustNewConstMetric(c.executed, prometheus.CounterValue, float64(stats.Pool.Executed))
	ch <- prometheus.MustNewConstMetric(c.panics, prometheus.CounterValue, float64(stats.Pool.Panics))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(stats.Pool.Queued))
	ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, float64(stats.Pool.Busy))
}

// Observer records latency histograms, see cmdtree.WithRunObserver and
// workerpool.WithRunObserver.
type Observer struct {
	runDuration     *prometheus.HistogramVec
	routineDuration prometheus.Histogram
	nodesFinished   prometheus.Histogram
}

// NewObserver registers the Observer's histograms with reg.
func NewObserver(reg prometheus.Registerer, namespace string) *Observer {
	factory := promauto.With(reg)
	return &Observer{
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      `cmdtree_run_duration_seconds`,
			Help:      `Command tree run duration in seconds, by outcome.`,
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3.3s
		}, []string{`outcome`}),
		routineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      `workerpool_routine_duration_seconds`,
			Help:      `Worker pool routine duration in seconds.`,
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12), // 1us to ~4s
		}),
		nodesFinished: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      `cmdtree_run_nodes_finished`,
			Help:      `Nodes that succeeded, per run.`,
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
	}
}

// ObserveRun is suitable for use with cmdtree.WithRunObserver.
func (o *Observer) ObserveRun(r cmdtree.Result) {
	o.runDuration.WithLabelValues(Outcome(r)).Observe(r.Duration.Seconds())
	o.nodesFinished.Observe(float64(r.Finished))
}

// ObserveRoutine is suitable for use with workerpool.WithRunObserver.
func (o *Observer) ObserveRoutine(d time.Duration) {
	o.routineDuration.Observe(d.Seconds())
}

// Outcome classifies a run result.
func Outcome(r cmdtree.Result) string {
	switch {
	case r.Err == nil:
		return OutcomeSuccess
	case errors.Is(r.Err, cmdtree.ErrNodeFailed):
		return OutcomeFailure
	case errors.Is(r.Err, cmdtree.ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
