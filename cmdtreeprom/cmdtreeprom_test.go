package cmdtreeprom

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/go-cmdtree/cmdtree"
	"github.com/joeycumines/go-cmdtree/slotpool"
	"github.com/joeycumines/go-cmdtree/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStats cmdtree.Stats

func (s staticStats) Stats() cmdtree.Stats { return cmdtree.Stats(s) }

func TestCollector(t *testing.T) {
	c := NewCollector(staticStats{
		Runs:      6,
		Succeeded: 3,
		Failed:    2,
		TimedOut:  1,
		Pool: workerpool.Stats{
			Enqueued: 10,
			Rejected: 1,
			Executed: 9,
			Panics:   2,
			Queued:   1,
			Busy:     4,
		},
	}, `test`, prometheus.Labels{`tree`: `example`})

	const want = `
# HELP test_cmdtree_runs_total Command tree runs, by outcome.
# TYPE test_cmdtree_runs_total counter
test_cmdtree_runs_total{outcome="failure",tree="example"} 2
test_cmdtree_runs_total{outcome="success",tree="example"} 3
test_cmdtree_runs_total{outcome="timeout",tree="example"} 1
# HELP test_workerpool_busy_workers Workers not parked.
# TYPE test_workerpool_busy_workers gauge
test_workerpool_busy_workers{tree="example"} 4
# HELP test_workerpool_enqueued_total Routines accepted by the worker pool.
# TYPE test_workerpool_enqueued_total counter
test_workerpool_enqueued_total{tree="example"} 10
# HELP test_workerpool_executed_total Routines executed by the worker pool.
# TYPE test_workerpool_executed_total counter
test_workerpool_executed_total{tree="example"} 9
# HELP test_workerpool_panics_total Routines that panicked.
# TYPE test_workerpool_panics_total counter
test_workerpool_panics_total{tree="example"} 2
# HELP test_workerpool_queued Routines waiting to be executed.
# TYPE test_workerpool_queued gauge
test_workerpool_queued{tree="example"} 1
# HELP test_workerpool_rejected_total Routines refused by the worker pool.
# TYPE test_workerpool_rejected_total counter
test_workerpool_rejected_total{tree="example"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(want)))
	assert.Equal(t, 9, testutil.CollectAndCount(c))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Outcome(cmdtree.Result{}))
	assert.Equal(t, OutcomeFailure, Outcome(cmdtree.Result{Err: &cmdtree.NodeError{Code: 1}}))
	assert.Equal(t, OutcomeTimeout, Outcome(cmdtree.Result{Err: cmdtree.ErrTimeout}))
	assert.Equal(t, OutcomeFailure, Outcome(cmdtree.Result{Err: errors.Join(&cmdtree.NodeError{Code: 1}, cmdtree.ErrTimeout)}))
	assert.Equal(t, OutcomeError, Outcome(cmdtree.Result{Err: cmdtree.ErrInvalidState}))
}

func histogram(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) *dto.Histogram {
	t.Helper()
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetHistogram()
		}
	}
	t.Fatalf(`histogram %s %v not found`, name, labels)
	return nil
}

func TestObserver_scheduler(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	observer := NewObserver(reg, `test`)

	x, err := cmdtree.New(
		cmdtree.WithRunObserver(observer.ObserveRun),
		cmdtree.WithPoolOptions(workerpool.WithRunObserver(observer.ObserveRoutine)),
	)
	require.NoError(t, err)
	defer x.Close(5 * time.Second)
	require.NoError(t, x.Initialize(2, slotpool.AlignedBuffer(cmdtree.RequiredBufferSize(2, 2, 1))))
	require.NoError(t, reg.Register(NewCollector(x, `test`, nil)))

	ok := func(any) int32 { return 0 }
	require.NoError(t, x.ConstructTree([]cmdtree.NodeDesc{
		{Routine: ok},
		{Routine: ok},
		{Routine: ok, Depends: []int{0}},
	}))
	for range 3 {
		_, err := x.ExecuteCommands(5 * time.Second)
		require.NoError(t, err)
	}
	require.NoError(t, x.ConstructTree([]cmdtree.NodeDesc{{Routine: func(any) int32 { return 1 }}}))
	_, err = x.ExecuteCommands(5 * time.Second)
	require.ErrorIs(t, err, cmdtree.ErrNodeFailed)

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, uint64(3), histogram(t, families, `test_cmdtree_run_duration_seconds`, map[string]string{`outcome`: OutcomeSuccess}).GetSampleCount())
	assert.Equal(t, uint64(1), histogram(t, families, `test_cmdtree_run_duration_seconds`, map[string]string{`outcome`: OutcomeFailure}).GetSampleCount())
	assert.Equal(t, uint64(10), histogram(t, families, `test_workerpool_routine_duration_seconds`, nil).GetSampleCount())
	finished := histogram(t, families, `test_cmdtree_run_nodes_finished`, nil)
	assert.Equal(t, uint64(4), finished.GetSampleCount())
	assert.Equal(t, float64(9), finished.GetSampleSum())

	require.NoError(t, testutil.CollectAndCompare(NewCollector(x, `test`, nil), strings.NewReader(`
# HELP test_cmdtree_runs_total Command tree runs, by outcome.
# TYPE test_cmdtree_runs_total counter
test_cmdtree_runs_total{outcome="failure"} 1
test_cmdtree_runs_total{outcome="success"} 3
test_cmdtree_runs_total{outcome="timeout"} 0
`), `test_cmdtree_runs_total`))
}
