package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joeycumines/go-cmdtree/cmdtree"
	"github.com/joeycumines/go-cmdtree/internal/logtest"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	okDoc = `
name: ok
nodes:
  - {name: a, action: {kind: noop}}
  - {name: b, depends: [a], action: {kind: spin, iterations: 100}}
  - {name: c, depends: [a], action: {kind: sleep, duration: 1ms}}
`
	failDoc = `
name: broken
nodes:
  - {name: a, action: {kind: noop}}
  - {name: b, depends: [a], action: {kind: fail, code: 3}}
  - {name: c, depends: [b], action: {kind: noop}}
`
	slowDoc = `
name: slow
nodes:
  - {name: a, action: {kind: sleep, duration: 200ms}}
`
)

type harness struct {
	app    *app
	stdout *logtest.Buffer
	stderr *logtest.Buffer
}

func newHarness() *harness {
	h := &harness{stdout: new(logtest.Buffer), stderr: new(logtest.Buffer)}
	h.app = newApp(h.stdout, h.stderr)
	return h
}

func (h *harness) execute(args ...string) error {
	root := newRootCommand(h.app)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func writeDoc(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), `tree.yaml`)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for input, want := range map[string]logiface.Level{
		`trace`:   logiface.LevelTrace,
		`DEBUG`:   logiface.LevelDebug,
		`info`:    logiface.LevelInformational,
		`notice`:  logiface.LevelNotice,
		`warning`: logiface.LevelWarning,
		`warn`:    logiface.LevelWarning,
		`err`:     logiface.LevelError,
		`error`:   logiface.LevelError,
		` crit `:  logiface.LevelCritical,
		`off`:     logiface.LevelDisabled,
	} {
		level, err := parseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, level, input)
	}
	_, err := parseLevel(`loud`)
	assert.ErrorContains(t, err, `invalid log level: "loud"`)
}

func TestSize(t *testing.T) {
	t.Parallel()
	h := newHarness()
	require.NoError(t, h.execute(`size`, `--threads`, `2`, `--roots`, `3`, `--edges`, `5`))
	assert.Equal(t, "pool=2048 scratch=16 total=2064\n", h.stdout.String())
	assert.Equal(t, cmdtree.RequiredBufferSize(2, 3, 5), 2064)
}

func TestSize_invalid(t *testing.T) {
	t.Parallel()
	assert.ErrorContains(t, newHarness().execute(`size`, `--edges`, `-1`), `invalid tree shape`)
	assert.ErrorContains(t, newHarness().execute(`size`, `--threads`, `0`), `invalid thread count`)
	assert.ErrorContains(t, newHarness().execute(`size`, `--log-level`, `loud`), `invalid log level`)
}

func TestRun_success(t *testing.T) {
	t.Parallel()
	h := newHarness()
	require.NoError(t, h.execute(`run`, `--threads`, `2`, writeDoc(t, okDoc)))
	out := h.stdout.String()
	assert.True(t, strings.HasPrefix(out, `run `), out)
	assert.Contains(t, out, `success code=0 finished=3/3`)
	assert.Equal(t, 1, h.stderr.Count(`"msg":"run complete"`))

	families, err := h.app.registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names[`cmdtree_run_duration_seconds`])
	assert.True(t, names[`cmdtree_runs_total`])
	assert.True(t, names[`workerpool_routine_duration_seconds`])
}

func TestRun_failure(t *testing.T) {
	t.Parallel()
	h := newHarness()
	err := h.execute(`run`, writeDoc(t, failDoc))
	require.ErrorIs(t, err, cmdtree.ErrNodeFailed)
	var nodeErr *cmdtree.NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, `b`, nodeErr.Name)
	assert.Contains(t, h.stdout.String(), `failure code=3 finished=1/3`)
	assert.Equal(t, 1, h.stderr.Count(`cmdtree: command failed`))
}

func TestRun_timeout(t *testing.T) {
	t.Parallel()
	h := newHarness()
	err := h.execute(`run`, `--timeout`, `20ms`, writeDoc(t, slowDoc))
	require.ErrorIs(t, err, cmdtree.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, h.stdout.String(), `timeout code=-2147483648 finished=0/1`)
}

func TestRun_trace(t *testing.T) {
	t.Parallel()
	h := newHarness()
	require.NoError(t, h.execute(`run`, `--trace`, `--log-level`, `off`, writeDoc(t, okDoc)))
	stderr := h.stderr.String()
	assert.Contains(t, stderr, `cmdtree.run`)
	assert.Contains(t, stderr, `run.id`)
	assert.NotContains(t, stderr, `run complete`)
}

func TestRun_metricsAddr(t *testing.T) {
	t.Parallel()
	h := newHarness()
	require.NoError(t, h.execute(`run`, `--metrics-addr`, `127.0.0.1:0`, writeDoc(t, okDoc)))
	assert.Equal(t, 1, h.stderr.Count(`serving metrics`))
}

func TestRun_missingFile(t *testing.T) {
	t.Parallel()
	err := newHarness().execute(`run`, filepath.Join(t.TempDir(), `missing.yaml`))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBench(t *testing.T) {
	t.Parallel()
	h := newHarness()
	require.NoError(t, h.execute(`bench`, `--iterations`, `20`, writeDoc(t, okDoc)))
	out := h.stdout.String()
	assert.Contains(t, out, "tree=ok nodes=3 threads=4 iterations=20\n")
	assert.Contains(t, out, "outcomes: success=20 failure=0 timeout=0\n")
	assert.Contains(t, out, `latency: p50=`)
	assert.Contains(t, out, `latency: p99=`)
	assert.Contains(t, out, "pool: enqueued=60 executed=60 rejected=0 panics=0\n")
}

func TestBench_failures(t *testing.T) {
	t.Parallel()
	h := newHarness()
	require.NoError(t, h.execute(`bench`, `--iterations`, `5`, `--log-level`, `err`, writeDoc(t, failDoc)))
	assert.Contains(t, h.stdout.String(), "outcomes: success=0 failure=5 timeout=0\n")
	assert.Contains(t, h.stdout.String(), "pool: enqueued=10 executed=10 rejected=0 panics=0\n")
}

func TestBench_invalidIterations(t *testing.T) {
	t.Parallel()
	assert.ErrorContains(t, newHarness().execute(`bench`, `--iterations`, `0`, `unused.yaml`), `invalid iterations`)
}
