package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/step"
	"github.com/wehubfusion/Daedalus/pkg/steps/all"
)

// blockStep holds every item until its context ends.
type blockStep struct {
	step.BaseStep
}

func (b *blockStep) Process(ctx context.Context, in step.Input) step.Output {
	<-ctx.Done()
	return step.Failure(ctx.Err())
}

const echoGraph = `
id: echo
nodes:
  - id: stamp
    type: passthrough
    settings: {set: {stamped: true}}
  - id: upper
    type: script
    settings: {source: "item.data.title = item.data.title.toUpperCase()"}
edges:
  - {from: stamp, to: upper}
`

const blockGraph = `
id: block
nodes:
  - id: wait
    type: block
`

type fixture struct {
	server  *httptest.Server
	manager *engine.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	defs := engine.Definitions{}
	for _, src := range []string{echoGraph, blockGraph} {
		def, err := graph.ParseYAML([]byte(src))
		require.NoError(t, err)
		defs[def.ID] = def
	}
	reg := all.NewRegistry()
	reg.Register("block", func(cfg step.Config) (step.Step, error) {
		return &blockStep{BaseStep: step.NewBaseStep(cfg)}, nil
	})

	promReg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(promReg)
	require.NoError(t, err)

	eng, err := engine.New(engine.Options{
		Graphs:      defs,
		Registry:    reg,
		CancelGrace: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	eng.Bus().AddSink(collector)

	mgr := engine.NewManager(eng, engine.ManagerOptions{})
	srv, err := New(Options{Manager: mgr, Metrics: metrics.Handler(promReg)})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &fixture{server: ts, manager: mgr}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *fixture) start(t *testing.T, body string) string {
	t.Helper()
	resp, out := f.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "%v", out)
	assert.Equal(t, "/v1/runs/"+out["runId"].(string), resp.Header.Get("Location"))
	return out["runId"].(string)
}

func TestStartAndInspectRun(t *testing.T) {
	f := newFixture(t)
	runID := f.start(t, `{"graphId":"echo","items":[{"id":"d1","data":{"title":"a"}},{"id":"d2","data":{"title":"b"}}]}`)

	_, err := f.manager.Wait(context.Background(), runID)
	require.NoError(t, err)

	resp, out := f.do(t, http.MethodGet, "/v1/runs/"+runID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := out["status"].(map[string]any)
	assert.Equal(t, "completed", status["state"])
	assert.Equal(t, 2.0, status["outputs"])
	report := out["report"].(map[string]any)
	assert.Equal(t, runID, report["run_id"])

	resp, out = f.do(t, http.MethodGet, "/v1/runs/"+runID+"/outputs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outputs := out["outputs"].([]any)
	require.Len(t, outputs, 2)
	titles := []string{}
	for _, o := range outputs {
		data := o.(map[string]any)["data"].(map[string]any)
		assert.Equal(t, true, data["stamped"])
		titles = append(titles, data["title"].(string))
	}
	assert.ElementsMatch(t, []string{"A", "B"}, titles)

	resp, out = f.do(t, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["runs"], 1)
}

func TestStartRunErrors(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"graphId":"echo","runId":"fixed"}`)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing graph", `{}`, http.StatusBadRequest},
		{"bad mode", `{"graphId":"echo","mode":"sometimes"}`, http.StatusBadRequest},
		{"seed without id", `{"graphId":"echo","items":[{"data":{}}]}`, http.StatusBadRequest},
		{"unknown graph", `{"graphId":"nope"}`, http.StatusNotFound},
		{"duplicate id", `{"graphId":"echo","runId":"fixed"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := f.do(t, http.MethodPost, "/v1/runs", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, "%v", out)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestUnknownRun(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/runs/missing"},
		{http.MethodGet, "/v1/runs/missing/outputs"},
		{http.MethodPost, "/v1/runs/missing/cancel"},
		{http.MethodGet, "/v1/runs/missing/events"},
		{http.MethodDelete, "/v1/runs/missing"},
	} {
		resp, out := f.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
		assert.Equal(t, "NOT_FOUND_ERROR", out["code"], tc.path)
	}
}

func TestCancelAndForget(t *testing.T) {
	f := newFixture(t)
	runID := f.start(t, `{"graphId":"block"}`)

	resp, _ := f.do(t, http.MethodGet, "/v1/runs/"+runID+"/outputs", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/runs/"+runID, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/runs/"+runID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.manager.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateCancelled, res.State)

	resp, _ = f.do(t, http.MethodDelete, "/v1/runs/"+runID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/runs/"+runID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamEvents(t *testing.T) {
	f := newFixture(t)
	runID := f.start(t, `{"graphId":"echo","items":[{"id":"d1","data":{"title":"x"}}]}`)

	resp, err := http.Get(f.server.URL + "/v1/runs/" + runID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event:"); ok {
			types = append(types, name)
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, "run.started", types[0])
	assert.Equal(t, "run.completed", types[len(types)-1])
	assert.Contains(t, types, "node.finished")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	runID := f.start(t, `{"graphId":"echo","items":[{"id":"d1","data":{"title":"x"}}]}`)
	_, err := f.manager.Wait(context.Background(), runID)
	require.NoError(t, err)

	resp, out := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	resp, err = http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := new(strings.Builder)
	_, err = bufio.NewReader(resp.Body).WriteTo(body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `daedalus_runs_total{graph="echo",state="completed"} 1`)
}

func TestNewRequiresManager(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
