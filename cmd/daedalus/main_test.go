package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/config"
)

const staticGraph = `
id: titles
nodes:
  - id: src
    type: static
    pageSize: 2
    settings:
      records:
        - {id: a, title: "  First  Title "}
        - {id: b, title: "SECOND"}
        - {id: c, title: third}
  - id: norm
    type: textnorm
    settings: {fields: [title], case: lower, collapseSpace: true}
  - id: done
    type: passthrough
    settings: {metadata: {stage: done}}
edges:
  - {from: src, to: norm}
  - {from: norm, to: done}
`

const seededGraph = `
id: seeded
nodes:
  - id: tag
    type: passthrough
    settings:
      set: {stage: "${stage}"}
`

const failingGraph = `
id: failing
nodes:
  - id: boom
    type: script
    settings:
      source: 'throw new Error("boom")'
`

const cyclicGraph = `
id: cyclic
start: [a]
nodes:
  - {id: a, type: passthrough}
  - {id: b, type: passthrough}
edges:
  - {from: a, to: b}
  - {from: b, to: a}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DAEDALUS_EVENTS_LOG", "false")

	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

type printedRun struct {
	Report struct {
		Status  string `json:"status"`
		Outputs int    `json:"outputs"`
	} `json:"report"`
	Outputs []struct {
		Data     map[string]any    `json:"data"`
		Metadata map[string]string `json:"metadata"`
	} `json:"outputs"`
	Failures []struct {
		NodeID string `json:"nodeId"`
		Error  string `json:"error"`
	} `json:"failures"`
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "titles.yaml", staticGraph)

	out, err := executeCommand(t, "run", file)
	require.NoError(t, err)

	var got printedRun
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "completed", got.Report.Status)
	assert.Equal(t, 3, got.Report.Outputs)

	titles := make([]string, 0, len(got.Outputs))
	for _, o := range got.Outputs {
		titles = append(titles, o.Data["title"].(string))
		assert.Equal(t, "done", o.Metadata["stage"])
	}
	assert.ElementsMatch(t, []string{"first title", "second", "third"}, titles)
}

func TestRunCommandSeedAndVars(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "seeded.yaml", seededGraph)
	seed := writeFile(t, dir, "seed.json", `[{"id":"x","data":{"n":1}},{"id":"y","data":{"n":2}}]`)

	out, err := executeCommand(t, "run", file, "--seed", seed, "--var", "stage=loaded")
	require.NoError(t, err)

	var got printedRun
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Outputs, 2)
	for _, o := range got.Outputs {
		assert.Equal(t, "loaded", o.Data["stage"])
	}
}

func TestRunCommandFailedRun(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "failing.yaml", failingGraph)

	out, err := executeCommand(t, "run", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")

	var got printedRun
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "failed", got.Report.Status)
	assert.Empty(t, got.Outputs)
}

func TestRunCommandErrors(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "seeded.yaml", seededGraph)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing file", []string{"run", filepath.Join(dir, "nope.yaml")}, "nope.yaml"},
		{"bad mode", []string{"run", file, "--mode", "sometimes"}, "mode must be full or incremental"},
		{"seed without id", []string{"run", file, "--seed", writeFile(t, dir, "bad.json", `[{"data":{}}]`)}, "has no id"},
		{"no args", []string{"run"}, "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCommand(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "titles.yaml", staticGraph)
	bad := writeFile(t, dir, "cyclic.yaml", cyclicGraph)

	out, err := executeCommand(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   titles")

	out, err = executeCommand(t, "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, out, "ok   titles")
	assert.Contains(t, out, "FAIL cyclic")
}

func TestCheckpointCommands(t *testing.T) {
	out, err := executeCommand(t, "checkpoint", "show", "titles", "src")
	require.NoError(t, err)
	assert.Equal(t, "no checkpoint for titles/src\n", out)

	out, err = executeCommand(t, "checkpoint", "reset", "titles", "src")
	require.NoError(t, err)
	assert.Equal(t, "reset titles/src\n", out)
}

func TestServeRequiresGraphDir(t *testing.T) {
	_, err := executeCommand(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph_dir")
}

func TestLoadGraphs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "titles.yaml", staticGraph)
	writeFile(t, dir, "seeded.yaml", seededGraph)
	extra := writeFile(t, t.TempDir(), "failing.yaml", failingGraph)

	defs, ids, err := loadGraphs(dir, extra)
	require.NoError(t, err)
	assert.Equal(t, []string{"failing"}, ids)
	assert.Len(t, defs, 3)

	_, _, err = loadGraphs(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	sc := config.Default().Service

	logger, err := newLogger(sc)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	sc.LogLevel = "loud"
	_, err = newLogger(sc)
	require.Error(t, err)
}
