package all

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"dateformat", "passthrough", "rowsplit", "schemacheck", "script", "static", "textnorm"}, r.Types())
}

const pipeline = `
id: ingest
nodes:
  - id: src
    type: static
    pageSize: 2
    settings:
      records:
        - {id: d1, title: "  Hello  World ", tags: [a, b]}
        - {id: d2, title: "STRASSE", tags: [c]}
        - {id: d3, title: "skip me", tags: []}
  - id: norm
    type: textnorm
    settings: {fields: [title], case: lower, collapseSpace: true}
  - id: rows
    type: rowsplit
    settings: {field: tags, target: tag}
  - id: mark
    type: script
    settings:
      source: "item.data.len = item.data.title.length"
  - id: done
    type: passthrough
    settings: {metadata: {stage: done}}
edges:
  - {from: src, to: norm}
  - {from: norm, to: rows}
  - {from: rows, to: mark}
  - {from: mark, to: done}
`

func TestBuiltinsEndToEnd(t *testing.T) {
	def, err := graph.ParseYAML([]byte(pipeline))
	require.NoError(t, err)

	e, err := engine.New(engine.Options{
		Graphs:   engine.Definitions{"ingest": def},
		Registry: NewRegistry(),
	})
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), engine.Request{GraphID: "ingest"})
	require.NoError(t, err)
	require.Equal(t, engine.StateCompleted, res.State, "%v", res.Err)
	require.Len(t, res.Outputs, 3)

	titles := map[string]int{}
	for _, out := range res.Outputs {
		titles[out.Data["title"].(string)]++
		assert.Equal(t, "done", out.Metadata["stage"])
		assert.Equal(t, []string{"src", "norm", "rows", "mark", "done"}, out.Trail)
	}
	assert.Equal(t, map[string]int{"hello world": 2, "strasse": 1}, titles)
}

const validated = `
id: validated
nodes:
  - id: src
    type: static
    settings:
      records:
        - {id: p1, title: One, published: "2024-03-05T10:00:00Z"}
        - {id: p2, published: "2024-03-06T10:00:00Z"}
        - {id: p3, title: Three, published: "2024-03-07T23:30:00Z"}
  - id: check
    type: schemacheck
    settings:
      onInvalid: skip
      applyDefaults: true
      schema:
        type: object
        required: [title]
        properties:
          title: {type: string}
          lang: {type: string, default: und}
  - id: day
    type: dateformat
    settings: {fields: [published], inFormat: RFC3339, outFormat: DateOnly, outTimezone: Asia/Tokyo}
edges:
  - {from: src, to: check}
  - {from: check, to: day}
`

func TestSchemaAndDatesEndToEnd(t *testing.T) {
	def, err := graph.ParseYAML([]byte(validated))
	require.NoError(t, err)

	e, err := engine.New(engine.Options{
		Graphs:   engine.Definitions{"validated": def},
		Registry: NewRegistry(),
	})
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), engine.Request{GraphID: "validated"})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, 1, res.Counts.Skipped)

	days := map[string]string{}
	for _, out := range res.Outputs {
		days[out.ID.CanonicalID] = out.Data["published"].(string)
		assert.Equal(t, "und", out.Data["lang"])
	}
	assert.Equal(t, map[string]string{"p1": "2024-03-05", "p3": "2024-03-08"}, days)
}
