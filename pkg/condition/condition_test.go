package condition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/item"
)

func sampleItem() *item.Item {
	it := item.New("doc-1", map[string]any{
		"title": "Quarterly Report",
		"score": 0.82,
		"pages": 12,
		"tags":  []any{"finance", "q3"},
		"notes": "",
	})
	it.Metadata = map[string]string{"lang": "en"}
	it.Visit("extract")
	return it
}

func TestRuleOperators(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"equals string", Rule{Field: "data.title", Operator: OpEquals, Value: "Quarterly Report"}, true},
		{"equals case insensitive", Rule{Field: "data.title", Operator: OpEquals, Value: "quarterly report", CaseInsensitive: true}, true},
		{"equals numeric across types", Rule{Field: "data.pages", Operator: OpEquals, Value: "12"}, true},
		{"not equals", Rule{Field: "metadata.lang", Operator: OpNotEquals, Value: "de"}, true},
		{"greater than", Rule{Field: "data.score", Operator: OpGreaterThan, Value: 0.5}, true},
		{"less than", Rule{Field: "data.pages", Operator: OpLessThan, Value: 10}, false},
		{"gte boundary", Rule{Field: "data.pages", Operator: OpGreaterThanOrEqual, Value: 12}, true},
		{"lte boundary", Rule{Field: "data.pages", Operator: OpLessThanOrEqual, Value: 11}, false},
		{"contains", Rule{Field: "data.title", Operator: OpContains, Value: "Report"}, true},
		{"not contains", Rule{Field: "data.title", Operator: OpNotContains, Value: "Draft"}, true},
		{"starts with", Rule{Field: "data.title", Operator: OpStartsWith, Value: "Quarter"}, true},
		{"ends with", Rule{Field: "data.title", Operator: OpEndsWith, Value: "report", CaseInsensitive: true}, true},
		{"regex", Rule{Field: "id.canonicalId", Operator: OpRegex, Value: `^doc-\d+$`}, true},
		{"in", Rule{Field: "metadata.lang", Operator: OpIn, Value: []any{"en", "fr"}}, true},
		{"not in", Rule{Field: "metadata.lang", Operator: OpNotIn, Value: []string{"en"}}, false},
		{"is empty", Rule{Field: "data.notes", Operator: OpIsEmpty}, true},
		{"missing is empty", Rule{Field: "data.absent", Operator: OpIsEmpty}, true},
		{"is not empty", Rule{Field: "data.tags", Operator: OpIsNotEmpty}, true},
		{"trail path", Rule{Field: "trail.0", Operator: OpEquals, Value: "extract"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := NewRuleSet(LogicAnd, []Rule{tt.rule})
			require.NoError(t, err)
			got, err := rs.Evaluate(context.Background(), sampleItem(), Env{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuleSetLogic(t *testing.T) {
	pass := Rule{Field: "metadata.lang", Operator: OpEquals, Value: "en"}
	fail := Rule{Field: "data.pages", Operator: OpGreaterThan, Value: 100}

	and, err := NewRuleSet(LogicAnd, []Rule{pass, fail})
	require.NoError(t, err)
	ok, err := and.Evaluate(context.Background(), sampleItem(), Env{})
	require.NoError(t, err)
	assert.False(t, ok)

	or, err := NewRuleSet(LogicOr, []Rule{fail, pass})
	require.NoError(t, err)
	ok, err = or.Evaluate(context.Background(), sampleItem(), Env{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, or.String(), " or ")
}

func TestRuleSetValidation(t *testing.T) {
	_, err := NewRuleSet("xor", []Rule{{Field: "a", Operator: OpEquals}})
	assert.Error(t, err)

	_, err = NewRuleSet(LogicAnd, nil)
	assert.Error(t, err)

	_, err = NewRuleSet(LogicAnd, []Rule{{Field: "a", Operator: "like"}})
	assert.Error(t, err)

	_, err = NewRuleSet(LogicAnd, []Rule{{Field: "a", Operator: OpRegex, Value: "("}})
	assert.Error(t, err)
}

func TestRuleNumericConversionError(t *testing.T) {
	rs, err := NewRuleSet(LogicAnd, []Rule{{Field: "data.title", Operator: OpGreaterThan, Value: 1}})
	require.NoError(t, err)
	_, err = rs.Evaluate(context.Background(), sampleItem(), Env{})
	assert.Error(t, err)
}

func TestExpressionSeesItemAndEnv(t *testing.T) {
	pool := NewVMPool(2)
	expr, err := NewExpression(`item.data.score > 0.5 && env.mode == "full" && item.metadata.lang == "en"`, pool, 0)
	require.NoError(t, err)

	ok, err := expr.Evaluate(context.Background(), sampleItem(), Env{Mode: "full"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = expr.Evaluate(context.Background(), sampleItem(), Env{Mode: "incremental"})
	require.NoError(t, err)
	assert.False(t, ok)

	// runtimes are reused between evaluations
	assert.Equal(t, int64(1), pool.Created())
}

func TestExpressionTruthiness(t *testing.T) {
	expr, err := NewExpression(`item.data.tags.length`, nil, 0)
	require.NoError(t, err)
	ok, err := expr.Evaluate(context.Background(), sampleItem(), Env{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpressionErrors(t *testing.T) {
	_, err := NewExpression(`item.data.score >`, nil, 0)
	assert.Error(t, err)

	expr, err := NewExpression(`item.data.missing.deeper`, nil, 0)
	require.NoError(t, err)
	_, err = expr.Evaluate(context.Background(), sampleItem(), Env{})
	assert.Error(t, err)
}

func TestExpressionTimeoutInterruptsAndRecovers(t *testing.T) {
	pool := NewVMPool(1)
	spin, err := NewExpression(`(function() { while (true) {} })()`, pool, 20*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = spin.Evaluate(context.Background(), sampleItem(), Env{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")
	assert.Less(t, time.Since(start), time.Second)

	// the interrupted runtime is usable again
	quick, err := NewExpression(`true`, pool, 0)
	require.NoError(t, err)
	ok, err := quick.Evaluate(context.Background(), sampleItem(), Env{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSandboxHidesHostGlobals(t *testing.T) {
	expr, err := NewExpression(`typeof require === "undefined" && typeof process === "undefined"`, nil, 0)
	require.NoError(t, err)
	ok, err := expr.Evaluate(context.Background(), sampleItem(), Env{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompiler(t *testing.T) {
	c := NewCompiler(map[string]Func{
		"isEnglish": func(_ context.Context, it *item.Item, _ Env) (bool, error) {
			return it.Metadata["lang"] == "en", nil
		},
		"broken": func(context.Context, *item.Item, Env) (bool, error) {
			return false, errors.New("lookup failed")
		},
	}, nil)

	cond, err := c.Compile(Spec{})
	require.NoError(t, err)
	assert.Nil(t, cond)

	cond, err = c.Compile(Spec{Func: "isEnglish"})
	require.NoError(t, err)
	ok, err := cond.Evaluate(context.Background(), sampleItem(), Env{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "func:isEnglish", cond.String())

	cond, err = c.Compile(Spec{Func: "broken"})
	require.NoError(t, err)
	_, err = cond.Evaluate(context.Background(), sampleItem(), Env{})
	assert.Error(t, err)

	_, err = c.Compile(Spec{Func: "nope"})
	assert.Error(t, err)

	_, err = c.Compile(Spec{Func: "isEnglish", Expression: "true"})
	assert.Error(t, err)

	cond, err = c.Compile(Spec{Rules: []Rule{{Field: "data.pages", Operator: OpEquals, Value: 12}}})
	require.NoError(t, err)
	ok, err = cond.Evaluate(context.Background(), sampleItem(), Env{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Always(false).Evaluate(context.Background(), sampleItem(), Env{})
	require.NoError(t, err)
	assert.False(t, ok)
}
