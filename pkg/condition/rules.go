package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/Daedalus/pkg/item"
)

// Operator is a field comparison.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpRegex              Operator = "regex"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
)

// Logic combines rule results.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Rule compares the value at Field (a gjson path over the item view, for
// example "data.score" or "metadata.lang") with Value.
type Rule struct {
	Field           string   `json:"field" yaml:"field"`
	Operator        Operator `json:"operator" yaml:"operator"`
	Value           any      `json:"value,omitempty" yaml:"value,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty" yaml:"caseInsensitive,omitempty"`
}

// RuleSet is a list of rules joined by Logic.
type RuleSet struct {
	logic Logic
	rules []Rule
	// operands holds each rule's Value re-read as JSON so both sides of a
	// comparison are gjson results.
	operands []gjson.Result
	regex    map[int]*regexp.Regexp
}

// NewRuleSet validates rules and precompiles regex operands.
func NewRuleSet(logic Logic, rules []Rule) (*RuleSet, error) {
	if logic == "" {
		logic = LogicAnd
	}
	if logic != LogicAnd && logic != LogicOr {
		return nil, fmt.Errorf("unknown logic %q", logic)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}

	rs := &RuleSet{logic: logic, rules: rules, operands: make([]gjson.Result, len(rules)), regex: map[int]*regexp.Regexp{}}
	for i, r := range rules {
		if r.Field == "" {
			return nil, fmt.Errorf("rule %d: field is required", i)
		}
		if !knownOperator(r.Operator) {
			return nil, fmt.Errorf("rule %d: unsupported operator %q", i, r.Operator)
		}
		raw, err := json.Marshal(r.Value)
		if err != nil {
			return nil, fmt.Errorf("rule %d: value is not JSON: %w", i, err)
		}
		rs.operands[i] = gjson.ParseBytes(raw)

		switch r.Operator {
		case OpRegex:
			re, err := regexp.Compile(text(rs.operands[i]))
			if err != nil {
				return nil, fmt.Errorf("rule %d: invalid regex pattern: %w", i, err)
			}
			rs.regex[i] = re
		case OpIn, OpNotIn:
			if !rs.operands[i].IsArray() {
				return nil, fmt.Errorf("rule %d: %s needs a list value", i, r.Operator)
			}
		}
	}
	return rs, nil
}

// Evaluate implements Condition.
func (rs *RuleSet) Evaluate(_ context.Context, it *item.Item, _ Env) (bool, error) {
	doc, err := json.Marshal(view(it))
	if err != nil {
		return false, fmt.Errorf("failed to encode item: %w", err)
	}

	for i, r := range rs.rules {
		met, err := rs.compare(i, gjson.GetBytes(doc, r.Field))
		if err != nil {
			return false, fmt.Errorf("rule %s: %w", r.Field, err)
		}
		if met != (rs.logic == LogicAnd) {
			// first false under and, first true under or
			return met, nil
		}
	}
	return rs.logic == LogicAnd, nil
}

func (rs *RuleSet) String() string {
	parts := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		parts[i] = fmt.Sprintf("%s %s %v", r.Field, r.Operator, r.Value)
	}
	return strings.Join(parts, " "+string(rs.logic)+" ")
}

func (rs *RuleSet) compare(i int, actual gjson.Result) (bool, error) {
	r, want := rs.rules[i], rs.operands[i]
	ci := r.CaseInsensitive
	switch r.Operator {
	case OpEquals:
		return same(actual, want, ci), nil
	case OpNotEquals:
		return !same(actual, want, ci), nil
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		a, ok := number(actual)
		if !ok {
			return false, fmt.Errorf("%s: %s is not a number", r.Operator, describe(actual))
		}
		b, ok := number(want)
		if !ok {
			return false, fmt.Errorf("%s: operand %s is not a number", r.Operator, describe(want))
		}
		return orderHolds(r.Operator, a, b), nil
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		return stringTest(r.Operator, fold(text(actual), ci), fold(text(want), ci)), nil
	case OpRegex:
		return rs.regex[i].MatchString(text(actual)), nil
	case OpIn, OpNotIn:
		found := false
		want.ForEach(func(_, v gjson.Result) bool {
			found = same(actual, v, ci)
			return !found
		})
		return found == (r.Operator == OpIn), nil
	case OpIsEmpty:
		return empty(actual), nil
	case OpIsNotEmpty:
		return !empty(actual), nil
	}
	return false, fmt.Errorf("unsupported operator %q", r.Operator)
}

func knownOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpRegex, OpIn, OpNotIn, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

func orderHolds(op Operator, a, b float64) bool {
	switch op {
	case OpGreaterThan:
		return a > b
	case OpLessThan:
		return a < b
	case OpGreaterThanOrEqual:
		return a >= b
	}
	return a <= b
}

func stringTest(op Operator, s, sub string) bool {
	switch op {
	case OpContains:
		return strings.Contains(s, sub)
	case OpNotContains:
		return !strings.Contains(s, sub)
	case OpStartsWith:
		return strings.HasPrefix(s, sub)
	}
	return strings.HasSuffix(s, sub)
}

// same compares numerically when both sides read as numbers, so 12 equals
// "12", and textually otherwise. A missing field only equals null.
func same(a, b gjson.Result, caseInsensitive bool) bool {
	if isNull(a) || isNull(b) {
		return isNull(a) && isNull(b)
	}
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return fold(text(a), caseInsensitive) == fold(text(b), caseInsensitive)
}

func isNull(r gjson.Result) bool { return r.Type == gjson.Null }

func number(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		return f, err == nil
	}
	return 0, false
}

// text renders scalars bare and objects or arrays as their JSON.
func text(r gjson.Result) string {
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return r.Str
	case gjson.Number:
		return strconv.FormatFloat(r.Num, 'f', -1, 64)
	}
	return r.Raw
}

// empty treats missing, null, "", false, zero and empty collections as empty.
func empty(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.String:
		return r.Str == ""
	case gjson.Number:
		return r.Num == 0
	case gjson.JSON:
		n := 0
		r.ForEach(func(_, _ gjson.Result) bool { n++; return false })
		return n == 0
	}
	return false
}

func describe(r gjson.Result) string {
	if !r.Exists() {
		return "missing value"
	}
	return fmt.Sprintf("%s %q", r.Type, text(r))
}

func fold(s string, caseInsensitive bool) string {
	if caseInsensitive {
		return strings.ToLower(s)
	}
	return s
}
