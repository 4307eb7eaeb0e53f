package compliance

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/carbondna/ledger/internal/emission"
	"github.com/gobwas/glob"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rule is one regulatory rule loaded from rules.yaml.
//
//	rules:
//	  - name: epa-ghgrp-scope1
//	    match:
//	      supplier: "Acme*"
//	      activity: [natural_gas, diesel]
//	      conditions:
//	        - {field: scope, operator: equals, value: 1}
//	    required_fields: [category, methodology]
//	    validations:
//	      - {field: emissions_kgco2e, type: max_value, value: 25000000}
//
// A rule applies when every match clause holds. Each unmet requirement of an
// applicable rule is one violation.
type Rule struct {
	Name           string       `yaml:"name"`
	Disabled       bool         `yaml:"disabled,omitempty"`
	Match          RuleMatch    `yaml:"match"`
	RequiredFields []string     `yaml:"required_fields,omitempty"`
	Validations    []Validation `yaml:"validations,omitempty"`

	compiled *compiledMatch
}

// RuleMatch selects the records a rule applies to. Supplier and Activity are
// glob patterns (OR within a list); conditions are ANDed.
type RuleMatch struct {
	Supplier   stringOrList `yaml:"supplier,omitempty"`
	Activity   stringOrList `yaml:"activity,omitempty"`
	Conditions []Condition  `yaml:"conditions,omitempty"`
}

// Condition compares one record field with a value.
// Operators: equals, not_equals, greater_than, less_than, contains,
// not_null, is_null.
type Condition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value,omitempty"`
}

// Validation is a requirement on one field of a matching record.
// Types: min_length, max_length, min_value, max_value.
type Validation struct {
	Field string  `yaml:"field"`
	Type  string  `yaml:"type"`
	Value float64 `yaml:"value"`
}

// stringOrList accepts either "supplier: Acme*" or "supplier: [Acme*, Beta]".
type stringOrList []string

// UnmarshalYAML handles both scalar and sequence forms.
func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

type compiledMatch struct {
	suppliers  []glob.Glob
	activities []glob.Glob
}

var validOperators = map[string]bool{
	"equals": true, "not_equals": true, "greater_than": true, "less_than": true,
	"contains": true, "not_null": true, "is_null": true,
}

var validValidations = map[string]bool{
	"min_length": true, "max_length": true, "min_value": true, "max_value": true,
}

// compile checks operators and pre-compiles glob patterns.
func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("rule without a name")
	}
	c := &compiledMatch{}
	for _, p := range r.Match.Supplier {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid supplier glob %q: %w", r.Name, p, err)
		}
		c.suppliers = append(c.suppliers, g)
	}
	for _, p := range r.Match.Activity {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid activity glob %q: %w", r.Name, p, err)
		}
		c.activities = append(c.activities, g)
	}
	for _, cond := range r.Match.Conditions {
		if !validOperators[cond.Operator] {
			return fmt.Errorf("rule %q: unknown operator %q", r.Name, cond.Operator)
		}
	}
	for _, v := range r.Validations {
		if !validValidations[v.Type] {
			return fmt.Errorf("rule %q: unknown validation type %q", r.Name, v.Type)
		}
	}
	r.compiled = c
	return nil
}

func (r *Rule) matches(rec *emission.Record) bool {
	if len(r.compiled.suppliers) > 0 && !anyGlob(r.compiled.suppliers, rec.SupplierName) {
		return false
	}
	if len(r.compiled.activities) > 0 && !anyGlob(r.compiled.activities, rec.ActivityType) {
		return false
	}
	for _, c := range r.Match.Conditions {
		if !evaluate(rec, c) {
			return false
		}
	}
	return true
}

func anyGlob(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func evaluate(rec *emission.Record, c Condition) bool {
	v, ok := rec.Field(c.Field)
	switch c.Operator {
	case "not_null":
		return ok
	case "is_null":
		return !ok
	case "equals":
		return ok && equalValues(v, c.Value)
	case "not_equals":
		return !ok || !equalValues(v, c.Value)
	case "greater_than":
		a, _ := toFloat(v)
		b, okB := toFloat(c.Value)
		return okB && a > b
	case "less_than":
		a, _ := toFloat(v)
		b, okB := toFloat(c.Value)
		return okB && a < b
	case "contains":
		return ok && strings.Contains(fmt.Sprint(v), fmt.Sprint(c.Value))
	}
	return false
}

func (r *Rule) violations(rec *emission.Record) []string {
	var out []string
	for _, f := range r.RequiredFields {
		if _, ok := rec.Field(f); !ok {
			out = append(out, fmt.Sprintf("Missing required field: %s", f))
		}
	}
	for _, v := range r.Validations {
		val, _ := rec.Field(v.Field)
		switch v.Type {
		case "min_length":
			if float64(len(stringValue(val))) < v.Value {
				out = append(out, fmt.Sprintf("Field %s too short (minimum %g characters)", v.Field, v.Value))
			}
		case "max_length":
			if float64(len(stringValue(val))) > v.Value {
				out = append(out, fmt.Sprintf("Field %s too long (maximum %g characters)", v.Field, v.Value))
			}
		case "min_value":
			if f, _ := toFloat(val); f < v.Value {
				out = append(out, fmt.Sprintf("Field %s below minimum value (%g)", v.Field, v.Value))
			}
		case "max_value":
			if f, _ := toFloat(val); f > v.Value {
				out = append(out, fmt.Sprintf("Field %s above maximum value (%g)", v.Field, v.Value))
			}
		}
	}
	return out
}

func equalValues(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return stringValue(a) == stringValue(b)
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(emission.DateLayout)
	}
	return fmt.Sprint(v)
}

// toFloat converts numeric values for comparisons. Scores are heuristics, so
// float precision is acceptable here; hashing never goes through this path.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case decimal.Decimal:
		return t.InexactFloat64(), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// rulesFile is the YAML envelope for rules.yaml.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// loadRulesFromFile parses and compiles rules. A missing or empty file
// yields no rules.
func loadRulesFromFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rules %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Rules))
	rules := file.Rules[:0]
	for _, r := range file.Rules {
		if err := r.compile(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
		if !r.Disabled {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// RuleEngine evaluates rules.yaml against records. It implements
// ViolationChecker and is safe for concurrent use; Reload swaps the rule set
// atomically for the file watcher.
type RuleEngine struct {
	mu    sync.RWMutex
	path  string
	rules []Rule
}

// NewRuleEngine loads rules from path. A missing file is not an error.
func NewRuleEngine(path string) (*RuleEngine, error) {
	rules, err := loadRulesFromFile(path)
	if err != nil {
		return nil, err
	}
	slog.Info("compliance rules loaded", "path", path, "count", len(rules))
	return &RuleEngine{path: path, rules: rules}, nil
}

// Reload re-reads the rules file. On error the previous rules stay active.
func (e *RuleEngine) Reload() error {
	rules, err := loadRulesFromFile(e.path)
	if err != nil {
		slog.Error("compliance rules reload failed, keeping previous rules", "path", e.path, "error", err)
		return err
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	slog.Info("compliance rules reloaded", "count", len(rules))
	return nil
}

// Count returns the number of active rules.
func (e *RuleEngine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Violations returns every violation of every rule that applies to rec.
func (e *RuleEngine) Violations(rec *emission.Record) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []string
	for i := range e.rules {
		if e.rules[i].matches(rec) {
			out = append(out, e.rules[i].violations(rec)...)
		}
	}
	return out
}

// WriteDefaultRules writes an example rules.yaml with its rules disabled.
func WriteDefaultRules(path string) error {
	file := rulesFile{Rules: []Rule{{
		Name:     "epa-ghgrp-scope1",
		Disabled: true,
		Match: RuleMatch{Conditions: []Condition{
			{Field: "scope", Operator: "equals", Value: 1},
		}},
		RequiredFields: []string{"category", "methodology", "activity_amount", "activity_unit"},
		Validations: []Validation{
			{Field: "supplier_name", Type: "min_length", Value: 2},
		},
	}}}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}
	header := "# Compliance rules. A rule applies when all match clauses hold;\n# each unmet requirement becomes a compliance flag.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}
