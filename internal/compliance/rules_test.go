package compliance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carbondna/ledger/internal/emission"
	"github.com/shopspring/decimal"
)

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRuleEngine_MissingFile(t *testing.T) {
	e, err := NewRuleEngine(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	r := completeRecord()
	if e.Count() != 0 || len(e.Violations(&r)) != 0 {
		t.Error("missing rules file should mean no rules")
	}
}

func TestRuleEngine_RequiredFieldsAndValidations(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: scope2-energy
    match:
      supplier: "Acme*"
      activity: [electricity, steam]
      conditions:
        - {field: scope, operator: equals, value: 2}
    required_fields: [category, activity_unit]
    validations:
      - {field: supplier_name, type: min_length, value: 20}
      - {field: emissions_kgco2e, type: max_value, value: 50}
      - {field: activity_amount, type: min_value, value: 10}
`)
	e, err := NewRuleEngine(path)
	if err != nil {
		t.Fatal(err)
	}

	r := completeRecord()
	r.ActivityUnit = ""
	got := e.Violations(&r)
	want := []string{
		"Missing required field: activity_unit",
		"Field supplier_name too short (minimum 20 characters)",
		"Field emissions_kgco2e above maximum value (50)",
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("violations:\n got %q\nwant %q", got, want)
	}
}

func TestRuleEngine_MatchSelectsRecords(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: steel-only
    match:
      supplier: "*Steel"
    required_fields: [category]
`)
	e, err := NewRuleEngine(path)
	if err != nil {
		t.Fatal(err)
	}

	steel := completeRecord()
	steel.Category = ""
	other := steel
	other.SupplierName = "Beta Paper"

	if len(e.Violations(&steel)) != 1 {
		t.Error("rule should apply to matching supplier")
	}
	if len(e.Violations(&other)) != 0 {
		t.Error("rule should not apply to other suppliers")
	}
}

func TestEvaluate_Operators(t *testing.T) {
	r := completeRecord()
	r.Category = ""
	tests := []struct {
		cond Condition
		want bool
	}{
		{Condition{Field: "scope", Operator: "equals", Value: 2}, true},
		{Condition{Field: "scope", Operator: "equals", Value: "2"}, true},
		{Condition{Field: "scope", Operator: "not_equals", Value: 1}, true},
		{Condition{Field: "emissions_kgco2e", Operator: "greater_than", Value: 99.5}, true},
		{Condition{Field: "emissions_kgco2e", Operator: "less_than", Value: 100}, false},
		{Condition{Field: "supplier_name", Operator: "contains", Value: "Steel"}, true},
		{Condition{Field: "category", Operator: "is_null"}, true},
		{Condition{Field: "category", Operator: "not_null"}, false},
		{Condition{Field: "date", Operator: "equals", Value: "2024-01-15"}, true},
	}
	for _, tt := range tests {
		if got := evaluate(&r, tt.cond); got != tt.want {
			t.Errorf("%+v: got %v, want %v", tt.cond, got, tt.want)
		}
	}
}

func TestLoadRules_Rejects(t *testing.T) {
	tests := map[string]string{
		"bad operator": `
rules:
  - name: r
    match:
      conditions: [{field: scope, operator: roughly, value: 1}]
`,
		"bad validation": `
rules:
  - name: r
    validations: [{field: scope, type: vibes, value: 1}]
`,
		"duplicate": `
rules:
  - name: r
  - name: r
`,
		"unnamed": `
rules:
  - required_fields: [scope]
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewRuleEngine(writeRules(t, body)); err == nil {
				t.Error("expected load error")
			}
		})
	}
}

func TestRuleEngine_ReloadKeepsPreviousOnError(t *testing.T) {
	path := writeRules(t, "rules:\n  - name: a\n    required_fields: [category]\n")
	e, err := NewRuleEngine(path)
	if err != nil {
		t.Fatal(err)
	}
	if e.Count() != 1 {
		t.Fatalf("count: %d", e.Count())
	}

	if err := os.WriteFile(path, []byte("rules: [[["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.Reload(); err == nil {
		t.Error("reload of broken file should fail")
	}
	if e.Count() != 1 {
		t.Error("previous rules should stay active")
	}

	if err := os.WriteFile(path, []byte("rules:\n  - name: a\n  - name: b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.Reload(); err != nil {
		t.Fatal(err)
	}
	if e.Count() != 2 {
		t.Errorf("count after reload: %d", e.Count())
	}
}

func TestWriteDefaultRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := WriteDefaultRules(path); err != nil {
		t.Fatal(err)
	}
	e, err := NewRuleEngine(path)
	if err != nil {
		t.Fatalf("default rules should load: %v", err)
	}
	if e.Count() != 0 {
		t.Error("default rules ship disabled")
	}
}

func TestToFloat(t *testing.T) {
	for _, v := range []any{3, int64(3), 3.0, "3", decimal.NewFromInt(3)} {
		if f, ok := toFloat(v); !ok || f != 3 {
			t.Errorf("%T: got %v %v", v, f, ok)
		}
	}
	if _, ok := toFloat(emission.Record{}); ok {
		t.Error("struct should not convert")
	}
}
