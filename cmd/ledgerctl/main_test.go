package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbondna/ledger/internal/ledger"
)

func run(t *testing.T, dir string, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{"--config-dir", dir}, args...))
	return rootCmd.Execute()
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()

	if err := run(t, dir, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	for _, f := range []string{"config.yaml", "rules.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("%s not written: %v", f, err)
		}
	}

	events := writeFile(t, dir, "events.jsonl", `{"id":"evt-1","occurred_at":"2024-01-15T10:00:00Z","supplier_id":"sup-001","scope":2,"activity":"electricity","inputs":{"kwh":"1200.5"},"factor_id":"ef","method":"activity-based","result_kgco2e":"100"}
{"id":"evt-2","occurred_at":"2024-01-16T10:00:00Z","supplier_id":"sup-001","scope":2,"activity":"electricity","inputs":{"kwh":"600"},"factor_id":"ef","method":"activity-based","result_kgco2e":"50"}
`)
	if err := run(t, dir, "ingest", "events", events); err != nil {
		t.Fatalf("ingest events: %v", err)
	}
	if err := run(t, dir, "verify"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := run(t, dir, "verify", "event", "evt-2"); err != nil {
		t.Fatalf("verify event: %v", err)
	}
	if err := run(t, dir, "tamper", "evt-1", "result_kgco2e", "99"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	today := time.Now().UTC().Format("2006-01-02")
	if err := run(t, dir, "close-day", today); err != nil {
		t.Fatalf("close-day: %v", err)
	}

	records := writeFile(t, dir, "records.jsonl", `{"id":"rec-1","date":"2024-01-15","supplier_name":"Acme","activity_type":"electricity","scope":2,"emissions_kgco2e":"100","methodology":"activity-based"}
{"id":"rec-2","date":"2024-01-20","supplier_name":"Acme","activity_type":"diesel","scope":1,"emissions_kgco2e":"40.5"}
`)
	if err := run(t, dir, "ingest", "records", records); err != nil {
		t.Fatalf("ingest records: %v", err)
	}
	if err := run(t, dir, "snapshot", "create", "--type", "EPA", "--start", "2024-01-01", "--end", "2024-01-31"); err != nil {
		t.Fatalf("snapshot create: %v", err)
	}

	a, err := openApp()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	snaps, err := a.snaps.List(context.Background(), 10)
	if err != nil || len(snaps) != 1 {
		t.Fatalf("snapshots: %v %v", snaps, err)
	}
	snap := snaps[0]
	if snap.TotalRecords != 2 || !snap.TotalEmissionsKgCO2e.Equal(decimal.RequireFromString("140.5")) {
		t.Errorf("snapshot totals: %+v", snap)
	}
	if !strings.HasPrefix(snap.SubmissionID, "EPA_20240101_20240131_") {
		t.Errorf("submission id: %s", snap.SubmissionID)
	}

	if err := run(t, dir, "snapshot", "verify", snap.SubmissionID); err != nil {
		t.Errorf("snapshot verify: %v", err)
	}
	if err := run(t, dir, "snapshot", "report", snap.SubmissionID); err != nil {
		t.Errorf("snapshot report: %v", err)
	}
	if err := run(t, dir, "snapshot", "create", "--type", "EPA", "--start", "2023-01-01", "--end", "2023-01-31"); err == nil {
		t.Error("empty period should fail without --allow-empty")
	}
}

func TestServeRejectsNonPositivePoll(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { servePoll = time.Second })
	for _, poll := range []string{"0s", "-1s"} {
		err := run(t, dir, "serve", "--poll="+poll)
		if err == nil || !strings.Contains(err.Error(), "--poll") {
			t.Errorf("--poll %s: got %v", poll, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "ledger.db")); !os.IsNotExist(err) {
		t.Error("store should not be opened for an invalid --poll")
	}
}

func TestParseFieldValue(t *testing.T) {
	tests := []struct {
		field, raw string
		check      func(any) bool
	}{
		{ledger.FieldResultKgCO2e, "12.50", func(v any) bool { return v.(decimal.Decimal).String() == "12.5" }},
		{ledger.FieldScope, "3", func(v any) bool { return v.(int) == 3 }},
		{ledger.FieldOccurredAt, "2024-01-15T10:00:00Z", func(v any) bool { return v.(time.Time).Day() == 15 }},
		{ledger.FieldInputs, `{"kwh":1.50}`, func(v any) bool { return v.(map[string]any)["kwh"].(interface{ String() string }).String() == "1.50" }},
		{ledger.FieldSourceDoc, "a.pdf,b.pdf", func(v any) bool { return len(v.([]string)) == 2 }},
		{ledger.FieldSupplierID, "sup-9", func(v any) bool { return v.(string) == "sup-9" }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			v, err := parseFieldValue(tt.field, tt.raw)
			if err != nil {
				t.Fatal(err)
			}
			if !tt.check(v) {
				t.Errorf("unexpected value %#v", v)
			}
		})
	}

	for _, bad := range [][2]string{
		{ledger.FieldScope, "two"},
		{ledger.FieldResultKgCO2e, "lots"},
		{ledger.FieldInputs, "[1]"},
	} {
		if _, err := parseFieldValue(bad[0], bad[1]); err == nil {
			t.Errorf("%s=%q should fail", bad[0], bad[1])
		}
	}
}

func TestParseWhen(t *testing.T) {
	if got, err := parseWhen(""); err != nil || !got.IsZero() {
		t.Errorf("empty: %v %v", got, err)
	}
	if got, err := parseWhen("2024-01-15"); err != nil || got.Format("2006-01-02") != "2024-01-15" {
		t.Errorf("date: %v %v", got, err)
	}
	if got, err := parseWhen("1h"); err != nil || time.Since(got) < 59*time.Minute {
		t.Errorf("duration: %v %v", got, err)
	}
	if _, err := parseWhen("yesterday"); err == nil {
		t.Error("expected error")
	}
}
