package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Store.Path != "ledger.db" {
		t.Errorf("default store path: got %q", cfg.Store.Path)
	}
	if cfg.Snapshot.Workers != 0 {
		t.Errorf("default workers: expected 0, got %d", cfg.Snapshot.Workers)
	}
	if cfg.Snapshot.CreatedBy != "ledgerctl" {
		t.Errorf("default createdBy: got %q", cfg.Snapshot.CreatedBy)
	}
	if !cfg.Feed.Enabled || cfg.Feed.Addr() != "127.0.0.1:3200" {
		t.Errorf("default feed: %+v", cfg.Feed)
	}
	if cfg.Rules.Path != "rules.yaml" {
		t.Errorf("default rules path: got %q", cfg.Rules.Path)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
store:
  path: /var/lib/carbon/ledger.db
snapshot:
  workers: 4
  createdBy: auditor
feed:
  enabled: false
  host: "0.0.0.0"
  port: 9090
rules:
  path: compliance/rules.yaml
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Snapshot.Workers != 4 || cfg.Snapshot.CreatedBy != "auditor" {
		t.Errorf("snapshot: %+v", cfg.Snapshot)
	}
	if cfg.Feed.Enabled || cfg.Feed.Addr() != "0.0.0.0:9090" {
		t.Errorf("feed: %+v", cfg.Feed)
	}

	cfg.Resolve(dir)
	if cfg.Store.Path != "/var/lib/carbon/ledger.db" {
		t.Errorf("absolute store path should be kept, got %q", cfg.Store.Path)
	}
	if cfg.Rules.Path != filepath.Join(dir, "compliance", "rules.yaml") {
		t.Errorf("relative rules path should resolve under dir, got %q", cfg.Rules.Path)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("feed:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Feed.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Feed.Port)
	}
	if cfg.Feed.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Feed.Host)
	}
	if cfg.Store.Path != "ledger.db" {
		t.Errorf("store path should be default, got %q", cfg.Store.Path)
	}
}

func TestValidate(t *testing.T) {
	feed := FeedConfig{Enabled: true, Host: "127.0.0.1", Port: 3200}
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: *applyDefaults()},
		{
			name:    "empty store path",
			cfg:     Config{Feed: feed},
			wantErr: true,
		},
		{
			name:    "negative workers",
			cfg:     Config{Store: StoreConfig{Path: "x.db"}, Snapshot: SnapshotConfig{Workers: -1}, Feed: feed},
			wantErr: true,
		},
		{
			name:    "empty host",
			cfg:     Config{Store: StoreConfig{Path: "x.db"}, Feed: FeedConfig{Enabled: true, Port: 3200}},
			wantErr: true,
		},
		{
			name:    "port 65536",
			cfg:     Config{Store: StoreConfig{Path: "x.db"}, Feed: FeedConfig{Enabled: true, Host: "h", Port: 65536}},
			wantErr: true,
		},
		{
			name: "disabled feed skips address checks",
			cfg:  Config{Store: StoreConfig{Path: "x.db"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if cfg.Feed.Port != 3200 || cfg.Rules.Path != "rules.yaml" {
		t.Errorf("roundtrip: %+v", cfg)
	}
}

func TestWatcher_RulesChange(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 8)
	w, err := NewWatcher(dir, WatchTargets{
		RulesFile:     "rules.yaml",
		OnRulesChange: func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte("rules: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("rules change callback did not fire")
	}

	if err := w.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
