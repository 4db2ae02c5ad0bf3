package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cohort.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/cohort
anonymize:
  cohort_name: STUDY01
  source_path: /data/cohort
  id_strategy: sequential
  id_pattern: SUBJXXXX
  sequential_start: 1
  discovery_mode: per_top_folder
  anonymize_patient_id: true
  map_timepoints: true
extract:
  cohort_name: STUDY01
  source_path: /data/cohort/derivatives/dcm-raw
  modalities: [MR, CT]
  duplicate_policy: skip
  min_batch: 50
  max_batch: 5000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.DSN != "postgres://localhost/cohort" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Anonymize.IDStrategy != "sequential" || cfg.Anonymize.IDPattern != "SUBJXXXX" {
		t.Errorf("anonymize = %+v", cfg.Anonymize)
	}
	if !cfg.Anonymize.MapTimepoints {
		t.Error("map_timepoints not set")
	}
	if len(cfg.Extract.Modalities) != 2 {
		t.Errorf("modalities = %v", cfg.Extract.Modalities)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"empty config", func(c *Config) {}, false},
		{"unknown strategy", func(c *Config) {
			c.Anonymize.SourcePath = "/x"
			c.Anonymize.IDStrategy = "random"
		}, true},
		{"csv without path", func(c *Config) {
			c.Anonymize.SourcePath = "/x"
			c.Anonymize.IDStrategy = "csv"
		}, true},
		{"sequential without pattern", func(c *Config) {
			c.Anonymize.SourcePath = "/x"
			c.Anonymize.IDStrategy = "sequential"
		}, true},
		{"unknown discovery mode", func(c *Config) {
			c.Anonymize.SourcePath = "/x"
			c.Anonymize.DiscoveryMode = "random_walk"
		}, true},
		{"unknown duplicate policy", func(c *Config) {
			c.Extract.SourcePath = "/x"
			c.Extract.DuplicatePolicy = "merge"
		}, true},
		{"min batch above max", func(c *Config) {
			c.Extract.SourcePath = "/x"
			c.Extract.MinBatch = 100
			c.Extract.MaxBatch = 10
		}, true},
		{"stage skipped without source", func(c *Config) {
			c.Anonymize.IDStrategy = "random"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
