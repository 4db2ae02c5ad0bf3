// Package config loads and validates the YAML run configuration. The file
// mirrors the CLI: one block per stage plus the shared database settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete run configuration for YAML serialization.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Anonymize AnonymizeConfig `yaml:"anonymize"`
	Extract   ExtractConfig   `yaml:"extract"`
}

// DatabaseConfig holds the PostgreSQL settings shared by every stage.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AnonymizeConfig holds the anonymization stage settings.
type AnonymizeConfig struct {
	CohortName string `yaml:"cohort_name"`
	SourcePath string `yaml:"source_path"`
	Workers    int    `yaml:"workers"`

	IDStrategy string `yaml:"id_strategy"` // none, folder, csv, deterministic, sequential
	IDPattern  string `yaml:"id_pattern"`
	Salt       string `yaml:"salt"`

	FolderSegment int    `yaml:"folder_segment"`
	FolderRegex   string `yaml:"folder_regex"`
	FolderLiteral string `yaml:"folder_literal"`

	CSVPath         string `yaml:"csv_path"`
	CSVSourceColumn string `yaml:"csv_source_column"`
	CSVTargetColumn string `yaml:"csv_target_column"`
	CSVFallback     string `yaml:"csv_fallback"` // hash, sequential

	SequentialStart int    `yaml:"sequential_start"`
	DiscoveryMode   string `yaml:"discovery_mode"` // per_top_folder, one_per_study, all

	AnonymizePatientID   bool `yaml:"anonymize_patient_id"`
	MapTimepoints        bool `yaml:"map_timepoints"`
	RenamePatientFolders bool `yaml:"rename_patient_folders"`
	PreserveUIDs         bool `yaml:"preserve_uids"`
	DryRun               bool `yaml:"dry_run"`

	ScrubTags   []string `yaml:"scrub_tags,omitempty"`
	ExcludeTags []string `yaml:"exclude_tags,omitempty"`

	ProgressSeconds int `yaml:"progress_seconds"`
}

// ExtractConfig holds the extraction stage settings.
type ExtractConfig struct {
	CohortName string `yaml:"cohort_name"`
	SourcePath string `yaml:"source_path"`

	SubjectWorkers int `yaml:"subject_workers"`
	SeriesWorkers  int `yaml:"series_workers"`
	QueueSize      int `yaml:"queue_size"`

	Modalities []string `yaml:"modalities,omitempty"`
	Resume     bool     `yaml:"resume"`

	Salt            string `yaml:"salt"`
	SubjectCSVPath  string `yaml:"subject_csv_path"`
	SubjectCSVFrom  string `yaml:"subject_csv_from"`
	SubjectCSVTo    string `yaml:"subject_csv_to"`
	DuplicatePolicy string `yaml:"duplicate_policy"` // skip, overwrite, abort

	MinBatch        int `yaml:"min_batch"`
	MaxBatch        int `yaml:"max_batch"`
	InitialBatch    int `yaml:"initial_batch"`
	TargetLatencyMS int `yaml:"target_latency_ms"`

	ProgressSeconds int `yaml:"progress_seconds"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the cross-field constraints that are fatal before any work
// starts. Stage blocks are checked only when their source path is set.
func (c *Config) Validate() error {
	if c.Anonymize.SourcePath != "" {
		if err := c.Anonymize.validate(); err != nil {
			return err
		}
	}
	if c.Extract.SourcePath != "" {
		if err := c.Extract.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (a *AnonymizeConfig) validate() error {
	switch a.IDStrategy {
	case "", "none", "folder", "csv", "deterministic", "sequential":
	default:
		return fmt.Errorf("anonymize: unknown id_strategy %q", a.IDStrategy)
	}
	switch a.IDStrategy {
	case "csv":
		if a.CSVPath == "" {
			return fmt.Errorf("anonymize: id_strategy csv requires csv_path")
		}
		switch a.CSVFallback {
		case "", "hash", "sequential":
		default:
			return fmt.Errorf("anonymize: unknown csv_fallback %q", a.CSVFallback)
		}
	case "deterministic", "sequential":
		if a.IDPattern == "" {
			return fmt.Errorf("anonymize: id_strategy %s requires id_pattern", a.IDStrategy)
		}
	}
	switch a.DiscoveryMode {
	case "", "per_top_folder", "one_per_study", "all":
	default:
		return fmt.Errorf("anonymize: unknown discovery_mode %q", a.DiscoveryMode)
	}
	if a.Workers < 0 {
		return fmt.Errorf("anonymize: workers must be >= 0")
	}
	return nil
}

func (e *ExtractConfig) validate() error {
	switch e.DuplicatePolicy {
	case "", "skip", "overwrite", "abort":
	default:
		return fmt.Errorf("extract: unknown duplicate_policy %q", e.DuplicatePolicy)
	}
	if e.MinBatch > 0 && e.MaxBatch > 0 && e.MinBatch > e.MaxBatch {
		return fmt.Errorf("extract: min_batch %d exceeds max_batch %d", e.MinBatch, e.MaxBatch)
	}
	return nil
}
