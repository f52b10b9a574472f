// Package config loads the three declarative documents the sync engine
// reads once at startup: table mappings, the schedule, and runtime
// settings. All structural validation happens here so that a malformed
// configuration surfaces as a synerr.ConfigError before any store is
// touched, per spec §7.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/synerr"
)

// FieldMapping is one entry of a TableMapping's ordered field list.
// Source/Target may each be a single column name or, for composite
// transforms such as concat/split, a tuple of names.
type FieldMapping struct {
	Source      StringOrList      `yaml:"source"`
	Target      StringOrList      `yaml:"target"`
	Type        rowvalue.Kind     `yaml:"type"`
	Transform   string            `yaml:"transform,omitempty"`
	TransformArgs map[string]any  `yaml:"transformArgs,omitempty"`
	Constraints []RuleSpec        `yaml:"constraints,omitempty"`
}

// RuleSpec is a single field- or row-level validation rule.
type RuleSpec struct {
	Field    string   `yaml:"field,omitempty"` // only set for row-level rules
	Rule     string   `yaml:"rule"`
	Args     []string `yaml:"args,omitempty"`
	Severity string   `yaml:"severity,omitempty"` // "error" (default) or "warning"
}

// TableMapping is the configuration for syncing one source table into one
// target table (spec §3).
type TableMapping struct {
	SourceTable         string         `yaml:"sourceTable"`
	TargetTable         string         `yaml:"targetTable"`
	PrimaryKey          string         `yaml:"primaryKey"`
	TimestampColumn     string         `yaml:"timestampColumn"`
	SoftDeleteColumn    string         `yaml:"softDeleteColumn,omitempty"`
	BatchSize           int            `yaml:"batchSize"`
	FieldMappings       []FieldMapping `yaml:"fieldMappings"`
	RowValidators       []RuleSpec     `yaml:"rowValidators,omitempty"`
	HardDeleteDetection bool           `yaml:"hardDeleteDetection,omitempty"`
}

// TableMappingDocument is the top-level `tables:` document.
type TableMappingDocument struct {
	Tables []TableMapping `yaml:"tables"`
}

// ScheduleEntry describes one cron-triggered job (spec §6).
type ScheduleEntry struct {
	ID             string   `yaml:"id"`
	CronExpression string   `yaml:"cronExpression"`
	Tables         []string `yaml:"tables"`
	FullSync       bool     `yaml:"fullSync,omitempty"`
	Enabled        bool     `yaml:"enabled"`
	MaxInstances   int      `yaml:"maxInstances,omitempty"`
	Coalesce       *bool    `yaml:"coalesce,omitempty"`
}

// CoalesceOrDefault returns Coalesce if set, else true (spec default).
func (s ScheduleEntry) CoalesceOrDefault() bool {
	if s.Coalesce == nil {
		return true
	}
	return *s.Coalesce
}

// ScheduleDocument is the top-level `schedules:` document.
type ScheduleDocument struct {
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// RetrySettings bounds the Loader's backoff policy (spec §4.6 policy 2).
type RetrySettings struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

// RuntimeSettings is the top-level `runtime:` document (spec §6).
type RuntimeSettings struct {
	SourceDSN     string        `yaml:"sourceDSN"`
	TargetDSN     string        `yaml:"targetDSN"`
	BatchSize     int           `yaml:"batchSize"`
	MaxWorkers    int           `yaml:"maxWorkers"`
	Retry         RetrySettings `yaml:"retry"`
	LockFilePath  string        `yaml:"lockFilePath"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
}

// Config is the fully loaded, validated configuration.
type Config struct {
	Tables    []TableMapping
	Schedules []ScheduleEntry
	Runtime   RuntimeSettings
}

// TableByTarget indexes Tables by TargetTable for quick lookup.
func (c *Config) TableByTarget(name string) (TableMapping, bool) {
	for _, t := range c.Tables {
		if t.TargetTable == name {
			return t, true
		}
	}
	return TableMapping{}, false
}

// Load reads and validates the three configuration documents from disk.
// tablesPath/schedulePath may point at the same file as runtimePath if the
// operator prefers a single combined document; every distinct path is
// decoded into one combined document, and a repeated path is read once.
func Load(tablesPath, schedulePath, runtimePath string) (*Config, error) {
	var doc struct {
		TableMappingDocument `yaml:",inline"`
		ScheduleDocument     `yaml:",inline"`
		Runtime              RuntimeSettings `yaml:"runtime"`
	}

	if err := decodeAll(&doc, tablesPath, schedulePath, runtimePath); err != nil {
		return nil, err
	}

	cfg := &Config{
		Tables:    doc.Tables,
		Schedules: doc.Schedules,
		Runtime:   doc.Runtime,
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeAll merges the three YAML files (which may be the same file, or
// three separate ones) into dst by decoding each path present.
func decodeAll(dst any, paths ...string) error {
	seen := map[string]bool{}
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		b, err := os.ReadFile(p)
		if err != nil {
			return &synerr.ConfigError{Reason: fmt.Sprintf("reading %s: %v", p, err)}
		}
		if err := yaml.Unmarshal(b, dst); err != nil {
			return &synerr.ConfigError{Reason: fmt.Sprintf("parsing %s: %v", p, err)}
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.MaxWorkers == 0 {
		cfg.Runtime.MaxWorkers = 4
	}
	if cfg.Runtime.BatchSize == 0 {
		cfg.Runtime.BatchSize = 500
	}
	if cfg.Runtime.Retry.MaxAttempts == 0 {
		cfg.Runtime.Retry.MaxAttempts = 3
	}
	if cfg.Runtime.Retry.BaseDelay == 0 {
		cfg.Runtime.Retry.BaseDelay = 2 * time.Second
	}
	if cfg.Runtime.Retry.MaxDelay == 0 {
		cfg.Runtime.Retry.MaxDelay = 8 * time.Second
	}
	if cfg.Runtime.LockFilePath == "" {
		cfg.Runtime.LockFilePath = "tablesync.lock"
	}
	if cfg.Runtime.BatchTimeout == 0 {
		cfg.Runtime.BatchTimeout = 60 * time.Second
	}
	for i := range cfg.Tables {
		if cfg.Tables[i].BatchSize == 0 {
			cfg.Tables[i].BatchSize = cfg.Runtime.BatchSize
		}
	}
	for i := range cfg.Schedules {
		if cfg.Schedules[i].MaxInstances == 0 {
			cfg.Schedules[i].MaxInstances = 1
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Tables) == 0 {
		return &synerr.ConfigError{Reason: "no tables configured"}
	}
	seenTargets := map[string]bool{}
	for _, t := range cfg.Tables {
		if t.SourceTable == "" || t.TargetTable == "" {
			return &synerr.ConfigError{Reason: "sourceTable and targetTable are required"}
		}
		if t.PrimaryKey == "" {
			return &synerr.ConfigError{Reason: fmt.Sprintf("table %s: primaryKey is required", t.SourceTable)}
		}
		if t.TimestampColumn == "" {
			return &synerr.ConfigError{Reason: fmt.Sprintf("table %s: timestampColumn is required", t.SourceTable)}
		}
		if t.BatchSize <= 0 {
			return &synerr.ConfigError{Reason: fmt.Sprintf("table %s: batchSize must be positive", t.SourceTable)}
		}
		if seenTargets[t.TargetTable] {
			return &synerr.ConfigError{Reason: fmt.Sprintf("target table %s configured twice", t.TargetTable)}
		}
		seenTargets[t.TargetTable] = true
		for _, fm := range t.FieldMappings {
			if fm.Transform != "" && !knownTransforms[fm.Transform] {
				return &synerr.ConfigError{Reason: fmt.Sprintf("table %s: unknown transform %q", t.SourceTable, fm.Transform)}
			}
			for _, c := range fm.Constraints {
				if !knownRules[c.Rule] {
					return &synerr.ConfigError{Reason: fmt.Sprintf("table %s: unknown validation rule %q", t.SourceTable, c.Rule)}
				}
			}
		}
		for _, rv := range t.RowValidators {
			if !knownRules[rv.Rule] {
				return &synerr.ConfigError{Reason: fmt.Sprintf("table %s: unknown row-level rule %q", t.SourceTable, rv.Rule)}
			}
		}
	}
	for _, s := range cfg.Schedules {
		if s.CronExpression == "" {
			return &synerr.ConfigError{Reason: fmt.Sprintf("schedule %s: cronExpression is required", s.ID)}
		}
	}
	if cfg.Runtime.SourceDSN == "" || cfg.Runtime.TargetDSN == "" {
		return &synerr.ConfigError{Reason: "sourceDSN and targetDSN are required"}
	}
	return nil
}

// knownTransforms/knownRules are the closed sets named in spec §4.4/§4.5.
// Config validation fails fast on anything outside them rather than
// discovering an unknown name at row time.
var knownTransforms = map[string]bool{
	"valueMap": true, "toString": true, "toInt": true, "toFloat": true, "toDecimal": true,
	"toDatetime": true, "toDate": true, "trim": true, "lowercase": true, "uppercase": true,
	"concat": true, "split": true, "default": true, "boolToTimestamp": true,
}

var knownRules = map[string]bool{
	"notNull": true, "notEmpty": true, "minLength": true, "maxLength": true,
	"minValue": true, "maxValue": true, "positive": true, "nonNegative": true,
	"regex": true, "emailFormat": true, "phoneFormat": true, "inList": true, "dateRange": true,
}

// StringOrList decodes either a scalar YAML string or a list of strings,
// used for FieldMapping.Source/Target which may be a tuple (spec §3).
type StringOrList []string

func (s *StringOrList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*s = []string{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// Single returns the lone element, for mappings that are not composite.
func (s StringOrList) Single() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
