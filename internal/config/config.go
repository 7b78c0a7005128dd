// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package config holds the typed configuration document the pipeline
// is driven by, and the Preflight validations it implies.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Connection describes how to reach a database.
type Connection struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// PostgresTable is one entry of postgres.tables.
type PostgresTable struct {
	SchemaName   string          `json:"schema_name"`
	TableName    string          `json:"table_name"`
	MaskColumns  []string        `json:"mask_columns"`
	SkipCopy     bool            `json:"skip_copy"`
	TableOptions *TableOptions   `json:"table_options"`
}

// PostgresConfig configures the PostgreSQL source adapter.
type PostgresConfig struct {
	PublicationName   string          `json:"publication_name"`
	ReplicationSlotName string        `json:"replication_slot_name"`
	Connection        Connection      `json:"connection"`
	Tables            []PostgresTable `json:"tables"`
}

// MongoCollection is one entry of mongodb.collections.
type MongoCollection struct {
	CollectionName string   `json:"collection_name"`
	MaskFields     []string `json:"mask_fields"`
	SkipCopy       bool     `json:"skip_copy"`
}

// MongoConfig configures the MongoDB source adapter.
type MongoConfig struct {
	Connection          Connection        `json:"connection"`
	Collections         []MongoCollection `json:"collections"`
	CopyBatchSize        int              `json:"copy_batch_size"`
	ResumeTokenStorage   string           `json:"resume_token_storage"`
	ResumeTokenPath      string           `json:"resume_token_path"`
}

// SourceConfig selects and configures exactly one source adapter.
type SourceConfig struct {
	SourceType string           `json:"source_type"`
	Postgres   *PostgresConfig  `json:"postgres"`
	Mongodb    *MongoConfig     `json:"mongodb"`
}

// TableOptions mirrors the table_options configuration block.
type TableOptions struct {
	StoragePolicy             string `json:"storage_policy"`
	Granularity               int    `json:"granularity"`
	MinAgeToForceMergeSeconds *int   `json:"min_age_to_force_merge_seconds"`
}

// ClickHouseConfig configures the target writer.
type ClickHouseConfig struct {
	Connection        Connection    `json:"connection"`
	TableOptions      *TableOptions `json:"table_options"`
	DisableSyncLoop   bool          `json:"disable_sync_loop"`
}

// TargetConfig selects and configures exactly one target adapter.
type TargetConfig struct {
	TargetType string            `json:"target_type"`
	ClickHouse *ClickHouseConfig `json:"clickhouse"`
}

// Config is the top-level configuration document.
type Config struct {
	Source Source `json:"source"`
	Target Target `json:"target"`

	SleepMillisWhenPeekFailed      int `json:"sleep_millis_when_peek_failed"`
	SleepMillisWhenPeekIsEmpty     int `json:"sleep_millis_when_peek_is_empty"`
	SleepMillisWhenWriteFailed     int `json:"sleep_millis_when_write_failed"`
	SleepMillisAfterSyncIteration  int `json:"sleep_millis_after_sync_iteration"`
	SleepMillisAfterSyncWrite      int `json:"sleep_millis_after_sync_write"`
	PeekChangesLimit               int `json:"peek_changes_limit"`
	CopyBatchSize                  int `json:"copy_batch_size"`
}

// Source and Target are named to match SourceConfig/TargetConfig but
// kept distinct so that JSON tag "source"/"target" reads naturally
// from the top-level Config.
type Source = SourceConfig
type Target = TargetConfig

// defaults holds the documented default for every tuning knob.
func defaults() Config {
	return Config{
		SleepMillisWhenPeekFailed:     5000,
		SleepMillisWhenPeekIsEmpty:    5000,
		SleepMillisWhenWriteFailed:    5000,
		SleepMillisAfterSyncIteration: 100,
		SleepMillisAfterSyncWrite:     100,
		PeekChangesLimit:              65536,
		CopyBatchSize:                 100000,
	}
}

const (
	defaultPublicationName = "clockpipe_publication"
	defaultSlotName        = "clockpipe_slot"
	defaultMongoCopyBatch  = 1000
	defaultResumeTokenPath = "./resume_token.json"
)

// Load reads and parses the JSON configuration document at path,
// applying every documented default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	cfg := defaults()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Postgres != nil {
		p := c.Source.Postgres
		if p.PublicationName == "" {
			p.PublicationName = defaultPublicationName
		}
		if p.ReplicationSlotName == "" {
			p.ReplicationSlotName = defaultSlotName
		}
	}
	if c.Source.Mongodb != nil {
		m := c.Source.Mongodb
		if m.CopyBatchSize == 0 {
			m.CopyBatchSize = defaultMongoCopyBatch
		}
		if m.ResumeTokenStorage == "" {
			m.ResumeTokenStorage = "file"
		}
		if m.ResumeTokenPath == "" {
			m.ResumeTokenPath = defaultResumeTokenPath
		}
	}
	applyTableOptionDefaults := func(o *TableOptions) *TableOptions {
		if o == nil {
			o = &TableOptions{}
		}
		if o.Granularity == 0 {
			o.Granularity = 8192
		}
		if o.MinAgeToForceMergeSeconds == nil {
			v := 60
			o.MinAgeToForceMergeSeconds = &v
		}
		return o
	}
	if c.Target.ClickHouse != nil {
		c.Target.ClickHouse.TableOptions = applyTableOptionDefaults(c.Target.ClickHouse.TableOptions)
	}
}

// Bind registers CLI flags that override the config file location.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.String("config-file", "", "path to the JSON configuration document")
}

// Preflight validates the configuration document. It must be called
// before any component is wired up from this Config.
func (c *Config) Preflight() error {
	switch c.Source.SourceType {
	case "postgres":
		if c.Source.Postgres == nil {
			return errors.New("source.postgres block is required when source_type is \"postgres\"")
		}
		if err := c.preflightPostgres(c.Source.Postgres); err != nil {
			return err
		}
	case "mongodb":
		if c.Source.Mongodb == nil {
			return errors.New("source.mongodb block is required when source_type is \"mongodb\"")
		}
		if err := c.preflightMongo(c.Source.Mongodb); err != nil {
			return err
		}
	default:
		return errors.Errorf("unknown source_type %q", c.Source.SourceType)
	}

	if c.Target.TargetType != "clickhouse" {
		return errors.Errorf("unknown target_type %q", c.Target.TargetType)
	}
	if c.Target.ClickHouse == nil {
		return errors.New("target.clickhouse block is required")
	}

	if c.PeekChangesLimit <= 0 {
		return errors.New("peek_changes_limit must be positive")
	}
	if c.CopyBatchSize <= 0 {
		return errors.New("copy_batch_size must be positive")
	}
	return nil
}

func (c *Config) preflightPostgres(p *PostgresConfig) error {
	if len(p.Tables) == 0 {
		return errors.New("postgres.tables must configure at least one table")
	}
	seen := make(map[string]bool, len(p.Tables))
	for _, t := range p.Tables {
		if t.TableName == "" {
			return errors.New("postgres table entry missing table_name")
		}
		key := t.SchemaName + "." + t.TableName
		if seen[key] {
			return errors.Errorf("duplicate table entry for %q: last-wins/merge semantics are ambiguous; rename or remove the duplicate", key)
		}
		seen[key] = true

		// A masked primary-key column is also a configuration error,
		// but the primary key isn't known until introspection runs.
		// app.Start performs that check once the TableSchema is
		// available.
	}
	return nil
}

func (c *Config) preflightMongo(m *MongoConfig) error {
	if len(m.Collections) == 0 {
		return errors.New("mongodb.collections must configure at least one collection")
	}
	seen := make(map[string]bool, len(m.Collections))
	for _, col := range m.Collections {
		if col.CollectionName == "" {
			return errors.New("mongodb collection entry missing collection_name")
		}
		if seen[col.CollectionName] {
			return errors.Errorf("duplicate collection entry for %q", col.CollectionName)
		}
		seen[col.CollectionName] = true
	}
	if m.ResumeTokenStorage != "file" {
		return errors.Errorf("unsupported resume_token_storage %q", m.ResumeTokenStorage)
	}
	return nil
}

// SleepWhenPeekFailed returns the configured duration.
func (c *Config) SleepWhenPeekFailed() time.Duration {
	return time.Duration(c.SleepMillisWhenPeekFailed) * time.Millisecond
}

// SleepWhenPeekEmpty returns the configured duration.
func (c *Config) SleepWhenPeekEmpty() time.Duration {
	return time.Duration(c.SleepMillisWhenPeekIsEmpty) * time.Millisecond
}

// SleepWhenWriteFailed returns the configured duration.
func (c *Config) SleepWhenWriteFailed() time.Duration {
	return time.Duration(c.SleepMillisWhenWriteFailed) * time.Millisecond
}

// SleepAfterSyncIteration returns the configured duration.
func (c *Config) SleepAfterSyncIteration() time.Duration {
	return time.Duration(c.SleepMillisAfterSyncIteration) * time.Millisecond
}

// SleepAfterSyncWrite returns the configured duration.
func (c *Config) SleepAfterSyncWrite() time.Duration {
	return time.Duration(c.SleepMillisAfterSyncWrite) * time.Millisecond
}
