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

// Package postgres implements the PostgreSQL source adapter:
// introspection and replication prerequisites, pgoutput decoding, and
// the initial bulk copy.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/notify"
)

// TableConfig names one table to replicate, mirroring
// config.PostgresTable without importing the config package.
type TableConfig struct {
	SchemaName  string
	TableName   string
	MaskColumns []string
	SkipCopy    bool
}

// Config carries everything the PostgreSQL source needs to connect
// and to create its own replication prerequisites.
type Config struct {
	Host                string
	Port                int
	Username            string
	Password            string
	Database            string
	PublicationName     string
	ReplicationSlotName string
	Tables              []TableConfig
	CopyBatchSize       int
}

func (c Config) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.Username, c.Password, c.Host, c.Port, c.Database)
}

// Source implements types.Source against a PostgreSQL logical
// replication stream.
type Source struct {
	cfg  Config
	pool *pgxpool.Pool

	// tables holds the latest schema for every replicated table.
	// Observers can wait on it to learn that the column set changed.
	tables notify.Var[map[string]types.TableSchema]

	decoder *Decoder
	cursor  *SlotCursorStore
}

// Open dials the regular (non-replication) connection pool used for
// introspection, prerequisite DDL, and bulk copy.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	pool, err := pgxpool.New(ctx, cfg.dsn())
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres pool")
	}
	s := &Source{cfg: cfg, pool: pool}
	s.cursor = &SlotCursorStore{cfg: cfg, pool: pool}
	return s, nil
}

// Tables implements types.Source.
func (s *Source) Tables() map[string]types.TableSchema {
	current, _ := s.tables.Get()
	out := make(map[string]types.TableSchema, len(current))
	for k, v := range current {
		out[k] = v
	}
	return out
}

// Cursor implements types.Source.
func (s *Source) Cursor() types.CursorStore { return s.cursor }

// BulkCopier implements types.Source.
func (s *Source) BulkCopier(schema types.TableSchema) types.BulkCopier {
	return &bulkCopier{pool: s.pool, batchSize: s.cfg.CopyBatchSize}
}

// Peek implements types.Source by delegating to the decoder. The
// replication connection is opened by EnsurePrerequisites; Peek
// returns an error if that has not run yet.
func (s *Source) Peek(ctx context.Context, limit int) (types.Batch, error) {
	if s.decoder == nil {
		return types.Batch{}, errors.New("postgres source: EnsurePrerequisites must run before Peek")
	}
	return s.decoder.Peek(ctx, limit)
}

// Ack implements types.Source.
func (s *Source) Ack(ctx context.Context, token types.CursorToken) error {
	if s.decoder == nil {
		return errors.New("postgres source: EnsurePrerequisites must run before Ack")
	}
	return s.decoder.Ack(ctx, token)
}

// Close implements types.Source.
func (s *Source) Close() error {
	if s.decoder != nil {
		s.decoder.Close()
	}
	s.pool.Close()
	return nil
}

// MaskSetFor returns the configured mask-column set for ref, used as
// the sync.MaskColumns resolver wired in by internal/app.
func (s *Source) MaskSetFor(ref types.SourceRef) map[string]bool {
	for _, t := range s.cfg.Tables {
		if t.SchemaName == ref.Schema.Raw() && t.TableName == ref.Name.Raw() {
			set := make(map[string]bool, len(t.MaskColumns))
			for _, m := range t.MaskColumns {
				set[m] = true
			}
			return set
		}
	}
	return nil
}

// acquireReplicationConn opens a second, replication-mode connection
// used exclusively by the pgoutput decoder; regular queries (DDL,
// introspection, bulk copy) continue to use the pool.
func (s *Source) acquireReplicationConn(ctx context.Context) (*pgconn.PgConn, error) {
	connCfg, err := pgx.ParseConfig(s.cfg.dsn())
	if err != nil {
		return nil, errors.Wrap(err, "parsing postgres replication dsn")
	}
	connCfg.RuntimeParams["replication"] = "database"
	pgconnCfg, err := pgconn.ParseConfig(connCfg.ConnString())
	if err != nil {
		return nil, errors.Wrap(err, "building replication connection config")
	}
	conn, err := pgconn.ConnectConfig(ctx, pgconnCfg)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres replication connection")
	}
	return conn, nil
}
