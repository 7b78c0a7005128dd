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

package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

const columnQuery = `
SELECT
  a.attname,
  format_type(a.atttypid, a.atttypmod) AS native_type,
  a.attnotnull,
  a.attnum,
  COALESCE(i.indisprimary, false) AS is_primary_key,
  t.typname
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
JOIN pg_type t ON t.oid = a.atttypid
LEFT JOIN pg_index i ON i.indrelid = c.oid AND a.attnum = ANY(i.indkey) AND i.indisprimary
WHERE n.nspname = $1 AND c.relname = $2 AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum
`

// Introspect implements types.Introspector.
func (s *Source) Introspect(ctx context.Context) ([]types.TableSchema, error) {
	schemas := make([]types.TableSchema, 0, len(s.cfg.Tables))
	for _, t := range s.cfg.Tables {
		schema, err := s.introspectOne(ctx, t.SchemaName, t.TableName)
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(); err != nil {
			return nil, types.MarkConfig(errors.Wrapf(err, "table %s.%s", t.SchemaName, t.TableName))
		}
		schemas = append(schemas, schema)
	}

	next := s.Tables()
	for _, schema := range schemas {
		next[schema.Ref.String()] = schema
	}
	s.tables.Set(next)

	return schemas, nil
}

func (s *Source) introspectOne(ctx context.Context, schemaName, tableName string) (types.TableSchema, error) {
	rows, err := s.pool.Query(ctx, columnQuery, schemaName, tableName)
	if err != nil {
		return types.TableSchema{}, errors.Wrapf(err, "introspecting %s.%s", schemaName, tableName)
	}
	defer rows.Close()

	var cols []types.ColumnSpec
	var pk []string
	ordinal := 0
	for rows.Next() {
		var name, nativeType, typname string
		var notNull, isPK bool
		var attnum int16
		if err := rows.Scan(&name, &nativeType, &notNull, &attnum, &isPK, &typname); err != nil {
			return types.TableSchema{}, errors.Wrap(err, "scanning pg_attribute row")
		}
		col := types.ColumnSpec{
			Name:         name,
			Type:         mapNativeType(typname, nativeType),
			Nullable:     !notNull && !isPK,
			IsPrimaryKey: isPK,
			Ordinal:      ordinal,
		}
		ordinal++
		cols = append(cols, col)
		if isPK {
			pk = append(pk, name)
		}
	}
	if err := rows.Err(); err != nil {
		return types.TableSchema{}, err
	}
	if len(cols) == 0 {
		return types.TableSchema{}, errors.Errorf("table %s.%s not found", schemaName, tableName)
	}

	return types.TableSchema{
		Ref:        ident.NewSourceRef(schemaName, tableName),
		Columns:    cols,
		PrimaryKey: pk,
	}, nil
}

// RefreshTable re-introspects a single table and replaces its tracked
// schema. The decoder calls this when a Relation message's column list
// no longer matches the schema captured at startup, so the sync loop
// sees the new column set before writing any row that carries it.
func (s *Source) RefreshTable(ctx context.Context, schemaName, tableName string) error {
	schema, err := s.introspectOne(ctx, schemaName, tableName)
	if err != nil {
		return err
	}
	if err := schema.Validate(); err != nil {
		return types.MarkConfig(errors.Wrapf(err, "table %s.%s", schemaName, tableName))
	}

	next := s.Tables()
	next[schema.Ref.String()] = schema
	s.tables.Set(next)

	log.WithFields(log.Fields{
		"table":   schema.Ref.String(),
		"columns": len(schema.Columns),
	}).Info("refreshed source schema after column change")
	return nil
}

// mapNativeType translates a PostgreSQL native type name into the
// cross-source types.SourceType union.
func mapNativeType(typname, formatted string) types.SourceType {
	switch {
	case typname == "bool":
		return types.SourceType{Kind: types.SourceBool, Native: typname}
	case strings.HasPrefix(typname, "int") || typname == "serial" || typname == "bigserial" || typname == "smallserial":
		return types.SourceType{Kind: types.SourceInt, Native: typname}
	case typname == "float4" || typname == "float8":
		return types.SourceType{Kind: types.SourceFloat, Native: typname}
	case typname == "numeric":
		precision, scale := parsePrecisionScale(formatted)
		return types.SourceType{Kind: types.SourceNumeric, Precision: precision, Scale: scale, Native: typname}
	case typname == "uuid":
		return types.SourceType{Kind: types.SourceUUID, Native: typname}
	case strings.HasPrefix(typname, "timestamp") || typname == "date":
		return types.SourceType{Kind: types.SourceTimestamp, Native: typname}
	case typname == "bytea":
		return types.SourceType{Kind: types.SourceBytea, Native: typname}
	case typname == "json" || typname == "jsonb":
		return types.SourceType{Kind: types.SourceJSON, Native: typname}
	case strings.HasPrefix(typname, "_"):
		elem := mapNativeType(strings.TrimPrefix(typname, "_"), formatted)
		return types.SourceType{Kind: types.SourceArray, Element: &elem, Native: typname}
	default:
		return types.SourceType{Kind: types.SourceText, Native: typname}
	}
}

func parsePrecisionScale(formatted string) (int, int) {
	start := strings.IndexByte(formatted, '(')
	end := strings.IndexByte(formatted, ')')
	if start < 0 || end < 0 || end < start {
		return 0, 0
	}
	parts := strings.Split(formatted[start+1:end], ",")
	precision, scale := 0, 0
	if len(parts) > 0 {
		precision = atoiSafe(strings.TrimSpace(parts[0]))
	}
	if len(parts) > 1 {
		scale = atoiSafe(strings.TrimSpace(parts[1]))
	}
	return precision, scale
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// EnsurePrerequisites implements types.Introspector: it creates the
// publication and replication slot if they do not already exist, and
// returns the LSN the bulk copy's snapshot should be taken against.
func (s *Source) EnsurePrerequisites(ctx context.Context) (types.CursorToken, error) {
	if err := s.ensurePublication(ctx); err != nil {
		return nil, err
	}

	conn, err := s.acquireReplicationConn(ctx)
	if err != nil {
		return nil, err
	}

	lsn, created, err := s.ensureSlot(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return nil, err
	}

	s.decoder = newDecoder(conn, s)
	if !created {
		log.WithField("slot", s.cfg.ReplicationSlotName).Info("reusing existing replication slot")
	}

	if err := s.decoder.startStreaming(ctx); err != nil {
		return nil, err
	}

	return types.CursorToken([]byte(lsn.String())), nil
}

func (s *Source) ensurePublication(ctx context.Context) error {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", s.cfg.PublicationName).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "checking publication existence")
	}
	if exists {
		return nil
	}

	var tableList []string
	for _, t := range s.cfg.Tables {
		tableList = append(tableList, ident.QuotePostgres(t.SchemaName)+"."+ident.QuotePostgres(t.TableName))
	}
	stmt := "CREATE PUBLICATION " + ident.QuotePostgres(s.cfg.PublicationName) + " FOR TABLE " + strings.Join(tableList, ", ")
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return errors.Wrap(err, "creating publication")
	}
	return nil
}

func (s *Source) ensureSlot(ctx context.Context, conn *pgconn.PgConn) (pglogrepl.LSN, bool, error) {
	var restartLSN string
	err := s.pool.QueryRow(ctx, "SELECT restart_lsn FROM pg_replication_slots WHERE slot_name = $1", s.cfg.ReplicationSlotName).Scan(&restartLSN)
	if err == nil {
		lsn, parseErr := pglogrepl.ParseLSN(restartLSN)
		if parseErr != nil {
			return 0, false, errors.Wrap(parseErr, "parsing existing slot restart_lsn")
		}
		return lsn, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, errors.Wrap(err, "checking replication slot existence")
	}

	result, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.cfg.ReplicationSlotName, "pgoutput", pglogrepl.CreateReplicationSlotOptions{
		Temporary: false,
		Mode:      pglogrepl.LogicalReplication,
	})
	if err != nil {
		return 0, false, errors.Wrap(err, "creating replication slot")
	}
	lsn, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return 0, false, errors.Wrap(err, "parsing new slot consistent point")
	}
	return lsn, true, nil
}
