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

// Package clickhouse implements the target side of the pipeline: DDL
// and batched DML against a ClickHouse database (the Writer), and the
// additive schema reconciliation that keeps each target table in step
// with its source table (the Reconciler).
//
// Every target table is a ReplacingMergeTree(_version) ordered by the
// source primary key, with two synthetic columns: _version, a
// monotonic delivery sequence, and _sign, +1 for a present row and -1
// for a deleted one. Background merges keep the highest _version per
// key, so re-delivered or out-of-order rows converge to the latest
// source state without coordination.
package clickhouse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/typemap"
	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

// The two synthetic columns appended to every target table.
const (
	versionColumn = "_version"
	signColumn    = "_sign"
)

// Config carries everything needed to dial the target database.
// SourceType selects the target-table naming rule: a PostgreSQL
// table lands in "<schema>_<table>", a MongoDB collection in a table
// of the same name.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Database   string
	SourceType string
}

// Writer issues DDL and batched DML against ClickHouse. It keeps no
// per-call state, so any failed call is safe to retry as-is.
type Writer struct {
	conn       driver.Conn
	database   string
	sourceType string

	mu          sync.RWMutex
	maskColumns func(types.SourceRef) map[string]bool
}

// Open dials ClickHouse and verifies the connection with a ping.
func Open(cfg Config) (*Writer, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening clickhouse connection")
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "pinging clickhouse")
	}
	return &Writer{conn: conn, database: cfg.Database, sourceType: cfg.SourceType}, nil
}

// Close releases the underlying connection pool.
func (w *Writer) Close() error {
	return w.conn.Close()
}

// Ping implements diag.Pinger.
func (w *Writer) Ping(ctx context.Context) error {
	return errors.WithStack(w.conn.Ping(ctx))
}

// SetMaskColumns installs the resolver consulted by InsertBulk, which
// has no per-call mask parameter the way InsertBatch does. Rows
// written before a resolver is installed are not masked.
func (w *Writer) SetMaskColumns(resolve func(types.SourceRef) map[string]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maskColumns = resolve
}

func (w *Writer) maskFor(ref types.SourceRef) map[string]bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.maskColumns == nil {
		return nil
	}
	return w.maskColumns(ref)
}

// targetTable maps a source table or collection to its target table
// name.
func (w *Writer) targetTable(ref types.SourceRef) ident.TargetTable {
	if w.sourceType == "postgres" {
		return ident.PostgresTargetTable(ref)
	}
	return ident.MongoTargetTable(ref)
}

func (w *Writer) qualified(table ident.TargetTable) string {
	return ident.QuoteClickHouse(w.database) + "." + ident.QuoteClickHouse(table.String())
}

// EnsureTable implements types.Writer. It is idempotent: an existing
// table whose sorting key matches the source primary key is left
// untouched, while a sorting-key mismatch is an error. The key of a
// ReplacingMergeTree cannot be changed in place, and silently
// accepting the old key would make merges collapse the wrong rows.
func (w *Writer) EnsureTable(ctx context.Context, schema types.TableSchema, opts types.TableOptions) (bool, error) {
	table := w.targetTable(schema.Ref)

	existingKey, exists, err := w.sortingKey(ctx, table)
	if err != nil {
		return false, err
	}
	if exists {
		want := normalizeKeyExpr(strings.Join(schema.PrimaryKey, ", "))
		if got := normalizeKeyExpr(existingKey); got != want {
			return false, errors.Errorf(
				"target table %s exists with ORDER BY (%s) but the source primary key is (%s); drop or rename the table before changing its key",
				table, existingKey, strings.Join(schema.PrimaryKey, ", "))
		}
		return false, nil
	}

	stmt := createTableSQL(w.database, table, schema, opts)
	log.Tracef("ensure table: %s", stmt)
	if err := w.conn.Exec(ctx, stmt); err != nil {
		return false, errors.Wrapf(err, "creating table %s", table)
	}
	log.WithFields(log.Fields{
		"source": schema.Ref.String(),
		"table":  table.String(),
	}).Info("created target table")
	return true, nil
}

// sortingKey returns the ORDER BY expression of table, and whether the
// table exists at all.
func (w *Writer) sortingKey(ctx context.Context, table ident.TargetTable) (string, bool, error) {
	rows, err := w.conn.Query(ctx,
		"SELECT sorting_key FROM system.tables WHERE database = ? AND name = ?",
		w.database, table.String())
	if err != nil {
		return "", false, errors.Wrap(err, "querying system.tables")
	}
	defer rows.Close()

	if !rows.Next() {
		return "", false, errors.WithStack(rows.Err())
	}
	var key string
	if err := rows.Scan(&key); err != nil {
		return "", false, errors.Wrap(err, "scanning sorting_key")
	}
	return key, true, nil
}

// MaxVersion returns the highest _version already written across the
// target tables for refs. A restarted process seeds its version clock
// from this value; starting over at zero would let a stale
// pre-restart row outrank everything written afterwards for the same
// key.
func (w *Writer) MaxVersion(ctx context.Context, refs []types.SourceRef) (uint64, error) {
	var highest uint64
	for _, ref := range refs {
		rows, err := w.conn.Query(ctx,
			"SELECT max("+ident.QuoteClickHouse(versionColumn)+") FROM "+w.qualified(w.targetTable(ref)))
		if err != nil {
			return 0, errors.Wrapf(err, "querying max version for %s", ref)
		}
		if rows.Next() {
			var v uint64
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return 0, errors.Wrapf(err, "scanning max version for %s", ref)
			}
			if v > highest {
				highest = v
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, errors.WithStack(err)
		}
		rows.Close()
	}
	return highest, nil
}

// targetColumns returns the set of column names currently present on
// ref's target table.
func (w *Writer) targetColumns(ctx context.Context, ref types.SourceRef) (map[string]bool, error) {
	rows, err := w.conn.Query(ctx,
		"SELECT name FROM system.columns WHERE database = ? AND table = ?",
		w.database, w.targetTable(ref).String())
	if err != nil {
		return nil, errors.Wrap(err, "querying system.columns")
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scanning column name")
		}
		cols[name] = true
	}
	return cols, errors.WithStack(rows.Err())
}

// AlterAddColumns implements types.Writer: one ALTER per column, in
// ordinal order. Added columns are always nullable so that rows
// written before the addition read back as NULL.
func (w *Writer) AlterAddColumns(ctx context.Context, ref types.SourceRef, cols []types.ColumnSpec) error {
	ordered := make([]types.ColumnSpec, len(cols))
	copy(ordered, cols)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })

	table := w.targetTable(ref)
	for _, col := range ordered {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			w.qualified(table), ident.QuoteClickHouse(col.Name), typemap.MapType(col.Type, true))
		if err := w.conn.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "adding column %s to %s", col.Name, table)
		}
		log.WithFields(log.Fields{
			"table":  table.String(),
			"column": col.Name,
		}).Info("added target column")
	}
	return nil
}

// InsertBatch implements types.Writer. Rows are appended to a single
// native-protocol batch in schema column order plus the two synthetic
// columns; row i carries _version = version+i. A delete row keeps its
// real primary-key values and zero-valued non-key columns under
// _sign=-1; the next merge discards the placeholder payload along with
// every older version of the key.
func (w *Writer) InsertBatch(
	ctx context.Context,
	ref types.SourceRef,
	schema types.TableSchema,
	records []types.ChangeRecord,
	version uint64,
	maskColumns map[string]bool,
) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, insertSQL(w.qualified(w.targetTable(ref)), schema))
	if err != nil {
		return errors.Wrapf(err, "preparing batch for %s", ref)
	}

	for i, rec := range records {
		vals := make([]any, 0, len(schema.Columns)+2)
		for _, col := range schema.Columns {
			vals = append(vals, rowValue(col, rec, maskColumns[col.Name]))
		}
		vals = append(vals, version+uint64(i), signFor(rec))
		if err := batch.Append(vals...); err != nil {
			_ = batch.Abort()
			return errors.Wrapf(err, "appending row for %s", ref)
		}
	}

	return errors.Wrapf(batch.Send(), "sending batch for %s", ref)
}

// Truncate implements types.Writer.
func (w *Writer) Truncate(ctx context.Context, ref types.SourceRef) error {
	table := w.targetTable(ref)
	stmt := "TRUNCATE TABLE IF EXISTS " + w.qualified(table)
	if err := w.conn.Exec(ctx, stmt); err != nil {
		return errors.Wrapf(err, "truncating %s", table)
	}
	log.WithField("table", table.String()).Info("truncated target table")
	return nil
}

func insertSQL(qualified string, schema types.TableSchema) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified)
	b.WriteString(" (")
	for _, col := range schema.Columns {
		b.WriteString(ident.QuoteClickHouse(col.Name))
		b.WriteString(", ")
	}
	b.WriteString(ident.QuoteClickHouse(versionColumn))
	b.WriteString(", ")
	b.WriteString(ident.QuoteClickHouse(signColumn))
	b.WriteString(")")
	return b.String()
}

func createTableSQL(database string, table ident.TargetTable, schema types.TableSchema, opts types.TableOptions) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(ident.QuoteClickHouse(database))
	b.WriteString(".")
	b.WriteString(ident.QuoteClickHouse(table.String()))
	b.WriteString(" (")
	for _, col := range schema.Columns {
		b.WriteString(ident.QuoteClickHouse(col.Name))
		b.WriteString(" ")
		b.WriteString(typemap.MapType(col.Type, col.Nullable && !col.IsPrimaryKey))
		b.WriteString(", ")
	}
	b.WriteString(ident.QuoteClickHouse(versionColumn))
	b.WriteString(" UInt64, ")
	b.WriteString(ident.QuoteClickHouse(signColumn))
	b.WriteString(" Int8) ENGINE = ReplacingMergeTree(")
	b.WriteString(ident.QuoteClickHouse(versionColumn))
	b.WriteString(") ORDER BY (")
	for i, pk := range schema.PrimaryKey {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident.QuoteClickHouse(pk))
	}
	b.WriteString(")")
	b.WriteString(tableSettingsSQL(opts))
	return b.String()
}

func tableSettingsSQL(opts types.TableOptions) string {
	granularity := opts.Granularity
	if granularity <= 0 {
		granularity = 8192
	}
	minAge := opts.MinAgeToForceMergeSeconds
	if minAge <= 0 {
		minAge = 60
	}
	settings := []string{
		fmt.Sprintf("index_granularity = %d", granularity),
		fmt.Sprintf("min_age_to_force_merge_seconds = %d", minAge),
	}
	if opts.StoragePolicy != "" {
		settings = append(settings,
			"storage_policy = '"+strings.ReplaceAll(opts.StoragePolicy, "'", "''")+"'")
	}
	return " SETTINGS " + strings.Join(settings, ", ")
}

// normalizeKeyExpr reduces a sorting-key expression to a comparable
// form: system.tables reports "id, tenant_id" while locally-built
// expressions may carry quotes, parentheses, or different spacing.
func normalizeKeyExpr(expr string) string {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "(")
	expr = strings.TrimSuffix(expr, ")")
	parts := strings.Split(expr, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), "`\"")
	}
	return strings.Join(parts, ",")
}

// rowValue resolves the native value bound for one column of one
// change record. Absent or NULL values bind NULL for nullable columns
// and the type's zero value otherwise.
func rowValue(col types.ColumnSpec, rec types.ChangeRecord, masked bool) any {
	if rec.IsDelete() && !col.IsPrimaryKey {
		return typemap.ZeroGoValue(col.Type)
	}
	return columnValue(col, rec.Row, masked)
}

func columnValue(col types.ColumnSpec, row map[string]types.Value, masked bool) any {
	if masked {
		return typemap.ZeroGoValue(col.Type)
	}
	v, ok := row[col.Name]
	if !ok || v.IsNull() {
		if col.Nullable && !col.IsPrimaryKey {
			return nil
		}
		return typemap.ZeroGoValue(col.Type)
	}
	return typemap.NativeValue(v, col.Type)
}

func signFor(rec types.ChangeRecord) int8 {
	if rec.IsDelete() {
		return -1
	}
	return 1
}
