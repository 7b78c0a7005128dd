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
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

const defaultBulkBatchSize = 100000

// bulkCopier implements types.BulkCopier using keyset pagination over
// the primary key, so a table that is still accepting writes during
// the copy never produces a duplicated or skipped row the way a plain
// OFFSET-based scan would.
type bulkCopier struct {
	pool      *pgxpool.Pool
	batchSize int
}

func (b *bulkCopier) BulkCopy(ctx context.Context, schema types.TableSchema, snapshot types.CursorToken, sink types.BulkSink) error {
	batchSize := b.batchSize
	if batchSize <= 0 {
		batchSize = defaultBulkBatchSize
	}

	table := ident.QuotePostgres(schema.Ref.Schema.Raw()) + "." + ident.QuotePostgres(schema.Ref.Name.Raw())
	pkCols := make([]string, len(schema.PrimaryKey))
	for i, pk := range schema.PrimaryKey {
		pkCols[i] = ident.QuotePostgres(pk)
	}
	allCols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		allCols[i] = ident.QuotePostgres(c.Name)
	}

	var lastKey []any
	total := 0
	for {
		query, args := buildKeysetQuery(table, allCols, pkCols, lastKey, batchSize)
		rows, err := b.pool.Query(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "bulk copy query for %s", table)
		}

		batch, err := pgx.CollectRows(rows, pgx.RowToMap)
		if err != nil {
			return errors.Wrapf(err, "scanning bulk copy rows for %s", table)
		}
		if len(batch) == 0 {
			break
		}

		rowsOut := make([]map[string]types.Value, 0, len(batch))
		for _, raw := range batch {
			rowsOut = append(rowsOut, convertRow(schema, raw))
		}
		if err := sink.InsertBulk(ctx, schema.Ref, schema, rowsOut); err != nil {
			return errors.Wrapf(err, "inserting bulk copy batch for %s", table)
		}

		total += len(batch)
		lastKey = make([]any, len(schema.PrimaryKey))
		lastRow := batch[len(batch)-1]
		for i, pk := range schema.PrimaryKey {
			lastKey[i] = lastRow[pk]
		}

		if len(batch) < batchSize {
			break
		}
	}

	log.WithField("table", table).WithField("rows", total).Info("bulk copy complete")
	return nil
}

func buildKeysetQuery(table string, allCols, pkCols []string, lastKey []any, limit int) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(allCols, ", "), table)

	var args []any
	if len(lastKey) > 0 {
		placeholders := make([]string, len(pkCols))
		for i := range pkCols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, lastKey[i])
		}
		fmt.Fprintf(&b, " WHERE (%s) > (%s)", strings.Join(pkCols, ", "), strings.Join(placeholders, ", "))
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", strings.Join(pkCols, ", "), limit)
	return b.String(), args
}

func convertRow(schema types.TableSchema, raw map[string]any) map[string]types.Value {
	out := make(map[string]types.Value, len(raw))
	for _, col := range schema.Columns {
		v, ok := raw[col.Name]
		if !ok || v == nil {
			out[col.Name] = types.Null
			continue
		}
		out[col.Name] = nativeToValue(v)
	}
	return out
}

func nativeToValue(v any) types.Value {
	switch t := v.(type) {
	case bool:
		return types.BoolValue(t)
	case int16:
		return types.IntValue(int64(t))
	case int32:
		return types.IntValue(int64(t))
	case int64:
		return types.IntValue(t)
	case float32:
		return types.FloatValue(float64(t))
	case float64:
		return types.FloatValue(t)
	case string:
		return types.StringValue(t)
	case []byte:
		return types.BytesValue(t)
	default:
		return types.StringValue(fmt.Sprintf("%v", t))
	}
}
