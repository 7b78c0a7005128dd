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

package clickhouse

import (
	"context"

	"github.com/pkg/errors"

	"github.com/myyrakle/clockpipe/internal/types"
)

// InsertBulk implements types.BulkSink: it writes a snapshot batch
// with _version=0 and _sign=+1 for every row. Any change streamed
// after the snapshot carries a higher _version, so a streamed row
// always supersedes its copied counterpart during merges. This also
// makes re-running a failed copy harmless.
//
// Masking is resolved through the resolver installed with
// SetMaskColumns, since the bulk copier itself knows nothing about
// masking.
func (w *Writer) InsertBulk(ctx context.Context, ref types.SourceRef, schema types.TableSchema, rows []map[string]types.Value) error {
	if len(rows) == 0 {
		return nil
	}

	mask := w.maskFor(ref)
	batch, err := w.conn.PrepareBatch(ctx, insertSQL(w.qualified(w.targetTable(ref)), schema))
	if err != nil {
		return errors.Wrapf(err, "preparing bulk batch for %s", ref)
	}

	for _, row := range rows {
		vals := make([]any, 0, len(schema.Columns)+2)
		for _, col := range schema.Columns {
			vals = append(vals, columnValue(col, row, mask[col.Name]))
		}
		vals = append(vals, uint64(0), int8(1))
		if err := batch.Append(vals...); err != nil {
			_ = batch.Abort()
			return errors.Wrapf(err, "appending bulk row for %s", ref)
		}
	}

	return errors.Wrapf(batch.Send(), "sending bulk batch for %s", ref)
}
