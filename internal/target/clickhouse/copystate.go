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
	"time"

	"github.com/pkg/errors"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

// copyStateTable records which source tables have completed their
// one-shot initial copy. The marker lives in the target database so
// it survives restarts: a crash mid-copy leaves no marker and the
// next run re-copies the table (harmless, every copied row carries
// _version=0), while a completed copy is never repeated.
const copyStateTable = "_clockpipe_copy_state"

// EnsureCopyStateTable creates the bulk-copy marker table if it does
// not exist yet. Called once at startup, before any copy decision is
// made.
func (w *Writer) EnsureCopyStateTable(ctx context.Context) error {
	stmt := "CREATE TABLE IF NOT EXISTS " + w.qualified(ident.TargetTable(copyStateTable)) +
		" (`source_ref` String, `completed_at` DateTime64(6), `_version` UInt64)" +
		" ENGINE = ReplacingMergeTree(`_version`) ORDER BY (`source_ref`)"
	return errors.Wrap(w.conn.Exec(ctx, stmt), "creating copy state table")
}

// CopyCompleted reports whether ref's initial bulk copy has ever
// completed.
func (w *Writer) CopyCompleted(ctx context.Context, ref types.SourceRef) (bool, error) {
	rows, err := w.conn.Query(ctx,
		"SELECT count() FROM "+w.qualified(ident.TargetTable(copyStateTable))+" WHERE source_ref = ?",
		ref.String())
	if err != nil {
		return false, errors.Wrapf(err, "checking copy state for %s", ref)
	}
	defer rows.Close()

	if !rows.Next() {
		return false, errors.WithStack(rows.Err())
	}
	var count uint64
	if err := rows.Scan(&count); err != nil {
		return false, errors.Wrap(err, "scanning copy state count")
	}
	return count > 0, nil
}

// MarkCopyCompleted durably records that ref's initial bulk copy
// finished.
func (w *Writer) MarkCopyCompleted(ctx context.Context, ref types.SourceRef) error {
	now := time.Now().UTC()
	err := w.conn.Exec(ctx,
		"INSERT INTO "+w.qualified(ident.TargetTable(copyStateTable))+
			" (`source_ref`, `completed_at`, `_version`) VALUES (?, ?, ?)",
		ref.String(), now, uint64(now.UnixNano()))
	return errors.Wrapf(err, "marking copy complete for %s", ref)
}
