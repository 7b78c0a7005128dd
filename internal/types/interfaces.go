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

// Package types contains the data types and component interfaces that
// define the functional blocks of clockpipe: the target Writer, the
// source-side Introspector and BulkCopier, the change-stream Decoder,
// the CursorStore, and the Source capability set that composes them.
// Keeping these as interfaces in a leaf package lets the sync loop
// stay generic over the PostgreSQL and MongoDB adapters.
package types

import (
	"context"

	"github.com/pkg/errors"
)

// TableOptions carries the per-table ClickHouse settings a target
// table is created with.
type TableOptions struct {
	StoragePolicy             string
	Granularity               int
	MinAgeToForceMergeSeconds int
}

// Writer is implemented by the target: it issues DDL and batched DML
// against ClickHouse. A Writer is stateless between calls and safe to
// retry.
type Writer interface {
	// EnsureTable issues CREATE TABLE IF NOT EXISTS for schema. It is
	// idempotent; if the table exists with a different primary key the
	// call fails loudly rather than silently reconfiguring it.
	EnsureTable(ctx context.Context, schema TableSchema, opts TableOptions) (created bool, err error)

	// AlterAddColumns issues ALTER TABLE ... ADD COLUMN IF NOT EXISTS
	// for each column, in ordinal order. Column removals are never
	// propagated.
	AlterAddColumns(ctx context.Context, ref SourceRef, cols []ColumnSpec) error

	// InsertBatch packs rows into a single batched insert. version
	// is the Version assigned to the first row; successive rows get
	// version+1, version+2, and so on. maskColumns names columns whose
	// value is replaced with the column type's zero value regardless
	// of content.
	InsertBatch(
		ctx context.Context,
		ref SourceRef,
		schema TableSchema,
		records []ChangeRecord,
		version uint64,
		maskColumns map[string]bool,
	) error

	// Truncate issues a TRUNCATE TABLE statement for the target table
	// mapped to ref.
	Truncate(ctx context.Context, ref SourceRef) error

	// Ping verifies connectivity to the target.
	Ping(ctx context.Context) error
}

// Introspector is implemented by each source: it enumerates
// tables/collections, columns, and primary keys, and ensures
// source-side replication prerequisites exist.
type Introspector interface {
	// Introspect returns the TableSchema for every configured table.
	Introspect(ctx context.Context) ([]TableSchema, error)

	// EnsurePrerequisites creates any source-side replication object
	// required before streaming can begin (a PostgreSQL publication and
	// replication slot; a no-op for MongoDB), and returns the cursor
	// token that marks the point a bulk copy's snapshot should be taken
	// against.
	EnsurePrerequisites(ctx context.Context) (CursorToken, error)
}

// BulkSink receives rows produced by a BulkCopier and applies them to
// the target with a fixed version of 0, so any streamed change always
// supersedes a snapshot row.
type BulkSink interface {
	InsertBulk(ctx context.Context, ref SourceRef, schema TableSchema, rows []map[string]Value) error
}

// BulkCopier is implemented by each source: it performs a one-shot
// initial snapshot copy of a single table into a BulkSink.
type BulkCopier interface {
	BulkCopy(ctx context.Context, schema TableSchema, snapshot CursorToken, sink BulkSink) error
}

// Batch is returned by Decoder.Peek.
type Batch struct {
	Records   []ChangeRecord
	LastToken CursorToken
}

// Empty reports whether the batch carried no records.
func (b Batch) Empty() bool { return len(b.Records) == 0 }

// ErrTransient marks an error as retryable without operator
// intervention: a dropped connection, a timeout, a busy target. Wrap
// an underlying cause with MarkTransient to opt in.
var ErrTransient = errors.New("transient error")

// MarkTransient wraps err so that errors.Is(err, ErrTransient) is true.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{cause: err}
}

type transientError struct{ cause error }

func (e transientError) Error() string { return e.cause.Error() }
func (e transientError) Unwrap() error { return e.cause }
func (e transientError) Is(target error) bool { return target == ErrTransient }

// ErrConfig marks an error as a configuration problem the operator
// must fix before the pipeline can run at all: a table with no
// primary key, a nullable or masked key column. The CLI maps these to
// a distinct exit code from fatal runtime states.
var ErrConfig = errors.New("configuration error")

// MarkConfig wraps err so that errors.Is(err, ErrConfig) is true.
func MarkConfig(err error) error {
	if err == nil {
		return nil
	}
	return configProblem{cause: err}
}

type configProblem struct{ cause error }

func (e configProblem) Error() string { return e.cause.Error() }
func (e configProblem) Unwrap() error { return e.cause }
func (e configProblem) Is(target error) bool { return target == ErrConfig }

// ErrSlotLost is returned by the PostgreSQL decoder when the
// replication slot is reported lost. It is non-retryable: the
// operator must recreate the slot, and the history it held is gone.
var ErrSlotLost = errors.New("replication slot lost")

// ErrCursorLost is returned by the MongoDB decoder when the change
// stream reports ChangeStreamHistoryLost (the resume token has aged
// out of the oplog). It is non-retryable: the operator must recreate
// the resume token.
var ErrCursorLost = errors.New("change stream cursor lost")

// Decoder is implemented by each source: it parses the source's
// native change stream into normalized ChangeRecords.
type Decoder interface {
	// Peek returns up to limit pending changes without advancing the
	// acknowledged position. A transient error should be wrapped with
	// MarkTransient; ErrSlotLost/ErrCursorLost are fatal.
	Peek(ctx context.Context, limit int) (Batch, error)

	// Ack acknowledges that every change up to and including token has
	// been durably applied downstream, advancing the source-side
	// replication position (e.g. a PostgreSQL standby status update).
	Ack(ctx context.Context, token CursorToken) error
}

// ErrFirstRun signals "no prior cursor": the first run of a
// (source, table-set) pairing.
var ErrFirstRun = errors.New("no cursor saved yet")

// CursorStore persists the replication cursor across restarts.
type CursorStore interface {
	// Load returns the last successfully saved token, or ErrFirstRun if
	// none has ever been saved.
	Load(ctx context.Context) (CursorToken, error)

	// Save durably persists token. Save must not return success until
	// the token is durable (fsync for the file backend, server ack for
	// the PostgreSQL slot-managed backend).
	Save(ctx context.Context, token CursorToken) error
}

// Source composes the full per-source capability set. The sync loop
// is generic over this interface, with one instance per configured
// PostgreSQL or MongoDB source.
type Source interface {
	Introspector
	Decoder

	// Tables returns the TableSchema tracked by this source, keyed by
	// SourceRef, refreshed by Reconcile.
	Tables() map[string]TableSchema

	// BulkCopier returns the BulkCopier for a single table.
	BulkCopier(schema TableSchema) BulkCopier

	// Cursor returns this source's CursorStore.
	Cursor() CursorStore

	// Close releases any resources (connections, change-stream
	// cursors) held by the source.
	Close() error
}
