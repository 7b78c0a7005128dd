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

// Package testutil provides in-memory fakes of the component
// interfaces in internal/types, for tests that need a Source or
// Writer without a live PostgreSQL, MongoDB, or ClickHouse cluster.
package testutil

import (
	"context"
	"sync"

	"github.com/myyrakle/clockpipe/internal/types"
)

// FakeWriter is an in-memory types.Writer that records every call it
// receives, for assertions in tests of the sync loop and bulk copier.
type FakeWriter struct {
	mu sync.Mutex

	Created    map[string]bool
	Rows       map[string][]FakeRow
	Truncated  []types.SourceRef
	AlterCalls []AlterCall
	PingErr    error
	InsertErr  error
}

// FakeRow is one row recorded by FakeWriter.InsertBatch or InsertBulk.
type FakeRow struct {
	Version uint64
	Sign    int8
	Row     map[string]types.Value
}

// AlterCall records one AlterAddColumns invocation.
type AlterCall struct {
	Ref  types.SourceRef
	Cols []types.ColumnSpec
}

// NewFakeWriter builds an empty FakeWriter.
func NewFakeWriter() *FakeWriter {
	return &FakeWriter{
		Created: make(map[string]bool),
		Rows:    make(map[string][]FakeRow),
	}
}

func (w *FakeWriter) EnsureTable(ctx context.Context, schema types.TableSchema, opts types.TableOptions) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := schema.Ref.String()
	if w.Created[key] {
		return false, nil
	}
	w.Created[key] = true
	return true, nil
}

func (w *FakeWriter) AlterAddColumns(ctx context.Context, ref types.SourceRef, cols []types.ColumnSpec) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.AlterCalls = append(w.AlterCalls, AlterCall{Ref: ref, Cols: cols})
	return nil
}

func (w *FakeWriter) InsertBatch(ctx context.Context, ref types.SourceRef, schema types.TableSchema, records []types.ChangeRecord, version uint64, maskColumns map[string]bool) error {
	if w.InsertErr != nil {
		return w.InsertErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	key := ref.String()
	for i, rec := range records {
		row := make(map[string]types.Value, len(rec.Row))
		for k, v := range rec.Row {
			if maskColumns[k] {
				continue
			}
			row[k] = v
		}
		sign := int8(1)
		if rec.IsDelete() {
			sign = -1
		}
		w.Rows[key] = append(w.Rows[key], FakeRow{Version: version + uint64(i), Sign: sign, Row: row})
	}
	return nil
}

func (w *FakeWriter) InsertBulk(ctx context.Context, ref types.SourceRef, schema types.TableSchema, rows []map[string]types.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := ref.String()
	for _, row := range rows {
		w.Rows[key] = append(w.Rows[key], FakeRow{Version: 0, Sign: 1, Row: row})
	}
	return nil
}

func (w *FakeWriter) Truncate(ctx context.Context, ref types.SourceRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Truncated = append(w.Truncated, ref)
	delete(w.Rows, ref.String())
	return nil
}

func (w *FakeWriter) Ping(ctx context.Context) error { return w.PingErr }

// FakeSource is an in-memory types.Source backed by a slice of
// pre-scripted batches, for tests of the sync loop.
type FakeSource struct {
	mu sync.Mutex

	TableSchemas map[string]types.TableSchema
	Batches      []types.Batch
	nextBatch    int
	Acked        []types.CursorToken
	PeekErr      error
}

// NewFakeSource builds a FakeSource that will hand back batches in order.
func NewFakeSource(schemas map[string]types.TableSchema, batches []types.Batch) *FakeSource {
	return &FakeSource{TableSchemas: schemas, Batches: batches}
}

func (s *FakeSource) Introspect(ctx context.Context) ([]types.TableSchema, error) {
	out := make([]types.TableSchema, 0, len(s.TableSchemas))
	for _, t := range s.TableSchemas {
		out = append(out, t)
	}
	return out, nil
}

func (s *FakeSource) EnsurePrerequisites(ctx context.Context) (types.CursorToken, error) {
	return types.CursorToken("snapshot"), nil
}

func (s *FakeSource) Peek(ctx context.Context, limit int) (types.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PeekErr != nil {
		return types.Batch{}, s.PeekErr
	}
	if s.nextBatch >= len(s.Batches) {
		return types.Batch{}, nil
	}
	b := s.Batches[s.nextBatch]
	s.nextBatch++
	return b, nil
}

func (s *FakeSource) Ack(ctx context.Context, token types.CursorToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Acked = append(s.Acked, token)
	return nil
}

// AddBatch appends another batch for Peek to hand out, after any
// batches the source was constructed with.
func (s *FakeSource) AddBatch(b types.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Batches = append(s.Batches, b)
}

// SetSchema replaces one table's schema, the way a source adapter
// does after observing a schema change mid-stream.
func (s *FakeSource) SetSchema(schema types.TableSchema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TableSchemas[schema.Ref.String()] = schema
}

func (s *FakeSource) Tables() map[string]types.TableSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.TableSchema, len(s.TableSchemas))
	for k, v := range s.TableSchemas {
		out[k] = v
	}
	return out
}

func (s *FakeSource) BulkCopier(schema types.TableSchema) types.BulkCopier {
	return fakeBulkCopier{}
}

func (s *FakeSource) Cursor() types.CursorStore { return fakeCursorStore{} }

func (s *FakeSource) Close() error { return nil }

type fakeBulkCopier struct{}

func (fakeBulkCopier) BulkCopy(ctx context.Context, schema types.TableSchema, snapshot types.CursorToken, sink types.BulkSink) error {
	return nil
}

type fakeCursorStore struct{}

func (fakeCursorStore) Load(ctx context.Context) (types.CursorToken, error) {
	return nil, types.ErrFirstRun
}

func (fakeCursorStore) Save(ctx context.Context, token types.CursorToken) error { return nil }
