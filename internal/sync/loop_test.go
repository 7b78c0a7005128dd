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

package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/sync"
	"github.com/myyrakle/clockpipe/internal/testutil"
	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
	"github.com/myyrakle/clockpipe/internal/util/stopper"
	"github.com/myyrakle/clockpipe/internal/util/version"
)

func widgetSchema() types.TableSchema {
	return types.TableSchema{
		Ref:        ident.NewSourceRef("public", "widgets"),
		Columns:    []types.ColumnSpec{{Name: "id", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true}},
		PrimaryKey: []string{"id"},
	}
}

func TestLoopWritesAndAcksOneBatch(t *testing.T) {
	schema := widgetSchema()
	writer := testutil.NewFakeWriter()
	source := testutil.NewFakeSource(
		map[string]types.TableSchema{schema.Ref.String(): schema},
		[]types.Batch{
			{
				Records: []types.ChangeRecord{
					{Ref: schema.Ref, Op: types.ChangeOp{Kind: types.OpInsert}, Row: map[string]types.Value{"id": types.IntValue(1)}},
				},
				LastToken: types.CursorToken("token-1"),
			},
		},
	)

	loop := sync.NewLoop(source, writer, sync.Tuning{
		SleepWhenPeekEmpty:  time.Millisecond,
		SleepAfterIteration: 0,
	}, nil, version.NewClock(0))

	ctx := stopper.WithContext(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(source.Acked) == 1
	}, time.Second, 5*time.Millisecond)

	ctx.Stop(time.Second)
	<-done

	require.Equal(t, types.CursorToken("token-1"), source.Acked[0])
	rows := writer.Rows[schema.Ref.String()]
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].Row["id"].Int)
}

func TestLoopAppliesMaskColumns(t *testing.T) {
	schema := types.TableSchema{
		Ref: ident.NewSourceRef("public", "widgets"),
		Columns: []types.ColumnSpec{
			{Name: "id", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true},
			{Name: "secret", Type: types.SourceType{Kind: types.SourceText}, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
	writer := testutil.NewFakeWriter()
	source := testutil.NewFakeSource(
		map[string]types.TableSchema{schema.Ref.String(): schema},
		[]types.Batch{
			{
				Records: []types.ChangeRecord{
					{Ref: schema.Ref, Op: types.ChangeOp{Kind: types.OpInsert}, Row: map[string]types.Value{
						"id": types.IntValue(1), "secret": types.StringValue("shh"),
					}},
				},
				LastToken: types.CursorToken("token-1"),
			},
		},
	)

	loop := sync.NewLoop(source, writer, sync.Tuning{SleepWhenPeekEmpty: time.Millisecond}, func(ref types.SourceRef) map[string]bool {
		return map[string]bool{"secret": true}
	}, version.NewClock(0))

	ctx := stopper.WithContext(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return len(source.Acked) == 1 }, time.Second, 5*time.Millisecond)
	ctx.Stop(time.Second)
	<-done

	row := writer.Rows[schema.Ref.String()][0].Row
	_, hasSecret := row["secret"]
	require.False(t, hasSecret)
}

type recordingReconciler struct {
	calls []types.TableSchema
}

func (r *recordingReconciler) Reconcile(ctx context.Context, schema types.TableSchema) (bool, error) {
	r.calls = append(r.calls, schema)
	return false, nil
}

func TestLoopReconcilesWhenColumnSetChanges(t *testing.T) {
	schema := widgetSchema()
	grown := schema
	grown.Columns = append([]types.ColumnSpec{}, schema.Columns...)
	grown.Columns = append(grown.Columns, types.ColumnSpec{
		Name: "age", Type: types.SourceType{Kind: types.SourceInt}, Nullable: true, Ordinal: 1,
	})

	writer := testutil.NewFakeWriter()
	source := testutil.NewFakeSource(
		map[string]types.TableSchema{schema.Ref.String(): schema},
		[]types.Batch{
			{
				Records: []types.ChangeRecord{
					{Ref: schema.Ref, Op: types.ChangeOp{Kind: types.OpInsert}, Row: map[string]types.Value{"id": types.IntValue(1)}},
				},
				LastToken: types.CursorToken("token-1"),
			},
		},
	)
	reconciler := &recordingReconciler{}

	loop := sync.NewLoop(source, writer, sync.Tuning{SleepWhenPeekEmpty: time.Millisecond}, nil, version.NewClock(0))
	loop.Reconciler = reconciler

	ctx := stopper.WithContext(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// The first batch drains against the original schema, then the
	// source grows a column before the second batch arrives.
	require.Eventually(t, func() bool { return len(source.Acked) == 1 }, time.Second, 5*time.Millisecond)
	source.SetSchema(grown)
	source.AddBatch(types.Batch{
		Records: []types.ChangeRecord{
			{Ref: schema.Ref, Op: types.ChangeOp{Kind: types.OpInsert}, Row: map[string]types.Value{
				"id": types.IntValue(2), "age": types.IntValue(30),
			}},
		},
		LastToken: types.CursorToken("token-2"),
	})

	require.Eventually(t, func() bool { return len(source.Acked) == 2 }, time.Second, 5*time.Millisecond)
	ctx.Stop(time.Second)
	<-done

	// One reconcile for the table's first batch, one when the column
	// count changed.
	require.Len(t, reconciler.calls, 2)
	require.Len(t, reconciler.calls[1].Columns, 2)
}
