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

package clickhouse_test

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/target/clickhouse"
	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

// openTestWriter dials the ClickHouse instance named by
// CLOCKPIPE_TEST_CLICKHOUSE_HOST, or skips the test when none is
// configured.
func openTestWriter(t *testing.T) *clickhouse.Writer {
	t.Helper()
	host := os.Getenv("CLOCKPIPE_TEST_CLICKHOUSE_HOST")
	if host == "" {
		t.Skip("integration test - set CLOCKPIPE_TEST_CLICKHOUSE_HOST to run")
	}
	port := 9000
	if p := os.Getenv("CLOCKPIPE_TEST_CLICKHOUSE_PORT"); p != "" {
		parsed, err := strconv.Atoi(p)
		require.NoError(t, err)
		port = parsed
	}

	w, err := clickhouse.Open(clickhouse.Config{
		Host:       host,
		Port:       port,
		Username:   "default",
		Database:   "default",
		SourceType: "postgres",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func testSchema() types.TableSchema {
	return types.TableSchema{
		Ref: ident.NewSourceRef("public", "writer_test"),
		Columns: []types.ColumnSpec{
			{Name: "id", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true, Ordinal: 0},
			{Name: "name", Type: types.SourceType{Kind: types.SourceText}, Nullable: true, Ordinal: 1},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestEnsureTableIsIdempotent(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()
	schema := testSchema()

	created, err := w.EnsureTable(ctx, schema, types.TableOptions{})
	require.NoError(t, err)

	again, err := w.EnsureTable(ctx, schema, types.TableOptions{})
	require.NoError(t, err)
	require.False(t, again, "second EnsureTable must not report creation")
	_ = created
}

func TestEnsureTableRejectsPrimaryKeyChange(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()
	schema := testSchema()

	_, err := w.EnsureTable(ctx, schema, types.TableOptions{})
	require.NoError(t, err)

	changed := schema
	changed.Columns = []types.ColumnSpec{
		{Name: "id", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true, Ordinal: 0},
		{Name: "name", Type: types.SourceType{Kind: types.SourceText}, IsPrimaryKey: true, Ordinal: 1},
	}
	changed.PrimaryKey = []string{"id", "name"}

	_, err = w.EnsureTable(ctx, changed, types.TableOptions{})
	require.Error(t, err)
}

func TestInsertBatchThenTruncate(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()
	schema := testSchema()

	_, err := w.EnsureTable(ctx, schema, types.TableOptions{})
	require.NoError(t, err)

	records := []types.ChangeRecord{
		{
			Ref: schema.Ref,
			Op:  types.ChangeOp{Kind: types.OpInsert},
			Row: map[string]types.Value{"id": types.IntValue(1), "name": types.StringValue("a")},
		},
		{
			Ref: schema.Ref,
			Op:  types.ChangeOp{Kind: types.OpDelete},
			Row: map[string]types.Value{"id": types.IntValue(2)},
		},
	}
	require.NoError(t, w.InsertBatch(ctx, schema.Ref, schema, records, 100, nil))
	require.NoError(t, w.Truncate(ctx, schema.Ref))
}
