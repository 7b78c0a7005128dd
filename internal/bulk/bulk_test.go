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

package bulk_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/bulk"
	"github.com/myyrakle/clockpipe/internal/testutil"
	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

func testSchema() types.TableSchema {
	return types.TableSchema{
		Ref: ident.NewSourceRef("public", "accounts"),
		Columns: []types.ColumnSpec{
			{Name: "id", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true},
		},
		PrimaryKey: []string{"id"},
	}
}

type fakeBulkCopier struct {
	rows []map[string]types.Value
	err  error
}

func (f fakeBulkCopier) BulkCopy(ctx context.Context, schema types.TableSchema, snapshot types.CursorToken, sink types.BulkSink) error {
	if f.err != nil {
		return f.err
	}
	return sink.InsertBulk(ctx, schema.Ref, schema, f.rows)
}

func TestCopyTableWritesThroughSink(t *testing.T) {
	writer := testutil.NewFakeWriter()
	copier := bulk.NewCopier(writer)
	schema := testSchema()

	rows := []map[string]types.Value{
		{"id": types.IntValue(1)},
		{"id": types.IntValue(2)},
	}
	err := copier.CopyTable(context.Background(), schema, types.CursorToken("snapshot"), fakeBulkCopier{rows: rows})
	require.NoError(t, err)
	require.Len(t, writer.Rows[schema.Ref.String()], 2)
}

func TestCopyTableWrapsCopierError(t *testing.T) {
	writer := testutil.NewFakeWriter()
	copier := bulk.NewCopier(writer)
	schema := testSchema()

	err := copier.CopyTable(context.Background(), schema, types.CursorToken("snapshot"), fakeBulkCopier{err: errors.New("boom")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bulk copying table")
}
