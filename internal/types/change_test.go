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

package types_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

func widgetSchema() types.TableSchema {
	return types.TableSchema{
		Ref: ident.NewSourceRef("public", "widgets"),
		Columns: []types.ColumnSpec{
			{Name: "id", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestChangeRecordKeyStableAcrossEquivalentRows(t *testing.T) {
	schema := widgetSchema()
	a := types.ChangeRecord{Ref: schema.Ref, Row: map[string]types.Value{"id": types.IntValue(42)}}
	b := types.ChangeRecord{Ref: schema.Ref, Row: map[string]types.Value{"id": types.IntValue(42)}}
	require.Equal(t, a.Key(schema), b.Key(schema))
}

func TestChangeRecordKeyDiffersAcrossValues(t *testing.T) {
	schema := widgetSchema()
	a := types.ChangeRecord{Ref: schema.Ref, Row: map[string]types.Value{"id": types.IntValue(1)}}
	b := types.ChangeRecord{Ref: schema.Ref, Row: map[string]types.Value{"id": types.IntValue(2)}}
	require.NotEqual(t, a.Key(schema), b.Key(schema))
}

func TestIsDeleteAndIsTruncate(t *testing.T) {
	del := types.ChangeRecord{Op: types.ChangeOp{Kind: types.OpDelete}}
	require.True(t, del.IsDelete())
	require.False(t, del.IsTruncate())

	trunc := types.ChangeRecord{Op: types.ChangeOp{Kind: types.OpTruncate}}
	require.True(t, trunc.IsTruncate())
	require.False(t, trunc.IsDelete())
}

func TestOpKindString(t *testing.T) {
	require.Equal(t, "insert", types.OpInsert.String())
	require.Equal(t, "update", types.OpUpdate.String())
	require.Equal(t, "delete", types.OpDelete.String())
	require.Equal(t, "truncate", types.OpTruncate.String())
}

func TestMarkConfigTagsAndUnwraps(t *testing.T) {
	cause := errors.New("table public.users has no primary key")
	err := types.MarkConfig(cause)
	require.ErrorIs(t, err, types.ErrConfig)
	require.ErrorIs(t, err, cause)
	require.Equal(t, cause.Error(), err.Error())

	require.NoError(t, types.MarkConfig(nil))
}

func TestMarkConfigDistinctFromTransient(t *testing.T) {
	err := types.MarkConfig(errors.New("bad key"))
	require.NotErrorIs(t, err, types.ErrTransient)

	err = types.MarkTransient(errors.New("conn reset"))
	require.NotErrorIs(t, err, types.ErrConfig)
}
