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

	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

func TestTableSchemaValidateRequiresPrimaryKey(t *testing.T) {
	schema := types.TableSchema{
		Ref: ident.NewSourceRef("public", "widgets"),
		Columns: []types.ColumnSpec{
			{Name: "id", Type: types.SourceType{Kind: types.SourceInt}},
		},
	}
	err := schema.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no primary key")
}

func TestTableSchemaValidateRejectsNullablePrimaryKey(t *testing.T) {
	schema := types.TableSchema{
		Ref: ident.NewSourceRef("public", "widgets"),
		Columns: []types.ColumnSpec{
			{Name: "id", Type: types.SourceType{Kind: types.SourceInt}, Nullable: true, IsPrimaryKey: true},
		},
		PrimaryKey: []string{"id"},
	}
	err := schema.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "nullable")
}

func TestTableSchemaValidateRejectsMissingPrimaryKeyColumn(t *testing.T) {
	schema := types.TableSchema{
		Ref:        ident.NewSourceRef("public", "widgets"),
		Columns:    []types.ColumnSpec{{Name: "id", Type: types.SourceType{Kind: types.SourceInt}}},
		PrimaryKey: []string{"missing"},
	}
	err := schema.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found among columns")
}

func TestTableSchemaValidateAccepts(t *testing.T) {
	schema := types.TableSchema{
		Ref: ident.NewSourceRef("public", "widgets"),
		Columns: []types.ColumnSpec{
			{Name: "id", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true},
			{Name: "name", Type: types.SourceType{Kind: types.SourceText}, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
	require.NoError(t, schema.Validate())
}

func TestPrimaryKeyColumnsPreservesOrder(t *testing.T) {
	schema := types.TableSchema{
		Ref: ident.NewSourceRef("public", "widgets"),
		Columns: []types.ColumnSpec{
			{Name: "b", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true},
			{Name: "a", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true},
		},
		PrimaryKey: []string{"a", "b"},
	}
	pk := schema.PrimaryKeyColumns()
	require.Len(t, pk, 2)
	require.Equal(t, "a", pk[0].Name)
	require.Equal(t, "b", pk[1].Name)
}
