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

package mongodb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

func TestInferBSONTypeScalars(t *testing.T) {
	require.Equal(t, types.SourceBool, inferBSONType(true).Kind)
	require.Equal(t, types.SourceInt, inferBSONType(int32(1)).Kind)
	require.Equal(t, types.SourceInt, inferBSONType(int64(1)).Kind)
	require.Equal(t, types.SourceFloat, inferBSONType(1.5).Kind)
	require.Equal(t, types.SourceText, inferBSONType("x").Kind)
	require.Equal(t, types.SourceBytea, inferBSONType(bson.Binary{}).Kind)
	require.Equal(t, types.SourceTimestamp, inferBSONType(bson.DateTime(0)).Kind)
}

func TestInferBSONTypeObjectID(t *testing.T) {
	got := inferBSONType(bson.NewObjectID())
	require.Equal(t, types.SourceText, got.Kind)
	require.Equal(t, "objectId", got.Native)
}

func TestInferBSONTypeArrayInfersElementFromFirstEntry(t *testing.T) {
	got := inferBSONType(bson.A{int32(1), int32(2)})
	require.Equal(t, types.SourceArray, got.Kind)
	require.Equal(t, types.SourceInt, got.Element.Kind)
}

func TestInferBSONTypeEmptyArrayDefaultsElementToJSON(t *testing.T) {
	got := inferBSONType(bson.A{})
	require.Equal(t, types.SourceArray, got.Kind)
	require.Equal(t, types.SourceJSON, got.Element.Kind)
}

func TestExtendSchemaAddsUnknownFields(t *testing.T) {
	ref := ident.NewSourceRef("shop", "orders")
	s := &Source{}
	s.tables.Set(map[string]types.TableSchema{
		ref.String(): {
			Ref: ref,
			Columns: []types.ColumnSpec{
				{Name: "_id", Type: types.SourceType{Kind: types.SourceText, Native: "objectId"}, IsPrimaryKey: true, Ordinal: 0},
			},
			PrimaryKey: []string{"_id"},
		},
	})

	s.extendSchema(ref, map[string]types.Value{
		"_id":   types.StringValue("abc"),
		"total": types.FloatValue(9.5),
		"note":  types.StringValue("gift"),
	})

	schema := s.Tables()[ref.String()]
	require.Len(t, schema.Columns, 3)
	// Appended in sorted name order after the existing columns.
	require.Equal(t, "note", schema.Columns[1].Name)
	require.Equal(t, "total", schema.Columns[2].Name)
	require.Equal(t, types.SourceFloat, schema.Columns[2].Type.Kind)
	require.True(t, schema.Columns[1].Nullable)
	require.Equal(t, 2, schema.Columns[2].Ordinal)

	// A second sighting of the same fields changes nothing.
	s.extendSchema(ref, map[string]types.Value{"total": types.FloatValue(1)})
	require.Len(t, s.Tables()[ref.String()].Columns, 3)
}

func TestExtendSchemaIgnoresUntrackedCollections(t *testing.T) {
	s := &Source{}
	s.tables.Set(map[string]types.TableSchema{})
	s.extendSchema(ident.NewSourceRef("shop", "other"), map[string]types.Value{"x": types.IntValue(1)})
	require.Empty(t, s.Tables())
}

func TestInferBSONTypeNestedDocumentIsJSON(t *testing.T) {
	got := inferBSONType(bson.D{{Key: "a", Value: 1}})
	require.Equal(t, types.SourceJSON, got.Kind)
}
