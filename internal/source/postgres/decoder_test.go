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

package postgres

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

func trackedSource(t *testing.T) *Source {
	t.Helper()
	ref := ident.NewSourceRef("public", "users")
	s := &Source{}
	s.tables.Set(map[string]types.TableSchema{
		ref.String(): {
			Ref: ref,
			Columns: []types.ColumnSpec{
				{Name: "id", Type: types.SourceType{Kind: types.SourceInt}, IsPrimaryKey: true, Ordinal: 0},
				{Name: "name", Type: types.SourceType{Kind: types.SourceText}, Nullable: true, Ordinal: 1},
			},
			PrimaryKey: []string{"id"},
		},
	})
	return s
}

func relationMessage(cols ...string) *pglogrepl.RelationMessageV2 {
	m := &pglogrepl.RelationMessageV2{}
	m.Namespace = "public"
	m.RelationName = "users"
	for _, c := range cols {
		m.Columns = append(m.Columns, &pglogrepl.RelationMessageColumn{Name: c})
	}
	return m
}

func TestRelationDriftedSameColumns(t *testing.T) {
	d := &Decoder{source: trackedSource(t)}
	require.False(t, d.relationDrifted(relationMessage("id", "name")))
}

func TestRelationDriftedNewColumn(t *testing.T) {
	d := &Decoder{source: trackedSource(t)}
	require.True(t, d.relationDrifted(relationMessage("id", "name", "age")))
}

func TestRelationDriftedRenamedColumn(t *testing.T) {
	d := &Decoder{source: trackedSource(t)}
	require.True(t, d.relationDrifted(relationMessage("id", "full_name")))
}

func TestRelationDriftedUntrackedRelation(t *testing.T) {
	d := &Decoder{source: trackedSource(t)}
	m := relationMessage("id")
	m.RelationName = "not_replicated"
	require.False(t, d.relationDrifted(m))
}
