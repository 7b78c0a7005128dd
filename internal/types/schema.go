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

package types

import (
	"github.com/myyrakle/clockpipe/internal/util/ident"
	"github.com/pkg/errors"
)

// SourceRef identifies a source table or collection. It is stable
// identity across restarts.
type SourceRef = ident.SourceRef

// SourceTypeKind tags the variant held by a SourceType.
type SourceTypeKind int

// The SourceType variants the type mapper understands.
const (
	SourceUnknown SourceTypeKind = iota
	SourceBool
	SourceInt
	SourceFloat
	SourceText
	SourceBytea
	SourceUUID
	SourceTimestamp
	SourceNumeric
	SourceArray
	SourceJSON
)

// SourceType is a tagged variant across the union of source type
// systems (PostgreSQL and MongoDB's declared-schema types). It is the
// only value that crosses adapter boundaries before being mapped to a
// ClickHouse type.
type SourceType struct {
	Kind SourceTypeKind

	// Precision/Scale apply to SourceNumeric.
	Precision int
	Scale     int

	// Element applies to SourceArray.
	Element *SourceType

	// Native retains the source's own type name for diagnostics, e.g.
	// "int4", "timestamptz", "bson.TypeObjectID".
	Native string
}

// ColumnSpec describes one column of a source table.
type ColumnSpec struct {
	Name         string
	Type         SourceType
	Nullable     bool
	IsPrimaryKey bool
	Ordinal      int
}

// TableSchema describes a source table's shape.
// Invariant: PrimaryKey is non-empty and every name in it appears in
// Columns.
type TableSchema struct {
	Ref        SourceRef
	Columns    []ColumnSpec
	PrimaryKey []string
}

// Validate enforces TableSchema's invariant.
func (t TableSchema) Validate() error {
	if len(t.PrimaryKey) == 0 {
		return errors.Errorf("table %s has no primary key", t.Ref)
	}
	byName := make(map[string]ColumnSpec, len(t.Columns))
	for _, c := range t.Columns {
		byName[c.Name] = c
	}
	for _, pk := range t.PrimaryKey {
		col, ok := byName[pk]
		if !ok {
			return errors.Errorf("table %s: primary key column %q not found among columns", t.Ref, pk)
		}
		if col.Nullable {
			return errors.Errorf("table %s: primary key column %q is nullable", t.Ref, pk)
		}
	}
	return nil
}

// PrimaryKeyColumns returns the ColumnSpec for each primary-key
// column, in PrimaryKey order.
func (t TableSchema) PrimaryKeyColumns() []ColumnSpec {
	byName := make(map[string]ColumnSpec, len(t.Columns))
	for _, c := range t.Columns {
		byName[c.Name] = c
	}
	ret := make([]ColumnSpec, 0, len(t.PrimaryKey))
	for _, pk := range t.PrimaryKey {
		ret = append(ret, byName[pk])
	}
	return ret
}

// Column returns the named column and whether it was found.
func (t TableSchema) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}
