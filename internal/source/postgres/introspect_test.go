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

	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/types"
)

func TestMapNativeTypeBasics(t *testing.T) {
	require.Equal(t, types.SourceBool, mapNativeType("bool", "boolean").Kind)
	require.Equal(t, types.SourceInt, mapNativeType("int4", "integer").Kind)
	require.Equal(t, types.SourceInt, mapNativeType("bigserial", "bigint").Kind)
	require.Equal(t, types.SourceFloat, mapNativeType("float8", "double precision").Kind)
	require.Equal(t, types.SourceUUID, mapNativeType("uuid", "uuid").Kind)
	require.Equal(t, types.SourceTimestamp, mapNativeType("timestamptz", "timestamp with time zone").Kind)
	require.Equal(t, types.SourceTimestamp, mapNativeType("date", "date").Kind)
	require.Equal(t, types.SourceBytea, mapNativeType("bytea", "bytea").Kind)
	require.Equal(t, types.SourceJSON, mapNativeType("jsonb", "jsonb").Kind)
	require.Equal(t, types.SourceText, mapNativeType("varchar", "character varying(255)").Kind)
}

func TestMapNativeTypeNumericCarriesPrecisionAndScale(t *testing.T) {
	got := mapNativeType("numeric", "numeric(12,4)")
	require.Equal(t, types.SourceNumeric, got.Kind)
	require.Equal(t, 12, got.Precision)
	require.Equal(t, 4, got.Scale)
}

func TestMapNativeTypeArrayWrapsElement(t *testing.T) {
	got := mapNativeType("_int4", "integer[]")
	require.Equal(t, types.SourceArray, got.Kind)
	require.NotNil(t, got.Element)
	require.Equal(t, types.SourceInt, got.Element.Kind)
}

func TestParsePrecisionScale(t *testing.T) {
	p, s := parsePrecisionScale("numeric(10,2)")
	require.Equal(t, 10, p)
	require.Equal(t, 2, s)
}

func TestParsePrecisionScaleNoParensReturnsZero(t *testing.T) {
	p, s := parsePrecisionScale("numeric")
	require.Equal(t, 0, p)
	require.Equal(t, 0, s)
}

func TestAtoiSafeStopsAtNonDigit(t *testing.T) {
	require.Equal(t, 12, atoiSafe("12"))
	require.Equal(t, 12, atoiSafe("12a"))
	require.Equal(t, 0, atoiSafe(""))
}
