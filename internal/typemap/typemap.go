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

// Package typemap translates source column types into their
// ClickHouse equivalents.
package typemap

import (
	"fmt"
	"time"

	"github.com/myyrakle/clockpipe/internal/types"
	log "github.com/sirupsen/logrus"
)

var zeroTime = time.Unix(0, 0).UTC()

// ZeroGoValue returns the native Go zero value clickhouse-go should
// bind for t, used when masking a column or synthesizing a delete
// row's non-key columns.
func ZeroGoValue(t types.SourceType) any {
	switch t.Kind {
	case types.SourceBool:
		return false
	case types.SourceInt:
		return int64(0)
	case types.SourceFloat:
		return float64(0)
	case types.SourceNumeric:
		return "0"
	case types.SourceArray:
		return []any{}
	case types.SourceTimestamp:
		return zeroTime
	default:
		return ""
	}
}

// NativeValue converts a normalized types.Value into the native Go
// value clickhouse-go should bind for column type t.
func NativeValue(v types.Value, t types.SourceType) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind {
	case types.KindBool:
		return v.Bool
	case types.KindInt:
		return v.Int
	case types.KindUint:
		return v.Uint
	case types.KindFloat:
		return v.Float
	case types.KindDecimal:
		return v.Decimal
	case types.KindString:
		return v.Str
	case types.KindBytes:
		return v.Bytes
	case types.KindTimestamp:
		return v.Timestamp
	case types.KindArray:
		out := make([]any, len(v.Array))
		elem := types.SourceType{Kind: types.SourceJSON}
		if t.Element != nil {
			elem = *t.Element
		}
		for i, e := range v.Array {
			out[i] = NativeValue(e, elem)
		}
		return out
	case types.KindDocument:
		return fmt.Sprintf("%v", v.Document)
	default:
		return nil
	}
}

// MapType translates a source type into the ClickHouse column type
// that should be used for it. Nullable wraps the result in
// Nullable(T), except for primary-key columns, which must never be
// nullable (isPrimaryKey && nullable is a caller bug, not handled
// here: schema validation rejects it earlier, see types.TableSchema.Validate).
func MapType(t types.SourceType, nullable bool) string {
	base := mapBase(t)
	if nullable {
		return "Nullable(" + base + ")"
	}
	return base
}

func mapBase(t types.SourceType) string {
	switch t.Kind {
	case types.SourceBool:
		return "Bool"
	case types.SourceInt:
		return "Int64"
	case types.SourceFloat:
		return "Float64"
	case types.SourceText:
		return "String"
	case types.SourceBytea:
		return "String"
	case types.SourceUUID:
		return "UUID"
	case types.SourceTimestamp:
		return "DateTime64(6)"
	case types.SourceNumeric:
		p, s := t.Precision, t.Scale
		if p <= 0 {
			p = 38
		}
		if s < 0 {
			s = 0
		}
		return fmt.Sprintf("Decimal(%d, %d)", p, s)
	case types.SourceArray:
		elem := types.SourceType{Kind: types.SourceJSON}
		if t.Element != nil {
			elem = *t.Element
		}
		return "Array(" + mapBase(elem) + ")"
	case types.SourceJSON:
		return "String"
	default:
		log.WithField("native", t.Native).Warn("unknown source type, degrading to String")
		return "String"
	}
}

// ZeroLiteral returns the ClickHouse SQL literal for the type's zero
// value, used when a zero has to appear in generated SQL rather than
// be bound as a batch value.
func ZeroLiteral(t types.SourceType) string {
	switch t.Kind {
	case types.SourceBool:
		return "false"
	case types.SourceInt:
		return "0"
	case types.SourceFloat:
		return "0"
	case types.SourceNumeric:
		return "0"
	case types.SourceUUID:
		return "'00000000-0000-0000-0000-000000000000'"
	case types.SourceTimestamp:
		return "toDateTime64(0, 6)"
	case types.SourceArray:
		return "[]"
	default:
		return "''"
	}
}
