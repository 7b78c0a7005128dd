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

import "time"

// Kind tags the variant held by a Value. Decoders carry
// dynamically-typed source values as a tagged union rather than as a
// typed Go value per column, since the union must span both
// PostgreSQL's textual wire format and Mongo's BSON types before the
// target writer serializes to ClickHouse's wire format.
type Kind int

// The Value variants.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindDecimal
	KindString
	KindBytes
	KindArray
	KindDocument
	KindTimestamp
)

// Value is a dynamically-typed source column value.
type Value struct {
	Kind      Kind
	Bool      bool
	Int       int64
	Uint      uint64
	Float     float64
	Decimal   string // textual, arbitrary precision; never parsed to float
	Str       string
	Bytes     []byte
	Array     []Value
	Document  map[string]Value
	Timestamp time.Time
}

// Null is the absent/NULL value.
var Null = Value{Kind: KindNull}

// BoolValue constructs a KindBool Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue constructs a KindInt Value.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// UintValue constructs a KindUint Value.
func UintValue(u uint64) Value { return Value{Kind: KindUint, Uint: u} }

// FloatValue constructs a KindFloat Value.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// DecimalValue constructs a KindDecimal Value from its textual form.
func DecimalValue(s string) Value { return Value{Kind: KindDecimal, Decimal: s} }

// StringValue constructs a KindString Value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// BytesValue constructs a KindBytes Value.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// ArrayValue constructs a KindArray Value.
func ArrayValue(vs []Value) Value { return Value{Kind: KindArray, Array: vs} }

// DocumentValue constructs a KindDocument Value.
func DocumentValue(m map[string]Value) Value { return Value{Kind: KindDocument, Document: m} }

// TimestampValue constructs a KindTimestamp Value.
func TimestampValue(t time.Time) Value { return Value{Kind: KindTimestamp, Timestamp: t} }

// IsNull reports whether v represents NULL/absent.
func (v Value) IsNull() bool { return v.Kind == KindNull }
