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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/types"
)

func TestDecodeTextValueBool(t *testing.T) {
	require.Equal(t, types.BoolValue(true), decodeTextValue("t", oidBool))
	require.Equal(t, types.BoolValue(false), decodeTextValue("f", oidBool))
}

func TestDecodeTextValueIntegers(t *testing.T) {
	require.Equal(t, types.IntValue(42), decodeTextValue("42", oidInt4))
	require.Equal(t, types.IntValue(-7), decodeTextValue("-7", oidInt8))
}

func TestDecodeTextValueIntegerFallsBackToTextOnParseFailure(t *testing.T) {
	got := decodeTextValue("not-a-number", oidInt4)
	require.Equal(t, types.KindString, got.Kind)
	require.Equal(t, "not-a-number", got.Str)
}

func TestDecodeTextValueFloat(t *testing.T) {
	require.Equal(t, types.FloatValue(3.5), decodeTextValue("3.5", oidFloat8))
}

func TestDecodeTextValueNumericStaysTextual(t *testing.T) {
	got := decodeTextValue("12345678901234567890.123", oidNumeric)
	require.Equal(t, types.KindDecimal, got.Kind)
	require.Equal(t, "12345678901234567890.123", got.Decimal)
}

func TestDecodeTextValueBytea(t *testing.T) {
	got := decodeTextValue(`\x68656c6c6f`, oidBytea)
	require.Equal(t, []byte("hello"), got.Bytes)
}

func TestDecodeTextValueByteaPassesThroughNonHexPrefixed(t *testing.T) {
	got := decodeTextValue("rawbytes", oidBytea)
	require.Equal(t, []byte("rawbytes"), got.Bytes)
}

func TestDecodeTextValueTimestamptz(t *testing.T) {
	got := decodeTextValue("2024-01-15 10:30:00.5+00", oidTimestamptz)
	require.Equal(t, types.KindTimestamp, got.Kind)
	require.Equal(t, 2024, got.Timestamp.Year())
}

func TestDecodeTextValueDate(t *testing.T) {
	got := decodeTextValue("2024-01-15", oidDate)
	require.Equal(t, types.KindTimestamp, got.Kind)
	require.Equal(t, time.Month(1), got.Timestamp.Month())
}

func TestDecodeTextValueUnknownOIDDefaultsToString(t *testing.T) {
	got := decodeTextValue("whatever", 999999)
	require.Equal(t, types.StringValue("whatever"), got)
}

func TestDecodeHexByteaOddLengthTruncates(t *testing.T) {
	out := decodeHexBytea(`\x686`)
	require.Len(t, out, 1)
}
