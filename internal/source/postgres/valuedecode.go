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
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/types"
)

// pgoutput's textual wire format gives every value as its regclass
// output representation, regardless of the column's binary type, so
// decoding here only needs to know the type's OID to pick the right
// parser. These are the well-known builtin OIDs.
const (
	oidBool        = 16
	oidInt2        = 21
	oidInt4        = 23
	oidInt8        = 20
	oidFloat4      = 700
	oidFloat8      = 701
	oidNumeric     = 1700
	oidText        = 25
	oidVarchar     = 1043
	oidBpchar      = 1042
	oidUUID        = 2950
	oidBytea       = 17
	oidTimestamp   = 1114
	oidTimestamptz = 1184
	oidDate        = 1082
	oidJSON        = 114
	oidJSONB       = 3802
)

func decodeTextValue(s string, oid uint32) types.Value {
	switch oid {
	case oidBool:
		return types.BoolValue(s == "t")
	case oidInt2, oidInt4, oidInt8:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			log.WithError(err).WithField("oid", oid).Warn("failed to parse integer column, storing as text")
			return types.StringValue(s)
		}
		return types.IntValue(i)
	case oidFloat4, oidFloat8:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			log.WithError(err).WithField("oid", oid).Warn("failed to parse float column, storing as text")
			return types.StringValue(s)
		}
		return types.FloatValue(f)
	case oidNumeric:
		return types.DecimalValue(s)
	case oidUUID:
		return types.StringValue(s)
	case oidBytea:
		return types.BytesValue(decodeHexBytea(s))
	case oidTimestamp, oidTimestamptz, oidDate:
		t, err := parsePostgresTimestamp(s)
		if err != nil {
			log.WithError(err).WithField("oid", oid).Warn("failed to parse timestamp column, storing as text")
			return types.StringValue(s)
		}
		return types.TimestampValue(t)
	case oidJSON, oidJSONB, oidText, oidVarchar, oidBpchar:
		return types.StringValue(s)
	default:
		return types.StringValue(s)
	}
}

// decodeHexBytea decodes PostgreSQL's "\x"-prefixed hex bytea output
// format; any value that doesn't match is passed through as raw bytes.
func decodeHexBytea(s string) []byte {
	if len(s) < 2 || s[0] != '\\' || s[1] != 'x' {
		return []byte(s)
	}
	hex := s[2:]
	out := make([]byte, len(hex)/2)
	for i := 0; i < len(out); i++ {
		hi := hexDigit(hex[i*2])
		lo := hexDigit(hex[i*2+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexDigit(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10
	default:
		return 0
	}
}

func parsePostgresTimestamp(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999-07",
		"2006-01-02 15:04:05.999999",
		"2006-01-02",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
