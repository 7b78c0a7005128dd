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

// Package msort contains utility functions for sorting and
// de-duplicating batches of change records.
package msort

import "github.com/myyrakle/clockpipe/internal/types"

// UniqueByKey implements a "last one wins" approach to removing
// change records with duplicate primary keys from the input slice:
// when two records in one peeked batch share a key, only the one
// later in slice order is kept, since it is later in source commit
// order. This mirrors what ReplacingMergeTree would do downstream
// but avoids writing a row that would immediately be superseded by
// the next one in the same batch.
//
// The modified slice is returned.
func UniqueByKey(schema types.TableSchema, x []types.ChangeRecord) []types.ChangeRecord {
	seenIdx := make(map[string]int, len(x))

	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		key := x[src].Key(schema)
		if _, found := seenIdx[key]; found {
			// A later (higher-index) occurrence of this key was already
			// kept; this earlier one is superseded.
			continue
		}
		dest--
		seenIdx[key] = dest
		x[dest] = x[src]
	}

	return x[dest:]
}
