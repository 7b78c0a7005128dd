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

package clickhouse

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/types"
)

// Reconciler keeps target tables in step with their source schemas.
// It is strictly additive: a missing table is created, a new source
// column is added in ordinal order, a column dropped on the source is
// kept on the target (with a warning) so downstream queries keep
// working, and a primary-key change fails loudly.
//
// It runs once per table at startup and again whenever the decoder
// observes the source's column list change mid-stream.
type Reconciler struct {
	writer   *Writer
	defaults types.TableOptions

	mu       sync.Mutex
	perTable map[string]types.TableOptions
}

// NewReconciler builds a Reconciler creating tables with defaults
// unless a per-table override is registered via SetTableOptions.
func NewReconciler(writer *Writer, defaults types.TableOptions) *Reconciler {
	return &Reconciler{
		writer:   writer,
		defaults: defaults,
		perTable: make(map[string]types.TableOptions),
	}
}

// SetTableOptions registers a per-table override, merged field-by-field
// over the defaults when the table is created.
func (r *Reconciler) SetTableOptions(ref types.SourceRef, opts types.TableOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perTable[ref.String()] = opts
}

func (r *Reconciler) optionsFor(ref types.SourceRef) types.TableOptions {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.defaults
	o, ok := r.perTable[ref.String()]
	if !ok {
		return merged
	}
	if o.StoragePolicy != "" {
		merged.StoragePolicy = o.StoragePolicy
	}
	if o.Granularity > 0 {
		merged.Granularity = o.Granularity
	}
	if o.MinAgeToForceMergeSeconds > 0 {
		merged.MinAgeToForceMergeSeconds = o.MinAgeToForceMergeSeconds
	}
	return merged
}

// Reconcile brings schema's target table in line with schema and
// reports whether this call created the table. On an existing table it
// diffs columns by name: columns present on the source but not the
// target are added, target columns absent from the source are logged
// and kept.
func (r *Reconciler) Reconcile(ctx context.Context, schema types.TableSchema) (created bool, err error) {
	if err := schema.Validate(); err != nil {
		return false, err
	}

	created, err = r.writer.EnsureTable(ctx, schema, r.optionsFor(schema.Ref))
	if err != nil || created {
		return created, err
	}

	existing, err := r.writer.targetColumns(ctx, schema.Ref)
	if err != nil {
		return false, err
	}

	var missing []types.ColumnSpec
	sourceCols := make(map[string]bool, len(schema.Columns))
	for _, col := range schema.Columns {
		sourceCols[col.Name] = true
		if !existing[col.Name] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		if err := r.writer.AlterAddColumns(ctx, schema.Ref, missing); err != nil {
			return false, errors.Wrapf(err, "reconciling %s", schema.Ref)
		}
	}

	for name := range existing {
		if name == versionColumn || name == signColumn || sourceCols[name] {
			continue
		}
		log.WithFields(log.Fields{
			"source": schema.Ref.String(),
			"column": name,
		}).Warn("column no longer exists on the source; the target keeps it and later inserts fill it with defaults")
	}

	return false, nil
}
