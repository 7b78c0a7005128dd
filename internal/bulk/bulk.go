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

// Package bulk implements the initial snapshot copy that runs, per
// table, before streaming changes begin.
package bulk

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/types"
)

// Copier runs the bulk copy for every configured table of a source
// that has not opted out with skip_copy.
type Copier struct {
	Sink types.BulkSink
}

// NewCopier builds a Copier writing through sink.
func NewCopier(sink types.BulkSink) *Copier {
	return &Copier{Sink: sink}
}

// CopyTable runs a single table's bulk copy against snapshot. The
// whole table is copied in one restartable
// unit of work; a failure partway through requires restarting the
// table from scratch rather than resuming mid-copy. Retrying is
// idempotent without a TRUNCATE: every row this writes carries
// _version=0, so ReplacingMergeTree collapses any row re-copied here
// with itself, and a row also touched by CDC always loses to the
// higher _version the sync loop assigns it.
func (c *Copier) CopyTable(ctx context.Context, schema types.TableSchema, snapshot types.CursorToken, copier types.BulkCopier) error {
	log.WithField("table", schema.Ref.String()).Info("starting bulk copy")

	if err := copier.BulkCopy(ctx, schema, snapshot, c.Sink); err != nil {
		return errors.Wrapf(err, "bulk copying table %s", schema.Ref)
	}

	log.WithField("table", schema.Ref.String()).Info("finished bulk copy")
	return nil
}
