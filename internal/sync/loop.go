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

// Package sync implements the steady-state peek/write/ack loop that
// keeps a single source's configured tables converged against
// ClickHouse.
package sync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/metrics"
	"github.com/myyrakle/clockpipe/internal/util/msort"
	"github.com/myyrakle/clockpipe/internal/util/stopper"
	"github.com/myyrakle/clockpipe/internal/util/version"
)

// Tuning carries the loop's configurable sleeps and limits.
type Tuning struct {
	SleepWhenPeekFailed     time.Duration
	SleepWhenPeekEmpty      time.Duration
	SleepWhenWriteFailed    time.Duration
	SleepAfterIteration     time.Duration
	SleepAfterWrite         time.Duration
	PeekLimit               int
}

// MaskColumns resolves the configured mask-column set for a table ref.
type MaskColumns func(ref types.SourceRef) map[string]bool

// Reconciler re-synchronizes one table's target schema with its
// current source schema. The loop calls it when the column set it
// tracked for a table changes mid-stream, before writing any row that
// carries the new columns.
type Reconciler interface {
	Reconcile(ctx context.Context, schema types.TableSchema) (created bool, err error)
}

// Loop drives one Source's changes into one Writer until its
// stopper.Context is stopped.
type Loop struct {
	Source      types.Source
	Writer      types.Writer
	Tuning      Tuning
	MaskColumns MaskColumns
	Clock       *version.Clock

	// Reconciler, when set, is invoked for a table whose column count
	// changed since the loop last wrote to it. Optional.
	Reconciler Reconciler

	colsSeen map[string]int
}

// NewLoop builds a Loop. clock should be seeded (via version.NewClock)
// from the highest _version already present in the target, so that a
// restart never reuses a version number handed out before the restart.
func NewLoop(source types.Source, writer types.Writer, tuning Tuning, maskColumns MaskColumns, clock *version.Clock) *Loop {
	return &Loop{
		Source:      source,
		Writer:      writer,
		Tuning:      tuning,
		MaskColumns: maskColumns,
		Clock:       clock,
		colsSeen:    make(map[string]int),
	}
}

// Run executes the loop until ctx is stopped or a fatal error occurs.
// Every iteration: peek a batch, deduplicate it per table, write each
// table's batch with a fresh monotonic version, and only then ack the
// batch's cursor token, in that order, so a crash between write and
// ack simply replays the same batch next time. Replay is safe:
// versions only ever grow, so the target converges to the same state.
func (l *Loop) Run(ctx *stopper.Context) error {
	for {
		select {
		case <-ctx.Stopping():
			return nil
		default:
		}

		batch, err := l.Source.Peek(ctx, l.Tuning.PeekLimit)
		if err != nil {
			if errors.Is(err, types.ErrSlotLost) || errors.Is(err, types.ErrCursorLost) || errors.Is(err, types.ErrConfig) {
				return err
			}
			log.WithError(err).Warn("peek failed, will retry")
			if !sleepOrStop(ctx, l.Tuning.SleepWhenPeekFailed) {
				return nil
			}
			continue
		}

		if batch.Empty() {
			if !sleepOrStop(ctx, l.Tuning.SleepWhenPeekEmpty) {
				return nil
			}
			continue
		}

		if err := l.writeBatch(ctx, batch); err != nil {
			log.WithError(err).Warn("write failed, will retry the same batch")
			if !sleepOrStop(ctx, l.Tuning.SleepWhenWriteFailed) {
				return nil
			}
			continue
		}

		if err := l.Source.Ack(ctx, batch.LastToken); err != nil {
			log.WithError(err).Warn("ack failed, next peek will re-deliver this batch")
			if !sleepOrStop(ctx, l.Tuning.SleepWhenWriteFailed) {
				return nil
			}
			continue
		}

		if !sleepOrStop(ctx, l.Tuning.SleepAfterIteration) {
			return nil
		}
	}
}

// writeBatch groups batch's records by table, preserving relative
// order within a table, and writes each group as one InsertBatch call
// so that every row in a group shares a contiguous version range.
func (l *Loop) writeBatch(ctx context.Context, batch types.Batch) error {
	groups := groupByTable(batch.Records)
	tables := l.Source.Tables()

	for refKey, records := range groups {
		schema, ok := tables[refKey]
		if !ok {
			log.WithField("table", refKey).Warn("dropping changes for untracked table")
			continue
		}

		if hasTruncate(records) {
			if err := l.Writer.Truncate(ctx, schema.Ref); err != nil {
				return errors.Wrapf(err, "truncating %s", refKey)
			}
			records = dropThroughLastTruncate(records)
			if len(records) == 0 {
				continue
			}
		}

		if err := l.maybeReconcile(ctx, refKey, schema); err != nil {
			return err
		}

		deduped := msort.UniqueByKey(schema, records)

		var mask map[string]bool
		if l.MaskColumns != nil {
			mask = l.MaskColumns(schema.Ref)
		}

		ver := l.Clock.Next(len(deduped))
		start := time.Now()
		if err := l.Writer.InsertBatch(ctx, schema.Ref, schema, deduped, uint64(ver), mask); err != nil {
			return errors.Wrapf(err, "writing %s", refKey)
		}
		metrics.ObserveWriteLatency(schema.Ref, time.Since(start))

		if l.Tuning.SleepAfterWrite > 0 {
			time.Sleep(l.Tuning.SleepAfterWrite)
		}
	}
	return nil
}

// maybeReconcile runs the Reconciler for a table whose column count
// differs from what this loop last saw, so a column added on the
// source reaches the target before the first row that carries it. The
// first batch for each table costs one extra, idempotent reconcile.
func (l *Loop) maybeReconcile(ctx context.Context, refKey string, schema types.TableSchema) error {
	if l.Reconciler == nil {
		return nil
	}
	if l.colsSeen == nil {
		l.colsSeen = make(map[string]int)
	}
	if l.colsSeen[refKey] == len(schema.Columns) {
		return nil
	}
	if _, err := l.Reconciler.Reconcile(ctx, schema); err != nil {
		return errors.Wrapf(err, "reconciling %s", refKey)
	}
	l.colsSeen[refKey] = len(schema.Columns)
	return nil
}

func groupByTable(records []types.ChangeRecord) map[string][]types.ChangeRecord {
	groups := make(map[string][]types.ChangeRecord)
	for _, r := range records {
		key := r.Ref.String()
		groups[key] = append(groups[key], r)
	}
	return groups
}

func hasTruncate(records []types.ChangeRecord) bool {
	for _, r := range records {
		if r.IsTruncate() {
			return true
		}
	}
	return false
}

// dropThroughLastTruncate discards every record up to and including
// the last truncate, since they are superseded by it; only rows that
// arrived after the last truncate still need to be written.
func dropThroughLastTruncate(records []types.ChangeRecord) []types.ChangeRecord {
	last := -1
	for i, r := range records {
		if r.IsTruncate() {
			last = i
		}
	}
	return records[last+1:]
}

func sleepOrStop(ctx *stopper.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Stopping():
		return false
	case <-timer.C:
		return true
	}
}
