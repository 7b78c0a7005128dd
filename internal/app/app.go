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

// Package app wires together the configured source and target into a
// running pipeline: a Start function builds each dependency in order
// and stacks a cleanup closure on every successful step, so that a
// failure partway through still unwinds everything opened so far.
package app

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/bulk"
	"github.com/myyrakle/clockpipe/internal/config"
	"github.com/myyrakle/clockpipe/internal/sync"
	"github.com/myyrakle/clockpipe/internal/target/clickhouse"
	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/diag"
	"github.com/myyrakle/clockpipe/internal/util/ident"
	"github.com/myyrakle/clockpipe/internal/util/stopper"
	"github.com/myyrakle/clockpipe/internal/util/version"
)

// App holds every long-lived component a running pipeline needs to
// shut down cleanly.
type App struct {
	Source      types.Source
	Writer      *clickhouse.Writer
	Reconciler  *clickhouse.Reconciler
	Loop        *sync.Loop
	Diagnostics *diag.Diagnostics
}

// Start builds the full pipeline described by cfg: dials the target,
// dials the source, reconciles every configured table's schema,
// performs the initial bulk copy of any table that has never been
// copied, and returns the steady-state Loop ready to Run.
//
// This is the hand-maintained equivalent of the injector Wire would
// generate from Set in provider.go: each provider is called in
// dependency order and its cleanup stacked, so a failure partway
// through still unwinds everything opened so far.
func Start(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	var cleanups []func()
	cleanupAll := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	writer, writerCleanup, err := ProvideWriter(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, writerCleanup)

	reconciler := ProvideReconciler(cfg, writer)

	source, maskColumns, sourceCleanup, err := ProvideSource(ctx, cfg)
	if err != nil {
		cleanupAll()
		return nil, nil, err
	}
	cleanups = append(cleanups, sourceCleanup)
	writer.SetMaskColumns(maskColumns)

	schemas, err := source.Introspect(ctx)
	if err != nil {
		cleanupAll()
		return nil, nil, errors.Wrap(err, "introspecting source")
	}
	for _, schema := range schemas {
		mask := maskColumns(schema.Ref)
		for _, pk := range schema.PrimaryKey {
			if mask[pk] {
				cleanupAll()
				return nil, nil, types.MarkConfig(errors.Errorf("table %s: primary key column %q cannot be masked", schema.Ref, pk))
			}
		}
	}

	for _, schema := range schemas {
		if _, err := reconciler.Reconcile(ctx, schema); err != nil {
			cleanupAll()
			return nil, nil, errors.Wrapf(err, "reconciling %s", schema.Ref)
		}
	}

	snapshot, err := source.EnsurePrerequisites(ctx)
	if err != nil {
		cleanupAll()
		return nil, nil, errors.Wrap(err, "ensuring source replication prerequisites")
	}

	if err := runBulkCopies(ctx, cfg, writer, source, schemas, snapshot); err != nil {
		cleanupAll()
		return nil, nil, err
	}

	refs := make([]types.SourceRef, 0, len(schemas))
	for _, schema := range schemas {
		refs = append(refs, schema.Ref)
	}
	floor, err := writer.MaxVersion(ctx, refs)
	if err != nil {
		cleanupAll()
		return nil, nil, errors.Wrap(err, "reading highest target version")
	}

	loop := ProvideLoop(cfg, source, writer, maskColumns, reconciler, version.NewClock(version.Version(floor)))

	diagnostics, diagCleanup := diag.New(ctx)
	cleanups = append(cleanups, diagCleanup)
	if err := diagnostics.Register("clickhouse", writer); err != nil {
		cleanupAll()
		return nil, nil, errors.Wrap(err, "registering clickhouse diagnostic")
	}
	if pinger, ok := source.Cursor().(diag.Pinger); ok {
		if err := diagnostics.Register("cursor", pinger); err != nil {
			cleanupAll()
			return nil, nil, errors.Wrap(err, "registering cursor diagnostic")
		}
	}

	app := &App{Source: source, Writer: writer, Reconciler: reconciler, Loop: loop, Diagnostics: diagnostics}
	return app, cleanupAll, nil
}

// runBulkCopies performs the one-shot snapshot copy for every table
// that has not opted out with skip_copy and has never completed a
// copy. Completion is tracked in the target itself, so a table whose
// copy crashed midway is retried on the next run while a completed
// copy is never repeated.
func runBulkCopies(
	ctx context.Context,
	cfg *config.Config,
	writer *clickhouse.Writer,
	source types.Source,
	schemas []types.TableSchema,
	snapshot types.CursorToken,
) error {
	skipCopy := skipCopyFunc(cfg)
	copier := bulk.NewCopier(writer)
	for _, schema := range schemas {
		if skipCopy(schema.Ref) {
			continue
		}
		done, err := writer.CopyCompleted(ctx, schema.Ref)
		if err != nil {
			return errors.Wrapf(err, "checking bulk copy state for %s", schema.Ref)
		}
		if done {
			continue
		}
		if err := copier.CopyTable(ctx, schema, snapshot, source.BulkCopier(schema)); err != nil {
			return errors.Wrapf(err, "bulk copying %s", schema.Ref)
		}
		if err := writer.MarkCopyCompleted(ctx, schema.Ref); err != nil {
			return errors.Wrapf(err, "marking bulk copy complete for %s", schema.Ref)
		}
	}
	return nil
}

// skipCopyFunc builds the per-table/per-collection skip_copy lookup
// used to decide, alongside a table's bulk copy completion status,
// whether the initial bulk copy runs for it.
func skipCopyFunc(cfg *config.Config) func(types.SourceRef) bool {
	switch cfg.Source.SourceType {
	case "postgres":
		skip := make(map[string]bool, len(cfg.Source.Postgres.Tables))
		for _, t := range cfg.Source.Postgres.Tables {
			skip[t.SchemaName+"."+t.TableName] = t.SkipCopy
		}
		return func(ref types.SourceRef) bool { return skip[ref.String()] }
	case "mongodb":
		skip := make(map[string]bool, len(cfg.Source.Mongodb.Collections))
		for _, c := range cfg.Source.Mongodb.Collections {
			skip[c.CollectionName] = c.SkipCopy
		}
		return func(ref types.SourceRef) bool { return skip[ref.Name.Raw()] }
	default:
		return func(types.SourceRef) bool { return false }
	}
}

// ProvideReconciler builds the schema reconciler with the global table
// options as defaults and any per-table overrides registered on top.
func ProvideReconciler(cfg *config.Config, writer *clickhouse.Writer) *clickhouse.Reconciler {
	tableOpts := types.TableOptions{}
	if cfg.Target.ClickHouse.TableOptions != nil {
		tableOpts.StoragePolicy = cfg.Target.ClickHouse.TableOptions.StoragePolicy
		tableOpts.Granularity = cfg.Target.ClickHouse.TableOptions.Granularity
		if cfg.Target.ClickHouse.TableOptions.MinAgeToForceMergeSeconds != nil {
			tableOpts.MinAgeToForceMergeSeconds = *cfg.Target.ClickHouse.TableOptions.MinAgeToForceMergeSeconds
		}
	}
	reconciler := clickhouse.NewReconciler(writer, tableOpts)

	if cfg.Source.SourceType == "postgres" {
		for _, t := range cfg.Source.Postgres.Tables {
			if t.TableOptions == nil {
				continue
			}
			opts := types.TableOptions{
				StoragePolicy: t.TableOptions.StoragePolicy,
				Granularity:   t.TableOptions.Granularity,
			}
			if t.TableOptions.MinAgeToForceMergeSeconds != nil {
				opts.MinAgeToForceMergeSeconds = *t.TableOptions.MinAgeToForceMergeSeconds
			}
			reconciler.SetTableOptions(ident.NewSourceRef(t.SchemaName, t.TableName), opts)
		}
	}
	return reconciler
}

// ProvideLoop builds the steady-state sync loop from its already-open
// dependencies. clock must be seeded from the highest _version already
// durable in the target (Writer.MaxVersion) so a restart never hands
// out a version number a previous run already wrote.
func ProvideLoop(
	cfg *config.Config,
	source types.Source,
	writer *clickhouse.Writer,
	maskColumns sync.MaskColumns,
	reconciler *clickhouse.Reconciler,
	clock *version.Clock,
) *sync.Loop {
	tuning := sync.Tuning{
		SleepWhenPeekFailed:  cfg.SleepWhenPeekFailed(),
		SleepWhenPeekEmpty:   cfg.SleepWhenPeekEmpty(),
		SleepWhenWriteFailed: cfg.SleepWhenWriteFailed(),
		SleepAfterIteration:  cfg.SleepAfterSyncIteration(),
		SleepAfterWrite:      cfg.SleepAfterSyncWrite(),
		PeekLimit:            cfg.PeekChangesLimit,
	}
	loop := sync.NewLoop(source, writer, tuning, maskColumns, clock)
	loop.Reconciler = reconciler
	return loop
}

// RunForever starts the pipeline and runs its steady-state loop until
// ctx is stopped. With disable_sync_loop set, the run ends once the
// startup work (schema reconciliation and any pending bulk copies)
// has finished, turning the pipeline into a one-shot import.
func RunForever(ctx *stopper.Context, cfg *config.Config) error {
	app, cleanup, err := Start(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Target.ClickHouse.DisableSyncLoop {
		log.Info("sync loop disabled, exiting after bulk copy")
		return nil
	}

	return app.Loop.Run(ctx)
}
