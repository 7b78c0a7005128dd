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

package app

import (
	"context"

	"github.com/google/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/config"
	"github.com/myyrakle/clockpipe/internal/cursor/file"
	"github.com/myyrakle/clockpipe/internal/source/mongodb"
	"github.com/myyrakle/clockpipe/internal/source/postgres"
	"github.com/myyrakle/clockpipe/internal/sync"
	"github.com/myyrakle/clockpipe/internal/target/clickhouse"
	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/diag"
)

// Set is used by Wire. Start in app.go is the hand-maintained
// injector for this set.
var Set = wire.NewSet(
	ProvideWriter,
	ProvideReconciler,
	ProvideSource,
	ProvideLoop,
	diag.New,
)

// ProvideWriter dials the ClickHouse target and ensures the bulk-copy
// state table exists.
func ProvideWriter(ctx context.Context, cfg *config.Config) (*clickhouse.Writer, func(), error) {
	writer, err := clickhouse.Open(clickhouse.Config{
		Host:       cfg.Target.ClickHouse.Connection.Host,
		Port:       cfg.Target.ClickHouse.Connection.Port,
		Username:   cfg.Target.ClickHouse.Connection.Username,
		Password:   cfg.Target.ClickHouse.Connection.Password,
		Database:   cfg.Target.ClickHouse.Connection.Database,
		SourceType: cfg.Source.SourceType,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening clickhouse target")
	}
	cleanup := func() {
		if cerr := writer.Close(); cerr != nil {
			log.WithError(cerr).Warn("error closing clickhouse target")
		}
	}
	if err := writer.EnsureCopyStateTable(ctx); err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "ensuring bulk copy state table")
	}
	return writer, cleanup, nil
}

// ProvideSource dials the configured source adapter and returns it
// together with the mask-column resolver the sync loop and bulk sink
// consult.
func ProvideSource(ctx context.Context, cfg *config.Config) (types.Source, sync.MaskColumns, func(), error) {
	var source types.Source
	var maskColumns sync.MaskColumns
	var err error

	switch cfg.Source.SourceType {
	case "postgres":
		source, maskColumns, err = startPostgres(ctx, cfg.Source.Postgres, cfg.CopyBatchSize)
	case "mongodb":
		source, maskColumns, err = startMongo(ctx, cfg.Source.Mongodb)
	default:
		err = types.MarkConfig(errors.Errorf("unknown source_type %q", cfg.Source.SourceType))
	}
	if err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() {
		if cerr := source.Close(); cerr != nil {
			log.WithError(cerr).Warn("error closing source")
		}
	}
	return source, maskColumns, cleanup, nil
}

func startPostgres(ctx context.Context, cfg *config.PostgresConfig, copyBatchSize int) (types.Source, sync.MaskColumns, error) {
	tables := make([]postgres.TableConfig, 0, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tables = append(tables, postgres.TableConfig{
			SchemaName:  t.SchemaName,
			TableName:   t.TableName,
			MaskColumns: t.MaskColumns,
			SkipCopy:    t.SkipCopy,
		})
	}

	source, err := postgres.Open(ctx, postgres.Config{
		Host:                cfg.Connection.Host,
		Port:                cfg.Connection.Port,
		Username:            cfg.Connection.Username,
		Password:            cfg.Connection.Password,
		Database:            cfg.Connection.Database,
		PublicationName:     cfg.PublicationName,
		ReplicationSlotName: cfg.ReplicationSlotName,
		Tables:              tables,
		CopyBatchSize:       copyBatchSize,
	})
	if err != nil {
		return nil, nil, err
	}

	return source, source.MaskSetFor, nil
}

func startMongo(ctx context.Context, cfg *config.MongoConfig) (types.Source, sync.MaskColumns, error) {
	collections := make([]mongodb.CollectionConfig, 0, len(cfg.Collections))
	for _, c := range cfg.Collections {
		collections = append(collections, mongodb.CollectionConfig{
			CollectionName: c.CollectionName,
			MaskFields:     c.MaskFields,
			SkipCopy:       c.SkipCopy,
		})
	}

	cursorStore := file.New(cfg.ResumeTokenPath)

	source, err := mongodb.Open(ctx, mongodb.Config{
		Host:          cfg.Connection.Host,
		Port:          cfg.Connection.Port,
		Username:      cfg.Connection.Username,
		Password:      cfg.Connection.Password,
		Database:      cfg.Connection.Database,
		Collections:   collections,
		CopyBatchSize: cfg.CopyBatchSize,
	}, cursorStore)
	if err != nil {
		return nil, nil, err
	}

	return source, source.MaskSetFor, nil
}
