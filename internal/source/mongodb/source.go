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

// Package mongodb implements the MongoDB source adapter: sampled
// introspection, change-stream decoding, and the initial bulk copy.
package mongodb

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/notify"
)

// CollectionConfig names one collection to replicate.
type CollectionConfig struct {
	CollectionName string
	MaskFields     []string
	SkipCopy       bool
}

// Config carries everything the MongoDB source needs to connect.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	Database       string
	Collections    []CollectionConfig
	CopyBatchSize  int
	SampleSize     int
}

func (c Config) uri() string {
	if c.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d", c.Host, c.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d", c.Username, c.Password, c.Host, c.Port)
}

// Source implements types.Source against a MongoDB replica set's
// change streams.
type Source struct {
	cfg    Config
	client *mongo.Client
	db     *mongo.Database

	// tables holds the latest schema for every replicated collection.
	// Observers can wait on it to learn that the field set changed.
	tables notify.Var[map[string]types.TableSchema]

	decoder *Decoder
	cursor  types.CursorStore
}

// Open dials MongoDB. cursor is the CursorStore (a file-backed
// store) the decoder reads its resume token from.
func Open(ctx context.Context, cfg Config, cursor types.CursorStore) (*Source, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.uri()))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "pinging mongodb")
	}
	return &Source{
		cfg:    cfg,
		client: client,
		db:     client.Database(cfg.Database),
		cursor: cursor,
	}, nil
}

// Tables implements types.Source.
func (s *Source) Tables() map[string]types.TableSchema {
	current, _ := s.tables.Get()
	out := make(map[string]types.TableSchema, len(current))
	for k, v := range current {
		out[k] = v
	}
	return out
}

// Cursor implements types.Source.
func (s *Source) Cursor() types.CursorStore { return s.cursor }

// BulkCopier implements types.Source.
func (s *Source) BulkCopier(schema types.TableSchema) types.BulkCopier {
	coll := s.db.Collection(schema.Ref.Name.Raw())
	batchSize := s.cfg.CopyBatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &bulkCopier{coll: coll, batchSize: int32(batchSize)}
}

// Peek implements types.Source.
func (s *Source) Peek(ctx context.Context, limit int) (types.Batch, error) {
	if s.decoder == nil {
		return types.Batch{}, errors.New("mongodb source: EnsurePrerequisites must run before Peek")
	}
	return s.decoder.Peek(ctx, limit)
}

// Ack implements types.Source. MongoDB's change streams have no
// server-side acknowledgement concept; the resume token is persisted
// through the CursorStore instead, so Ack only needs to save it there.
func (s *Source) Ack(ctx context.Context, token types.CursorToken) error {
	return s.cursor.Save(ctx, token)
}

// Close implements types.Source.
func (s *Source) Close() error {
	if s.decoder != nil {
		s.decoder.Close(context.Background())
	}
	return s.client.Disconnect(context.Background())
}

// extendSchema adds any top-level field present in row but absent
// from ref's tracked schema, so documents that grow fields after the
// sampling pass still replicate in full. New fields are appended in
// sorted name order after the existing columns, always nullable, with
// their type inferred from the first value seen.
func (s *Source) extendSchema(ref types.SourceRef, row map[string]types.Value) {
	if len(row) == 0 {
		return
	}

	next := s.Tables()
	schema, ok := next[ref.String()]
	if !ok {
		return
	}

	known := make(map[string]bool, len(schema.Columns))
	for _, c := range schema.Columns {
		known[c.Name] = true
	}
	var added []string
	for name := range row {
		if !known[name] {
			added = append(added, name)
		}
	}
	if len(added) == 0 {
		return
	}
	sort.Strings(added)

	cols := append([]types.ColumnSpec{}, schema.Columns...)
	for _, name := range added {
		cols = append(cols, types.ColumnSpec{
			Name:     name,
			Type:     valueSourceType(row[name]),
			Nullable: true,
			Ordinal:  len(cols),
		})
	}
	schema.Columns = cols
	next[ref.String()] = schema
	s.tables.Set(next)
}

// valueSourceType infers a field's effective type from a decoded
// value, mirroring what sampling-based introspection would have
// concluded had the field been present in the sample.
func valueSourceType(v types.Value) types.SourceType {
	switch v.Kind {
	case types.KindBool:
		return types.SourceType{Kind: types.SourceBool}
	case types.KindInt, types.KindUint:
		return types.SourceType{Kind: types.SourceInt}
	case types.KindFloat:
		return types.SourceType{Kind: types.SourceFloat}
	case types.KindBytes:
		return types.SourceType{Kind: types.SourceBytea}
	case types.KindTimestamp:
		return types.SourceType{Kind: types.SourceTimestamp}
	case types.KindArray:
		elem := types.SourceType{Kind: types.SourceJSON}
		if len(v.Array) > 0 {
			elem = valueSourceType(v.Array[0])
		}
		return types.SourceType{Kind: types.SourceArray, Element: &elem}
	case types.KindDocument:
		return types.SourceType{Kind: types.SourceJSON}
	default:
		return types.SourceType{Kind: types.SourceText}
	}
}

// MaskSetFor returns the configured mask-field set for ref, used as
// the sync.MaskColumns resolver wired in by internal/app.
func (s *Source) MaskSetFor(ref types.SourceRef) map[string]bool {
	for _, c := range s.cfg.Collections {
		if c.CollectionName == ref.Name.Raw() {
			set := make(map[string]bool, len(c.MaskFields))
			for _, f := range c.MaskFields {
				set[f] = true
			}
			return set
		}
	}
	return nil
}
