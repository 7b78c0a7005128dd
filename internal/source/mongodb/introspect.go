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

package mongodb

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

const defaultSampleSize = 100

// Introspect implements types.Introspector: since MongoDB collections
// are schemaless, the field set is discovered by sampling documents
// rather than reading a declared schema. _id is always treated as the
// primary key.
func (s *Source) Introspect(ctx context.Context) ([]types.TableSchema, error) {
	sampleSize := s.cfg.SampleSize
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}

	schemas := make([]types.TableSchema, 0, len(s.cfg.Collections))
	for _, c := range s.cfg.Collections {
		schema, err := s.sampleCollection(ctx, c.CollectionName, sampleSize)
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(); err != nil {
			return nil, types.MarkConfig(errors.Wrapf(err, "collection %s", c.CollectionName))
		}
		schemas = append(schemas, schema)
	}

	next := s.Tables()
	for _, schema := range schemas {
		next[schema.Ref.String()] = schema
	}
	s.tables.Set(next)

	return schemas, nil
}

func (s *Source) sampleCollection(ctx context.Context, name string, sampleSize int) (types.TableSchema, error) {
	coll := s.db.Collection(name)

	pipeline := bson.A{
		bson.D{{Key: "$sample", Value: bson.D{{Key: "size", Value: sampleSize}}}},
	}
	cursor, err := coll.Aggregate(ctx, pipeline, options.Aggregate())
	if err != nil {
		return types.TableSchema{}, errors.Wrapf(err, "sampling collection %s", name)
	}
	defer cursor.Close(ctx)

	fields := map[string]types.SourceType{"_id": {Kind: types.SourceText, Native: "objectId"}}
	order := []string{"_id"}

	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return types.TableSchema{}, errors.Wrap(err, "decoding sample document")
		}
		for _, elem := range doc {
			if _, seen := fields[elem.Key]; seen {
				continue
			}
			fields[elem.Key] = inferBSONType(elem.Value)
			order = append(order, elem.Key)
		}
	}
	if err := cursor.Err(); err != nil {
		return types.TableSchema{}, errors.Wrap(err, "iterating sample cursor")
	}

	cols := make([]types.ColumnSpec, 0, len(order))
	for i, name := range order {
		cols = append(cols, types.ColumnSpec{
			Name:         name,
			Type:         fields[name],
			Nullable:     name != "_id",
			IsPrimaryKey: name == "_id",
			Ordinal:      i,
		})
	}

	return types.TableSchema{
		Ref:        ident.NewSourceRef(s.cfg.Database, name),
		Columns:    cols,
		PrimaryKey: []string{"_id"},
	}, nil
}

func inferBSONType(v any) types.SourceType {
	switch t := v.(type) {
	case bool:
		return types.SourceType{Kind: types.SourceBool}
	case int32, int64:
		return types.SourceType{Kind: types.SourceInt}
	case float64:
		return types.SourceType{Kind: types.SourceFloat}
	case string:
		return types.SourceType{Kind: types.SourceText}
	case bson.Binary:
		return types.SourceType{Kind: types.SourceBytea}
	case bson.ObjectID:
		return types.SourceType{Kind: types.SourceText, Native: "objectId"}
	case bson.DateTime:
		return types.SourceType{Kind: types.SourceTimestamp}
	case bson.A:
		elem := types.SourceType{Kind: types.SourceJSON}
		if len(t) > 0 {
			e := inferBSONType(t[0])
			elem = e
		}
		return types.SourceType{Kind: types.SourceArray, Element: &elem}
	case bson.D:
		return types.SourceType{Kind: types.SourceJSON}
	default:
		return types.SourceType{Kind: types.SourceJSON}
	}
}

// EnsurePrerequisites implements types.Introspector. MongoDB requires
// no server-side replication object analogous to a PostgreSQL
// publication/slot; it returns the current resume token as the
// snapshot point the bulk copy should run against, opening the
// change stream first so that no write landing between the snapshot
// read and the stream's start is missed.
func (s *Source) EnsurePrerequisites(ctx context.Context) (types.CursorToken, error) {
	decoder, err := newDecoder(ctx, s)
	if err != nil {
		return nil, err
	}
	s.decoder = decoder
	return decoder.resumeTokenBytes(), nil
}
