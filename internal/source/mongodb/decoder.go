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
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

// Decoder implements types.Decoder over a single database-level
// change stream covering every configured collection.
type Decoder struct {
	source *Source
	stream *mongo.ChangeStream

	lastToken bson.Raw
}

type changeEvent struct {
	OperationType string        `bson:"operationType"`
	FullDocument  bson.Raw      `bson:"fullDocument"`
	DocumentKey   bson.Raw      `bson:"documentKey"`
	Namespace     changeNS      `bson:"ns"`
	ClusterTime   bson.DateTime `bson:"clusterTime"`
}

type changeNS struct {
	Database   string `bson:"db"`
	Collection string `bson:"coll"`
}

func newDecoder(ctx context.Context, s *Source) (*Decoder, error) {
	// The stream is opened database-wide but filtered server-side to
	// the configured collections, so writes to unconfigured
	// collections never reach the decoder or take up batch capacity.
	// Dropping a whole database still surfaces as one drop event per
	// collection, so those match too.
	pipeline := bson.A{watchFilter(s.cfg.Collections)}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	var resumeToken bson.Raw
	if existing, err := s.cursor.Load(ctx); err == nil {
		resumeToken = bson.Raw(existing)
		opts.SetResumeAfter(resumeToken)
	} else if !errors.Is(err, types.ErrFirstRun) {
		return nil, errors.Wrap(err, "loading mongodb resume token")
	}

	stream, err := s.db.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening change stream")
	}

	d := &Decoder{source: s, stream: stream, lastToken: stream.ResumeToken()}
	return d, nil
}

// watchFilter builds the $match stage restricting a database-level
// change stream to the configured collections.
func watchFilter(collections []CollectionConfig) bson.D {
	names := make(bson.A, 0, len(collections))
	for _, c := range collections {
		names = append(names, c.CollectionName)
	}
	return bson.D{{Key: "$match", Value: bson.D{
		{Key: "ns.coll", Value: bson.D{{Key: "$in", Value: names}}},
	}}}
}

func (d *Decoder) resumeTokenBytes() types.CursorToken {
	if d.lastToken == nil {
		return nil
	}
	return types.CursorToken(d.lastToken)
}

// Close releases the underlying change-stream cursor.
func (d *Decoder) Close(ctx context.Context) {
	d.stream.Close(ctx)
}

// Peek implements types.Decoder.
func (d *Decoder) Peek(ctx context.Context, limit int) (types.Batch, error) {
	var records []types.ChangeRecord

	deadline := time.Now().Add(1 * time.Second)
	for len(records) < limit && time.Now().Before(deadline) {
		tryCtx, cancel := context.WithDeadline(ctx, deadline)
		hasNext := d.stream.TryNext(tryCtx)
		cancel()
		if !hasNext {
			if err := d.stream.Err(); err != nil {
				return types.Batch{}, d.classifyError(err)
			}
			break
		}

		var ev changeEvent
		if err := d.stream.Decode(&ev); err != nil {
			return types.Batch{}, errors.Wrap(err, "decoding change event")
		}

		rec, ok, err := d.convertEvent(ev)
		if err != nil {
			return types.Batch{}, err
		}
		if ok {
			if rec.Op.Kind == types.OpInsert || rec.Op.Kind == types.OpUpdate {
				d.source.extendSchema(rec.Ref, rec.Row)
			}
			records = append(records, rec)
		}
		d.lastToken = d.stream.ResumeToken()
	}

	if len(records) == 0 {
		return types.Batch{}, nil
	}
	return types.Batch{Records: records, LastToken: d.resumeTokenBytes()}, nil
}

// classifyError detects ChangeStreamHistoryLost, which is fatal,
// and marks everything else transient.
func (d *Decoder) classifyError(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 286 {
		return types.ErrCursorLost
	}
	return types.MarkTransient(err)
}

func (d *Decoder) convertEvent(ev changeEvent) (types.ChangeRecord, bool, error) {
	ref := ident.NewSourceRef(ev.Namespace.Database, ev.Namespace.Collection)

	switch ev.OperationType {
	case "insert":
		row, err := bsonToRow(ev.FullDocument)
		if err != nil {
			return types.ChangeRecord{}, false, err
		}
		return types.ChangeRecord{Ref: ref, Op: types.ChangeOp{Kind: types.OpInsert}, Row: row}, true, nil

	case "update", "replace":
		row, err := bsonToRow(ev.FullDocument)
		if err != nil {
			return types.ChangeRecord{}, false, err
		}
		if row == nil {
			// fullDocument was unavailable (document since deleted); skip,
			// the delete event that inevitably follows removes the row.
			return types.ChangeRecord{}, false, nil
		}
		return types.ChangeRecord{Ref: ref, Op: types.ChangeOp{Kind: types.OpUpdate}, Row: row}, true, nil

	case "delete":
		key, err := bsonToRow(ev.DocumentKey)
		if err != nil {
			return types.ChangeRecord{}, false, err
		}
		return types.ChangeRecord{Ref: ref, Op: types.ChangeOp{Kind: types.OpDelete}, Row: key}, true, nil

	case "drop", "dropDatabase", "rename":
		return types.ChangeRecord{Ref: ref, Op: types.ChangeOp{Kind: types.OpTruncate}}, true, nil

	default:
		return types.ChangeRecord{}, false, nil
	}
}

func bsonToRow(raw bson.Raw) (map[string]types.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshaling document")
	}
	row := make(map[string]types.Value, len(doc))
	for _, elem := range doc {
		row[elem.Key] = bsonToValue(elem.Value)
	}
	return row, nil
}

func bsonToValue(v any) types.Value {
	switch t := v.(type) {
	case nil:
		return types.Null
	case bool:
		return types.BoolValue(t)
	case int32:
		return types.IntValue(int64(t))
	case int64:
		return types.IntValue(t)
	case float64:
		return types.FloatValue(t)
	case string:
		return types.StringValue(t)
	case bson.Binary:
		return types.BytesValue(t.Data)
	case bson.ObjectID:
		return types.StringValue(t.Hex())
	case bson.DateTime:
		return types.TimestampValue(t.Time())
	case bson.A:
		vals := make([]types.Value, len(t))
		for i, e := range t {
			vals[i] = bsonToValue(e)
		}
		return types.ArrayValue(vals)
	case bson.D:
		doc := make(map[string]types.Value, len(t))
		for _, e := range t {
			doc[e.Key] = bsonToValue(e.Value)
		}
		return types.DocumentValue(doc)
	default:
		return types.StringValue("")
	}
}
