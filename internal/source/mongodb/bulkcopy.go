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
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/types"
)

// bulkCopier implements types.BulkCopier using a plain batched
// find(). MongoDB collections have no equivalent of a
// consistent snapshot LSN, so the copy is a best-effort point-in-time
// read rather than a true consistent snapshot; the streaming change
// feed that starts before the copy covers any write that lands during
// the copy, and ReplacingMergeTree's last-write-wins semantics resolve
// any overlap.
type bulkCopier struct {
	coll      *mongo.Collection
	batchSize int32
}

func (b *bulkCopier) BulkCopy(ctx context.Context, schema types.TableSchema, snapshot types.CursorToken, sink types.BulkSink) error {
	opts := options.Find().SetBatchSize(b.batchSize).SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := b.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return errors.Wrapf(err, "bulk copy find for %s", schema.Ref)
	}
	defer cursor.Close(ctx)

	var batch []map[string]types.Value
	total := 0
	for cursor.Next(ctx) {
		row, err := bsonToRow(cursor.Current)
		if err != nil {
			return errors.Wrap(err, "decoding bulk copy document")
		}
		batch = append(batch, row)

		if len(batch) >= int(b.batchSize) {
			if err := sink.InsertBulk(ctx, schema.Ref, schema, batch); err != nil {
				return errors.Wrapf(err, "inserting bulk copy batch for %s", schema.Ref)
			}
			total += len(batch)
			batch = nil
		}
	}
	if err := cursor.Err(); err != nil {
		return errors.Wrap(err, "iterating bulk copy cursor")
	}
	if len(batch) > 0 {
		if err := sink.InsertBulk(ctx, schema.Ref, schema, batch); err != nil {
			return errors.Wrapf(err, "inserting final bulk copy batch for %s", schema.Ref)
		}
		total += len(batch)
	}

	log.WithField("collection", schema.Ref.String()).WithField("rows", total).Info("bulk copy complete")
	return nil
}
