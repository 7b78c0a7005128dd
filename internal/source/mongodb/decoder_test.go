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
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/myyrakle/clockpipe/internal/types"
)

func marshalDoc(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestConvertEventInsert(t *testing.T) {
	d := &Decoder{}
	ev := changeEvent{
		OperationType: "insert",
		FullDocument:  marshalDoc(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "widget"}}),
		Namespace:     changeNS{Database: "shop", Collection: "widgets"},
	}

	rec, ok, err := d.convertEvent(ev)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.OpInsert, rec.Op.Kind)
	require.Equal(t, "shop.widgets", rec.Ref.String())
	require.Equal(t, types.IntValue(1), rec.Row["_id"])
	require.Equal(t, types.StringValue("widget"), rec.Row["name"])
}

func TestConvertEventUpdateWithMissingFullDocumentIsSkipped(t *testing.T) {
	d := &Decoder{}
	ev := changeEvent{
		OperationType: "update",
		Namespace:     changeNS{Database: "shop", Collection: "widgets"},
	}

	_, ok, err := d.convertEvent(ev)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConvertEventDeleteUsesDocumentKey(t *testing.T) {
	d := &Decoder{}
	ev := changeEvent{
		OperationType: "delete",
		DocumentKey:   marshalDoc(t, bson.D{{Key: "_id", Value: int32(7)}}),
		Namespace:     changeNS{Database: "shop", Collection: "widgets"},
	}

	rec, ok, err := d.convertEvent(ev)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.IsDelete())
	require.Equal(t, types.IntValue(7), rec.Row["_id"])
}

func TestConvertEventDropProducesTruncate(t *testing.T) {
	d := &Decoder{}
	ev := changeEvent{OperationType: "drop", Namespace: changeNS{Database: "shop", Collection: "widgets"}}

	rec, ok, err := d.convertEvent(ev)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.IsTruncate())
}

func TestConvertEventUnknownOperationIsIgnored(t *testing.T) {
	d := &Decoder{}
	ev := changeEvent{OperationType: "invalidate"}

	_, ok, err := d.convertEvent(ev)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBsonToValueScalarTypes(t *testing.T) {
	require.Equal(t, types.Null, bsonToValue(nil))
	require.Equal(t, types.BoolValue(true), bsonToValue(true))
	require.Equal(t, types.IntValue(5), bsonToValue(int32(5)))
	require.Equal(t, types.IntValue(5), bsonToValue(int64(5)))
	require.Equal(t, types.FloatValue(1.5), bsonToValue(1.5))
	require.Equal(t, types.StringValue("x"), bsonToValue("x"))
}

func TestBsonToValueArrayAndDocument(t *testing.T) {
	arr := bsonToValue(bson.A{int32(1), "two"})
	require.Equal(t, types.KindArray, arr.Kind)
	require.Len(t, arr.Array, 2)

	doc := bsonToValue(bson.D{{Key: "k", Value: "v"}})
	require.Equal(t, types.KindDocument, doc.Kind)
	require.Equal(t, types.StringValue("v"), doc.Document["k"])
}

func TestBsonToRowEmptyRawReturnsNil(t *testing.T) {
	row, err := bsonToRow(nil)
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestWatchFilterRestrictsToConfiguredCollections(t *testing.T) {
	stage := watchFilter([]CollectionConfig{
		{CollectionName: "orders"},
		{CollectionName: "users"},
	})

	require.Equal(t, "$match", stage[0].Key)
	match, ok := stage[0].Value.(bson.D)
	require.True(t, ok)
	require.Equal(t, "ns.coll", match[0].Key)
	in, ok := match[0].Value.(bson.D)
	require.True(t, ok)
	require.Equal(t, "$in", in[0].Key)
	require.Equal(t, bson.A{"orders", "users"}, in[0].Value)
}
