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

package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"

	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/ident"
)

const standbyUpdateInterval = 10 * time.Second

// pgoutput's TupleData.Columns[i].DataType tags how a column's value
// is encoded on the wire: 'n' for NULL, 'u' for an unchanged TOASTed
// value omitted from this tuple, anything else for a textual value.
const (
	tupleDataTypeNull  = 'n'
	tupleDataTypeToast = 'u'
)

// Decoder implements types.Decoder over a single pgoutput logical
// replication stream. It keeps a relation
// cache keyed by the wire relation ID, since pgoutput only sends a
// RelationMessage the first time (or after a schema change) a table's
// rows are streamed in a connection's lifetime.
type Decoder struct {
	conn   *pgconn.PgConn
	source *Source

	mu         sync.Mutex
	relations  map[uint32]*pglogrepl.RelationMessageV2
	lastLSN    pglogrepl.LSN
	nextUpdate time.Time

	pending  []types.ChangeRecord
	inTxn    []types.ChangeRecord
	commitAt time.Time
}

func newDecoder(conn *pgconn.PgConn, source *Source) *Decoder {
	return &Decoder{
		conn:      conn,
		source:    source,
		relations: make(map[uint32]*pglogrepl.RelationMessageV2),
	}
}

// startStreaming issues the START_REPLICATION command for the
// configured publication, using the pgoutput protocol's v2 proto
// version so that truncate messages are included.
func (d *Decoder) startStreaming(ctx context.Context) error {
	pluginArgs := []string{
		"proto_version '2'",
		"publication_names '" + d.source.cfg.PublicationName + "'",
		"messages 'true'",
	}
	err := pglogrepl.StartReplication(ctx, d.conn, d.source.cfg.ReplicationSlotName, d.lastLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	})
	if err != nil {
		return errors.Wrap(err, "starting logical replication")
	}
	d.nextUpdate = time.Now().Add(standbyUpdateInterval)
	return nil
}

func (d *Decoder) Close() {
	d.conn.Close(context.Background())
}

// Peek implements types.Decoder: it pulls WAL messages until limit
// complete (non-pending) ChangeRecords have accumulated, a receive
// times out with nothing new, or a fatal protocol error occurs.
func (d *Decoder) Peek(ctx context.Context, limit int) (types.Batch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.maybeSendStandbyUpdate(ctx, false); err != nil {
		return types.Batch{}, types.MarkTransient(err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for len(d.pending) < limit && time.Now().Before(deadline) {
		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := d.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				break
			}
			return types.Batch{}, d.classifyReceiveError(err)
		}

		if err := d.handleMessage(ctx, msg); err != nil {
			return types.Batch{}, err
		}
	}

	if len(d.pending) == 0 {
		return types.Batch{}, nil
	}

	batch := types.Batch{
		Records:   d.pending,
		LastToken: types.CursorToken([]byte(d.lastLSN.String())),
	}
	d.pending = nil
	return batch, nil
}

// classifyReceiveError distinguishes a lost replication slot (fatal)
// from an ordinary transient disconnection.
func (d *Decoder) classifyReceiveError(err error) error {
	if pgErr, ok := asPgError(err); ok && pgErr.Code == "55000" {
		return types.ErrSlotLost
	}
	return types.MarkTransient(err)
}

func asPgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func (d *Decoder) handleMessage(ctx context.Context, msg pgproto3.BackendMessage) error {
	cdMsg, ok := msg.(*pgproto3.CopyData)
	if !ok {
		return nil
	}

	switch cdMsg.Data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cdMsg.Data[1:])
		if err != nil {
			return errors.Wrap(err, "parsing keepalive")
		}
		if pka.ServerWALEnd > d.lastLSN {
			d.lastLSN = pka.ServerWALEnd
		}
		if pka.ReplyRequested {
			d.nextUpdate = time.Time{}
		}
		return nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(cdMsg.Data[1:])
		if err != nil {
			return errors.Wrap(err, "parsing xlog data")
		}
		if xld.WALStart > d.lastLSN {
			d.lastLSN = xld.WALStart
		}
		return d.handleWALMessage(ctx, xld.WALData)
	}
	return nil
}

func (d *Decoder) handleWALMessage(ctx context.Context, data []byte) error {
	logicalMsg, err := pglogrepl.ParseV2(data, false)
	if err != nil {
		return errors.Wrap(err, "parsing logical replication message")
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		d.relations[m.RelationID] = m
		// The server re-emits a Relation message after a schema change;
		// re-introspect so the tracked schema picks up added columns
		// before the rows that carry them are decoded.
		if d.relationDrifted(m) {
			if err := d.source.RefreshTable(ctx, m.Namespace, m.RelationName); err != nil {
				// A table whose key disappeared mid-stream cannot be
				// retried into existence; everything else can.
				if errors.Is(err, types.ErrConfig) {
					return err
				}
				return types.MarkTransient(err)
			}
		}

	case *pglogrepl.BeginMessage:
		d.inTxn = nil

	case *pglogrepl.InsertMessageV2:
		rel, ok := d.relations[m.RelationID]
		if !ok {
			return errors.Errorf("insert for unknown relation id %d", m.RelationID)
		}
		rec, err := d.decodeTuple(rel, OpInsertKind, nil, m.Tuple)
		if err != nil {
			return err
		}
		d.inTxn = append(d.inTxn, rec)

	case *pglogrepl.UpdateMessageV2:
		rel, ok := d.relations[m.RelationID]
		if !ok {
			return errors.Errorf("update for unknown relation id %d", m.RelationID)
		}
		var before map[string]types.Value
		if m.OldTuple != nil {
			before = d.decodeTupleValues(rel, m.OldTuple)
		}
		rec, err := d.decodeTuple(rel, OpUpdateKind, before, m.NewTuple)
		if err != nil {
			return err
		}
		d.inTxn = append(d.inTxn, rec)

	case *pglogrepl.DeleteMessageV2:
		rel, ok := d.relations[m.RelationID]
		if !ok {
			return errors.Errorf("delete for unknown relation id %d", m.RelationID)
		}
		tuple := m.OldTuple
		rec, err := d.decodeTuple(rel, OpDeleteKind, nil, tuple)
		if err != nil {
			return err
		}
		d.inTxn = append(d.inTxn, rec)

	case *pglogrepl.TruncateMessageV2:
		for _, relID := range m.RelationIDs {
			rel, ok := d.relations[relID]
			if !ok {
				continue
			}
			d.inTxn = append(d.inTxn, types.ChangeRecord{
				Ref: ident.NewSourceRef(rel.Namespace, rel.RelationName),
				Op:  types.ChangeOp{Kind: types.OpTruncate},
			})
		}

	case *pglogrepl.CommitMessage:
		now := time.Now().UTC()
		for i := range d.inTxn {
			d.inTxn[i].CommitTime = &now
		}
		d.pending = append(d.pending, d.inTxn...)
		d.inTxn = nil
	}
	return nil
}

// relationDrifted reports whether rel's column list differs from the
// schema currently tracked for its table. Untracked tables (not part
// of this pipeline's configuration) never drift.
func (d *Decoder) relationDrifted(rel *pglogrepl.RelationMessageV2) bool {
	tracked, ok := d.source.Tables()[ident.NewSourceRef(rel.Namespace, rel.RelationName).String()]
	if !ok {
		return false
	}
	if len(tracked.Columns) != len(rel.Columns) {
		return true
	}
	known := make(map[string]bool, len(tracked.Columns))
	for _, c := range tracked.Columns {
		known[c.Name] = true
	}
	for _, c := range rel.Columns {
		if !known[c.Name] {
			return true
		}
	}
	return false
}

// OpInsertKind, OpUpdateKind, OpDeleteKind alias types.OpKind to avoid
// importing pglogrepl's own Op type into the decode-tuple helper
// below, which needs to distinguish update-before-images.
const (
	OpInsertKind = types.OpInsert
	OpUpdateKind = types.OpUpdate
	OpDeleteKind = types.OpDelete
)

func (d *Decoder) decodeTuple(rel *pglogrepl.RelationMessageV2, kind types.OpKind, before map[string]types.Value, tuple *pglogrepl.TupleData) (types.ChangeRecord, error) {
	row := d.decodeTupleValues(rel, tuple)
	return types.ChangeRecord{
		Ref: ident.NewSourceRef(rel.Namespace, rel.RelationName),
		Op:  types.ChangeOp{Kind: kind, Before: before},
		Row: row,
	}, nil
}

func (d *Decoder) decodeTupleValues(rel *pglogrepl.RelationMessageV2, tuple *pglogrepl.TupleData) map[string]types.Value {
	if tuple == nil {
		return nil
	}
	row := make(map[string]types.Value, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case tupleDataTypeNull:
			row[name] = types.Null
		case tupleDataTypeToast:
			// Unchanged TOASTed value: REPLICA IDENTITY did not include it
			// because it was not modified. It is omitted from Row; the
			// writer replaces the whole target row and binds NULL for an
			// absent nullable column and the type's zero value otherwise,
			// so the previous value of an unchanged TOASTed column is not
			// carried into the new row.
			continue
		default:
			row[name] = decodeTextValue(string(col.Data), rel.Columns[i].DataType)
		}
	}
	return row
}
