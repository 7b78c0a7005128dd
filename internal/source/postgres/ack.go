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
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/pkg/errors"

	"github.com/myyrakle/clockpipe/internal/types"
)

// Ack implements types.Decoder: it advances the slot's confirmed
// flush position to token, the durable proof that everything up to
// that LSN has been written to the target.
func (d *Decoder) Ack(ctx context.Context, token types.CursorToken) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lsn, err := pglogrepl.ParseLSN(string(token))
	if err != nil {
		return errors.Wrap(err, "parsing ack token as LSN")
	}
	return pglogrepl.SendStandbyStatusUpdate(ctx, d.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
}

// maybeSendStandbyUpdate sends a keepalive standby status update if
// one is due, or unconditionally when force is true. A server
// keepalive that requests a reply makes the next update due at once.
func (d *Decoder) maybeSendStandbyUpdate(ctx context.Context, force bool) error {
	if !force && time.Now().Before(d.nextUpdate) {
		return nil
	}
	if err := pglogrepl.SendStandbyStatusUpdate(ctx, d.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: d.lastLSN,
	}); err != nil {
		return errors.Wrap(err, "sending standby status update")
	}
	d.nextUpdate = time.Now().Add(standbyUpdateInterval)
	return nil
}
