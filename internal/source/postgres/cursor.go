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

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/myyrakle/clockpipe/internal/types"
)

// SlotCursorStore implements types.CursorStore by reading the
// replication slot's own confirmed_flush_lsn. PostgreSQL already
// durably tracks this position server-side, so
// there is nothing to persist locally. Save is a no-op; the decoder's
// Ack (a standby status update) is what actually advances the slot.
type SlotCursorStore struct {
	cfg  Config
	pool interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}
}

// Load implements types.CursorStore.
func (s *SlotCursorStore) Load(ctx context.Context) (types.CursorToken, error) {
	var confirmedFlush *string
	err := s.pool.QueryRow(ctx, "SELECT confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = $1", s.cfg.ReplicationSlotName).Scan(&confirmedFlush)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrFirstRun
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading slot confirmed_flush_lsn")
	}
	if confirmedFlush == nil {
		return nil, types.ErrFirstRun
	}
	return types.CursorToken([]byte(*confirmedFlush)), nil
}

// Ping implements diag.Pinger: a healthy store is one whose slot is
// reachable, whether or not it has confirmed a flush position yet.
func (s *SlotCursorStore) Ping(ctx context.Context) error {
	if _, err := s.Load(ctx); err != nil && !errors.Is(err, types.ErrFirstRun) {
		return err
	}
	return nil
}

// Save implements types.CursorStore. It is a deliberate no-op: see the
// type's doc comment.
func (s *SlotCursorStore) Save(ctx context.Context, token types.CursorToken) error {
	return nil
}
