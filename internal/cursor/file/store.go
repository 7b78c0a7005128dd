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

// Package file persists the cursor for sources that do not already
// track it durably server-side (MongoDB's resume token): an
// atomically-written JSON file on local disk.
package file

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/myyrakle/clockpipe/internal/types"
)

type document struct {
	Token string `json:"token"`
}

// Store persists a single CursorToken as a JSON document at Path,
// using a write-to-temp-then-rename sequence so a crash mid-write
// never leaves a torn file behind.
type Store struct {
	Path string

	mu sync.Mutex
}

// New builds a Store rooted at path.
func New(path string) *Store {
	return &Store{Path: path}
}

// Load implements types.CursorStore.
func (s *Store) Load(ctx context.Context) (types.CursorToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, types.ErrFirstRun
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading cursor file")
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		// A corrupt cursor file can silently roll replication back to
		// the beginning of history; fail instead of papering over it.
		return nil, errors.Wrapf(err, "cursor file %s is corrupt", s.Path)
	}

	token, err := base64.StdEncoding.DecodeString(doc.Token)
	if err != nil {
		return nil, errors.Wrapf(err, "cursor file %s has an invalid token encoding", s.Path)
	}
	return types.CursorToken(token), nil
}

// Ping implements diag.Pinger: a healthy store is one whose cursor
// file is absent (first run) or readable and well-formed.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.Load(ctx); err != nil && !errors.Is(err, types.ErrFirstRun) {
		return err
	}
	return nil
}

// Save implements types.CursorStore. It does not return until the
// write is fsynced and the rename has landed, so a concurrent crash
// can never observe a save that both did and did not happen.
func (s *Store) Save(ctx context.Context, token types.CursorToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{Token: base64.StdEncoding.EncodeToString(token)}
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "marshaling cursor document")
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".cursor-*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp cursor file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp cursor file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "fsyncing temp cursor file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp cursor file")
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return errors.Wrap(err, "renaming cursor file into place")
	}
	return nil
}
