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

package notify_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/util/notify"
)

func TestVarGetReturnsCurrentValue(t *testing.T) {
	v := &notify.Var[int]{}
	v.Set(42)
	got, _ := v.Get()
	require.Equal(t, 42, got)
}

func TestVarUpdatedChannelFiresOnSet(t *testing.T) {
	v := &notify.Var[string]{}
	_, updated := v.Get()

	v.Set("hello")

	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("updated channel never fired")
	}

	got, _ := v.Get()
	require.Equal(t, "hello", got)
}
