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

package version_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myyrakle/clockpipe/internal/util/version"
)

func TestClockNextIsMonotonic(t *testing.T) {
	c := version.NewClock(0)
	first := c.Next(3)
	second := c.Next(2)
	require.Greater(t, uint64(second), uint64(first)+2)
}

func TestClockNextReservesExactRange(t *testing.T) {
	c := version.NewClock(100)
	v := c.Next(5)
	next := c.Next(1)
	require.Equal(t, uint64(v)+5, uint64(next))
}

func TestClockNextConcurrentCallersNeverOverlap(t *testing.T) {
	c := version.NewClock(0)
	const goroutines = 50
	const perGoroutine = 20

	results := make(chan [2]version.Version, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				base := c.Next(1)
				results <- [2]version.Version{base, base}
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[version.Version]bool)
	for r := range results {
		require.False(t, seen[r[0]], "version %d handed out twice", r[0])
		seen[r[0]] = true
	}
}

func TestCompare(t *testing.T) {
	require.Equal(t, -1, version.Compare(1, 2))
	require.Equal(t, 0, version.Compare(2, 2))
	require.Equal(t, 1, version.Compare(3, 2))
}
