// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package governor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
)

func newGovernor(capN, team int) *Governor {
	return New(func() int { return capN }, func() int { return team }, zap.NewNop())
}

func TestGlobalCap(t *testing.T) {
	g := newGovernor(2, 3)

	require.NoError(t, g.TryAcquire("a", ""))
	require.NoError(t, g.TryAcquire("b", ""))

	err := g.TryAcquire("c", "")
	assert.True(t, apperr.Is(err, apperr.Capacity))

	g.Release("a")
	assert.NoError(t, g.TryAcquire("c", ""))
}

func TestPerParentCap(t *testing.T) {
	g := newGovernor(10, 2)

	require.NoError(t, g.TryAcquire("child1", "lead"))
	require.NoError(t, g.TryAcquire("child2", "lead"))

	err := g.TryAcquire("child3", "lead")
	assert.True(t, apperr.Is(err, apperr.Capacity))

	// A different parent is unaffected.
	assert.NoError(t, g.TryAcquire("child3", "other"))
}

func TestAcquireIdempotent(t *testing.T) {
	g := newGovernor(1, 3)
	require.NoError(t, g.TryAcquire("a", ""))
	require.NoError(t, g.TryAcquire("a", ""))
	assert.Equal(t, 1, g.InUse())
}

func TestReleaseIdempotent(t *testing.T) {
	g := newGovernor(5, 3)
	require.NoError(t, g.TryAcquire("a", ""))
	g.Release("a")
	g.Release("a")
	g.Release("never-acquired")
	assert.Equal(t, 0, g.InUse())
}

func TestLimitsReadLive(t *testing.T) {
	capN := 1
	g := New(func() int { return capN }, func() int { return 3 }, zap.NewNop())

	require.NoError(t, g.TryAcquire("a", ""))
	assert.Error(t, g.TryAcquire("b", ""))

	capN = 2
	assert.NoError(t, g.TryAcquire("b", ""))
}

func TestActiveSorted(t *testing.T) {
	g := newGovernor(10, 10)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, g.TryAcquire(id, ""))
	}
	assert.Equal(t, []string{"a", "b", "c"}, g.Active())
}

func TestConcurrentAcquire(t *testing.T) {
	g := newGovernor(5, 5)
	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			done <- g.TryAcquire(fmt.Sprintf("agt-%d", n), "")
		}(i)
	}
	admitted := 0
	for i := 0; i < 20; i++ {
		if err := <-done; err == nil {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
	assert.Equal(t, 5, g.InUse())
}
