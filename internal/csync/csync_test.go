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
package csync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapBasics(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)

	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, m.Len())

	m.Delete("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
}

func TestMapTake(t *testing.T) {
	m := NewMap[string, string]()
	m.Set("k", "v")

	v, ok := m.Take("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = m.Take("k")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMapConcurrentAccess(t *testing.T) {
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Set(n, n*2)
			m.Get(n)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, m.Len())
}

func TestSlice(t *testing.T) {
	s := NewSlice[string]()
	s.Append("x")
	s.Append("y")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"x", "y"}, s.Items())

	// Items returns a copy.
	items := s.Items()
	items[0] = "mutated"
	assert.Equal(t, "x", s.Items()[0])

	s.Clear()
	assert.Equal(t, 0, s.Len())
}
