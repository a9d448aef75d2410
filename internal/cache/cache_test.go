// Copyright 2025 Tom Barlow
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

package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTL_SetGet(t *testing.T) {
	c := NewTTL[string, int](time.Minute)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTTL_Expiry(t *testing.T) {
	c := NewTTL[string, string](time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("tools", "calc")

	// Still fresh just before the deadline.
	c.now = func() time.Time { return base.Add(59 * time.Second) }
	_, ok := c.Get("tools")
	assert.True(t, ok)

	// Expired after the deadline.
	c.now = func() time.Time { return base.Add(61 * time.Second) }
	_, ok = c.Get("tools")
	assert.False(t, ok)

	// The expired entry is collected lazily.
	assert.Equal(t, 0, c.Len())
}

func TestTTL_ZeroTTLNeverExpires(t *testing.T) {
	c := NewTTL[string, int](0)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("a", 1)

	c.now = func() time.Time { return base.Add(24 * time.Hour) }
	_, ok := c.Get("a")
	assert.True(t, ok)
}

func TestTTL_DeleteAndClear(t *testing.T) {
	c := NewTTL[string, int](time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestTTL_ConcurrentAccess(t *testing.T) {
	c := NewTTL[int, int](time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(n, j)
				c.Get(n)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, c.Len())
}
