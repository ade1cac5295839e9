/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mem_cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestCache(t *testing.T, maxSize, maxElem int64) *MemCache {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	c, err := NewMemCache(Opts{MaxSize: maxSize, MaxElementSize: maxElem, Now: clk.now})
	require.NoError(t, err)
	return c
}

func Test_memCache(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<10)
	for i := 0; i < 128; i++ {
		key := fmt.Sprintf("/k/%d", i)
		require.True(t, c.Store(key, []byte{byte(i)}))
		v, ok := c.Get(key)
		require.True(t, ok)
		require.Equal(t, byte(i), v[0], "cache kv mismatched")
	}

	_, ok := c.Get("/missing")
	assert.False(t, ok)

	s := c.Stats()
	assert.EqualValues(t, 128, s.Hits)
	assert.EqualValues(t, 1, s.Misses)
	assert.Equal(t, 128, s.Entries)
}

func Test_memCache_sizeAccounting(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<10)
	c.Store("/a", []byte("hello"))
	c.Store("/bb", []byte("world!"))

	var sum int64
	for _, e := range c.Entries() {
		sum += e.Size
	}
	assert.Equal(t, EntrySize("/a", []byte("hello"))+EntrySize("/bb", []byte("world!")), sum)
	assert.Equal(t, sum, c.Stats().CurrentSize)
}

func Test_memCache_refuseOversized(t *testing.T) {
	c := newTestCache(t, 4096, 256)
	c.Store("/small", []byte("x"))
	before := c.Stats()

	big := make([]byte, 256)
	assert.False(t, c.Store("/big", big))

	after := c.Stats()
	assert.Equal(t, before.CurrentSize, after.CurrentSize)
	assert.Equal(t, before.Entries, after.Entries)
	_, ok := c.Get("/big")
	assert.False(t, ok)
}

func Test_memCache_evictLRU(t *testing.T) {
	// every entry is 2+100+64 = 166 bytes, 5 of them fit in 900
	const maxSize = 900
	c := newTestCache(t, maxSize, 200)
	payload := make([]byte, 100)

	for i := 0; i < 5; i++ {
		require.True(t, c.Store(fmt.Sprintf("/%d", i), payload))
	}
	// refresh /0 and /2, /1 becomes the oldest
	_, ok := c.Get("/0")
	require.True(t, ok)
	_, ok = c.Get("/2")
	require.True(t, ok)

	// two more entries overflow by two
	c.Store("/5", payload)
	c.Store("/6", payload)

	var got []string
	for _, e := range c.Entries() {
		got = append(got, e.Key)
	}
	assert.Equal(t, []string{"/4", "/0", "/2", "/5", "/6"}, got[len(got)-5:])
	for _, k := range []string{"/1", "/3"} {
		_, ok := c.Get(k)
		assert.False(t, ok, k)
	}

	s := c.Stats()
	assert.LessOrEqual(t, s.CurrentSize, int64(maxSize))
	assert.EqualValues(t, 2, s.Evictions)
}

func Test_memCache_updateInPlace(t *testing.T) {
	c := newTestCache(t, 4096, 1024)
	c.Store("/a", []byte("v1"))
	c.Store("/b", []byte("v1"))
	first := c.Entries()

	c.Store("/a", []byte("version2"))
	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "/a", entries[1].Key)
	assert.True(t, entries[1].LastAccess.After(first[0].LastAccess))

	v, ok := c.Get("/a")
	require.True(t, ok)
	assert.Equal(t, []byte("version2"), v)
	assert.Equal(t, EntrySize("/a", []byte("version2"))+EntrySize("/b", []byte("v1")), c.Stats().CurrentSize)
}

func Test_memCache_storeCopies(t *testing.T) {
	c := newTestCache(t, 4096, 1024)
	b := []byte("abc")
	c.Store("/a", b)
	b[0] = 'x'
	v, _ := c.Get("/a")
	assert.Equal(t, []byte("abc"), v)
}

func Test_memCache_clearClose(t *testing.T) {
	c := newTestCache(t, 4096, 1024)
	c.Store("/a", []byte("abc"))
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.Stats().CurrentSize)

	c.Store("/a", []byte("abc"))
	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Store("/a", []byte("abc")))
	_, ok := c.Get("/a")
	assert.False(t, ok)
}

func Test_memCache_opts(t *testing.T) {
	_, err := NewMemCache(Opts{MaxSize: 100, MaxElementSize: 200})
	assert.Error(t, err)
	_, err = NewMemCache(Opts{MaxSize: -1})
	assert.Error(t, err)

	c, err := NewMemCache(Opts{})
	require.NoError(t, err)
	assert.EqualValues(t, 200<<20, c.Stats().MaxSize)
}

func Test_memCache_race(t *testing.T) {
	c, err := NewMemCache(Opts{MaxSize: 16 << 10, MaxElementSize: 1 << 10})
	require.NoError(t, err)
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				key := fmt.Sprintf("/%d", i)
				c.Store(key, make([]byte, i))
				_, _ = c.Get(key)
				_ = c.Stats()
			}
		}()
	}
	wg.Wait()

	s := c.Stats()
	assert.LessOrEqual(t, s.CurrentSize, s.MaxSize)
	var sum int64
	for _, e := range c.Entries() {
		sum += e.Size
	}
	assert.Equal(t, sum, s.CurrentSize)
}
