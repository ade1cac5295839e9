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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pmkol/cacheproxy/pkg/cache"
	"github.com/pmkol/cacheproxy/pkg/lru"
)

// EntryOverhead is the fixed number of bytes accounted to every entry on
// top of its key and payload.
const EntryOverhead = 64

const (
	defaultMaxSize        = 200 << 20
	defaultMaxElementSize = 10 << 10
)

var _ cache.Backend = (*MemCache)(nil)

type Opts struct {
	// MaxSize is the total byte budget of the cache. Default is 200MiB.
	MaxSize int64

	// MaxElementSize is the largest accounted size of a single entry.
	// Larger entries are never admitted. Default is 10KiB.
	MaxElementSize int64

	// Now returns the current time. Default is time.Now.
	Now func() time.Time
}

func (opts *Opts) Init() error {
	if opts.MaxSize == 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.MaxElementSize == 0 {
		opts.MaxElementSize = defaultMaxElementSize
	}
	if opts.MaxSize < 0 || opts.MaxElementSize < 0 {
		return errors.New("negative cache size")
	}
	if opts.MaxElementSize > opts.MaxSize {
		return fmt.Errorf("max element size %d exceeds max cache size %d", opts.MaxElementSize, opts.MaxSize)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return nil
}

// MemCache is an in memory cache.Backend. All operations are serialized
// by one mutex, so lookups never observe a half written entry.
type MemCache struct {
	opts Opts

	m         sync.Mutex
	closed    bool
	lru       *lru.LRU[string, *elem]
	hits      uint64
	misses    uint64
	evictions uint64
}

type elem struct {
	payload    []byte
	lastAccess time.Time
}

// EntryInfo describes one cached entry.
type EntryInfo struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

// EntrySize returns the accounted size of an entry.
func EntrySize(key string, payload []byte) int64 {
	return int64(len(payload)) + int64(len(key)) + EntryOverhead
}

func NewMemCache(opts Opts) (*MemCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &MemCache{
		opts: opts,
		lru: lru.NewLRU[string, *elem](opts.MaxSize, func(key string, e *elem) int64 {
			return EntrySize(key, e.payload)
		}, nil),
	}, nil
}

func (c *MemCache) Get(key string) ([]byte, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.closed {
		return nil, false
	}

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	e.lastAccess = c.opts.Now()
	return e.payload, true
}

func (c *MemCache) Store(key string, payload []byte) bool {
	if EntrySize(key, payload) > c.opts.MaxElementSize {
		return false
	}

	// Stored payloads are never written again, Get hands them out as is.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	c.m.Lock()
	defer c.m.Unlock()
	if c.closed {
		return false
	}
	n := c.lru.Add(key, &elem{payload: buf, lastAccess: c.opts.Now()})
	c.evictions += uint64(n)
	return true
}

func (c *MemCache) Stats() cache.Stats {
	c.m.Lock()
	defer c.m.Unlock()
	return cache.Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Entries:     c.lru.Len(),
		CurrentSize: c.lru.Weight(),
		MaxSize:     c.opts.MaxSize,
	}
}

// Entries returns all entries from the least recently used one to the
// most recently used one.
func (c *MemCache) Entries() []EntryInfo {
	c.m.Lock()
	defer c.m.Unlock()
	out := make([]EntryInfo, 0, c.lru.Len())
	c.lru.Range(func(kv lru.KV[string, *elem]) bool {
		out = append(out, EntryInfo{Key: kv.Key(), Size: kv.Weight(), LastAccess: kv.Value().lastAccess})
		return true
	})
	return out
}

func (c *MemCache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lru.Len()
}

func (c *MemCache) Clear() {
	c.m.Lock()
	c.lru.Purge()
	c.m.Unlock()
}

// Close clears the cache. Any later call is a no-op.
func (c *MemCache) Close() error {
	c.m.Lock()
	c.closed = true
	c.lru.Purge()
	c.m.Unlock()
	return nil
}
