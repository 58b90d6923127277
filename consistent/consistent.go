/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package consistent provides a consistent hash ring over shard chunks.
//
// Each chunk is placed on the ring NumberOfReplicas times. A key is owned by the first chunk
// point clockwise from the hash of the key, so adding or removing one chunk only remaps the
// keys adjacent to its points.
package consistent

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
)

// ErrEmptyCircle is the error returned when trying to get a chunk when nothing has been added to the ring.
var ErrEmptyCircle = errors.New("empty circle")

// ChunkID identifies a shard chunk placed on the ring.
type ChunkID uint64

// point is a position on the ring.
type point uint64

type points []point

func (x points) Len() int           { return len(x) }
func (x points) Less(i, j int) bool { return x[i] < x[j] }
func (x points) Swap(i, j int)      { x[i], x[j] = x[j], x[i] }

// Consistent holds the chunks placed on the consistent hash circle.
type Consistent struct {
	circle           map[point]ChunkID
	members          map[ChunkID]struct{}
	sortedHashes     points
	NumberOfReplicas int
	sync.RWMutex
}

// New creates a new ring with a default setting of 20 replicas for each chunk.
//
// To change the number of replicas, set NumberOfReplicas before adding chunks.
func New() *Consistent {
	return &Consistent{
		NumberOfReplicas: 20,
		circle:           make(map[point]ChunkID),
		members:          make(map[ChunkID]struct{}),
	}
}

// NewWithChunks creates a ring holding chunks 0..count-1.
func NewWithChunks(count int) *Consistent {
	c := New()
	c.Lock()
	defer c.Unlock()
	for i := 0; i < count; i++ {
		c.add(ChunkID(i))
	}
	return c
}

func (c *Consistent) replicaPoint(id ChunkID, idx int) point {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(idx))
	binary.BigEndian.PutUint64(buf[8:], uint64(id))
	return point(xxhash.Sum64(buf[:]))
}

// Add inserts a chunk into the ring.
func (c *Consistent) Add(id ChunkID) {
	c.Lock()
	defer c.Unlock()
	c.add(id)
}

// need c.Lock() before calling
func (c *Consistent) add(id ChunkID) {
	if _, exists := c.members[id]; exists {
		return
	}
	for i := 0; i < c.NumberOfReplicas; i++ {
		c.circle[c.replicaPoint(id, i)] = id
	}
	c.members[id] = struct{}{}
	c.updateSortedHashes()
}

// Remove removes a chunk from the ring.
func (c *Consistent) Remove(id ChunkID) {
	c.Lock()
	defer c.Unlock()
	c.remove(id)
}

// need c.Lock() before calling
func (c *Consistent) remove(id ChunkID) {
	if _, exists := c.members[id]; !exists {
		return
	}
	for i := 0; i < c.NumberOfReplicas; i++ {
		delete(c.circle, c.replicaPoint(id, i))
	}
	delete(c.members, id)
	c.updateSortedHashes()
}

// Set replaces the ring members with ids.
func (c *Consistent) Set(ids []ChunkID) {
	c.Lock()
	defer c.Unlock()
	keep := make(map[ChunkID]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	for id := range c.members {
		if _, ok := keep[id]; !ok {
			c.remove(id)
		}
	}
	for _, id := range ids {
		c.add(id)
	}
}

// Members returns the chunks on the ring in ascending order.
func (c *Consistent) Members() []ChunkID {
	c.RLock()
	defer c.RUnlock()
	m := make([]ChunkID, 0, len(c.members))
	for id := range c.members {
		m = append(m, id)
	}
	sort.Slice(m, func(i, j int) bool { return m[i] < m[j] })
	return m
}

// Get returns the chunk owning key.
func (c *Consistent) Get(key []byte) (ChunkID, error) {
	c.RLock()
	defer c.RUnlock()
	if len(c.circle) == 0 {
		return 0, ErrEmptyCircle
	}
	i := c.search(point(xxhash.Sum64(key)))
	return c.circle[c.sortedHashes[i]], nil
}

func (c *Consistent) search(key point) (i int) {
	f := func(x int) bool {
		return c.sortedHashes[x] > key
	}
	i = sort.Search(len(c.sortedHashes), f)
	if i >= len(c.sortedHashes) {
		i = 0
	}
	return
}

// GetN returns the n closest distinct chunks to key, first owner first.
func (c *Consistent) GetN(key []byte, n int) ([]ChunkID, error) {
	c.RLock()
	defer c.RUnlock()

	if len(c.circle) == 0 {
		return nil, ErrEmptyCircle
	}

	if len(c.members) < n {
		n = len(c.members)
	}

	var (
		i     = c.search(point(xxhash.Sum64(key)))
		start = i
		res   = make([]ChunkID, 0, n)
		seen  = make(map[ChunkID]struct{}, n)
	)

	res = append(res, c.circle[c.sortedHashes[i]])
	seen[res[0]] = struct{}{}

	for i = start + 1; len(res) < n; i++ {
		if i >= len(c.sortedHashes) {
			i = 0
		}
		if i == start {
			break
		}
		elem := c.circle[c.sortedHashes[i]]
		if _, ok := seen[elem]; !ok {
			seen[elem] = struct{}{}
			res = append(res, elem)
		}
	}

	return res, nil
}

func (c *Consistent) updateSortedHashes() {
	hashes := c.sortedHashes[:0]
	//reallocate if we're holding on to too much (1/4th)
	if c.NumberOfReplicas > 0 && cap(c.sortedHashes)/(c.NumberOfReplicas*4) > len(c.circle) {
		hashes = nil
	}
	for k := range c.circle {
		hashes = append(hashes, k)
	}
	sort.Sort(hashes)
	c.sortedHashes = hashes
}
