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

package shard

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/RIFTIO/RIFT.ware-sub013/consistent"
	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidShard defines a shard whose flavor parameters are inconsistent.
	ErrInvalidShard = errors.New("invalid shard")
	// ErrBadRangeKey defines a key that could not be read as an integer by a RANGE shard.
	ErrBadRangeKey = errors.New("range key is not an integer")
)

// Flavor defines how a shard partitions the key space.
type Flavor int

const (
	// FlavorNull is a single fixed partition.
	FlavorNull Flavor = iota
	// FlavorHash partitions by hash(key) mod chunk count.
	FlavorHash
	// FlavorRange partitions by numeric [start,end) buckets.
	FlavorRange
	// FlavorConsistent partitions with a consistent hash ring.
	FlavorConsistent
	// FlavorIdent matches an explicit opaque key.
	FlavorIdent
)

func (f Flavor) String() string {
	switch f {
	case FlavorNull:
		return "NULL"
	case FlavorHash:
		return "HASH"
	case FlavorRange:
		return "RANGE"
	case FlavorConsistent:
		return "CONSISTENT"
	case FlavorIdent:
		return "IDENT"
	}
	return "Unknown"
}

// Range is a half open [Start,End) numeric interval.
type Range struct {
	Start int64
	End   int64
}

// Contains reports whether v falls into the range.
func (r Range) Contains(v int64) bool {
	return v >= r.Start && v < r.End
}

// Shard is a partition descriptor attached to a registration.
type Shard struct {
	// Flavor selects the partitioning function.
	Flavor Flavor
	// Parent is the enclosing shard, all ancestors must accept a key for it to be delivered.
	Parent *Shard
	// Depth is the 1-based keyspec entry whose keys feed the selector,
	// 0 selects the deepest entry of the owning registration keyspec.
	Depth int
	// ChunkCount is the number of HASH or CONSISTENT chunks.
	ChunkCount uint32
	// Permute is mixed into the HASH function to decorrelate sibling shards.
	Permute uint64
	// Ranges are the RANGE buckets, the selector is the bucket index.
	Ranges []Range
	// Ident is the IDENT key.
	Ident []byte
	// Chunk is the chunk assigned to the owning registration.
	Chunk uint64

	ringOnce sync.Once
	ring     *consistent.Consistent
}

// NewNull returns a single partition shard.
func NewNull() *Shard {
	return &Shard{Flavor: FlavorNull}
}

// NewHash returns a HASH shard owning chunk out of count.
func NewHash(count uint32, permute uint64, chunk uint64) *Shard {
	return &Shard{Flavor: FlavorHash, ChunkCount: count, Permute: permute, Chunk: chunk}
}

// NewRange returns a RANGE shard owning the single bucket [start,end).
func NewRange(start, end int64) *Shard {
	return &Shard{Flavor: FlavorRange, Ranges: []Range{{Start: start, End: end}}}
}

// NewRanges returns a RANGE shard over buckets owning the bucket at index chunk.
func NewRanges(ranges []Range, chunk uint64) *Shard {
	return &Shard{Flavor: FlavorRange, Ranges: ranges, Chunk: chunk}
}

// NewConsistent returns a CONSISTENT shard over count chunks owning chunk.
func NewConsistent(count uint32, chunk uint64) *Shard {
	return &Shard{Flavor: FlavorConsistent, ChunkCount: count, Chunk: chunk}
}

// NewIdent returns an IDENT shard owning the opaque key ident.
func NewIdent(ident []byte) *Shard {
	return &Shard{Flavor: FlavorIdent, Ident: append([]byte(nil), ident...)}
}

// Under attaches s below parent and returns s.
func (s *Shard) Under(parent *Shard) *Shard {
	s.Parent = parent
	return s
}

// AtDepth sets the keyspec entry feeding the selector and returns s.
func (s *Shard) AtDepth(depth int) *Shard {
	s.Depth = depth
	return s
}

// Validate checks the flavor parameters of s and its ancestors.
func (s *Shard) Validate() (err error) {
	seen := make(map[*Shard]bool)
	for cur := s; cur != nil; cur = cur.Parent {
		if seen[cur] {
			return errors.Wrap(ErrInvalidShard, "parent cycle")
		}
		seen[cur] = true
		if err = cur.validate(); err != nil {
			return
		}
	}
	return
}

func (s *Shard) validate() error {
	if s.Depth < 0 {
		return errors.Wrapf(ErrInvalidShard, "negative depth %d", s.Depth)
	}
	switch s.Flavor {
	case FlavorNull:
	case FlavorHash, FlavorConsistent:
		if s.ChunkCount == 0 {
			return errors.Wrapf(ErrInvalidShard, "%s shard without chunks", s.Flavor)
		}
		if s.Chunk >= uint64(s.ChunkCount) {
			return errors.Wrapf(ErrInvalidShard, "chunk %d out of %d", s.Chunk, s.ChunkCount)
		}
	case FlavorRange:
		if s.Chunk >= uint64(len(s.Ranges)) {
			return errors.Wrapf(ErrInvalidShard, "chunk %d out of %d ranges", s.Chunk, len(s.Ranges))
		}
		for _, r := range s.Ranges {
			if r.End <= r.Start {
				return errors.Wrapf(ErrInvalidShard, "empty range [%d,%d)", r.Start, r.End)
			}
		}
	case FlavorIdent:
		if len(s.Ident) == 0 {
			return errors.Wrap(ErrInvalidShard, "empty ident")
		}
	default:
		return errors.Wrapf(ErrInvalidShard, "unknown flavor %d", s.Flavor)
	}
	return nil
}

// Select computes the partition selector of key. ok is false when the key falls in no
// partition of a RANGE shard.
func (s *Shard) Select(key []byte) (chunk uint64, ok bool, err error) {
	switch s.Flavor {
	case FlavorNull:
		return 0, true, nil
	case FlavorHash:
		h := xxhash.New()
		var p [8]byte
		binary.BigEndian.PutUint64(p[:], s.Permute)
		h.Write(p[:])
		h.Write(key)
		return h.Sum64() % uint64(s.ChunkCount), true, nil
	case FlavorConsistent:
		var id consistent.ChunkID
		if id, err = s.consistentRing().Get(key); err != nil {
			return
		}
		return uint64(id), true, nil
	case FlavorRange:
		var v int64
		if v, err = strconv.ParseInt(string(key), 10, 64); err != nil {
			err = errors.Wrapf(ErrBadRangeKey, "key %q", key)
			return
		}
		for i, r := range s.Ranges {
			if r.Contains(v) {
				return uint64(i), true, nil
			}
		}
		return 0, false, nil
	case FlavorIdent:
		// the ident key is its own selector, see Accepts
		return 0, true, nil
	}
	return 0, false, errors.Wrapf(ErrInvalidShard, "unknown flavor %d", s.Flavor)
}

// Accepts reports whether key is owned by the chunk assigned to s.
// Ancestors are not consulted.
func (s *Shard) Accepts(key []byte) (bool, error) {
	if s.Flavor == FlavorIdent {
		return bytes.Equal(key, s.Ident), nil
	}
	chunk, ok, err := s.Select(key)
	if err != nil || !ok {
		return false, err
	}
	return chunk == s.Chunk, nil
}

func (s *Shard) consistentRing() *consistent.Consistent {
	s.ringOnce.Do(func() {
		s.ring = consistent.NewWithChunks(int(s.ChunkCount))
	})
	return s.ring
}

func (s *Shard) String() string {
	var desc string
	switch s.Flavor {
	case FlavorHash, FlavorConsistent:
		desc = fmt.Sprintf("%s(%d/%d)", s.Flavor, s.Chunk, s.ChunkCount)
	case FlavorRange:
		if s.Chunk < uint64(len(s.Ranges)) {
			r := s.Ranges[s.Chunk]
			desc = fmt.Sprintf("RANGE[%d,%d)", r.Start, r.End)
		} else {
			desc = "RANGE[?]"
		}
	case FlavorIdent:
		desc = fmt.Sprintf("IDENT(%x)", s.Ident)
	default:
		desc = s.Flavor.String()
	}
	if s.Parent != nil {
		return s.Parent.String() + "/" + desc
	}
	return desc
}
