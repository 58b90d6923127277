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

package dts

import (
	"sort"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mohae/deepcopy"
)

// cache keeps the last known value of concrete keyspecs, keyed by their string form.
type cache struct {
	values *lru.Cache
}

func newCache(size int) (c *cache, err error) {
	values, err := lru.New(size)
	if err != nil {
		return
	}
	return &cache{values: values}, nil
}

func detach(rec *types.Record) *types.Record {
	c := *rec
	c.Keyspec = rec.Keyspec.Clone()
	c.Payload = deepcopy.Copy(rec.Payload)
	c.More = false
	return &c
}

func (c *cache) store(rec *types.Record) {
	if rec == nil || rec.Keyspec == nil || rec.Keyspec.Wildcarded() {
		return
	}
	c.values.Add(rec.Keyspec.String(), detach(rec))
}

// evict drops ks and everything below it.
func (c *cache) evict(ks *keyspec.Keyspec) {
	for _, k := range c.values.Keys() {
		v, ok := c.values.Peek(k)
		if !ok {
			continue
		}
		if ks.IsPrefixOf(v.(*types.Record).Keyspec) {
			c.values.Remove(k)
		}
	}
}

// under returns copies of the values at or below ks, ordered by keyspec.
func (c *cache) under(ks *keyspec.Keyspec) (res []*types.Record) {
	for _, k := range c.values.Keys() {
		v, ok := c.values.Peek(k)
		if !ok {
			continue
		}
		rec := v.(*types.Record)
		if ks.IsPrefixOf(rec.Keyspec) {
			res = append(res, detach(rec))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Keyspec.String() < res[j].Keyspec.String()
	})
	return
}
