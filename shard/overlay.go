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
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
)

// Decision is the routing outcome of a shard chain for one query.
type Decision int

const (
	// Skip means the query key is owned by another chunk.
	Skip Decision = iota
	// Deliver means the query key is owned by this chunk.
	Deliver
	// FanOut means the query key could not be resolved (wildcarded or shorter than the
	// shard depth), the registration receives the query and may answer NA.
	FanOut
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "Skip"
	case Deliver:
		return "Deliver"
	case FanOut:
		return "FanOut"
	}
	return "Unknown"
}

// Route evaluates the shard chain of a registration whose keyspec has regDepth entries
// against query q. A nil shard always delivers.
func Route(s *Shard, regDepth int, q *keyspec.Keyspec) (d Decision, err error) {
	d = Deliver
	for cur := s; cur != nil; cur = cur.Parent {
		depth := cur.Depth
		if depth == 0 {
			depth = regDepth
		}
		if cur.Flavor == FlavorNull {
			continue
		}
		key, ok := q.KeyMaterial(depth - 1)
		if !ok {
			d = FanOut
			continue
		}
		var accept bool
		if accept, err = cur.Accepts(key); err != nil || !accept {
			return Skip, err
		}
	}
	return
}
