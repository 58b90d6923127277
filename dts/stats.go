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
	"sync/atomic"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
)

type stats struct {
	xacts     uint64
	committed uint64
	aborted   uint64
	failed    uint64
	queries   uint64
	prepares  uint64
	records   uint64
	nacks     uint64
	overflows uint64
}

// Stats is a snapshot of the bus counters.
type Stats struct {
	Transactions  uint64
	Committed     uint64
	Aborted       uint64
	Failed        uint64
	Queries       uint64
	Prepares      uint64
	Records       uint64
	Nacks         uint64
	Overflows     uint64
	InFlight      int
	Registrations int
}

func (s *stats) done(status types.Status) {
	switch status {
	case types.StatusCommitted:
		atomic.AddUint64(&s.committed, 1)
	case types.StatusAborted:
		atomic.AddUint64(&s.aborted, 1)
	case types.StatusFailure:
		atomic.AddUint64(&s.failed, 1)
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Transactions:  atomic.LoadUint64(&b.stats.xacts),
		Committed:     atomic.LoadUint64(&b.stats.committed),
		Aborted:       atomic.LoadUint64(&b.stats.aborted),
		Failed:        atomic.LoadUint64(&b.stats.failed),
		Queries:       atomic.LoadUint64(&b.stats.queries),
		Prepares:      atomic.LoadUint64(&b.stats.prepares),
		Records:       atomic.LoadUint64(&b.stats.records),
		Nacks:         atomic.LoadUint64(&b.stats.nacks),
		Overflows:     atomic.LoadUint64(&b.stats.overflows),
		InFlight:      b.InFlight(),
		Registrations: b.registry.Len(),
	}
}
