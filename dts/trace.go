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
	"fmt"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/evtbus"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/trace"
	"github.com/davecgh/go-spew/spew"
)

// TraceEvent is one protocol event of a traced transaction.
type TraceEvent struct {
	Time   time.Time
	Block  int
	CorrID uint64
	RegID  types.RegID
	Event  string
}

func (e TraceEvent) String() string {
	return fmt.Sprintf("%s block=%d corrid=%d reg=%d %s",
		e.Time.Format("15:04:05.000000"), e.Block, e.CorrID, e.RegID, e.Event)
}

var dumper = spew.ConfigState{
	Indent:                  " ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// dump renders payloads in trace events.
func dump(v interface{}) string {
	if v == nil {
		return "<nil>"
	}
	return dumper.Sprintf("%+v", v)
}

func (x *Transaction) traced(q *query) bool {
	return x.trace || (q != nil && q.flags.Has(types.QueryTrace))
}

// tracef records an event when the transaction or the query is traced, q may be nil.
func (x *Transaction) tracef(q *query, reg types.RegID, format string, args ...interface{}) {
	if !x.traced(q) {
		return
	}
	ev := TraceEvent{
		Time:  time.Now(),
		Block: -1,
		RegID: reg,
		Event: fmt.Sprintf(format, args...),
	}
	if q != nil {
		ev.Block = q.blk.idx
		ev.CorrID = q.corrid
	}

	x.emu.Lock()
	x.events = append(x.events, ev)
	x.emu.Unlock()

	log.WithFields(log.Fields{
		"xact":   x.id,
		"block":  ev.Block,
		"corrid": ev.CorrID,
		"reg":    reg,
	}).Debug(ev.Event)
	if x.traceCtx != nil {
		trace.Logf(x.traceCtx, "dts", "%s", ev.String())
	}
	x.bus.events.Publish(evtbus.TopicTrace, x.id, ev.Event)
}

// Trace returns the events recorded so far.
func (x *Transaction) Trace() []TraceEvent {
	x.emu.Lock()
	defer x.emu.Unlock()
	return append([]TraceEvent(nil), x.events...)
}
