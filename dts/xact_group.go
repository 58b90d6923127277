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
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/twopc"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
)

// xactGroup is the state of one (transaction, registration group) pair. It is the
// participant of the commit sweep.
type xactGroup struct {
	xact  *Transaction
	group *Group

	initOnce sync.Once
	scratch  interface{}

	mu      sync.Mutex
	engaged map[types.RegID]*Registration
}

func (xg *xactGroup) init() {
	xg.initOnce.Do(func() {
		h := xg.group.handler
		if h == nil {
			return
		}
		ec := newEventContext(xg.xact, xg, nil, types.PhasePrecommit)
		err := guard(func() {
			xg.scratch = h.XactInit(ec)
		})
		if err != nil {
			xg.xact.fault(nil, 0, err)
		}
		xg.xact.tracef(nil, 0, "group %d xact init", xg.group.id)
	})
}

func (xg *xactGroup) deinit() {
	h := xg.group.handler
	if h == nil {
		return
	}
	ec := newEventContext(xg.xact, xg, nil, types.PhaseAbort)
	if err := guard(func() { h.XactDeinit(ec) }); err != nil {
		log.WithFields(log.Fields{
			"xact":  xg.xact.id,
			"group": xg.group.id,
		}).WithError(err).Error("xact deinit failed")
	}
	xg.scratch = nil
}

// engage marks reg as a participant of the sweep.
func (xg *xactGroup) engage(reg *Registration) {
	xg.mu.Lock()
	defer xg.mu.Unlock()
	xg.engaged[reg.ID()] = reg
}

func (xg *xactGroup) isEngaged() bool {
	xg.mu.Lock()
	defer xg.mu.Unlock()
	return len(xg.engaged) > 0
}

func (xg *xactGroup) registrations() (res []*Registration) {
	xg.mu.Lock()
	defer xg.mu.Unlock()
	for _, r := range xg.engaged {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID() < res[j].ID() })
	return
}

// Precommit implements twopc.Worker.
func (xg *xactGroup) Precommit(ctx context.Context) error {
	return xg.event(ctx, types.PhasePrecommit)
}

// Commit implements twopc.Worker.
func (xg *xactGroup) Commit(ctx context.Context) error {
	return xg.event(ctx, types.PhaseCommit)
}

// Abort implements twopc.Worker.
func (xg *xactGroup) Abort(ctx context.Context) error {
	return xg.event(ctx, types.PhaseAbort)
}

// event delivers phase to the group handler, then to every engaged registration.
// Every callback runs even after a failure; the first failure is returned.
func (xg *xactGroup) event(ctx context.Context, phase types.Phase) (err error) {
	x := xg.xact
	x.tracef(nil, 0, "group %d %s", xg.group.id, phase)

	if h := xg.group.handler; h != nil {
		ec := newEventContext(x, xg, nil, phase)
		e := xg.call(ctx, ec, func() types.Result { return h.XactEvent(ec, phase) })
		if e != nil && err == nil {
			err = e
		}
	}

	for _, reg := range xg.registrations() {
		var fn func(ec *EventContext) types.Result
		switch phase {
		case types.PhasePrecommit:
			if m, ok := reg.member.(Precommitter); ok {
				fn = m.Precommit
			}
		case types.PhaseCommit:
			if m, ok := reg.member.(Committer); ok {
				fn = m.Commit
			}
		case types.PhaseAbort:
			if m, ok := reg.member.(Aborter); ok {
				fn = m.Abort
			}
		}
		if fn == nil {
			continue
		}

		ec := newEventContext(x, xg, reg, phase)
		l := x.regLock(reg.ID())
		l.Lock()
		e := xg.call(ctx, ec, func() types.Result { return fn(ec) })
		l.Unlock()
		if e != nil && err == nil {
			err = e
		}
	}
	return
}

// call runs one event callback, waiting on ctx for async completion.
func (xg *xactGroup) call(ctx context.Context, ec *EventContext, fn func() types.Result) (err error) {
	var res types.Result
	if err = guard(func() { res = fn() }); err != nil {
		return
	}
	if res != nil && res.Code() == types.CodeAsync {
		select {
		case res = <-ec.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if res == nil {
		return errors.Wrap(types.ErrMemberFault, "nil event result")
	}

	if n, ok := res.(types.Nack); ok {
		rec := &types.ErrorRecord{
			Cause: n.Err(),
			Msg:   fmt.Sprintf("%s vetoed", ec.Phase),
			Block: -1,
			Nack:  true,
		}
		if ec.Reg != nil {
			rec.RegID = ec.Reg.ID()
			rec.Keyspec = ec.Reg.Keyspec()
		}
		xg.xact.addError(rec)
		atomic.AddUint64(&xg.xact.bus.stats.nacks, 1)
		return errors.Wrapf(types.ErrNack, "group %d %s", xg.group.id, ec.Phase)
	}
	return
}

// coordinator returns the sweep coordinator of the transaction, traced transactions
// record the phase boundaries.
func (x *Transaction) coordinator() *twopc.Coordinator {
	timeout := x.bus.opts.SweepTimeout
	if !x.trace {
		return twopc.NewCoordinator(twopc.NewOptions(timeout))
	}
	// closes names the timer phase ending at the hook, empty for none
	hook := func(event, closes string) twopc.Hook {
		return func(ctx context.Context) error {
			if closes != "" {
				x.timer.Add(closes)
			}
			x.tracef(nil, 0, "sweep %s", event)
			return nil
		}
	}
	return twopc.NewCoordinator(twopc.NewOptionsWithCallback(timeout,
		hook("precommit", ""), hook("commit", "precommit"), hook("abort", ""), hook("committed", "commit")))
}
