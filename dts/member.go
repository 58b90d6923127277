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
	"sync"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
)

// Member serves the queries delivered to one registration.
//
// Prepare runs once per matching query, possibly again for continuations, and returns
// Ack, Nack, NotApplicable, Async or More.
type Member interface {
	Prepare(qc *QueryContext) types.Result
}

// Precommitter is implemented by members that may veto a transaction they took part in.
type Precommitter interface {
	Precommit(ec *EventContext) types.Result
}

// Committer is implemented by members that make tentative changes durable.
type Committer interface {
	Commit(ec *EventContext) types.Result
}

// Aborter is implemented by members that discard tentative changes. Abort may be
// delivered without a preceding commit and more than once.
type Aborter interface {
	Abort(ec *EventContext) types.Result
}

// RegReadier is implemented by members notified once their registration is installed.
// cached holds the last known values below the keyspec for CACHE subscribers.
type RegReadier interface {
	RegReady(reg *Registration, cached []*types.Record)
}

// GroupHandler carries the transaction wide callbacks of a registration group.
type GroupHandler interface {
	// XactInit returns the scratch value of the (transaction, group) pair.
	XactInit(ec *EventContext) interface{}
	// XactEvent is delivered once per phase to engaged groups.
	XactEvent(ec *EventContext, phase types.Phase) types.Result
	// XactDeinit releases the scratch value.
	XactDeinit(ec *EventContext)
}

// MemberFuncs adapts plain functions to a member, nil functions are skipped.
type MemberFuncs struct {
	OnPrepare   func(qc *QueryContext) types.Result
	OnPrecommit func(ec *EventContext) types.Result
	OnCommit    func(ec *EventContext) types.Result
	OnAbort     func(ec *EventContext) types.Result
	OnRegReady  func(reg *Registration, cached []*types.Record)
}

// Prepare implements Member.
func (m *MemberFuncs) Prepare(qc *QueryContext) types.Result {
	if m.OnPrepare == nil {
		return types.Ack{}
	}
	return m.OnPrepare(qc)
}

// Precommit implements Precommitter.
func (m *MemberFuncs) Precommit(ec *EventContext) types.Result {
	if m.OnPrecommit == nil {
		return types.Ack{}
	}
	return m.OnPrecommit(ec)
}

// Commit implements Committer.
func (m *MemberFuncs) Commit(ec *EventContext) types.Result {
	if m.OnCommit == nil {
		return types.Ack{}
	}
	return m.OnCommit(ec)
}

// Abort implements Aborter.
func (m *MemberFuncs) Abort(ec *EventContext) types.Result {
	if m.OnAbort == nil {
		return types.Ack{}
	}
	return m.OnAbort(ec)
}

// RegReady implements RegReadier.
func (m *MemberFuncs) RegReady(reg *Registration, cached []*types.Record) {
	if m.OnRegReady != nil {
		m.OnRegReady(reg, cached)
	}
}

// GroupFuncs adapts plain functions to a group handler, nil functions are skipped.
type GroupFuncs struct {
	OnXactInit   func(ec *EventContext) interface{}
	OnXactEvent  func(ec *EventContext, phase types.Phase) types.Result
	OnXactDeinit func(ec *EventContext)
}

// XactInit implements GroupHandler.
func (g *GroupFuncs) XactInit(ec *EventContext) interface{} {
	if g.OnXactInit == nil {
		return nil
	}
	return g.OnXactInit(ec)
}

// XactEvent implements GroupHandler.
func (g *GroupFuncs) XactEvent(ec *EventContext, phase types.Phase) types.Result {
	if g.OnXactEvent == nil {
		return types.Ack{}
	}
	return g.OnXactEvent(ec, phase)
}

// XactDeinit implements GroupHandler.
func (g *GroupFuncs) XactDeinit(ec *EventContext) {
	if g.OnXactDeinit != nil {
		g.OnXactDeinit(ec)
	}
}

// EventContext is handed to transaction wide callbacks.
type EventContext struct {
	Xact  *Transaction
	Group *Group
	// Reg is nil for group handler callbacks.
	Reg   *Registration
	Phase types.Phase
	// Scratch is the value XactInit returned for the (transaction, group) pair.
	Scratch interface{}

	once sync.Once
	done chan types.Result
}

func newEventContext(x *Transaction, xg *xactGroup, reg *Registration, phase types.Phase) *EventContext {
	return &EventContext{
		Xact:    x,
		Group:   xg.group,
		Reg:     reg,
		Phase:   phase,
		Scratch: xg.scratch,
		done:    make(chan types.Result, 1),
	}
}

// Done completes an event callback that returned Async. Only the first call counts.
func (ec *EventContext) Done(res types.Result) {
	ec.once.Do(func() {
		ec.done <- res
	})
}

// Error attaches an informational error record to the transaction.
func (ec *EventContext) Error(ks *keyspec.Keyspec, cause error, msg string) {
	rec := &types.ErrorRecord{
		Keyspec: ks,
		Cause:   cause,
		Msg:     msg,
		Block:   -1,
	}
	if ec.Reg != nil {
		rec.RegID = ec.Reg.ID()
	}
	ec.Xact.addError(rec)
}
