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
	"sync"
	"testing"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/evtbus"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

const testTimeout = 5 * time.Second

func wait(x *Transaction) types.Status {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	st, err := x.Wait(ctx)
	So(err, ShouldBeNil)
	return st
}

func drain(x *Transaction, corrid uint64) (recs []*types.Record) {
	for rec := x.GetResult(corrid); rec != nil; rec = x.GetResult(corrid) {
		recs = append(recs, rec)
	}
	return
}

func payloads(recs []*types.Record) (res []interface{}) {
	for _, r := range recs {
		res = append(res, r.Payload)
	}
	return
}

// recorder collects callback events from member goroutines.
type recorder struct {
	sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.Lock()
	defer r.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []string {
	r.Lock()
	defer r.Unlock()
	return append([]string(nil), r.events...)
}

// phases returns a member recording its transaction events under name.
func (r *recorder) phases(name string, prepare func(qc *QueryContext) types.Result) *MemberFuncs {
	return &MemberFuncs{
		OnPrepare: prepare,
		OnPrecommit: func(ec *EventContext) types.Result {
			r.add(name + ":precommit")
			return types.Ack{}
		},
		OnCommit: func(ec *EventContext) types.Result {
			r.add(name + ":commit")
			return types.Ack{}
		},
		OnAbort: func(ec *EventContext) types.Result {
			r.add(name + ":abort")
			return types.Ack{}
		},
	}
}

func respond(payload interface{}) func(qc *QueryContext) types.Result {
	return func(qc *QueryContext) types.Result {
		if err := qc.Respond(nil, payload); err != nil {
			return types.Nack{Cause: err}
		}
		return types.Ack{}
	}
}

func TestBootstrapState(t *testing.T) {
	Convey("Given a new bus with a state callback", t, func() {
		var states []types.State
		b, err := NewBus(nil, func(bus *Bus, s types.State) {
			states = append(states, s)
		})
		So(err, ShouldBeNil)
		Reset(func() { b.Close() })

		So(b.State(), ShouldEqual, types.StateInit)
		So(states, ShouldResemble, []types.State{types.StateInit})

		Convey("States should advance one step at a time", func() {
			var published []types.State
			So(b.Events().Subscribe(evtbus.TopicState, func(s types.State) {
				published = append(published, s)
			}), ShouldBeNil)

			So(b.SetState(types.StateRegnComplete), ShouldBeNil)
			So(errors.Cause(b.SetState(types.StateRun)), ShouldEqual, types.ErrInvalidStateTransition)
			So(b.SetState(types.StateConfig), ShouldBeNil)
			So(b.SetState(types.StateRun), ShouldBeNil)
			So(errors.Cause(b.SetState(types.StateRun)), ShouldEqual, types.ErrInvalidStateTransition)
			So(errors.Cause(b.SetState(types.StateInit)), ShouldEqual, types.ErrInvalidStateTransition)

			So(b.State(), ShouldEqual, types.StateRun)
			So(states, ShouldResemble, []types.State{
				types.StateInit, types.StateRegnComplete, types.StateConfig, types.StateRun,
			})
			So(published, ShouldResemble, []types.State{
				types.StateRegnComplete, types.StateConfig, types.StateRun,
			})
		})
		Convey("The callback may advance the state itself", func() {
			b2, err := NewBus(nil, func(bus *Bus, s types.State) {
				if s == types.StateInit {
					bus.SetState(types.StateRegnComplete)
				}
			})
			So(err, ShouldBeNil)
			defer b2.Close()
			So(b2.State(), ShouldEqual, types.StateRegnComplete)
		})
	})
}

func TestOptions(t *testing.T) {
	Convey("Defaults should fill unset options", t, func() {
		o := DefaultOptions()
		So(o.DefaultCredits, ShouldEqual, DefaultCredits)
		So(o.StreamWindow, ShouldEqual, 4*DefaultCredits)
		So(o.Workers, ShouldEqual, DefaultWorkers)
		So(o.JobQueue, ShouldEqual, DefaultJobQueue)
		So(o.CacheSize, ShouldEqual, DefaultCacheSize)

		o = (&Options{DefaultCredits: 3, StreamWindow: 5}).withDefaults()
		So(o.DefaultCredits, ShouldEqual, 3)
		So(o.StreamWindow, ShouldEqual, 5)
	})
}

func TestRegistrationGroups(t *testing.T) {
	Convey("Given a bus", t, func() {
		b, err := NewBus(nil, nil)
		So(err, ShouldBeNil)
		Reset(func() { b.Close() })

		path := keyspec.MustParse("D,/colony[c='apple']/router[r='5']")

		Convey("Registrations of a group should become visible together", func() {
			var ready []types.RegID
			var readyMu sync.Mutex
			So(b.Events().Subscribe(evtbus.TopicRegReady, func(id types.RegID) {
				readyMu.Lock()
				ready = append(ready, id)
				readyMu.Unlock()
			}), ShouldBeNil)

			var readied []*Registration
			g := b.NewGroup(nil)
			m := &MemberFuncs{
				OnPrepare: respond("router"),
				OnRegReady: func(reg *Registration, cached []*types.Record) {
					readied = append(readied, reg)
				},
			}
			r1, err := g.Register(keyspec.MustParse("D,/colony[c='apple']/router[*]"), types.RegPublisher, m)
			So(err, ShouldBeNil)
			r2, err := g.Register(keyspec.MustParse("D,/colony[c='apple']/router[*]"), types.RegSubscriber, nil)
			So(err, ShouldBeNil)
			So(r1.Group(), ShouldEqual, g)
			So(g.Registrations(), ShouldHaveLength, 2)

			x, err := b.Query(path, types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(drain(x, 1), ShouldBeEmpty)
			code, ok := x.Blocks()[0].Code(1)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, types.CodeNA)

			So(g.Complete(), ShouldBeNil)
			So(readied, ShouldResemble, []*Registration{r1})
			So(ready, ShouldResemble, []types.RegID{r1.ID(), r2.ID()})

			x, err = b.Query(path, types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(payloads(drain(x, 1)), ShouldResemble, []interface{}{"router"})

			Convey("A completed group should refuse more registrations", func() {
				_, err := g.Register(path, types.RegRPC, m)
				So(err, ShouldEqual, types.ErrGroupComplete)
				So(g.Complete(), ShouldEqual, types.ErrGroupComplete)
			})
			Convey("A closed group should be deregistered", func() {
				So(g.Close(), ShouldBeNil)
				So(g.Close(), ShouldEqual, types.ErrGroupClosed)
				_, err := g.Register(path, types.RegRPC, m)
				So(err, ShouldEqual, types.ErrGroupClosed)
				So(b.Registry().Len(), ShouldEqual, 0)
			})
		})
		Convey("Publisher and rpc registrations should need a member", func() {
			_, err := b.Register(path, types.RegPublisher, nil)
			So(errors.Cause(err), ShouldEqual, types.ErrMissingCallback)
			_, err = b.Register(path, types.RegRPC, nil)
			So(errors.Cause(err), ShouldEqual, types.ErrMissingCallback)
			_, err = b.Register(path, types.RegSubscriber, nil)
			So(err, ShouldBeNil)
		})
		Convey("Duplicate and roleless registrations should fail", func() {
			m := &MemberFuncs{}
			_, err := b.Register(path, types.RegPublisher, m)
			So(err, ShouldBeNil)
			_, err = b.Register(path, types.RegPublisher, m)
			So(errors.Cause(err), ShouldEqual, types.ErrDuplicateRegistration)
			_, err = b.Register(path, types.RegPublisher|types.RegRPC, m)
			So(errors.Cause(err), ShouldEqual, types.ErrInvalidRole)
		})
		Convey("A deregistered member should not be reached", func() {
			calls := 0
			reg, err := b.Register(path, types.RegPublisher, &MemberFuncs{
				OnPrepare: func(qc *QueryContext) types.Result {
					calls++
					return types.Ack{}
				},
			})
			So(err, ShouldBeNil)

			x, err := b.Query(path, types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(calls, ShouldEqual, 1)

			So(b.Deregister(reg), ShouldBeNil)
			So(errors.Cause(b.Deregister(reg)), ShouldEqual, types.ErrNotRegistered)
			So(errors.Cause(b.Deregister(nil)), ShouldEqual, types.ErrNotRegistered)

			x, err = b.Query(path, types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(calls, ShouldEqual, 1)
		})
	})
}

func TestClose(t *testing.T) {
	Convey("Closing a bus should end in-flight transactions and leak nothing", t, func() {
		defer leaktest.CheckTimeout(t, testTimeout)()

		b, err := NewBus(nil, nil)
		So(err, ShouldBeNil)

		entered := make(chan struct{})
		_, err = b.Register(keyspec.MustParse("D,/slow"), types.RegPublisher, &MemberFuncs{
			OnPrepare: func(qc *QueryContext) types.Result {
				close(entered)
				return types.Async{}
			},
		})
		So(err, ShouldBeNil)

		x, err := b.QueryPath("D,/slow", types.ActionRead, 0, nil)
		So(err, ShouldBeNil)
		<-entered
		So(b.InFlight(), ShouldEqual, 1)

		So(b.Close(), ShouldBeNil)
		So(x.XactDone(), ShouldBeTrue)
		So(x.Status(), ShouldEqual, types.StatusAborted)
		So(errors.Cause(x.Cause()), ShouldEqual, types.ErrBusClosed)
		So(b.InFlight(), ShouldEqual, 0)

		So(b.Close(), ShouldEqual, types.ErrBusClosed)
		_, err = b.NewTransaction(0)
		So(err, ShouldEqual, types.ErrBusClosed)
		_, err = b.Register(keyspec.MustParse("D,/late"), types.RegSubscriber, nil)
		So(err, ShouldEqual, types.ErrBusClosed)
	})
}

func TestStats(t *testing.T) {
	Convey("Counters should follow transaction outcomes", t, func() {
		b, err := NewBus(nil, nil)
		So(err, ShouldBeNil)
		defer b.Close()

		_, err = b.Register(keyspec.MustParse("D,/ok"), types.RegPublisher, &MemberFuncs{OnPrepare: respond(1)})
		So(err, ShouldBeNil)
		_, err = b.Register(keyspec.MustParse("D,/bad"), types.RegPublisher, &MemberFuncs{
			OnPrepare: func(qc *QueryContext) types.Result { return types.Nack{} },
		})
		So(err, ShouldBeNil)

		x, err := b.QueryPath("D,/ok", types.ActionRead, 0, nil)
		So(err, ShouldBeNil)
		So(wait(x), ShouldEqual, types.StatusCommitted)
		x, err = b.QueryPath("D,/bad", types.ActionRead, 0, nil)
		So(err, ShouldBeNil)
		So(wait(x), ShouldEqual, types.StatusAborted)

		s := b.Stats()
		So(s.Transactions, ShouldEqual, 2)
		So(s.Committed, ShouldEqual, 1)
		So(s.Aborted, ShouldEqual, 1)
		So(s.Failed, ShouldEqual, 0)
		So(s.Queries, ShouldEqual, 2)
		So(s.Prepares, ShouldEqual, 2)
		So(s.Records, ShouldEqual, 1)
		So(s.Nacks, ShouldEqual, 1)
		So(s.Registrations, ShouldEqual, 2)
	})
}
