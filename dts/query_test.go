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
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

// counter streams total integers, as many per turn as the credit allows.
func counter(total int, turns *int) func(qc *QueryContext) types.Result {
	return func(qc *QueryContext) types.Result {
		*turns = qc.Turn() + 1
		n, _ := qc.Cursor.(int)
		for qc.Remaining() > 0 && n < total {
			qc.Respond(nil, n)
			n++
		}
		qc.Cursor = n
		if n < total {
			return types.More{}
		}
		return types.Ack{}
	}
}

func TestCredits(t *testing.T) {
	Convey("Given a bus handing out two credits per turn", t, func() {
		b, err := NewBus(&Options{DefaultCredits: 2, StreamWindow: 2}, nil)
		So(err, ShouldBeNil)
		Reset(func() { b.Close() })

		Convey("A member should stream past its credit through continuations", func() {
			var turns int
			_, err := b.Register(keyspec.MustParse("D,/stream"), types.RegPublisher,
				&MemberFuncs{OnPrepare: counter(5, &turns)})
			So(err, ShouldBeNil)

			x, err := b.QueryPath("D,/stream", types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(turns, ShouldEqual, 3)

			recs := drain(x, 1)
			So(payloads(recs), ShouldResemble, []interface{}{0, 1, 2, 3, 4})
			for _, r := range recs[:4] {
				So(r.More, ShouldBeTrue)
				So(r.Code, ShouldEqual, types.CodeMore)
			}
			So(recs[4].More, ShouldBeFalse)
			So(recs[4].Code, ShouldEqual, types.CodeAck)
			So(recs[4].XactID, ShouldEqual, x.ID())
			So(x.Blocks()[0].ResultsDone(1), ShouldBeTrue)
		})
		Convey("Responding past the credit should fail", func() {
			var overflow error
			_, err := b.Register(keyspec.MustParse("D,/greedy"), types.RegPublisher, &MemberFuncs{
				OnPrepare: func(qc *QueryContext) types.Result {
					for i := 0; i < 3; i++ {
						if err := qc.Respond(nil, i); err != nil {
							overflow = err
						}
					}
					return types.Ack{Payload: "tail"}
				},
			})
			So(err, ShouldBeNil)

			x, err := b.QueryPath("D,/greedy", types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(errors.Cause(overflow), ShouldEqual, types.ErrNoCredit)
			So(payloads(drain(x, 1)), ShouldResemble, []interface{}{0, 1, "tail"})
		})
		Convey("A streaming transaction should pace the member on the consumer", func() {
			var turns int
			_, err := b.Register(keyspec.MustParse("D,/paced"), types.RegPublisher,
				&MemberFuncs{OnPrepare: counter(10, &turns)})
			So(err, ShouldBeNil)

			x, err := b.NewTransaction(types.XactStream)
			So(err, ShouldBeNil)
			blk, _ := x.NewBlock()
			So(blk.AddPath("D,/paced", types.ActionRead, 0, 7, nil), ShouldBeNil)
			So(blk.Execute(types.BlockEnd, nil), ShouldBeNil)

			time.Sleep(50 * time.Millisecond)
			So(x.XactDone(), ShouldBeFalse)
			So(blk.GetMoreResults(7), ShouldBeTrue)

			var got []interface{}
			deadline := time.Now().Add(testTimeout)
			for len(got) < 10 && time.Now().Before(deadline) {
				if rec := blk.GetResult(7); rec != nil {
					got = append(got, rec.Payload)
					continue
				}
				time.Sleep(time.Millisecond)
			}
			So(got, ShouldResemble, []interface{}{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(blk.ResultsDone(7), ShouldBeTrue)
		})
	})
}

func TestAsync(t *testing.T) {
	Convey("Given a bus with a short async timeout", t, func() {
		b, err := NewBus(&Options{AsyncTimeout: 100 * time.Millisecond}, nil)
		So(err, ShouldBeNil)
		Reset(func() { b.Close() })

		Convey("Async responses should be delivered through sends", func() {
			sent := make(chan error, 2)
			var saved *QueryContext
			_, err := b.Register(keyspec.MustParse("D,/async"), types.RegPublisher, &MemberFuncs{
				OnPrepare: func(qc *QueryContext) types.Result {
					saved = qc
					go func() {
						sent <- qc.SendMore(Response{Payload: "a"})
						sent <- qc.Send(types.Ack{}, Response{Payload: "b"})
					}()
					return types.Async{}
				},
			})
			So(err, ShouldBeNil)

			x, err := b.QueryPath("D,/async", types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(<-sent, ShouldBeNil)
			So(<-sent, ShouldBeNil)

			recs := drain(x, 1)
			So(payloads(recs), ShouldResemble, []interface{}{"a", "b"})
			So(recs[1].Code, ShouldEqual, types.CodeAck)
			So(saved.Send(types.Ack{}), ShouldEqual, types.ErrAlreadyResponded)
		})
		Convey("An async member may NACK later", func() {
			cause := errors.New("backend gone")
			_, err := b.Register(keyspec.MustParse("D,/async"), types.RegPublisher, &MemberFuncs{
				OnPrepare: func(qc *QueryContext) types.Result {
					go func() {
						time.Sleep(10 * time.Millisecond)
						qc.Send(types.Nack{Cause: cause})
					}()
					return types.Async{}
				},
			})
			So(err, ShouldBeNil)

			x, err := b.QueryPath("D,/async", types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusAborted)
			So(x.Cause(), ShouldEqual, cause)
		})
		Convey("An async member that never answers should time out", func() {
			_, err := b.Register(keyspec.MustParse("D,/silent"), types.RegPublisher, &MemberFuncs{
				OnPrepare: func(qc *QueryContext) types.Result { return types.Async{} },
			})
			So(err, ShouldBeNil)

			x, err := b.QueryPath("D,/silent", types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusAborted)
			So(x.Cause(), ShouldEqual, types.ErrAsyncTimeout)
			errs := x.Errors(1)
			So(errs, ShouldHaveLength, 1)
			So(errs[0].Nack, ShouldBeTrue)
		})
	})
}

func TestNestedQuery(t *testing.T) {
	Convey("A member should be able to query the bus inside its prepare", t, func() {
		b, err := NewBus(&Options{Workers: 1, JobQueue: 1}, nil)
		So(err, ShouldBeNil)
		defer b.Close()

		_, err = b.Register(keyspec.MustParse("D,/colony[c='apple']/interface[*]"), types.RegPublisher,
			&MemberFuncs{
				OnPrepare: func(qc *QueryContext) types.Result {
					qc.Respond(nil, "eth0")
					qc.Respond(nil, "eth1")
					return types.Ack{}
				},
			})
		So(err, ShouldBeNil)

		var nestedErr error
		_, err = b.Register(keyspec.MustParse("D,/colony[c='apple']/router[*]"), types.RegPublisher,
			&MemberFuncs{
				OnPrepare: func(qc *QueryContext) types.Result {
					blk, err := qc.Xact.NewBlock()
					if err == nil {
						err = blk.AddPath("D,/colony[c='apple']/interface[i=*]", types.ActionRead, 0, 99, nil)
					}
					if err == nil {
						err = blk.ExecuteImmediate(0)
					}
					if err != nil {
						nestedErr = err
						return types.Nack{Cause: err}
					}
					count := 0
					for blk.GetResult(99) != nil {
						count++
					}
					return types.Ack{Payload: count}
				},
			})
		So(err, ShouldBeNil)

		x, err := b.QueryPath("D,/colony[c='apple']/router[r='5']", types.ActionRead, 0, nil)
		So(err, ShouldBeNil)
		So(wait(x), ShouldEqual, types.StatusCommitted)
		So(nestedErr, ShouldBeNil)
		outer := x.Blocks()[0]
		So(outer.GetResult(1).Payload, ShouldEqual, 2)
		So(outer.GetResult(1), ShouldBeNil)
		So(x.Blocks(), ShouldHaveLength, 2)
	})
}

func TestNestedTransaction(t *testing.T) {
	Convey("A prepare waiting on a transaction it created should not starve the pool", t, func() {
		b, err := NewBus(&Options{Workers: 1, JobQueue: 1}, nil)
		So(err, ShouldBeNil)
		defer b.Close()

		_, err = b.Register(keyspec.MustParse("D,/inner"), types.RegPublisher, &MemberFuncs{
			OnPrepare: respond("inner"),
		})
		So(err, ShouldBeNil)
		_, err = b.Register(keyspec.MustParse("D,/outer"), types.RegPublisher, &MemberFuncs{
			OnPrepare: func(qc *QueryContext) types.Result {
				nx, err := b.QueryPath("D,/inner", types.ActionRead, 0, nil)
				if err != nil {
					return types.Nack{Cause: err}
				}
				ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
				defer cancel()
				status, err := nx.Wait(ctx)
				if err != nil {
					return types.Nack{Cause: err}
				}
				if status != types.StatusCommitted {
					return types.Nack{Cause: nx.Cause()}
				}
				rec := nx.GetResult(1)
				if rec == nil {
					return types.Nack{Msg: "no inner record"}
				}
				return types.Ack{Payload: rec.Payload}
			},
		})
		So(err, ShouldBeNil)

		x, err := b.QueryPath("D,/outer", types.ActionRead, 0, nil)
		So(err, ShouldBeNil)
		So(wait(x), ShouldEqual, types.StatusCommitted)
		So(payloads(drain(x, 1)), ShouldResemble, []interface{}{"inner"})
		So(b.Stats().Overflows, ShouldBeGreaterThan, uint64(0))
	})
}

func TestMergeQuery(t *testing.T) {
	Convey("Fragments from shared publishers should merge into one record", t, func() {
		b, err := NewBus(nil, nil)
		So(err, ShouldBeNil)
		defer b.Close()

		ks := keyspec.MustParse("D,/colony[c='apple']")
		for _, frag := range []map[string]interface{}{{"name": "apple"}, {"routers": 3}} {
			frag := frag
			_, err = b.Register(ks, types.RegPublisher|types.RegShared, &MemberFuncs{
				OnPrepare: func(qc *QueryContext) types.Result {
					return types.Ack{Payload: frag}
				},
			})
			So(err, ShouldBeNil)
		}

		x, err := b.Query(ks, types.ActionRead, types.QueryMerge, nil)
		So(err, ShouldBeNil)
		So(wait(x), ShouldEqual, types.StatusCommitted)
		recs := drain(x, 1)
		So(recs, ShouldHaveLength, 1)
		So(recs[0].Payload, ShouldResemble, map[string]interface{}{"name": "apple", "routers": 3})
		So(recs[0].RegID, ShouldEqual, types.RegID(0))
		So(recs[0].More, ShouldBeFalse)
		So(recs[0].Code, ShouldEqual, types.CodeAck)

		Convey("Without the flag each publisher should answer on its own", func() {
			x, err := b.Query(ks, types.ActionRead, types.QueryShared, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(drain(x, 1), ShouldHaveLength, 2)
		})
	})
}

func TestCache(t *testing.T) {
	Convey("Given a caching publisher and subscriber", t, func() {
		b, err := NewBus(nil, nil)
		So(err, ShouldBeNil)
		Reset(func() { b.Close() })

		_, err = b.Register(keyspec.MustParse("D,/colony[*]"), types.RegPublisher|types.RegCache, &MemberFuncs{
			OnPrepare: respond("cached"),
		})
		So(err, ShouldBeNil)
		_, err = b.Register(keyspec.MustParse("C,/colony[*]"), types.RegSubscriber|types.RegCache, nil)
		So(err, ShouldBeNil)

		Convey("Published records should replay to late subscribers", func() {
			x, err := b.QueryPath("D,/colony[c='apple']", types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)

			var mu sync.Mutex
			var replayed []*types.Record
			_, err = b.Register(keyspec.MustParse("D,/colony[*]"), types.RegSubscriber|types.RegCache, &MemberFuncs{
				OnRegReady: func(reg *Registration, cached []*types.Record) {
					mu.Lock()
					replayed = cached
					mu.Unlock()
				},
			})
			So(err, ShouldBeNil)
			mu.Lock()
			defer mu.Unlock()
			So(replayed, ShouldHaveLength, 1)
			So(replayed[0].Payload, ShouldEqual, "cached")
			So(replayed[0].Keyspec.String(), ShouldEqual, "D,/colony[c='apple']")
		})
		Convey("Committed mutations should update the cache", func() {
			path := keyspec.MustParse("C,/colony[c='pear']")
			x, err := b.Query(path, types.ActionCreate, 0, map[string]interface{}{"size": 1})
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			cached := b.Cached(keyspec.MustParse("C,/colony"))
			So(cached, ShouldHaveLength, 1)
			So(cached[0].Payload, ShouldResemble, map[string]interface{}{"size": 1})

			x, err = b.Query(path, types.ActionDelete, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)
			So(b.Cached(keyspec.MustParse("C,/colony")), ShouldBeEmpty)
		})
	})
}

func TestCoalesce(t *testing.T) {
	Convey("Fragments should coalesce per keyspec in first appearance order", t, func() {
		a := keyspec.MustParse("D,/a")
		c := keyspec.MustParse("D,/c")
		res := coalesce([]*types.Record{
			{Keyspec: a, RegID: 1, Payload: map[string]interface{}{"x": 1}},
			{Keyspec: c, RegID: 1, Payload: "c1"},
			{Keyspec: a, RegID: 2, Payload: map[string]interface{}{"y": 2}},
			{Keyspec: c, RegID: 1, Payload: nil},
		}, types.CodeAck)
		So(res, ShouldHaveLength, 2)
		So(res[0].Payload, ShouldResemble, map[string]interface{}{"x": 1, "y": 2})
		So(res[0].RegID, ShouldEqual, types.RegID(0))
		So(res[0].More, ShouldBeTrue)
		So(res[0].Code, ShouldEqual, types.CodeMore)
		So(res[1].Payload, ShouldEqual, "c1")
		So(res[1].RegID, ShouldEqual, types.RegID(1))
		So(res[1].More, ShouldBeFalse)
		So(res[1].Code, ShouldEqual, types.CodeAck)
	})
}
