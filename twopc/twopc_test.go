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

package twopc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type workerState int

const (
	initialized workerState = iota
	precommitted
	committed
	aborted
)

type testWorker struct {
	sync.Mutex
	state         workerState
	failPrecommit error
	failCommit    error
	block         bool
}

func (w *testWorker) Precommit(ctx context.Context) error {
	if w.block {
		<-ctx.Done()
		return ctx.Err()
	}
	w.Lock()
	defer w.Unlock()
	if w.failPrecommit != nil {
		return w.failPrecommit
	}
	w.state = precommitted
	return nil
}

func (w *testWorker) Commit(ctx context.Context) error {
	w.Lock()
	defer w.Unlock()
	w.state = committed
	return w.failCommit
}

func (w *testWorker) Abort(ctx context.Context) error {
	w.Lock()
	defer w.Unlock()
	w.state = aborted
	return nil
}

func (w *testWorker) get() workerState {
	w.Lock()
	defer w.Unlock()
	return w.state
}

func workers(ws ...*testWorker) (res []Worker) {
	for _, w := range ws {
		res = append(res, w)
	}
	return
}

func TestCoordinator(t *testing.T) {
	Convey("Given three participants", t, func() {
		a, b, c := &testWorker{}, &testWorker{}, &testWorker{}
		errVeto := errors.New("veto")

		Convey("All voting yes should commit everybody", func() {
			committedOK, err := NewCoordinator(NewOptions(time.Second)).Put(context.Background(), workers(a, b, c))
			So(err, ShouldBeNil)
			So(committedOK, ShouldBeTrue)
			So(a.get(), ShouldEqual, committed)
			So(b.get(), ShouldEqual, committed)
			So(c.get(), ShouldEqual, committed)
		})
		Convey("One veto should abort everybody", func() {
			b.failPrecommit = errVeto
			committedOK, err := NewCoordinator(nil).Put(context.Background(), workers(a, b, c))
			So(err, ShouldEqual, errVeto)
			So(committedOK, ShouldBeFalse)
			So(a.get(), ShouldEqual, aborted)
			So(b.get(), ShouldEqual, aborted)
			So(c.get(), ShouldEqual, aborted)
		})
		Convey("A commit failure should not revert the outcome", func() {
			c.failCommit = errVeto
			committedOK, err := NewCoordinator(nil).Put(context.Background(), workers(a, b, c))
			So(err, ShouldEqual, errVeto)
			So(committedOK, ShouldBeTrue)
			So(a.get(), ShouldEqual, committed)
		})
		Convey("A hanging participant should be aborted on timeout", func() {
			b.block = true
			committedOK, err := NewCoordinator(NewOptions(50*time.Millisecond)).Put(context.Background(), workers(a, b, c))
			So(err, ShouldEqual, context.DeadlineExceeded)
			So(committedOK, ShouldBeFalse)
			So(a.get(), ShouldEqual, aborted)
		})
		Convey("Abort should skip precommit", func() {
			So(NewCoordinator(nil).Abort(context.Background(), workers(a, b)), ShouldBeNil)
			So(a.get(), ShouldEqual, aborted)
			So(b.get(), ShouldEqual, aborted)
		})
		Convey("An empty sweep should commit", func() {
			committedOK, err := NewCoordinator(nil).Put(context.Background(), nil)
			So(err, ShouldBeNil)
			So(committedOK, ShouldBeTrue)
		})
		Convey("Hooks should run around the phases", func() {
			var order []string
			var mu sync.Mutex
			hook := func(name string, err error) Hook {
				return func(ctx context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					order = append(order, name)
					return err
				}
			}
			opt := NewOptionsWithCallback(0, hook("precommit", nil), hook("commit", errVeto),
				hook("abort", nil), hook("after", nil))
			committedOK, err := NewCoordinator(opt).Put(context.Background(), workers(a))
			So(err, ShouldEqual, errVeto)
			So(committedOK, ShouldBeFalse)
			So(order, ShouldResemble, []string{"precommit", "commit", "abort"})
			So(a.get(), ShouldEqual, aborted)
		})
	})
}
