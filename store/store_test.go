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

package store

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/dts"
	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/syndtr/goleveldb/leveldb"
)

func wait(x *dts.Transaction) types.Status {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := x.Wait(ctx)
	So(err, ShouldBeNil)
	return status
}

func write(b *dts.Bus, path string, action types.Action, payload interface{}) types.Status {
	x, err := b.QueryPath(path, action, 0, payload)
	So(err, ShouldBeNil)
	return wait(x)
}

func TestStore(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	Convey("Given a store published on a bus", t, func() {
		b, err := dts.NewBus(&dts.Options{DefaultCredits: 2}, nil)
		So(err, ShouldBeNil)
		s, err := OpenMem()
		So(err, ShouldBeNil)
		Reset(func() {
			b.Close()
			s.Close()
		})
		_, err = s.Register(b, keyspec.MustParse("C,/colony"), 0)
		So(err, ShouldBeNil)

		Convey("Committed writes should persist", func() {
			So(write(b, "C,/colony[c='apple']", types.ActionCreate, "red"), ShouldEqual, types.StatusCommitted)
			v, err := s.Get(keyspec.MustParse("C,/colony[c='apple']"))
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "red")

			So(write(b, "C,/colony[c='apple']", types.ActionUpdate, "green"), ShouldEqual, types.StatusCommitted)
			v, err = s.Get(keyspec.MustParse("C,/colony[c='apple']"))
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "green")
		})
		Convey("Aborted writes should be discarded", func() {
			x, err := b.NewTransaction(0)
			So(err, ShouldBeNil)
			blk, _ := x.NewBlock()
			So(blk.AddPath("C,/colony[c='pear']", types.ActionCreate, 0, 1, "yellow"), ShouldBeNil)
			So(blk.Execute(0, nil), ShouldBeNil)
			So(blk.Wait(context.Background()), ShouldBeNil)
			So(x.Abort(errors.New("changed my mind")), ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusAborted)

			_, err = s.Get(keyspec.MustParse("C,/colony[c='pear']"))
			So(err, ShouldEqual, leveldb.ErrNotFound)
		})
		Convey("Wildcarded writes should be refused", func() {
			x, err := b.QueryPath("C,/colony[c=*]", types.ActionCreate, 0, "any")
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusAborted)
			So(errors.Cause(x.Cause()), ShouldEqual, ErrWildcardWrite)
		})
		Convey("Deletes should remove the subtree", func() {
			So(write(b, "C,/colony[c='apple']", types.ActionCreate, "red"), ShouldEqual, types.StatusCommitted)
			So(write(b, "C,/colony[c='apple']/tree[t='1']", types.ActionCreate, "old"), ShouldEqual, types.StatusCommitted)
			So(write(b, "C,/colony[c='fig']", types.ActionCreate, "purple"), ShouldEqual, types.StatusCommitted)

			So(write(b, "C,/colony[c='apple']", types.ActionDelete, nil), ShouldEqual, types.StatusCommitted)
			_, err := s.Get(keyspec.MustParse("C,/colony[c='apple']"))
			So(err, ShouldEqual, leveldb.ErrNotFound)
			_, err = s.Get(keyspec.MustParse("C,/colony[c='apple']/tree[t='1']"))
			So(err, ShouldEqual, leveldb.ErrNotFound)
			v, err := s.Get(keyspec.MustParse("C,/colony[c='fig']"))
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "purple")
		})
		Convey("Deleting a list without keys should remove every element", func() {
			So(write(b, "C,/colony[c='apple']", types.ActionCreate, "red"), ShouldEqual, types.StatusCommitted)
			So(write(b, "C,/colony[c='apple']/tree[t='1']", types.ActionCreate, "old"), ShouldEqual, types.StatusCommitted)

			x, err := b.NewTransaction(0)
			So(err, ShouldBeNil)
			create, _ := x.NewBlock()
			So(create.AddPath("C,/colony[c='pear']", types.ActionCreate, 0, 1, "yellow"), ShouldBeNil)
			remove, _ := x.NewBlock()
			So(remove.AddPath("C,/colony", types.ActionDelete, 0, 2, nil), ShouldBeNil)
			So(create.Execute(0, nil), ShouldBeNil)
			So(remove.Execute(types.BlockEnd, create), ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)

			for _, path := range []string{"C,/colony[c='apple']", "C,/colony[c='apple']/tree[t='1']", "C,/colony[c='pear']"} {
				_, err = s.Get(keyspec.MustParse(path))
				So(err, ShouldEqual, leveldb.ErrNotFound)
			}
			So(b.Cached(keyspec.MustParse("C,/colony")), ShouldBeEmpty)
		})
		Convey("Reads should stream under credit", func() {
			for _, c := range []string{"a", "b", "c", "d", "e"} {
				So(write(b, "C,/colony[c='"+c+"']", types.ActionCreate, c), ShouldEqual, types.StatusCommitted)
			}
			x, err := b.QueryPath("C,/colony[c=*]", types.ActionRead, 0, nil)
			So(err, ShouldBeNil)
			So(wait(x), ShouldEqual, types.StatusCommitted)

			var got []interface{}
			var last *types.Record
			for rec := x.GetResult(1); rec != nil; rec = x.GetResult(1) {
				got = append(got, rec.Payload)
				last = rec
			}
			So(got, ShouldResemble, []interface{}{"a", "b", "c", "d", "e"})
			So(last.More, ShouldBeFalse)
			So(last.Keyspec.String(), ShouldEqual, "C,/colony[c='e']")
		})
	})
	Convey("A store on disk should survive reopening", t, func() {
		dir, err := ioutil.TempDir("", "rwdts-store")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "db")

		b, err := dts.NewBus(nil, nil)
		So(err, ShouldBeNil)
		defer b.Close()
		s, err := Open(path)
		So(err, ShouldBeNil)
		_, err = s.Register(b, keyspec.MustParse("C,/colony"), 0)
		So(err, ShouldBeNil)
		So(write(b, "C,/colony[c='kiwi']", types.ActionCreate, "brown"), ShouldEqual, types.StatusCommitted)
		So(s.Close(), ShouldBeNil)
		So(s.Close(), ShouldEqual, ErrStoreClosed)

		s, err = Open(path)
		So(err, ShouldBeNil)
		defer s.Close()
		v, err := s.Get(keyspec.MustParse("C,/colony[c='kiwi']"))
		So(err, ShouldBeNil)
		So(v, ShouldEqual, "brown")
	})
}
