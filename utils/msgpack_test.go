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

package utils

import (
	"testing"

	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	. "github.com/smartystreets/goconvey/convey"
)

type cursorFixture struct {
	After string
	Turn  int64
}

func TestMsgPack(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	Convey("Typed values should round trip", t, func() {
		pre := &cursorFixture{After: "D,/colony[c='apple']", Turn: 3}
		buf, err := EncodeMsgPack(pre)
		So(err, ShouldBeNil)
		log.Debugf("cursor encoded len %d to %x", buf.Len(), buf.Bytes())
		var post cursorFixture
		So(DecodeMsgPack(buf.Bytes(), &post), ShouldBeNil)
		So(post, ShouldResemble, *pre)
	})
	Convey("Schemaless payloads should decode to plain values", t, func() {
		buf, err := EncodeMsgPack(map[string]interface{}{"name": "apple", "count": 2})
		So(err, ShouldBeNil)
		v, err := DecodeMsgPackValue(buf.Bytes())
		So(err, ShouldBeNil)
		m, ok := v.(map[string]interface{})
		So(ok, ShouldBeTrue)
		So(m["name"], ShouldEqual, "apple")
		var count int64
		switch c := m["count"].(type) {
		case int64:
			count = c
		case uint64:
			count = int64(c)
		}
		So(count, ShouldEqual, 2)

		buf, err = EncodeMsgPack("red")
		So(err, ShouldBeNil)
		v, err = DecodeMsgPackValue(buf.Bytes())
		So(err, ShouldBeNil)
		So(v, ShouldEqual, "red")
	})
	Convey("Garbage should fail to decode", t, func() {
		_, err := DecodeMsgPackValue([]byte{0xc1})
		So(err, ShouldNotBeNil)
	})
}
