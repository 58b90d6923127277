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

package conf

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/dts"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v2"
)

const testFile = "./.configtest"

func TestConf(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	Convey("LoadConfig", t, func() {
		defer os.Remove(testFile)
		config := &Config{
			DefaultCredits: 8,
			Workers:        4,
			SweepTimeout:   3 * time.Second,
			AsyncTimeout:   time.Minute,
			Trace:          true,
			LogLevel:       "debug",
			StorePath:      "./.store",
			StoreKeyspec:   "C,/colony[c=*]",
		}
		sConfig, _ := yaml.Marshal(config)
		log.Debugf("config:\n%s", sConfig)
		ioutil.WriteFile(testFile, sConfig, 0600)
		configNew, err := LoadConfig(testFile)
		So(err, ShouldBeNil)
		So(configNew, ShouldResemble, config)

		o := configNew.BusOptions()
		So(o.DefaultCredits, ShouldEqual, 8)
		So(o.StreamWindow, ShouldEqual, 32)
		So(o.Workers, ShouldEqual, 4)
		So(o.JobQueue, ShouldEqual, dts.DefaultJobQueue)
		So(o.CacheSize, ShouldEqual, dts.DefaultCacheSize)
		So(o.SweepTimeout, ShouldEqual, 3*time.Second)
		So(o.Trace, ShouldBeTrue)

		_, err = LoadConfig("notExistFile")
		So(err, ShouldNotBeNil)

		ioutil.WriteFile(testFile, []byte("xx:1"), 0600)
		_, err = LoadConfig(testFile)
		So(err, ShouldNotBeNil)
	})
	Convey("Durations should read from their string form", t, func() {
		defer os.Remove(testFile)
		ioutil.WriteFile(testFile, []byte("SweepTimeout: 5s\nAsyncTimeout: 250ms\n"), 0600)
		config, err := LoadConfig(testFile)
		So(err, ShouldBeNil)
		So(config.SweepTimeout, ShouldEqual, 5*time.Second)
		So(config.AsyncTimeout, ShouldEqual, 250*time.Millisecond)
	})
	Convey("Values out of limits should be refused", t, func() {
		So(errors.Cause((&Config{DefaultCredits: MaxCredits + 1}).Validate()), ShouldEqual, ErrInvalidConfig)
		So(errors.Cause((&Config{Workers: -1}).Validate()), ShouldEqual, ErrInvalidConfig)
		So(errors.Cause((&Config{AsyncTimeout: -time.Second}).Validate()), ShouldEqual, ErrInvalidConfig)
		So(errors.Cause((&Config{LogLevel: "loud"}).Validate()), ShouldEqual, ErrInvalidConfig)
		So(errors.Cause((&Config{CacheSize: MaxCacheSize + 1}).Validate()), ShouldEqual, ErrInvalidConfig)
		So((&Config{
			DefaultCredits: MaxCredits,
			StreamWindow:   MaxStreamWindow,
			Workers:        MaxWorkers,
			CacheSize:      MaxCacheSize,
		}).Validate(), ShouldBeNil)
		So((&Config{}).Validate(), ShouldBeNil)
	})
}
