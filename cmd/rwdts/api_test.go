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

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/RIFTIO/RIFT.ware-sub013/dts"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/RIFTIO/RIFT.ware-sub013/metric"
	"github.com/RIFTIO/RIFT.ware-sub013/store"
	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
)

type apiResponse struct {
	Status  string                 `json:"status"`
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
}

func TestAPI(t *testing.T) {
	Convey("Given a bus api with a store member", t, func() {
		b, err := dts.NewBus(nil, nil)
		So(err, ShouldBeNil)
		s, err := store.OpenMem()
		So(err, ShouldBeNil)
		Reset(func() {
			b.Close()
			s.Close()
		})
		_, err = s.Register(b, keyspec.MustParse("C,/colony"), 0)
		So(err, ShouldBeNil)

		reg := prometheus.NewRegistry()
		reg.MustRegister(metric.NewDTSCollector(b))
		server := httptest.NewServer(newRouter(b, reg))
		Reset(server.Close)

		call := func(method, path, body string) (code int, res apiResponse) {
			req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
			So(err, ShouldBeNil)
			resp, err := http.DefaultClient.Do(req)
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
				So(json.NewDecoder(resp.Body).Decode(&res), ShouldBeNil)
			}
			return resp.StatusCode, res
		}

		Convey("Queries should write and read through the bus", func() {
			code, res := call("POST", "/v1/query",
				`{"keyspec":"C,/colony[c='apple']","action":"create","payload":{"color":"red"}}`)
			So(code, ShouldEqual, http.StatusOK)
			So(res.Success, ShouldBeTrue)
			So(res.Status, ShouldEqual, "COMMITTED")

			code, res = call("POST", "/v1/query", `{"keyspec":"C,/colony[c=*]","action":"read"}`)
			So(code, ShouldEqual, http.StatusOK)
			recs, ok := res.Data["records"].([]interface{})
			So(ok, ShouldBeTrue)
			So(recs, ShouldHaveLength, 1)
			rec := recs[0].(map[string]interface{})
			So(rec["keyspec"], ShouldEqual, "C,/colony[c='apple']")
			So(rec["payload"], ShouldResemble, map[string]interface{}{"color": "red"})
		})
		Convey("Malformed queries should be refused", func() {
			code, _ := call("POST", "/v1/query", `{"keyspec":"colony","action":"read"}`)
			So(code, ShouldEqual, http.StatusBadRequest)
			code, _ = call("POST", "/v1/query", `{"keyspec":"C,/colony","action":"poke"}`)
			So(code, ShouldEqual, http.StatusBadRequest)
			code, _ = call("POST", "/v1/query", `not json`)
			So(code, ShouldEqual, http.StatusBadRequest)
		})
		Convey("State, stats and metrics should be served", func() {
			code, res := call("GET", "/v1/state", "")
			So(code, ShouldEqual, http.StatusOK)
			So(res.Data["state"], ShouldEqual, "INIT")

			code, res = call("GET", "/v1/stats", "")
			So(code, ShouldEqual, http.StatusOK)
			So(res.Data["Registrations"], ShouldEqual, float64(1))

			code, _ = call("GET", "/metrics", "")
			So(code, ShouldEqual, http.StatusOK)
		})
	})
}
