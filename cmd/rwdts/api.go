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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/dts"
	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const apiTimeout = 40 * time.Second

// ErrBadRequest represents a malformed api request.
var ErrBadRequest = errors.New("bad request")

type recordView struct {
	Keyspec string      `json:"keyspec"`
	Code    string      `json:"code"`
	More    bool        `json:"more"`
	Payload interface{} `json:"payload,omitempty"`
}

type queryRequest struct {
	Keyspec string      `json:"keyspec"`
	Action  string      `json:"action"`
	Payload interface{} `json:"payload,omitempty"`
	Merge   bool        `json:"merge"`
}

func sendResponse(code int, success bool, msg interface{}, data interface{}, rw http.ResponseWriter) {
	msgStr := "ok"
	if msg != nil {
		msgStr = fmt.Sprint(msg)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(map[string]interface{}{
		"status":  msgStr,
		"success": success,
		"data":    data,
	})
}

func sendError(err error, rw http.ResponseWriter) {
	switch errors.Cause(err) {
	case ErrBadRequest, ErrUnknownAction, types.ErrInvalidKeyspec:
		sendResponse(http.StatusBadRequest, false, err, nil, rw)
	case types.ErrBusClosed:
		sendResponse(http.StatusServiceUnavailable, false, err, nil, rw)
	default:
		sendResponse(http.StatusInternalServerError, false, err, nil, rw)
	}
}

type busAPI struct {
	bus *dts.Bus
}

func (a *busAPI) GetState(rw http.ResponseWriter, r *http.Request) {
	sendResponse(http.StatusOK, true, nil, map[string]interface{}{
		"state": a.bus.State().String(),
	}, rw)
}

func (a *busAPI) GetStats(rw http.ResponseWriter, r *http.Request) {
	sendResponse(http.StatusOK, true, nil, a.bus.Stats(), rw)
}

func (a *busAPI) PostQuery(rw http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(errors.Wrap(ErrBadRequest, err.Error()), rw)
		return
	}
	if req.Keyspec == "" {
		sendError(errors.Wrap(ErrBadRequest, "missing keyspec"), rw)
		return
	}
	step := Step{
		Keyspec: req.Keyspec,
		Action:  req.Action,
		Payload: req.Payload,
		Merge:   req.Merge,
	}
	recs, status, err := step.Run(a.bus)
	if err != nil {
		log.WithField("query", req.Keyspec).WithError(err).Debug("api query failed")
		sendError(err, rw)
		return
	}
	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, recordView{
			Keyspec: rec.Keyspec.String(),
			Code:    rec.Code.String(),
			More:    rec.More,
			Payload: rec.Payload,
		})
	}
	sendResponse(http.StatusOK, status == types.StatusCommitted, status, map[string]interface{}{
		"records": views,
	}, rw)
}

func newRouter(bus *dts.Bus, gatherer prometheus.Gatherer) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := &busAPI{bus: bus}
	v1Router := router.PathPrefix("/v1").Subrouter()
	v1Router.HandleFunc("/state", api.GetState).Methods("GET")
	v1Router.HandleFunc("/stats", api.GetStats).Methods("GET")
	v1Router.HandleFunc("/query", api.PostQuery).Methods("POST")

	return handlers.CORS()(router)
}

func startAPI(bus *dts.Bus, gatherer prometheus.Gatherer, listenAddr string) (server *http.Server) {
	server = &http.Server{
		Addr:         listenAddr,
		WriteTimeout: apiTimeout,
		ReadTimeout:  apiTimeout,
		IdleTimeout:  apiTimeout,
		Handler:      newRouter(bus, gatherer),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("start api server failed")
		}
	}()

	return server
}

func stopAPI(server *http.Server) (err error) {
	return server.Shutdown(context.Background())
}
