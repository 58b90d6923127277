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
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/dts"
	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// stepTimeout bounds the wait for one scripted transaction.
const stepTimeout = 30 * time.Second

// ErrUnknownAction represents a script step with an action name not understood.
var ErrUnknownAction = errors.New("unknown action")

// Step is one query of a script, run as a transaction of its own.
type Step struct {
	Keyspec string      `yaml:"Keyspec"`
	Action  string      `yaml:"Action"`
	Payload interface{} `yaml:"Payload"`
	Merge   bool        `yaml:"Merge"`
}

// LoadScript reads a yaml list of steps.
func LoadScript(path string) (steps []Step, err error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return
	}
	if err = yaml.Unmarshal(data, &steps); err != nil {
		return nil, errors.Wrap(err, "unmarshal script failed")
	}
	for i := range steps {
		if _, err = parseAction(steps[i].Action); err != nil {
			return nil, errors.Wrapf(err, "step %d", i)
		}
		steps[i].Payload = stringKeys(steps[i].Payload)
	}
	return
}

// stringKeys turns the interface keyed maps of yaml into string keyed ones, the
// form payloads merge and encode in.
func stringKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case []interface{}:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
	}
	return v
}

func parseAction(s string) (a types.Action, err error) {
	for a = types.ActionRead; a.Valid(); a++ {
		if strings.EqualFold(a.String(), s) {
			return
		}
	}
	return 0, errors.Wrapf(ErrUnknownAction, "%q", s)
}

// Run queries the bus and drains the records of the step.
func (s *Step) Run(b *dts.Bus) (recs []*types.Record, status types.Status, err error) {
	action, err := parseAction(s.Action)
	if err != nil {
		return
	}
	var flags types.QueryFlag
	if s.Merge {
		flags |= types.QueryMerge
	}
	x, err := b.QueryPath(s.Keyspec, action, flags, s.Payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	if status, err = x.Wait(ctx); err != nil {
		return
	}
	for rec := x.GetResult(1); rec != nil; rec = x.GetResult(1) {
		recs = append(recs, rec)
	}
	return
}
