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

import "github.com/RIFTIO/RIFT.ware-sub013/dts/types"

// coalesce merges the fragments of one MERGE query into one record per keyspec, in
// order of first appearance. The last record carries the terminal code of the query.
func coalesce(fragments []*types.Record, code types.Code) (res []*types.Record) {
	index := make(map[string]int)
	for _, f := range fragments {
		key := f.Keyspec.String()
		i, ok := index[key]
		if !ok {
			c := *f
			c.More = true
			index[key] = len(res)
			res = append(res, &c)
			continue
		}
		acc := res[i]
		acc.Payload = mergePayload(acc.Payload, f.Payload)
		if acc.RegID != f.RegID {
			acc.RegID = 0
		}
	}
	for i, r := range res {
		r.More = i < len(res)-1
		if r.More {
			r.Code = types.CodeMore
		} else {
			r.Code = code
		}
	}
	return
}

func mergePayload(acc, fragment interface{}) interface{} {
	switch a := acc.(type) {
	case types.Merger:
		return a.Merge(fragment)
	case map[string]interface{}:
		f, ok := fragment.(map[string]interface{})
		if !ok {
			break
		}
		m := make(map[string]interface{}, len(a)+len(f))
		for k, v := range a {
			m[k] = v
		}
		for k, v := range f {
			m[k] = v
		}
		return m
	}
	if fragment == nil {
		return acc
	}
	return fragment
}
