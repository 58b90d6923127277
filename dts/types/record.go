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

package types

import (
	"fmt"

	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
)

// RegID is the stable id of a registration.
type RegID uint64

// Record is one unit of result data of a (transaction, block, query, registration) tuple.
type Record struct {
	XactID  string
	Block   int
	CorrID  uint64
	RegID   RegID
	Code    Code
	Keyspec *keyspec.Keyspec
	Payload interface{}
	// More tells further records follow for the same tuple.
	More bool
}

func (r *Record) String() string {
	return fmt.Sprintf("record{xact=%s block=%d corrid=%d reg=%d code=%s ks=%s more=%v}",
		r.XactID, r.Block, r.CorrID, r.RegID, r.Code, r.Keyspec, r.More)
}

// ErrorRecord is a failure attached to a transaction by a participant or the bus.
type ErrorRecord struct {
	// Keyspec is the xpath the failure relates to.
	Keyspec *keyspec.Keyspec
	Cause   error
	Msg     string
	Payload interface{}
	CorrID  uint64
	Block   int
	RegID   RegID
	// Nack is set when the error accompanied a NACK.
	Nack bool
	// Seq orders error records of one transaction.
	Seq int
}

func (e *ErrorRecord) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Keyspec, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Keyspec, e.Msg, e.Cause)
}

// MostProbableCause picks the error most likely to explain a failure: NACK errors beat
// informational ones, a deeper keyspec beats a shallower one, and the earliest wins ties.
func MostProbableCause(errs []*ErrorRecord) (best *ErrorRecord) {
	for _, e := range errs {
		if best == nil {
			best = e
			continue
		}
		switch {
		case e.Nack != best.Nack:
			if e.Nack {
				best = e
			}
		case e.Keyspec.Depth() != best.Keyspec.Depth():
			if e.Keyspec.Depth() > best.Keyspec.Depth() {
				best = e
			}
		case e.Seq < best.Seq:
			best = e
		}
	}
	return
}
