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

import "strings"

// Action defines the operation a query performs.
type Action int

const (
	// ActionRead reads data below a keyspec.
	ActionRead Action = iota
	// ActionCreate creates an object.
	ActionCreate
	// ActionUpdate updates an object.
	ActionUpdate
	// ActionDelete deletes an object and its subtree.
	ActionDelete
	// ActionRPC invokes an rpc.
	ActionRPC
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "READ"
	case ActionCreate:
		return "CREATE"
	case ActionUpdate:
		return "UPDATE"
	case ActionDelete:
		return "DELETE"
	case ActionRPC:
		return "RPC"
	}
	return "Unknown"
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a >= ActionRead && a <= ActionRPC
}

// CarriesPayload reports whether queries with this action carry a payload to the member.
func (a Action) CarriesPayload() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionRPC
}

// Mutates reports whether the action changes data.
func (a Action) Mutates() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// RegFlag defines registration roles and options.
type RegFlag uint32

const (
	// RegPublisher publishes data at the keyspec.
	RegPublisher RegFlag = 1 << iota
	// RegSubscriber subscribes to changes at the keyspec.
	RegSubscriber
	// RegRPC serves rpc queries at the keyspec.
	RegRPC
	// RegShared allows several publishers to answer the same key.
	RegShared
	// RegCache keeps the last known value for replay to new subscribers.
	RegCache
)

// Roles masks the role bits of a RegFlag.
const Roles = RegPublisher | RegSubscriber | RegRPC

// Has reports whether all bits of o are set.
func (f RegFlag) Has(o RegFlag) bool {
	return f&o == o
}

// Role returns the role bits.
func (f RegFlag) Role() RegFlag {
	return f & Roles
}

func (f RegFlag) String() string {
	var parts []string
	names := []struct {
		f RegFlag
		n string
	}{
		{RegPublisher, "PUBLISHER"},
		{RegSubscriber, "SUBSCRIBER"},
		{RegRPC, "RPC"},
		{RegShared, "SHARED"},
		{RegCache, "CACHE"},
	}
	for _, n := range names {
		if f.Has(n.f) {
			parts = append(parts, n.n)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// XactFlag defines transaction wide options.
type XactFlag uint32

const (
	// XactTrace records protocol trace events on the transaction.
	XactTrace XactFlag = 1 << iota
	// XactStream paces continuation prepares on the consumer draining results.
	XactStream
	// XactBlockMerge merges the results of all blocks into the transaction result queue.
	XactBlockMerge
)

// Has reports whether all bits of o are set.
func (f XactFlag) Has(o XactFlag) bool {
	return f&o == o
}

// QueryFlag defines per query options.
type QueryFlag uint32

const (
	// QueryMerge coalesces multiple object fragments into one logical result.
	QueryMerge QueryFlag = 1 << iota
	// QueryShared marks the query as legally answered by several publishers.
	QueryShared
	// QueryTrace records trace events for this query only.
	QueryTrace
)

// Has reports whether all bits of o are set.
func (f QueryFlag) Has(o QueryFlag) bool {
	return f&o == o
}

// BlockFlag defines block execution options.
type BlockFlag uint32

const (
	// BlockEnd commits the transaction once this block is complete.
	BlockEnd BlockFlag = 1 << iota
)

// Has reports whether all bits of o are set.
func (f BlockFlag) Has(o BlockFlag) bool {
	return f&o == o
}

// Status defines the terminal status of a transaction.
type Status int

const (
	// StatusRunning is the transaction still in flight.
	StatusRunning Status = iota
	// StatusCommitted is a successfully committed transaction.
	StatusCommitted
	// StatusAborted is a transaction aborted by a participant or the originator.
	StatusAborted
	// StatusFailure is a transaction failed by an internal fault.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	case StatusFailure:
		return "FAILURE"
	}
	return "Unknown"
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Phase defines the transaction wide events delivered to registration groups.
type Phase int

const (
	// PhasePrecommit is the last chance to veto the transaction.
	PhasePrecommit Phase = iota
	// PhaseCommit makes tentative changes durable.
	PhaseCommit
	// PhaseAbort discards tentative changes.
	PhaseAbort
)

func (p Phase) String() string {
	switch p {
	case PhasePrecommit:
		return "PRECOMMIT"
	case PhaseCommit:
		return "COMMIT"
	case PhaseAbort:
		return "ABORT"
	}
	return "Unknown"
}

// State defines the bootstrap state of a member process.
type State int

const (
	// StateNull is the state before the bus handle exists.
	StateNull State = iota
	// StateInit is entered once the bus handle is constructed.
	StateInit
	// StateRegnComplete is entered when the member finished registering.
	StateRegnComplete
	// StateConfig is entered while the member applies configuration.
	StateConfig
	// StateRun is the operational state.
	StateRun
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateInit:
		return "INIT"
	case StateRegnComplete:
		return "REGN_COMPLETE"
	case StateConfig:
		return "CONFIG"
	case StateRun:
		return "RUN"
	}
	return "Unknown"
}
