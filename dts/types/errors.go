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

import "github.com/pkg/errors"

var (
	// ErrBlockExecuted represents adding queries to a block already scheduled.
	ErrBlockExecuted = errors.New("block already executed")
	// ErrXactCommitted represents adding blocks to a transaction after Commit.
	ErrXactCommitted = errors.New("transaction already committed")
	// ErrXactDone represents operating on a transaction that reached a terminal status.
	ErrXactDone = errors.New("transaction done")
	// ErrXactAborting represents scheduling work on a transaction moving toward abort.
	ErrXactAborting = errors.New("transaction aborting")
	// ErrForeignBlock represents a block used with a transaction it does not belong to.
	ErrForeignBlock = errors.New("block belongs to another transaction")
	// ErrOrphanBlock represents a block waiting on a block that was never executed.
	ErrOrphanBlock = errors.New("block waits on a block never executed")
	// ErrInvalidAction represents an unknown query action.
	ErrInvalidAction = errors.New("invalid action")
	// ErrInvalidKeyspec represents a missing or corrupted keyspec.
	ErrInvalidKeyspec = errors.New("invalid keyspec")
	// ErrDuplicateRegistration represents an identical keyspec and role registered twice.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrMissingCallback represents a role registered without its mandatory callback.
	ErrMissingCallback = errors.New("missing mandatory callback")
	// ErrInvalidRole represents a registration without exactly one role.
	ErrInvalidRole = errors.New("invalid registration role")
	// ErrGroupComplete represents registering into a group whose registration phase ended.
	ErrGroupComplete = errors.New("registration group already complete")
	// ErrGroupClosed represents using a closed registration group.
	ErrGroupClosed = errors.New("registration group closed")
	// ErrNotRegistered represents deregistering an unknown registration.
	ErrNotRegistered = errors.New("registration not found")
	// ErrNoCredit represents a member pushing more records than its credit allows.
	ErrNoCredit = errors.New("response credit exhausted")
	// ErrAlreadyResponded represents a send after the terminal response.
	ErrAlreadyResponded = errors.New("query already responded")
	// ErrNack is the default cause of a NACK without a cause.
	ErrNack = errors.New("negative acknowledgement")
	// ErrAsyncTimeout represents an async prepare that never completed.
	ErrAsyncTimeout = errors.New("async response timeout")
	// ErrMemberFault represents a member callback that panicked.
	ErrMemberFault = errors.New("member callback fault")
	// ErrAbortedByOriginator is the cause of an abort requested by the transaction owner.
	ErrAbortedByOriginator = errors.New("aborted by originator")
	// ErrInvalidStateTransition represents a bootstrap state change out of order.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrBusClosed represents using a closed bus.
	ErrBusClosed = errors.New("bus closed")
)
