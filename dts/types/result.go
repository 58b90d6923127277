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

// Code defines the wire level response code of a result or record.
type Code int

const (
	// CodeAck is a completed, successful response.
	CodeAck Code = iota
	// CodeNack is a hard failure.
	CodeNack
	// CodeNA is a registration not owning the queried key.
	CodeNA
	// CodeAsync is a response that will be completed later.
	CodeAsync
	// CodeMore is a streamed response that is not the final one.
	CodeMore
)

func (c Code) String() string {
	switch c {
	case CodeAck:
		return "ACK"
	case CodeNack:
		return "NACK"
	case CodeNA:
		return "NA"
	case CodeAsync:
		return "ASYNC"
	case CodeMore:
		return "MORE"
	}
	return "Unknown"
}

// Terminal reports whether c finishes the work of a registration for a query.
func (c Code) Terminal() bool {
	return c == CodeAck || c == CodeNack || c == CodeNA
}

// Result is the tagged result shared by prepare callbacks, response sends and
// transaction events. The variants are Ack, Nack, NotApplicable, Async and More.
type Result interface {
	Code() Code
}

// Ack completes the work of a registration. A non nil Payload is attached as one
// last record addressed at the query keyspec.
type Ack struct {
	Payload interface{}
}

// Code implements Result.
func (Ack) Code() Code { return CodeAck }

// Nack is a hard failure carrying its cause.
type Nack struct {
	Cause error
	Msg   string
}

// Code implements Result.
func (Nack) Code() Code { return CodeNack }

// Err returns the failure as an error, Msg wrapping Cause.
func (n Nack) Err() error {
	cause := n.Cause
	if cause == nil {
		cause = ErrNack
	}
	if n.Msg == "" {
		return cause
	}
	return errors.Wrap(cause, n.Msg)
}

// NotApplicable tells the registration does not own the queried key.
type NotApplicable struct{}

// Code implements Result.
func (NotApplicable) Code() Code { return CodeNA }

// Async defers the response to later sends.
type Async struct{}

// Code implements Result.
func (Async) Code() Code { return CodeAsync }

// More asks to be invoked again with fresh credit.
type More struct{}

// Code implements Result.
func (More) Code() Code { return CodeMore }

// Merger is implemented by payloads that coalesce fragments of one logical object.
type Merger interface {
	Merge(fragment interface{}) interface{}
}
