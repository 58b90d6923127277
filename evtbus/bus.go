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

// Package evtbus is the in-process notification bus of the data bus. Transactions,
// registration groups and the bootstrap state machine publish lifecycle events on it;
// tools and tests observe them without hooking member callbacks.
package evtbus

import (
	"reflect"
	"sync"

	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
)

// Topic names an event stream.
type Topic string

const (
	// TopicState carries (types.State) on every bootstrap state entered.
	TopicState Topic = "state"
	// TopicTrace carries (xactID string, event string) for traced transactions.
	TopicTrace Topic = "trace"
	// TopicXactDone carries (xactID string, status types.Status) once a transaction ends.
	TopicXactDone Topic = "xact_done"
	// TopicRegReady carries (regID types.RegID) once a registration is installed.
	TopicRegReady Topic = "reg_ready"
)

var (
	// ErrNotFunc represents subscribing a handler that is not a function.
	ErrNotFunc = errors.New("handler is not a function")
	// ErrNoSuchTopic represents unsubscribing from a topic without handlers.
	ErrNoSuchTopic = errors.New("topic has no handlers")
)

// Subscriber defines subscribing-related bus behavior.
type Subscriber interface {
	Subscribe(topic Topic, handler interface{}) error
	SubscribeAsync(topic Topic, handler interface{}, transactional bool) error
	SubscribeOnce(topic Topic, handler interface{}) error
	Unsubscribe(topic Topic, handler interface{}) error
}

// Publisher defines publishing-related bus behavior.
type Publisher interface {
	Publish(topic Topic, args ...interface{})
}

// EventBus englobes subscribe, publish and synchronization.
type EventBus struct {
	lock     sync.Mutex
	handlers map[Topic][]*handler
	wg       sync.WaitGroup
}

type handler struct {
	fn            reflect.Value
	once          bool
	async         bool
	transactional bool
	// serializes transactional async deliveries
	sync.Mutex
}

// New returns an event bus without handlers.
func New() *EventBus {
	return &EventBus{
		handlers: make(map[Topic][]*handler),
	}
}

func (b *EventBus) add(topic Topic, fn interface{}, h *handler) error {
	if fn == nil || reflect.TypeOf(fn).Kind() != reflect.Func {
		return errors.Wrapf(ErrNotFunc, "topic %s", topic)
	}
	h.fn = reflect.ValueOf(fn)

	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

// Subscribe runs fn synchronously on every publish of topic.
func (b *EventBus) Subscribe(topic Topic, fn interface{}) error {
	return b.add(topic, fn, &handler{})
}

// SubscribeAsync runs fn in its own goroutine on every publish of topic. Transactional
// handlers see publishes one at a time in publish order.
func (b *EventBus) SubscribeAsync(topic Topic, fn interface{}, transactional bool) error {
	return b.add(topic, fn, &handler{async: true, transactional: transactional})
}

// SubscribeOnce runs fn synchronously on the next publish of topic only.
func (b *EventBus) SubscribeOnce(topic Topic, fn interface{}) error {
	return b.add(topic, fn, &handler{once: true})
}

// HasCallback reports whether topic has handlers.
func (b *EventBus) HasCallback(topic Topic) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.handlers[topic]) > 0
}

// Unsubscribe removes the first handler of topic registered with fn.
func (b *EventBus) Unsubscribe(topic Topic, fn interface{}) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	hs := b.handlers[topic]
	target := reflect.ValueOf(fn)
	for i, h := range hs {
		if h.fn.Pointer() == target.Pointer() {
			b.handlers[topic] = append(hs[:i:i], hs[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrNoSuchTopic, "topic %s", topic)
}

// Publish delivers args to the handlers of topic. Handlers whose signature does not
// accept args are skipped.
func (b *EventBus) Publish(topic Topic, args ...interface{}) {
	b.lock.Lock()
	hs := b.handlers[topic]
	if len(hs) == 0 {
		b.lock.Unlock()
		return
	}
	snapshot := make([]*handler, len(hs))
	copy(snapshot, hs)
	kept := hs[:0:0]
	for _, h := range hs {
		if !h.once {
			kept = append(kept, h)
		}
	}
	b.handlers[topic] = kept
	b.lock.Unlock()

	for _, h := range snapshot {
		in, ok := arguments(h.fn.Type(), args)
		if !ok {
			log.WithFields(log.Fields{
				"topic":   topic,
				"handler": h.fn.Type().String(),
			}).Warning("event handler signature mismatch")
			continue
		}
		if !h.async {
			call(topic, h, in)
			continue
		}
		b.wg.Add(1)
		if h.transactional {
			h.Lock()
		}
		go func(h *handler) {
			defer b.wg.Done()
			if h.transactional {
				defer h.Unlock()
			}
			call(topic, h, in)
		}(h)
	}
}

func arguments(t reflect.Type, args []interface{}) (in []reflect.Value, ok bool) {
	if t.IsVariadic() || t.NumIn() != len(args) {
		return nil, false
	}
	in = make([]reflect.Value, len(args))
	for i, arg := range args {
		want := t.In(i)
		if arg == nil {
			switch want.Kind() {
			case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
				in[i] = reflect.Zero(want)
				continue
			}
			return nil, false
		}
		v := reflect.ValueOf(arg)
		if !v.Type().AssignableTo(want) {
			return nil, false
		}
		in[i] = v
	}
	return in, true
}

func call(topic Topic, h *handler, in []reflect.Value) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"topic": topic,
				"panic": r,
			}).Error("event handler panicked")
		}
	}()
	h.fn.Call(in)
}

// WaitAsync waits for all async deliveries to complete.
func (b *EventBus) WaitAsync() {
	b.wg.Wait()
}
