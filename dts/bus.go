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

// Package dts implements the transactional publish/subscribe data bus.
//
// Members register callbacks against keyspecs, grouped in registration groups. Clients
// build transactions out of blocks of queries; the bus resolves every query to the
// matching registrations, drives their members through prepare, precommit and
// commit or abort, and buffers their responses per correlation id under credit based
// flow control.
//
// Blocks of one transaction run in order, queries of one block run concurrently on the
// dispatch worker pool. Once the transaction is committed and its last block is done,
// the engaged registration groups are swept through precommit and commit, or abort.
package dts

import (
	"sync"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/evtbus"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/RIFTIO/RIFT.ware-sub013/registry"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/ivpusic/grpool"
	"github.com/pkg/errors"
)

// StateCallback is invoked once per bootstrap state entered.
type StateCallback func(bus *Bus, state types.State)

// Bus is the data bus handle of a member process.
type Bus struct {
	opts     *Options
	registry *registry.Registry
	pool     *grpool.Pool
	cache    *cache
	events   *evtbus.EventBus
	stats    stats
	// jobs handed to the pool and not done yet
	busy int32

	nextGroup uint64

	stateMu sync.Mutex
	state   types.State
	stateCb StateCallback

	mu     sync.Mutex
	closed bool
	xacts  map[string]*Transaction
}

// NewBus returns a bus in state INIT. cb, when not nil, is invoked for INIT before
// NewBus returns and for every state entered later.
func NewBus(opts *Options, cb StateCallback) (b *Bus, err error) {
	opts = opts.withDefaults()

	c, err := newCache(opts.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create cache failed")
	}

	b = &Bus{
		opts:     opts,
		registry: registry.New(),
		pool:     grpool.NewPool(opts.Workers, opts.JobQueue),
		cache:    c,
		events:   evtbus.New(),
		stateCb:  cb,
		xacts:    make(map[string]*Transaction),
	}

	log.WithFields(log.Fields{
		"credits": opts.DefaultCredits,
		"window":  opts.StreamWindow,
		"workers": opts.Workers,
	}).Debug("bus created")

	b.state = types.StateInit
	b.entered(types.StateInit)
	return
}

// Options returns the effective options of the bus.
func (b *Bus) Options() Options {
	return *b.opts
}

// Events returns the notification bus.
func (b *Bus) Events() *evtbus.EventBus {
	return b.events
}

// Registry returns the registration registry.
func (b *Bus) Registry() *registry.Registry {
	return b.registry
}

// Cached returns the last known values at or below ks.
func (b *Bus) Cached(ks *keyspec.Keyspec) []*types.Record {
	return b.cache.under(ks)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) track(x *Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return types.ErrBusClosed
	}
	b.xacts[x.id] = x
	return nil
}

func (b *Bus) forget(x *Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.xacts, x.id)
}

// InFlight returns the number of transactions not yet done.
func (b *Bus) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.xacts)
}

// Close aborts in-flight transactions, waits for them and stops the dispatch pool.
func (b *Bus) Close() (err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.ErrBusClosed
	}
	b.closed = true
	xs := make([]*Transaction, 0, len(b.xacts))
	for _, x := range b.xacts {
		xs = append(xs, x)
	}
	b.mu.Unlock()

	for _, x := range xs {
		x.Abort(types.ErrBusClosed)
		x.terminateAsync(types.ErrBusClosed)
	}
	for _, x := range xs {
		<-x.Done()
	}

	b.pool.WaitAll()
	b.pool.Release()
	b.events.WaitAsync()

	log.Debug("bus closed")
	return
}
