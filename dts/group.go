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

import (
	"sync"
	"sync/atomic"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/evtbus"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/RIFTIO/RIFT.ware-sub013/registry"
	"github.com/RIFTIO/RIFT.ware-sub013/shard"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
)

// Group is a set of registrations sharing transaction wide callbacks and scratch state.
// Its registrations become visible together on Complete.
type Group struct {
	bus     *Bus
	id      uint64
	handler GroupHandler

	mu       sync.Mutex
	regs     []*Registration
	complete bool
	closed   bool
}

// Registration is a member's standing interest in a keyspec.
type Registration struct {
	group  *Group
	entry  *registry.Entry
	member Member
	// set once deregistered
	gone int32
}

// RegOption customizes a registration.
type RegOption func(e *registry.Entry)

// WithShard attaches a shard to the registration.
func WithShard(s *shard.Shard) RegOption {
	return func(e *registry.Entry) {
		e.Shard = s
	}
}

// NewGroup returns an empty registration group, h may be nil.
func (b *Bus) NewGroup(h GroupHandler) *Group {
	return &Group{
		bus:     b,
		id:      atomic.AddUint64(&b.nextGroup, 1),
		handler: h,
	}
}

// ID returns the group id.
func (g *Group) ID() uint64 {
	return g.id
}

// Register stages a registration of ks with flags. Publisher and rpc registrations
// need a member; a subscriber without one acknowledges every notification.
func (g *Group) Register(ks *keyspec.Keyspec, flags types.RegFlag, m Member, opts ...RegOption) (
	reg *Registration, err error) {
	if g.bus.isClosed() {
		return nil, types.ErrBusClosed
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.closed:
		return nil, types.ErrGroupClosed
	case g.complete:
		return nil, types.ErrGroupComplete
	}

	role := flags.Role()
	if m == nil && (role == types.RegPublisher || role == types.RegRPC) {
		err = errors.Wrapf(types.ErrMissingCallback, "%s at %s", role, ks)
		return
	}

	e := &registry.Entry{
		Keyspec: ks,
		Flags:   flags,
		Group:   g.id,
	}
	for _, o := range opts {
		o(e)
	}
	reg = &Registration{
		group:  g,
		entry:  e,
		member: m,
	}
	e.Owner = reg

	if _, err = g.bus.registry.Add(e); err != nil {
		return nil, err
	}
	g.regs = append(g.regs, reg)

	log.WithFields(log.Fields{
		"reg":   e.ID,
		"group": g.id,
		"flags": flags.String(),
		"ks":    ks.String(),
	}).Debug("registration staged")
	return
}

// Complete ends the registration phase: every staged registration becomes visible at
// once, then reg-ready callbacks run.
func (g *Group) Complete() (err error) {
	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return types.ErrGroupClosed
	case g.complete:
		g.mu.Unlock()
		return types.ErrGroupComplete
	}
	g.complete = true
	regs := append([]*Registration(nil), g.regs...)
	g.mu.Unlock()

	ids := make([]types.RegID, 0, len(regs))
	for _, r := range regs {
		ids = append(ids, r.ID())
	}
	g.bus.registry.Install(ids...)

	for _, r := range regs {
		g.bus.events.Publish(evtbus.TopicRegReady, r.ID())
		rr, ok := r.member.(RegReadier)
		if !ok {
			continue
		}
		var cached []*types.Record
		if r.Flags().Has(types.RegCache) && r.Flags().Role() == types.RegSubscriber {
			cached = g.bus.cache.under(r.Keyspec())
		}
		rr.RegReady(r, cached)
	}
	return
}

// Registrations returns the registrations of the group.
func (g *Group) Registrations() []*Registration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Registration(nil), g.regs...)
}

// Close deregisters every registration of the group.
func (g *Group) Close() (err error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return types.ErrGroupClosed
	}
	g.closed = true
	regs := g.regs
	g.regs = nil
	g.mu.Unlock()

	for _, r := range regs {
		if e := r.deregister(); e != nil && errors.Cause(e) != types.ErrNotRegistered && err == nil {
			err = e
		}
	}
	return
}

// Register registers a single keyspec in a group of its own and completes it.
func (b *Bus) Register(ks *keyspec.Keyspec, flags types.RegFlag, m Member, opts ...RegOption) (
	reg *Registration, err error) {
	g := b.NewGroup(nil)
	if reg, err = g.Register(ks, flags, m, opts...); err != nil {
		return
	}
	err = g.Complete()
	return
}

// Deregister removes a registration from the bus.
func (b *Bus) Deregister(reg *Registration) error {
	if reg == nil {
		return types.ErrNotRegistered
	}
	return reg.Deregister()
}

// ID returns the stable registration id.
func (r *Registration) ID() types.RegID {
	return r.entry.ID
}

// Keyspec returns the registered keyspec.
func (r *Registration) Keyspec() *keyspec.Keyspec {
	return r.entry.Keyspec
}

// Flags returns the registration flags.
func (r *Registration) Flags() types.RegFlag {
	return r.entry.Flags
}

// Shard returns the shard of the registration, nil when unsharded.
func (r *Registration) Shard() *shard.Shard {
	return r.entry.Shard
}

// Group returns the group of the registration.
func (r *Registration) Group() *Group {
	return r.group
}

// Member returns the member serving the registration.
func (r *Registration) Member() Member {
	return r.member
}

// Deregister removes the registration. Transactions already dispatched to it finish.
func (r *Registration) Deregister() (err error) {
	if err = r.deregister(); err != nil {
		return
	}
	g := r.group
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, o := range g.regs {
		if o == r {
			g.regs = append(g.regs[:i:i], g.regs[i+1:]...)
			break
		}
	}
	return
}

func (r *Registration) deregister() error {
	if !atomic.CompareAndSwapInt32(&r.gone, 0, 1) {
		return errors.Wrapf(types.ErrNotRegistered, "registration %d", r.ID())
	}
	return r.group.bus.registry.Remove(r.ID())
}
