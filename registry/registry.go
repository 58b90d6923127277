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

// Package registry tracks member registrations and resolves the registrations a query
// must be delivered to.
//
// Entries live in an arena keyed by a stable id. Mutations take the registry write lock,
// matching takes the read lock, so the matching set of a query is always computed against
// a consistent snapshot.
package registry

import (
	"sort"
	"sync"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/RIFTIO/RIFT.ware-sub013/shard"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
	"github.com/tchap/go-patricia/patricia"
)

// Entry is one registration as seen by the registry.
type Entry struct {
	ID      types.RegID
	Keyspec *keyspec.Keyspec
	Flags   types.RegFlag
	Shard   *shard.Shard
	// Group is the id of the registration group the entry was installed with.
	Group uint64
	// Owner is an opaque back reference for the registry user.
	Owner interface{}

	visible bool
}

// Visible reports whether the entry was installed.
func (e *Entry) Visible() bool {
	return e.visible
}

// Match is one registration a query resolved to.
type Match struct {
	Entry    *Entry
	Decision shard.Decision
}

// Registry is the arena of registrations.
type Registry struct {
	sync.RWMutex
	nextID  types.RegID
	entries map[types.RegID]*Entry
	// index maps the node path of keyspecs to the ids registered there.
	index *patricia.Trie
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[types.RegID]*Entry),
		index:   patricia.NewTrie(),
	}
}

// nodePath renders the node names of ks, each followed by a slash, so that byte prefixes
// fall on entry boundaries.
func nodePath(ks *keyspec.Keyspec) patricia.Prefix {
	b := []byte{'/'}
	for _, e := range ks.Entries {
		b = append(append(b, e.Node...), '/')
	}
	return b
}

type idSet map[types.RegID]struct{}

func (r *Registry) indexAdd(e *Entry) {
	key := nodePath(e.Keyspec)
	if item := r.index.Get(key); item != nil {
		item.(idSet)[e.ID] = struct{}{}
		return
	}
	r.index.Insert(key, idSet{e.ID: {}})
}

func (r *Registry) indexRemove(e *Entry) {
	key := nodePath(e.Keyspec)
	item := r.index.Get(key)
	if item == nil {
		return
	}
	set := item.(idSet)
	delete(set, e.ID)
	if len(set) == 0 {
		r.index.Delete(key)
	}
}

// under collects the entries registered at node paths that are prefixes of q's.
func (r *Registry) under(q *keyspec.Keyspec) (res []*Entry) {
	r.index.VisitPrefixes(nodePath(q), func(prefix patricia.Prefix, item patricia.Item) error {
		for id := range item.(idSet) {
			res = append(res, r.entries[id])
		}
		return nil
	})
	return
}

// Add validates e and stores it hidden, assigning its id. The entry becomes visible to
// matching only after Install.
func (r *Registry) Add(e *Entry) (id types.RegID, err error) {
	if e == nil || e.Keyspec == nil {
		err = errors.Wrap(types.ErrInvalidKeyspec, "nil keyspec")
		return
	}
	switch e.Flags.Role() {
	case types.RegPublisher, types.RegSubscriber, types.RegRPC:
	default:
		err = errors.Wrapf(types.ErrInvalidRole, "flags %s", e.Flags)
		return
	}
	if e.Shard != nil {
		if err = e.Shard.Validate(); err != nil {
			return
		}
	}

	r.Lock()
	defer r.Unlock()

	var same []*Entry
	if item := r.index.Get(nodePath(e.Keyspec)); item != nil {
		for id := range item.(idSet) {
			same = append(same, r.entries[id])
		}
	}
	for _, o := range same {
		if duplicate(o, e) {
			err = errors.Wrapf(types.ErrDuplicateRegistration, "%s %s already registered as %d",
				e.Flags.Role(), e.Keyspec, o.ID)
			return
		}
	}

	r.nextID++
	e.ID = r.nextID
	e.visible = false
	r.entries[e.ID] = e
	r.indexAdd(e)
	return e.ID, nil
}

func duplicate(a, b *Entry) bool {
	if a.Flags.Role() != b.Flags.Role() {
		return false
	}
	if a.Flags.Has(types.RegShared) && b.Flags.Has(types.RegShared) {
		return false
	}
	if !a.Keyspec.Equal(b.Keyspec) {
		return false
	}
	switch {
	case a.Shard == nil && b.Shard == nil:
		return true
	case a.Shard == nil || b.Shard == nil:
		return false
	}
	return a.Shard.String() == b.Shard.String()
}

// Install makes the entries visible in one step.
func (r *Registry) Install(ids ...types.RegID) {
	r.Lock()
	defer r.Unlock()
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			e.visible = true
		}
	}
}

// Remove deletes an entry.
func (r *Registry) Remove(id types.RegID) (err error) {
	r.Lock()
	defer r.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.Wrapf(types.ErrNotRegistered, "registration %d", id)
	}
	r.indexRemove(e)
	delete(r.entries, id)
	return
}

// Get returns the entry with id.
func (r *Registry) Get(id types.RegID) (e *Entry, ok bool) {
	r.RLock()
	defer r.RUnlock()
	e, ok = r.entries[id]
	return
}

// Len returns the number of entries, visible or not.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.entries)
}

// Visible returns the installed entries ordered by id.
func (r *Registry) Visible() (res []*Entry) {
	r.RLock()
	defer r.RUnlock()
	for _, e := range r.entries {
		if e.visible {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return
}

// rolesFor returns the roles serving an action.
func rolesFor(action types.Action) types.RegFlag {
	switch action {
	case types.ActionRead:
		return types.RegPublisher
	case types.ActionCreate, types.ActionUpdate, types.ActionDelete:
		return types.RegPublisher | types.RegSubscriber
	case types.ActionRPC:
		return types.RegRPC
	}
	return 0
}

// Match resolves the visible registrations a query on q with action must reach.
//
// A registration matches when its keyspec is a structural prefix of q. A publisher or rpc
// registration nested inside another matching one prunes the outer one. Sharded
// registrations are then filtered by the shard overlay.
func (r *Registry) Match(q *keyspec.Keyspec, action types.Action) (res []Match) {
	roles := rolesFor(action)
	if roles == 0 || q == nil {
		return
	}

	r.RLock()
	defer r.RUnlock()

	var candidates []*Entry
	for _, e := range r.under(q) {
		if !e.visible || e.Flags&roles == 0 {
			continue
		}
		if e.Keyspec.IsPrefixOf(q) {
			candidates = append(candidates, e)
		}
	}

	for _, e := range candidates {
		if pruned(e, candidates) {
			continue
		}
		d, err := shard.Route(e.Shard, e.Keyspec.Depth(), q)
		if err != nil {
			log.WithFields(log.Fields{
				"reg":   e.ID,
				"query": q.String(),
				"shard": e.Shard.String(),
			}).WithError(err).Debug("shard rejected query")
			continue
		}
		if d == shard.Skip {
			continue
		}
		res = append(res, Match{Entry: e, Decision: d})
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Entry.ID < res[j].Entry.ID })
	return
}

// pruned reports whether a deeper provider registration nested below e also matches.
func pruned(e *Entry, candidates []*Entry) bool {
	if e.Flags.Role() == types.RegSubscriber {
		return false
	}
	for _, o := range candidates {
		if o == e || o.Flags.Role() != e.Flags.Role() {
			continue
		}
		if o.Keyspec.Depth() > e.Keyspec.Depth() && e.Keyspec.IsPrefixOf(o.Keyspec) {
			return true
		}
	}
	return false
}
