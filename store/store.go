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

// Package store implements a data bus publisher backed by leveldb.
//
// Writes are staged per transaction and land in one batch on commit, abort discards
// them. Reads see committed data only and stream under the credit of each prepare turn.
package store

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/RIFTIO/RIFT.ware-sub013/dts"
	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/RIFTIO/RIFT.ware-sub013/utils"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// dataKeyPrefix defines the leveldb data key prefix.
	dataKeyPrefix = []byte{'K', 'V'}

	// ErrStoreClosed represents operating on a closed store.
	ErrStoreClosed = errors.New("store closed")
	// ErrWildcardWrite represents a write on a keyspec that does not name one object.
	ErrWildcardWrite = errors.New("write on wildcarded keyspec")
)

// Cursor is the resume point of a streamed read, carried msgpack encoded between turns.
type Cursor struct {
	After string
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	ks    *keyspec.Keyspec
	key   []byte
	value []byte
}

// staging collects the writes of one transaction.
type staging struct {
	sync.Mutex
	ops []op
}

func (st *staging) add(o op) {
	st.Lock()
	defer st.Unlock()
	st.ops = append(st.ops, o)
}

func (st *staging) take() []op {
	st.Lock()
	defer st.Unlock()
	ops := st.ops
	st.ops = nil
	return ops
}

// Store is a leveldb backed publisher member.
type Store struct {
	db     *leveldb.DB
	closed uint32
}

// Open opens or creates the store at path.
func Open(path string) (s *Store, err error) {
	s = &Store{}
	if s.db, err = leveldb.OpenFile(path, nil); err != nil {
		return nil, errors.Wrap(err, "open database failed")
	}
	return
}

// OpenMem opens a store kept in memory.
func OpenMem() (s *Store, err error) {
	s = &Store{}
	if s.db, err = leveldb.Open(storage.NewMemStorage(), nil); err != nil {
		return nil, errors.Wrap(err, "open memory database failed")
	}
	return
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return ErrStoreClosed
	}
	return s.db.Close()
}

// Register publishes the store at ks on bus in a group of its own. flags are added to
// the publisher role, e.g. types.RegCache.
func (s *Store) Register(bus *dts.Bus, ks *keyspec.Keyspec, flags types.RegFlag) (reg *dts.Registration, err error) {
	g := bus.NewGroup(s)
	if reg, err = g.Register(ks, types.RegPublisher|flags, s); err != nil {
		return
	}
	err = g.Complete()
	return
}

func dataKey(ks *keyspec.Keyspec) []byte {
	return append(append([]byte(nil), dataKeyPrefix...), ks.String()...)
}

// Get returns the committed value at ks.
func (s *Store) Get(ks *keyspec.Keyspec) (v interface{}, err error) {
	data, err := s.db.Get(dataKey(ks), nil)
	if err != nil {
		return
	}
	return utils.DecodeMsgPackValue(data)
}

// XactInit implements dts.GroupHandler.
func (s *Store) XactInit(ec *dts.EventContext) interface{} {
	return &staging{}
}

// XactEvent implements dts.GroupHandler, commit writes the staged batch.
func (s *Store) XactEvent(ec *dts.EventContext, phase types.Phase) types.Result {
	st, _ := ec.Scratch.(*staging)
	if st == nil {
		return types.Ack{}
	}
	switch phase {
	case types.PhaseCommit:
		if err := s.write(st.take()); err != nil {
			log.WithField("xact", ec.Xact.ID()).WithError(err).Error("store commit failed")
			return types.Nack{Cause: err}
		}
	case types.PhaseAbort:
		st.take()
	}
	return types.Ack{}
}

// XactDeinit implements dts.GroupHandler.
func (s *Store) XactDeinit(ec *dts.EventContext) {}

func (s *Store) write(ops []op) (err error) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return ErrStoreClosed
	}
	batch := new(leveldb.Batch)
	for i, o := range ops {
		switch o.kind {
		case opPut:
			batch.Put(o.key, o.value)
		case opDelete:
			batch.Delete(o.key)
			if err = s.deleteSubtree(batch, o.ks); err != nil {
				return
			}
			// children staged earlier in the same transaction
			for _, p := range ops[:i] {
				if p.kind == opPut && o.ks.IsPrefixOf(p.ks) {
					batch.Delete(p.key)
				}
			}
		}
	}
	if err = s.db.Write(batch, nil); err != nil {
		err = errors.Wrap(err, "write batch failed")
	}
	return
}

// deleteSubtree adds deletes for every committed key at or below ks, list elements
// of an entry with omitted keys included.
func (s *Store) deleteSubtree(batch *leveldb.Batch, ks *keyspec.Keyspec) (err error) {
	it := s.db.NewIterator(util.BytesPrefix(dataKeyPrefix), nil)
	defer it.Release()
	for it.Next() {
		stored, perr := keyspec.Parse(string(it.Key()[len(dataKeyPrefix):]))
		if perr != nil || !ks.IsPrefixOf(stored) {
			continue
		}
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err = it.Error(); err != nil {
		err = errors.Wrap(err, "iterate subtree failed")
	}
	return
}

// Prepare implements dts.Member.
func (s *Store) Prepare(qc *dts.QueryContext) types.Result {
	if atomic.LoadUint32(&s.closed) == 1 {
		return types.Nack{Cause: ErrStoreClosed}
	}
	switch qc.Action {
	case types.ActionRead:
		return s.read(qc)
	case types.ActionCreate, types.ActionUpdate, types.ActionDelete:
		return s.stage(qc)
	}
	return types.NotApplicable{}
}

func (s *Store) stage(qc *dts.QueryContext) types.Result {
	st, ok := qc.Scratch.(*staging)
	if !ok {
		return types.Nack{Cause: errors.New("missing transaction staging")}
	}
	if qc.Keyspec.Wildcarded() {
		return types.Nack{Cause: errors.Wrapf(ErrWildcardWrite, "%s", qc.Keyspec)}
	}
	key := dataKey(qc.Keyspec)
	if qc.Action == types.ActionDelete {
		st.add(op{kind: opDelete, ks: qc.Keyspec, key: key})
		return types.Ack{}
	}
	enc, err := utils.EncodeMsgPack(qc.Payload)
	if err != nil {
		return types.Nack{Cause: errors.Wrap(err, "encode value failed")}
	}
	st.add(op{kind: opPut, ks: qc.Keyspec, key: key, value: enc.Bytes()})
	return types.Ack{}
}

func (s *Store) read(qc *dts.QueryContext) types.Result {
	var cur Cursor
	if raw, ok := qc.Cursor.([]byte); ok {
		if err := utils.DecodeMsgPack(raw, &cur); err != nil {
			return types.Nack{Cause: errors.Wrap(err, "decode cursor failed")}
		}
	}

	it := s.db.NewIterator(util.BytesPrefix(dataKeyPrefix), nil)
	defer it.Release()

	var valid bool
	if cur.After == "" {
		valid = it.First()
	} else {
		after := append(append([]byte(nil), dataKeyPrefix...), cur.After...)
		if valid = it.Seek(after); valid && bytes.Equal(it.Key(), after) {
			valid = it.Next()
		}
	}

	for ; valid; valid = it.Next() {
		path := string(it.Key()[len(dataKeyPrefix):])
		ks, err := keyspec.Parse(path)
		if err != nil || !qc.Keyspec.IsPrefixOf(ks) {
			continue
		}
		if qc.Remaining() == 0 {
			enc, err := utils.EncodeMsgPack(&cur)
			if err != nil {
				return types.Nack{Cause: errors.Wrap(err, "encode cursor failed")}
			}
			qc.Cursor = enc.Bytes()
			return types.More{}
		}
		v, err := utils.DecodeMsgPackValue(it.Value())
		if err != nil {
			qc.Error(ks, err, "corrupted value")
			continue
		}
		if err = qc.Respond(ks, v); err != nil {
			return types.Nack{Cause: err}
		}
		cur.After = path
	}
	if err := it.Error(); err != nil {
		return types.Nack{Cause: errors.Wrap(err, "iterate store failed")}
	}
	return types.Ack{}
}
