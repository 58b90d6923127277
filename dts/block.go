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
	"context"
	"sync"
	"sync/atomic"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/pkg/errors"
)

type blockState int

const (
	blockNew blockState = iota
	blockScheduled
	blockRunning
	blockDone
	blockSkipped
)

// result is a buffered record with its arrival order in the transaction.
type result struct {
	seq int64
	rec *types.Record
}

// Block is an ordered list of queries of one transaction. Its queries run
// concurrently, and it is done once every query reached a terminal state.
type Block struct {
	xact *Transaction
	idx  int

	mu      sync.Mutex
	cond    *sync.Cond
	state   blockState
	queries []*query
	pending int
	results []result
	// buffered counts unconsumed records per corrid
	buffered map[uint64]int
	// open counts queries per corrid not yet terminal
	open  map[uint64]int
	codes map[uint64]types.Code
	done  chan struct{}
}

func newBlock(x *Transaction, idx int) *Block {
	blk := &Block{
		xact:     x,
		idx:      idx,
		buffered: make(map[uint64]int),
		open:     make(map[uint64]int),
		codes:    make(map[uint64]types.Code),
		done:     make(chan struct{}),
	}
	blk.cond = sync.NewCond(&blk.mu)
	return blk
}

// Index returns the position of the block in its transaction.
func (blk *Block) Index() int {
	return blk.idx
}

// Transaction returns the owning transaction.
func (blk *Block) Transaction() *Transaction {
	return blk.xact
}

// AddQuery appends a query. Payload is dropped for actions that do not carry one.
func (blk *Block) AddQuery(ks *keyspec.Keyspec, action types.Action, flags types.QueryFlag,
	corrid uint64, payload interface{}) error {
	if ks == nil {
		return errors.Wrap(types.ErrInvalidKeyspec, "nil keyspec")
	}
	if !action.Valid() {
		return errors.Wrapf(types.ErrInvalidAction, "action %d", action)
	}
	if !action.CarriesPayload() {
		payload = nil
	}

	blk.mu.Lock()
	defer blk.mu.Unlock()
	if blk.state != blockNew {
		return types.ErrBlockExecuted
	}
	blk.queries = append(blk.queries, &query{
		blk:     blk,
		ks:      ks,
		action:  action,
		flags:   flags,
		corrid:  corrid,
		payload: payload,
		code:    types.CodeNA,
	})
	blk.open[corrid]++
	return nil
}

// AddPath parses path and appends a query on it.
func (blk *Block) AddPath(path string, action types.Action, flags types.QueryFlag,
	corrid uint64, payload interface{}) error {
	ks, err := keyspec.Parse(path)
	if err != nil {
		return errors.Wrap(types.ErrInvalidKeyspec, err.Error())
	}
	return blk.AddQuery(ks, action, flags, corrid, payload)
}

// Execute schedules the block on its transaction.
func (blk *Block) Execute(flags types.BlockFlag, after *Block) error {
	return blk.xact.ExecuteBlock(blk, flags, after)
}

// ExecuteImmediate runs the block now.
func (blk *Block) ExecuteImmediate(flags types.BlockFlag) error {
	return blk.xact.ExecuteBlockImmediate(blk, flags)
}

func (blk *Block) markScheduled() error {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	if blk.state != blockNew {
		return types.ErrBlockExecuted
	}
	blk.state = blockScheduled
	return nil
}

func (blk *Block) terminal() bool {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	return blk.state == blockDone || blk.state == blockSkipped
}

// run dispatches every query and returns once the block is done.
func (blk *Block) run(immediate bool) {
	blk.mu.Lock()
	blk.state = blockRunning
	qs := append([]*query(nil), blk.queries...)
	blk.pending = len(qs)
	if len(qs) == 0 {
		blk.completeLocked(blockDone)
	}
	blk.mu.Unlock()

	blk.xact.tracef(nil, 0, "block %d running queries=%d", blk.idx, len(qs))
	for _, q := range qs {
		q.start(immediate)
	}
	<-blk.done
	blk.xact.tracef(nil, 0, "block %d done", blk.idx)
}

// skip finishes a block that will never run.
func (blk *Block) skip() {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	if blk.state == blockDone || blk.state == blockSkipped {
		return
	}
	for _, q := range blk.queries {
		blk.open[q.corrid]--
	}
	blk.completeLocked(blockSkipped)
}

func (blk *Block) completeLocked(state blockState) {
	blk.state = state
	close(blk.done)
	blk.cond.Broadcast()
}

// Skipped reports whether the block was skipped because its transaction aborted.
func (blk *Block) Skipped() bool {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	return blk.state == blockSkipped
}

func (blk *Block) wake() {
	blk.mu.Lock()
	blk.cond.Broadcast()
	blk.mu.Unlock()
}

// deliver buffers rec, or holds it until the query is terminal for MERGE queries.
func (blk *Block) deliver(q *query, rec *types.Record) {
	seq := blk.xact.nextSeq()
	atomic.AddUint64(&blk.xact.bus.stats.records, 1)

	blk.mu.Lock()
	defer blk.mu.Unlock()
	if q.flags.Has(types.QueryMerge) {
		q.held = append(q.held, rec)
		return
	}
	blk.results = append(blk.results, result{seq: seq, rec: rec})
	blk.buffered[q.corrid]++
	blk.cond.Broadcast()
}

// invDone accounts the terminal code of one invocation of q.
func (blk *Block) invDone(q *query, code types.Code) {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	q.code = combine(q.code, code)
	q.outstanding--
	if q.outstanding <= 0 {
		blk.queryDoneLocked(q)
	}
}

// queryDone finishes a query without invocations.
func (blk *Block) queryDone(q *query) {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	blk.queryDoneLocked(q)
}

func (blk *Block) queryDoneLocked(q *query) {
	if len(q.held) > 0 {
		for _, rec := range coalesce(q.held, q.code) {
			blk.results = append(blk.results, result{seq: blk.xact.nextSeq(), rec: rec})
			blk.buffered[q.corrid]++
		}
		q.held = nil
	}
	if c, ok := blk.codes[q.corrid]; ok {
		blk.codes[q.corrid] = combine(c, q.code)
	} else {
		blk.codes[q.corrid] = q.code
	}
	blk.open[q.corrid]--
	blk.pending--
	if blk.pending <= 0 && blk.state == blockRunning {
		blk.completeLocked(blockDone)
	}
	blk.cond.Broadcast()
}

// combine folds invocation codes into a query code: NACK beats ACK beats NA.
func combine(acc, c types.Code) types.Code {
	switch {
	case acc == types.CodeNack || c == types.CodeNack:
		return types.CodeNack
	case acc == types.CodeAck || c == types.CodeAck:
		return types.CodeAck
	}
	return types.CodeNA
}

// windowFull reports whether the consumer lags window records behind on corrid.
func (blk *Block) windowFull(corrid uint64, window int) bool {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	return blk.buffered[corrid] >= window
}

// waitWindow blocks until the consumer drained corrid below window or the transaction aborts.
func (blk *Block) waitWindow(corrid uint64, window int) {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	for blk.buffered[corrid] >= window && !blk.xact.aborted() {
		blk.cond.Wait()
	}
}

func (blk *Block) matches(r result, corrid uint64) bool {
	return corrid == 0 || r.rec.CorrID == corrid
}

// GetResult pops the next buffered record of corrid, 0 meaning any. It returns nil
// when nothing is buffered right now.
func (blk *Block) GetResult(corrid uint64) *types.Record {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	for i, r := range blk.results {
		if blk.matches(r, corrid) {
			return blk.removeLocked(i)
		}
	}
	return nil
}

func (blk *Block) removeLocked(i int) *types.Record {
	r := blk.results[i]
	blk.results = append(blk.results[:i], blk.results[i+1:]...)
	blk.buffered[r.rec.CorrID]--
	blk.cond.Broadcast()
	return r.rec
}

func (blk *Block) peekSeq(corrid uint64) (seq int64, ok bool) {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	for _, r := range blk.results {
		if blk.matches(r, corrid) {
			return r.seq, true
		}
	}
	return
}

func (blk *Block) popSeq(seq int64) *types.Record {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	for i, r := range blk.results {
		if r.seq == seq {
			return blk.removeLocked(i)
		}
	}
	return nil
}

// GetMoreResults reports whether a record of corrid is buffered right now.
func (blk *Block) GetMoreResults(corrid uint64) bool {
	_, ok := blk.peekSeq(corrid)
	return ok
}

// ResultsDone reports whether the record stream of corrid is finished and drained,
// 0 meaning every query of the block.
func (blk *Block) ResultsDone(corrid uint64) bool {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	if corrid != 0 {
		return blk.open[corrid] <= 0 && blk.buffered[corrid] <= 0
	}
	for _, n := range blk.open {
		if n > 0 {
			return false
		}
	}
	return len(blk.results) == 0
}

// drained reports whether the block has nothing buffered and owes nothing for now.
func (blk *Block) drained() bool {
	blk.mu.Lock()
	state := blk.state
	blk.mu.Unlock()
	if state == blockNew {
		return true
	}
	return blk.ResultsDone(0)
}

// Code returns the terminal code of the queries of corrid once they are all done.
func (blk *Block) Code(corrid uint64) (code types.Code, ok bool) {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	if blk.open[corrid] > 0 {
		return
	}
	code, ok = blk.codes[corrid]
	return
}

// Done is closed once the block is done or skipped.
func (blk *Block) Done() <-chan struct{} {
	return blk.done
}

// Wait blocks until the block is done or ctx expires.
func (blk *Block) Wait(ctx context.Context) error {
	select {
	case <-blk.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns the error records of this block for corrid, 0 meaning all.
func (blk *Block) Errors(corrid uint64) (res []*types.ErrorRecord) {
	for _, e := range blk.xact.Errors(corrid) {
		if e.Block == blk.idx {
			res = append(res, e)
		}
	}
	return
}
