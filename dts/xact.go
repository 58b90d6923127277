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
	"github.com/RIFTIO/RIFT.ware-sub013/evtbus"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/RIFTIO/RIFT.ware-sub013/twopc"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/timer"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/trace"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// Transaction is the top level unit of client driven work.
//
// Phase one accumulates blocks: ExecuteBlock schedules them, Commit tells no further
// block follows. Phase two is the commit or abort sweep across the engaged registration
// groups, run once the last scheduled block is done.
type Transaction struct {
	bus   *Bus
	id    string
	flags types.XactFlag
	trace bool
	timer *timer.Timer
	seq   int64

	traceCtx  context.Context
	traceTask *trace.Task

	mu        sync.Mutex
	cond      *sync.Cond
	blocks    []*Block
	ready     []*Block
	waiting   map[*Block][]*Block
	committed bool
	running   int
	finishing bool
	failure   bool
	cause     error
	status    types.Status
	schedOnce sync.Once
	// mirrors a pending abort for readers holding block locks
	aborting int32

	gmu       sync.Mutex
	groups    map[uint64]*xactGroup
	order     []*xactGroup
	regLocks  map[types.RegID]*sync.Mutex
	async     map[*invocation]struct{}
	mutations []mutation

	emu    sync.Mutex
	errs   []*types.ErrorRecord
	events []TraceEvent

	done chan struct{}
}

// mutation is a committed change to replay into the cache.
type mutation struct {
	action types.Action
	rec    *types.Record
}

// NewTransaction creates a transaction.
func (b *Bus) NewTransaction(flags types.XactFlag) (x *Transaction, err error) {
	x = &Transaction{
		bus:      b,
		id:       uuid.Must(uuid.NewV4()).String(),
		flags:    flags,
		trace:    flags.Has(types.XactTrace) || b.opts.Trace,
		timer:    timer.NewTimer(),
		waiting:  make(map[*Block][]*Block),
		groups:   make(map[uint64]*xactGroup),
		regLocks: make(map[types.RegID]*sync.Mutex),
		async:    make(map[*invocation]struct{}),
		done:     make(chan struct{}),
	}
	x.cond = sync.NewCond(&x.mu)

	if err = b.track(x); err != nil {
		return nil, err
	}
	atomic.AddUint64(&b.stats.xacts, 1)

	if x.trace && trace.IsEnabled() {
		x.traceCtx, x.traceTask = trace.NewTask(context.Background(), "dts.xact")
	}
	x.tracef(nil, 0, "xact created flags=%d", flags)
	return
}

// Query runs a single query as a committed transaction with corrid 1.
func (b *Bus) Query(ks *keyspec.Keyspec, action types.Action, flags types.QueryFlag, payload interface{}) (
	x *Transaction, err error) {
	var xflags types.XactFlag
	if flags.Has(types.QueryTrace) {
		xflags |= types.XactTrace
	}
	if x, err = b.NewTransaction(xflags); err != nil {
		return
	}
	blk, err := x.NewBlock()
	if err == nil {
		err = blk.AddQuery(ks, action, flags, 1, payload)
	}
	if err == nil {
		err = blk.Execute(types.BlockEnd, nil)
	}
	if err != nil {
		x.Abort(err)
		return nil, err
	}
	return
}

// QueryPath parses path and runs it as Query.
func (b *Bus) QueryPath(path string, action types.Action, flags types.QueryFlag, payload interface{}) (
	*Transaction, error) {
	ks, err := keyspec.Parse(path)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidKeyspec, err.Error())
	}
	return b.Query(ks, action, flags, payload)
}

// ID returns the transaction id.
func (x *Transaction) ID() string {
	return x.id
}

// Flags returns the transaction flags.
func (x *Transaction) Flags() types.XactFlag {
	return x.flags
}

// Bus returns the bus the transaction runs on.
func (x *Transaction) Bus() *Bus {
	return x.bus
}

// NewBlock appends an empty block.
func (x *Transaction) NewBlock() (blk *Block, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.finishing {
		return nil, types.ErrXactDone
	}
	blk = newBlock(x, len(x.blocks))
	x.blocks = append(x.blocks, blk)
	return
}

// Blocks returns the blocks in creation order.
func (x *Transaction) Blocks() []*Block {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*Block(nil), x.blocks...)
}

func (x *Transaction) checkSchedulable(blk *Block) error {
	switch {
	case blk == nil || blk.xact != x:
		return types.ErrForeignBlock
	case x.finishing:
		return types.ErrXactDone
	case atomic.LoadInt32(&x.aborting) == 1:
		return types.ErrXactAborting
	}
	return nil
}

// ExecuteBlock schedules blk. Without after, blocks run in the order they are
// scheduled; with after, blk waits for after to be done first. BlockEnd commits the
// transaction.
func (x *Transaction) ExecuteBlock(blk *Block, flags types.BlockFlag, after *Block) (err error) {
	if err = x.schedule(blk, flags, after); err != nil {
		return
	}
	x.tracef(nil, 0, "block %d scheduled flags=%d", blk.idx, flags)
	return
}

func (x *Transaction) schedule(blk *Block, flags types.BlockFlag, after *Block) (err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err = x.checkSchedulable(blk); err != nil {
		return
	}
	if x.committed {
		return types.ErrXactCommitted
	}
	if after != nil && after.xact != x {
		return types.ErrForeignBlock
	}
	if err = blk.markScheduled(); err != nil {
		return
	}

	if after == nil || after.terminal() {
		x.ready = append(x.ready, blk)
	} else {
		x.waiting[after] = append(x.waiting[after], blk)
	}
	if flags.Has(types.BlockEnd) {
		x.committed = true
	}

	x.ensureScheduler()
	x.cond.Broadcast()
	return
}

// ExecuteBlockImmediate runs blk now in the calling goroutine and returns once it is
// done. It is meant for nested queries issued from inside a callback, so it is allowed
// after Commit as long as the transaction is not finishing. Immediate prepares do not
// take the registration lock, so a caller outside any callback may see them run
// beside a scheduled block reaching the same registration.
func (x *Transaction) ExecuteBlockImmediate(blk *Block, flags types.BlockFlag) (err error) {
	x.mu.Lock()
	if err = x.checkSchedulable(blk); err != nil {
		x.mu.Unlock()
		return
	}
	if err = blk.markScheduled(); err != nil {
		x.mu.Unlock()
		return
	}
	x.running++
	if flags.Has(types.BlockEnd) {
		x.committed = true
	}
	x.ensureScheduler()
	x.mu.Unlock()

	x.tracef(nil, 0, "block %d immediate", blk.idx)
	blk.run(true)

	x.mu.Lock()
	x.running--
	x.release(blk)
	x.cond.Broadcast()
	x.mu.Unlock()
	return
}

// Commit tells no further block will be scheduled. The transaction completes once the
// scheduled blocks are done and the sweep ran.
func (x *Transaction) Commit() (err error) {
	x.tracef(nil, 0, "commit requested")

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.finishing {
		return types.ErrXactDone
	}
	if x.committed {
		return types.ErrXactCommitted
	}
	x.committed = true
	x.ensureScheduler()
	x.cond.Broadcast()
	return
}

// Abort cooperatively aborts the transaction. In-flight prepares complete, pending
// blocks are skipped and every engaged group receives abort instead of commit.
func (x *Transaction) Abort(cause error) (err error) {
	if cause == nil {
		cause = types.ErrAbortedByOriginator
	}
	x.mu.Lock()
	if x.finishing {
		x.mu.Unlock()
		return types.ErrXactDone
	}
	x.addError(&types.ErrorRecord{
		Cause: cause,
		Msg:   types.ErrAbortedByOriginator.Error(),
		Block: -1,
	})
	x.failLocked(false, cause)
	x.ensureScheduler()
	x.mu.Unlock()

	x.wakeBlocks()
	return
}

// fail moves the transaction toward abort, failure marks an internal fault.
func (x *Transaction) fail(failure bool, cause error) {
	x.mu.Lock()
	x.failLocked(failure, cause)
	x.mu.Unlock()
	x.wakeBlocks()
}

func (x *Transaction) failLocked(failure bool, cause error) {
	if x.finishing {
		return
	}
	if failure {
		x.failure = true
	}
	if atomic.CompareAndSwapInt32(&x.aborting, 0, 1) {
		x.cause = cause
		log.WithField("xact", x.id).WithError(cause).Debug("xact aborting")
	}
	x.cond.Broadcast()
}

func (x *Transaction) aborted() bool {
	return atomic.LoadInt32(&x.aborting) == 1
}

// wakeBlocks releases producers paced on consumer windows.
func (x *Transaction) wakeBlocks() {
	for _, blk := range x.Blocks() {
		blk.wake()
	}
}

// must be called with x.mu held.
func (x *Transaction) ensureScheduler() {
	x.schedOnce.Do(func() {
		go x.loop()
	})
}

// release moves the blocks waiting on blk to the ready queue, or skips them on abort.
// Must be called with x.mu held.
func (x *Transaction) release(blk *Block) {
	ws := x.waiting[blk]
	delete(x.waiting, blk)
	for _, w := range ws {
		if x.aborted() {
			w.skip()
			x.release(w)
			continue
		}
		x.ready = append(x.ready, w)
	}
}

func (x *Transaction) loop() {
	x.mu.Lock()
	for {
		if x.aborted() {
			for len(x.ready) > 0 {
				blk := x.ready[0]
				x.ready = x.ready[1:]
				blk.skip()
				x.release(blk)
			}
		}
		if x.running == 0 && (x.aborted() || (x.committed && len(x.ready) == 0)) {
			break
		}
		if len(x.ready) == 0 || x.running > 0 {
			x.cond.Wait()
			continue
		}

		blk := x.ready[0]
		x.ready = x.ready[1:]
		x.running++
		x.mu.Unlock()

		blk.run(false)

		x.mu.Lock()
		x.running--
		x.release(blk)
	}

	x.finishing = true
	var orphans []*Block
	for after, ws := range x.waiting {
		orphans = append(orphans, ws...)
		delete(x.waiting, after)
	}
	x.mu.Unlock()

	x.finish(orphans)
}

func (x *Transaction) finish(orphans []*Block) {
	x.timer.Add("blocks")

	if len(orphans) > 0 {
		for _, blk := range orphans {
			blk.skip()
			x.addError(&types.ErrorRecord{
				Cause: types.ErrOrphanBlock,
				Msg:   "block never ran",
				Block: blk.idx,
			})
		}
		x.forceFail(true, types.ErrOrphanBlock)
	}

	xgs := x.sweepGroups()
	workers := make([]twopc.Worker, 0, len(xgs))
	for _, xg := range xgs {
		workers = append(workers, xg)
	}

	status := types.StatusCommitted
	coord := x.coordinator()
	if x.aborted() {
		x.tracef(nil, 0, "abort sweep groups=%d", len(xgs))
		if err := coord.Abort(context.Background(), workers); err != nil {
			log.WithField("xact", x.id).WithError(err).Warning("abort sweep failed on participant")
		}
		status = x.failedStatus()
	} else {
		x.tracef(nil, 0, "commit sweep groups=%d", len(xgs))
		committed, err := coord.Put(context.Background(), workers)
		switch {
		case committed && err != nil:
			log.WithField("xact", x.id).WithError(err).Warning("commit failed on participant")
		case !committed:
			cause := errors.Cause(err)
			x.forceFail(cause == types.ErrMemberFault || cause == context.DeadlineExceeded, err)
			status = x.failedStatus()
		}
	}
	x.timer.Add("sweep")

	for _, xg := range x.touchedGroups() {
		xg.deinit()
	}

	if status == types.StatusCommitted {
		x.applyMutations()
	}

	x.tracef(nil, 0, "xact done status=%s", status)
	if x.traceTask != nil {
		x.traceTask.End()
	}
	x.bus.stats.done(status)
	x.bus.forget(x)

	x.mu.Lock()
	x.status = status
	x.mu.Unlock()
	close(x.done)

	x.bus.events.Publish(evtbus.TopicXactDone, x.id, status)

	log.WithFields(x.timer.ToLogFields()).WithFields(log.Fields{
		"xact":   x.id,
		"status": status.String(),
		"errors": x.ErrorCount(),
	}).Debug("xact done")
}

// forceFail marks a transaction that is already finishing as aborted.
func (x *Transaction) forceFail(failure bool, cause error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if failure {
		x.failure = true
	}
	if atomic.CompareAndSwapInt32(&x.aborting, 0, 1) {
		x.cause = cause
	}
}

func (x *Transaction) failedStatus() types.Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.failure {
		return types.StatusFailure
	}
	return types.StatusAborted
}

// Status returns RUNNING until the transaction is done, then its terminal status.
func (x *Transaction) Status() types.Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// Cause returns the error that moved the transaction toward abort, nil otherwise.
func (x *Transaction) Cause() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cause
}

// Done is closed once the protocol of the transaction is complete.
func (x *Transaction) Done() <-chan struct{} {
	return x.done
}

// XactDone reports whether the protocol of the transaction is complete.
func (x *Transaction) XactDone() bool {
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

// ResponsesDone reports whether no result is available right now and none is owed by
// the blocks scheduled so far.
func (x *Transaction) ResponsesDone() bool {
	for _, blk := range x.Blocks() {
		if !blk.drained() {
			return false
		}
	}
	return true
}

// Wait blocks until the transaction is done or ctx expires.
func (x *Transaction) Wait(ctx context.Context) (status types.Status, err error) {
	select {
	case <-x.done:
		return x.Status(), nil
	case <-ctx.Done():
		return types.StatusRunning, ctx.Err()
	}
}

// GetResult pops the next record of corrid, 0 meaning any. Without XactBlockMerge,
// records are returned block by block in block order; with it, in arrival order across
// all blocks. It returns nil when nothing is buffered.
func (x *Transaction) GetResult(corrid uint64) *types.Record {
	blocks := x.Blocks()
	if !x.flags.Has(types.XactBlockMerge) {
		for _, blk := range blocks {
			if rec := blk.GetResult(corrid); rec != nil {
				return rec
			}
		}
		return nil
	}

	for {
		var best *Block
		var bestSeq int64
		for _, blk := range blocks {
			if seq, ok := blk.peekSeq(corrid); ok && (best == nil || seq < bestSeq) {
				best, bestSeq = blk, seq
			}
		}
		if best == nil {
			return nil
		}
		// another consumer may have raced us to the head
		if rec := best.popSeq(bestSeq); rec != nil {
			return rec
		}
	}
}

func (x *Transaction) nextSeq() int64 {
	return atomic.AddInt64(&x.seq, 1)
}

func (x *Transaction) addError(rec *types.ErrorRecord) {
	x.emu.Lock()
	defer x.emu.Unlock()
	rec.Seq = len(x.errs)
	x.errs = append(x.errs, rec)
}

// ErrorCount returns the number of error records.
func (x *Transaction) ErrorCount() int {
	x.emu.Lock()
	defer x.emu.Unlock()
	return len(x.errs)
}

// Errors returns the error records of corrid, 0 meaning all.
func (x *Transaction) Errors(corrid uint64) (res []*types.ErrorRecord) {
	x.emu.Lock()
	defer x.emu.Unlock()
	for _, e := range x.errs {
		if corrid == 0 || e.CorrID == corrid {
			res = append(res, e)
		}
	}
	return
}

// MostProbableCause returns the error most likely to explain a failure, nil without errors.
func (x *Transaction) MostProbableCause() *types.ErrorRecord {
	return types.MostProbableCause(x.Errors(0))
}

// group returns the (transaction, group) state of reg, running XactInit on first use.
func (x *Transaction) group(reg *Registration) *xactGroup {
	x.gmu.Lock()
	xg, ok := x.groups[reg.group.id]
	if !ok {
		xg = &xactGroup{
			xact:    x,
			group:   reg.group,
			engaged: make(map[types.RegID]*Registration),
		}
		x.groups[reg.group.id] = xg
		x.order = append(x.order, xg)
	}
	x.gmu.Unlock()

	xg.init()
	return xg
}

func (x *Transaction) touchedGroups() []*xactGroup {
	x.gmu.Lock()
	defer x.gmu.Unlock()
	return append([]*xactGroup(nil), x.order...)
}

// sweepGroups returns the groups with at least one engaged registration.
func (x *Transaction) sweepGroups() (res []*xactGroup) {
	for _, xg := range x.touchedGroups() {
		if xg.isEngaged() {
			res = append(res, xg)
		}
	}
	return
}

// regLock serializes callbacks of this transaction on one registration.
func (x *Transaction) regLock(id types.RegID) *sync.Mutex {
	x.gmu.Lock()
	defer x.gmu.Unlock()
	l, ok := x.regLocks[id]
	if !ok {
		l = &sync.Mutex{}
		x.regLocks[id] = l
	}
	return l
}

func (x *Transaction) trackAsync(inv *invocation, on bool) {
	x.gmu.Lock()
	defer x.gmu.Unlock()
	if on {
		x.async[inv] = struct{}{}
	} else {
		delete(x.async, inv)
	}
}

// terminateAsync fails every async prepare still pending.
func (x *Transaction) terminateAsync(cause error) {
	x.gmu.Lock()
	invs := make([]*invocation, 0, len(x.async))
	for inv := range x.async {
		invs = append(invs, inv)
	}
	x.gmu.Unlock()

	for _, inv := range invs {
		inv.expire(cause)
	}
}

func (x *Transaction) addMutation(action types.Action, rec *types.Record) {
	x.gmu.Lock()
	defer x.gmu.Unlock()
	x.mutations = append(x.mutations, mutation{action: action, rec: rec})
}

func (x *Transaction) applyMutations() {
	x.gmu.Lock()
	ms := x.mutations
	x.mutations = nil
	x.gmu.Unlock()

	for _, m := range ms {
		switch m.action {
		case types.ActionDelete:
			x.bus.cache.evict(m.rec.Keyspec)
		default:
			x.bus.cache.store(m.rec)
		}
	}
}
