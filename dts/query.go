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
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/RIFTIO/RIFT.ware-sub013/registry"
	"github.com/RIFTIO/RIFT.ware-sub013/shard"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
)

// query is one operation of a block.
type query struct {
	blk     *Block
	ks      *keyspec.Keyspec
	action  types.Action
	flags   types.QueryFlag
	corrid  uint64
	payload interface{}

	// guarded by blk.mu
	outstanding int
	code        types.Code
	held        []*types.Record
}

// start resolves the registrations of q and dispatches one invocation to each.
func (q *query) start(immediate bool) {
	x := q.blk.xact
	atomic.AddUint64(&x.bus.stats.queries, 1)

	matches := x.bus.registry.Match(q.ks, q.action)
	if x.traced(q) {
		x.tracef(q, 0, "%s %s matched=%d payload=%s", q.action, q.ks, len(matches), dump(q.payload))
	}

	var invs []*invocation
	for _, m := range matches {
		reg, ok := m.Entry.Owner.(*Registration)
		if !ok {
			continue
		}
		invs = append(invs, newInvocation(q, reg, m, immediate))
	}

	if len(invs) == 0 {
		q.blk.queryDone(q)
		return
	}

	q.blk.mu.Lock()
	q.outstanding = len(invs)
	q.blk.mu.Unlock()

	for _, inv := range invs {
		inv.dispatch()
	}
}

type invPhase int

const (
	invRunning invPhase = iota
	invAsync
	invDone
)

// invocation is the work of one registration for one query, across continuation turns.
type invocation struct {
	q         *query
	reg       *Registration
	xg        *xactGroup
	qc        *QueryContext
	immediate bool

	mu      sync.Mutex
	phase   invPhase
	turn    int
	used    int
	engaged bool
	// terminal result sent while prepare was still running
	pending types.Result
	// the newest record is held back until the next one, to know whether more follow
	last  *types.Record
	errs  []*types.ErrorRecord
	timer *time.Timer
}

func newInvocation(q *query, reg *Registration, m registry.Match, immediate bool) *invocation {
	x := q.blk.xact
	inv := &invocation{
		q:         q,
		reg:       reg,
		immediate: immediate,
	}
	inv.xg = x.group(reg)
	inv.qc = &QueryContext{
		Xact:    x,
		Block:   q.blk,
		Reg:     reg,
		Action:  q.action,
		Keyspec: q.ks,
		Match:   reg.Keyspec().Substitute(q.ks),
		Payload: q.payload,
		Flags:   q.flags,
		CorrID:  q.corrid,
		Scratch: inv.xg.scratch,
		FanOut:  m.Decision == shard.FanOut,
		inv:     inv,
	}
	return inv
}

func (inv *invocation) bus() *Bus {
	return inv.q.blk.xact.bus
}

func (inv *invocation) credits() int {
	return inv.bus().opts.DefaultCredits
}

func (inv *invocation) fields() log.Fields {
	return log.Fields{
		"xact":   inv.q.blk.xact.id,
		"block":  inv.q.blk.idx,
		"corrid": inv.q.corrid,
		"reg":    inv.reg.ID(),
	}
}

// dispatch runs the invocation on the worker pool. Immediate blocks, and any job
// finding every worker taken, run on their own goroutine: a prepare holding a worker
// may be waiting on a transaction it created.
func (inv *invocation) dispatch() {
	if inv.immediate {
		go inv.run()
		return
	}
	b := inv.bus()
	if atomic.AddInt32(&b.busy, 1) > int32(b.opts.Workers) {
		atomic.AddInt32(&b.busy, -1)
		atomic.AddUint64(&b.stats.overflows, 1)
		go inv.run()
		return
	}
	pool := b.pool
	pool.WaitCount(1)
	pool.JobQueue <- func() {
		defer func() {
			atomic.AddInt32(&b.busy, -1)
			pool.JobDone()
		}()
		inv.run()
	}
}

// run invokes prepare, looping in place for continuations that need no pacing.
func (inv *invocation) run() {
	for {
		if !inv.handle(inv.prepare()) {
			return
		}
	}
}

// memberFault is the result of a prepare that panicked or returned nothing.
type memberFault struct {
	err error
}

func (memberFault) Code() types.Code { return types.CodeNack }

// guard runs fn and turns a panic into ErrMemberFault.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Errorf("member callback panicked: %s", debug.Stack())
			err = errors.Wrapf(types.ErrMemberFault, "%v", r)
		}
	}()
	fn()
	return
}

func (inv *invocation) prepare() (res types.Result) {
	x := inv.q.blk.xact
	atomic.AddUint64(&x.bus.stats.prepares, 1)

	inv.mu.Lock()
	turn := inv.turn
	inv.mu.Unlock()
	x.tracef(inv.q, inv.reg.ID(), "prepare turn=%d credits=%d", turn, inv.credits())

	m := inv.reg.member
	if m == nil {
		return types.Ack{}
	}

	// nested immediate queries may reach a registration whose prepare is on the stack
	if !inv.immediate {
		l := x.regLock(inv.reg.ID())
		l.Lock()
		defer l.Unlock()
	}

	if err := guard(func() { res = m.Prepare(inv.qc) }); err != nil {
		return memberFault{err: err}
	}
	if res == nil {
		return memberFault{err: errors.Wrap(types.ErrMemberFault, "nil prepare result")}
	}
	return
}

func (inv *invocation) engage(res types.Result) {
	if res.Code() == types.CodeNA {
		return
	}
	inv.mu.Lock()
	first := !inv.engaged
	inv.engaged = true
	inv.mu.Unlock()
	if first {
		inv.xg.engage(inv.reg)
	}
}

// handle processes the result of a prepare turn. It returns true when the next turn
// should run right away in the calling goroutine.
func (inv *invocation) handle(res types.Result) (again bool) {
	x := inv.q.blk.xact

	inv.mu.Lock()
	if inv.phase == invDone {
		inv.mu.Unlock()
		return false
	}
	if inv.pending != nil {
		if res.Code() != types.CodeAsync {
			log.WithFields(inv.fields()).Debugf("prepare returned %s after a terminal send", res.Code())
		}
		res = inv.pending
		inv.pending = nil
	}
	inv.mu.Unlock()

	x.tracef(inv.q, inv.reg.ID(), "prepare returned %s", res.Code())
	inv.engage(res)

	switch res.Code() {
	case types.CodeAsync:
		inv.goAsync()
		return false
	case types.CodeMore:
		return inv.continuation()
	}
	inv.finish(res)
	return false
}

func (inv *invocation) goAsync() {
	x := inv.q.blk.xact

	inv.mu.Lock()
	inv.phase = invAsync
	inv.arm()
	inv.mu.Unlock()

	x.trackAsync(inv, true)
	if x.bus.isClosed() {
		inv.expire(types.ErrBusClosed)
	}
}

// arm must be called with inv.mu held.
func (inv *invocation) arm() {
	timeout := inv.bus().opts.AsyncTimeout
	if timeout <= 0 {
		return
	}
	if inv.timer != nil {
		inv.timer.Stop()
	}
	inv.timer = time.AfterFunc(timeout, func() {
		inv.expire(types.ErrAsyncTimeout)
	})
}

// expire fails an async invocation still pending.
func (inv *invocation) expire(cause error) {
	inv.mu.Lock()
	async := inv.phase == invAsync
	inv.mu.Unlock()
	if !async {
		return
	}
	log.WithFields(inv.fields()).WithError(cause).Debug("async prepare expired")
	inv.finish(types.Nack{Cause: cause})
}

func (inv *invocation) paced() bool {
	return inv.q.blk.xact.flags.Has(types.XactStream) && !inv.q.flags.Has(types.QueryMerge)
}

// continuation hands out fresh credit after a MORE turn.
func (inv *invocation) continuation() (again bool) {
	x := inv.q.blk.xact
	if x.aborted() {
		inv.cut()
		return false
	}

	window := x.bus.opts.StreamWindow
	if inv.paced() && inv.q.blk.windowFull(inv.q.corrid, window) {
		// free the worker while the consumer catches up
		go func() {
			inv.q.blk.waitWindow(inv.q.corrid, window)
			if x.aborted() {
				inv.cut()
				return
			}
			inv.refresh()
			inv.dispatch()
		}()
		return false
	}

	inv.refresh()
	return true
}

func (inv *invocation) refresh() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.turn++
	inv.used = 0
}

// push records one response, held back until the next one or the terminal.
func (inv *invocation) push(ks *keyspec.Keyspec, payload interface{}, final bool) (err error) {
	if ks == nil {
		ks = inv.q.ks
	}
	inv.mu.Lock()
	if inv.phase == invDone {
		inv.mu.Unlock()
		return types.ErrAlreadyResponded
	}
	if !final {
		if inv.used >= inv.credits() {
			inv.mu.Unlock()
			return errors.Wrapf(types.ErrNoCredit, "credits %d", inv.credits())
		}
		inv.used++
	}
	rec := &types.Record{
		XactID:  inv.q.blk.xact.id,
		Block:   inv.q.blk.idx,
		CorrID:  inv.q.corrid,
		RegID:   inv.reg.ID(),
		Code:    types.CodeMore,
		Keyspec: ks,
		Payload: payload,
		More:    true,
	}
	prev := inv.last
	inv.last = rec
	inv.mu.Unlock()

	if prev != nil {
		inv.deliver(prev)
	}
	return
}

func (inv *invocation) deliver(rec *types.Record) {
	if f := inv.reg.Flags(); f.Has(types.RegCache) && f.Role() == types.RegPublisher {
		inv.bus().cache.store(rec)
	}
	if x := inv.q.blk.xact; x.traced(inv.q) {
		x.tracef(inv.q, inv.reg.ID(), "record %s more=%v payload=%s", rec.Keyspec, rec.More, dump(rec.Payload))
	}
	inv.q.blk.deliver(inv.q, rec)
}

// finish completes the invocation with a terminal result.
func (inv *invocation) finish(res types.Result) {
	if ack, ok := res.(types.Ack); ok && ack.Payload != nil {
		if err := inv.push(inv.q.ks, ack.Payload, true); err != nil {
			return
		}
	}

	code := res.Code()
	var cause error
	switch r := res.(type) {
	case types.Nack:
		cause = r.Err()
	case memberFault:
		cause = r.err
	}
	inv.terminate(code, res, cause)
}

// cut stops an invocation whose transaction is aborting.
func (inv *invocation) cut() {
	inv.terminate(types.CodeNack, nil, nil)
}

func (inv *invocation) terminate(code types.Code, res types.Result, cause error) {
	x := inv.q.blk.xact

	inv.mu.Lock()
	if inv.phase == invDone {
		inv.mu.Unlock()
		return
	}
	wasAsync := inv.phase == invAsync
	inv.phase = invDone
	last := inv.last
	inv.last = nil
	errs := inv.errs
	if inv.timer != nil {
		inv.timer.Stop()
	}
	inv.mu.Unlock()

	if wasAsync {
		x.trackAsync(inv, false)
	}
	if last != nil {
		last.More = false
		last.Code = code
		inv.deliver(last)
	}

	switch {
	case cause != nil:
		atomic.AddUint64(&x.bus.stats.nacks, 1)
		_, fault := res.(memberFault)
		if len(errs) > 0 {
			x.emu.Lock()
			for _, e := range errs {
				e.Nack = true
			}
			x.emu.Unlock()
		} else {
			msg := ""
			if n, ok := res.(types.Nack); ok {
				msg = n.Msg
			}
			x.addError(&types.ErrorRecord{
				Keyspec: inv.q.ks,
				Cause:   cause,
				Msg:     msg,
				CorrID:  inv.q.corrid,
				Block:   inv.q.blk.idx,
				RegID:   inv.reg.ID(),
				Nack:    true,
			})
		}
		// abort before the block completes so later blocks are skipped
		x.fail(fault, cause)
	case code == types.CodeAck && inv.q.action.Mutates() && inv.reg.Flags().Has(types.RegCache):
		x.addMutation(inv.q.action, &types.Record{
			XactID:  x.id,
			CorrID:  inv.q.corrid,
			RegID:   inv.reg.ID(),
			Code:    types.CodeAck,
			Keyspec: inv.q.ks,
			Payload: inv.q.payload,
		})
	}

	x.tracef(inv.q, inv.reg.ID(), "done %s", code)
	inv.q.blk.invDone(inv.q, code)
}

// fault fails the transaction on an internal fault outside an invocation.
func (x *Transaction) fault(q *query, reg types.RegID, err error) {
	rec := &types.ErrorRecord{
		Cause: err,
		Msg:   "internal fault",
		Block: -1,
		RegID: reg,
		Nack:  true,
	}
	if q != nil {
		rec.Keyspec = q.ks
		rec.Block = q.blk.idx
		rec.CorrID = q.corrid
	}
	x.addError(rec)
	x.fail(true, err)
}

// Response is one record of an async send.
type Response struct {
	Keyspec *keyspec.Keyspec
	Payload interface{}
}

// QueryContext is handed to prepare. It stays valid across continuation turns and
// async sends of the same (query, registration) pair.
type QueryContext struct {
	Xact   *Transaction
	Block  *Block
	Reg    *Registration
	Action types.Action
	// Keyspec is the queried keyspec.
	Keyspec *keyspec.Keyspec
	// Match is the registration keyspec with its keys filled from the query.
	Match *keyspec.Keyspec
	// Payload is nil for READ and DELETE.
	Payload interface{}
	Flags   types.QueryFlag
	CorrID  uint64
	Scratch interface{}
	// Cursor is kept for the member between turns, the bus never looks into it.
	Cursor interface{}
	// FanOut is set when the shard overlay could not tell the owner of the key, the
	// member answers NA for keys it does not own.
	FanOut bool

	inv *invocation
}

// Credits returns the number of records one turn may push through Respond or Send.
// The payload of a final Ack is not counted, so a turn ending in Ack{Payload} may
// deliver Credits()+1 records.
func (qc *QueryContext) Credits() int {
	return qc.inv.credits()
}

// Remaining returns the credits left in the current turn.
func (qc *QueryContext) Remaining() int {
	qc.inv.mu.Lock()
	defer qc.inv.mu.Unlock()
	return qc.inv.credits() - qc.inv.used
}

// Turn returns the continuation turn, 0 for the first prepare.
func (qc *QueryContext) Turn() int {
	qc.inv.mu.Lock()
	defer qc.inv.mu.Unlock()
	return qc.inv.turn
}

// Respond pushes one record at ks, nil meaning the queried keyspec.
func (qc *QueryContext) Respond(ks *keyspec.Keyspec, payload interface{}) error {
	return qc.inv.push(ks, payload, false)
}

// Send pushes responses then applies res: Ack, Nack or NotApplicable end the
// invocation, More hands out a fresh credit once an async invocation may go on, Async
// re-arms the async timeout. Send may be called from any goroutine, also before
// prepare returned Async.
func (qc *QueryContext) Send(res types.Result, responses ...Response) (err error) {
	inv := qc.inv

	inv.mu.Lock()
	phase := inv.phase
	room := inv.credits() - inv.used
	inv.mu.Unlock()

	if phase == invDone {
		return types.ErrAlreadyResponded
	}
	if len(responses) > room {
		return errors.Wrapf(types.ErrNoCredit, "%d responses, %d credits left", len(responses), room)
	}
	for _, r := range responses {
		if err = inv.push(r.Keyspec, r.Payload, false); err != nil {
			return
		}
	}
	if res == nil {
		return
	}

	switch res.Code() {
	case types.CodeMore:
		if phase == invAsync {
			qc.more()
		}
		return
	case types.CodeAsync:
		inv.mu.Lock()
		if inv.phase == invAsync {
			inv.arm()
		}
		inv.mu.Unlock()
		return
	}

	inv.mu.Lock()
	if inv.phase == invRunning {
		if inv.pending != nil {
			inv.mu.Unlock()
			return types.ErrAlreadyResponded
		}
		inv.pending = res
		inv.mu.Unlock()
		return
	}
	inv.mu.Unlock()

	inv.engage(res)
	inv.q.blk.xact.tracef(inv.q, inv.reg.ID(), "send %s", res.Code())
	inv.finish(res)
	return
}

// SendMore pushes responses of an async invocation and asks for fresh credit.
func (qc *QueryContext) SendMore(responses ...Response) error {
	return qc.Send(types.More{}, responses...)
}

// more grants a fresh turn to an async invocation, pacing streaming transactions on
// the consumer.
func (qc *QueryContext) more() {
	inv := qc.inv
	x := inv.q.blk.xact
	if inv.paced() {
		inv.q.blk.waitWindow(inv.q.corrid, x.bus.opts.StreamWindow)
	}
	inv.refresh()
	inv.mu.Lock()
	if inv.phase == invAsync {
		inv.arm()
	}
	inv.mu.Unlock()
}

// Error attaches an error record to the query. It is promoted to the NACK cause when
// the invocation ends with NACK.
func (qc *QueryContext) Error(ks *keyspec.Keyspec, cause error, msg string) {
	if ks == nil {
		ks = qc.Keyspec
	}
	rec := &types.ErrorRecord{
		Keyspec: ks,
		Cause:   cause,
		Msg:     msg,
		CorrID:  qc.CorrID,
		Block:   qc.Block.idx,
		RegID:   qc.Reg.ID(),
	}
	qc.inv.mu.Lock()
	qc.inv.errs = append(qc.inv.errs, rec)
	qc.inv.mu.Unlock()
	qc.Xact.addError(rec)
}

func (qc *QueryContext) String() string {
	return fmt.Sprintf("query{xact=%s block=%d corrid=%d reg=%d %s %s}",
		qc.Xact.id, qc.Block.idx, qc.CorrID, qc.Reg.ID(), qc.Action, qc.Keyspec)
}
