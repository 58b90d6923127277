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

// Package twopc runs the transaction wide commit sweep across participants.
//
// Phase one of a bus transaction is the sequence of blocks; this package implements
// phase two: every participant is asked to precommit, and unless one vetoes, all of
// them commit. A veto or an earlier failure makes every participant abort.
package twopc

import (
	"context"
	"sync"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
)

// Hook are called during the sweep.
type Hook func(ctx context.Context) error

// Options represents options of a sweep coordinator.
type Options struct {
	timeout         time.Duration
	beforePrecommit Hook
	beforeCommit    Hook
	beforeAbort     Hook
	afterCommit     Hook
}

// Worker is one participant of the sweep.
type Worker interface {
	Precommit(ctx context.Context) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Coordinator is a sweep coordinator.
type Coordinator struct {
	option *Options
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(opt *Options) *Coordinator {
	if opt == nil {
		opt = &Options{}
	}
	return &Coordinator{
		option: opt,
	}
}

// NewOptions returns coordinator options bounding each sweep by timeout, 0 disables it.
func NewOptions(timeout time.Duration) *Options {
	return &Options{
		timeout: timeout,
	}
}

// NewOptionsWithCallback returns coordinator options with before precommit/commit/abort
// and after commit hooks.
func NewOptionsWithCallback(timeout time.Duration,
	beforePrecommit Hook, beforeCommit Hook, beforeAbort Hook, afterCommit Hook) *Options {
	return &Options{
		timeout:         timeout,
		beforePrecommit: beforePrecommit,
		beforeCommit:    beforeCommit,
		beforeAbort:     beforeAbort,
		afterCommit:     afterCommit,
	}
}

func (c *Coordinator) context(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.option.timeout > 0 {
		return context.WithTimeout(parent, c.option.timeout)
	}
	return context.WithCancel(parent)
}

// fanOut runs fn on every worker concurrently and returns the first error in worker order.
func fanOut(workers []Worker, fn func(Worker) error) (err error) {
	errs := make([]error, len(workers))
	wg := sync.WaitGroup{}

	for index, worker := range workers {
		wg.Add(1)
		go func(n Worker, e *error) {
			defer wg.Done()
			*e = fn(n)
		}(worker, &errs[index])
	}

	wg.Wait()

	for _, err = range errs {
		if err != nil {
			return
		}
	}

	return nil
}

func (c *Coordinator) abort(ctx context.Context, workers []Worker) error {
	return fanOut(workers, func(w Worker) error { return w.Abort(ctx) })
}

// Put precommits all workers and commits them unless one fails, in which case all of
// them abort. committed tells which way the sweep went; err is the veto on abort or the
// first commit failure, which no longer changes the outcome.
func (c *Coordinator) Put(parent context.Context, workers []Worker) (committed bool, err error) {
	ctx, cancel := c.context(parent)
	defer cancel()

	if c.option.beforePrecommit != nil {
		if err = c.option.beforePrecommit(ctx); err != nil {
			goto ABORT
		}
	}

	if err = fanOut(workers, func(w Worker) error { return w.Precommit(ctx) }); err != nil {
		log.WithError(err).Debug("precommit vetoed")
		goto ABORT
	}

	if c.option.beforeCommit != nil {
		if err = c.option.beforeCommit(ctx); err != nil {
			log.WithError(err).Debug("before commit failed")
			goto ABORT
		}
	}

	err = fanOut(workers, func(w Worker) error { return w.Commit(ctx) })
	committed = true

	if c.option.afterCommit != nil {
		if hookErr := c.option.afterCommit(ctx); hookErr != nil {
			log.WithError(hookErr).Debug("after commit failed")
		}
	}

	return

ABORT:
	if c.option.beforeAbort != nil {
		// abort proceeds whatever the hook says
		c.option.beforeAbort(ctx)
	}

	if abortErr := c.abort(ctx, workers); abortErr != nil {
		log.WithError(abortErr).Debug("abort failed on participant")
	}

	return
}

// Abort aborts all workers without asking them to precommit, used when phase one
// already failed. It returns the first abort error.
func (c *Coordinator) Abort(parent context.Context, workers []Worker) (err error) {
	ctx, cancel := c.context(parent)
	defer cancel()

	if c.option.beforeAbort != nil {
		c.option.beforeAbort(ctx)
	}

	return c.abort(ctx, workers)
}
