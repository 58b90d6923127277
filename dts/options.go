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

import "time"

const (
	// DefaultCredits is the number of records a member may push per prepare turn.
	DefaultCredits = 16
	// DefaultWorkers is the size of the dispatch worker pool.
	DefaultWorkers = 16
	// DefaultJobQueue is the dispatch queue length.
	DefaultJobQueue = 32
	// DefaultCacheSize is the number of last known values kept for CACHE registrations.
	DefaultCacheSize = 1024
)

// Options defines the runtime configuration of a bus.
type Options struct {
	// Credits handed to every prepare turn.
	DefaultCredits int
	// StreamWindow is the number of unconsumed records of one query after which a
	// streaming transaction stops handing out fresh credit.
	StreamWindow int
	// Workers of the dispatch pool.
	Workers int
	// JobQueue length of the dispatch pool.
	JobQueue int
	// CacheSize of the last known value store.
	CacheSize int
	// SweepTimeout bounds the precommit/commit/abort fan-out, 0 disables it.
	SweepTimeout time.Duration
	// AsyncTimeout fails async prepares that never complete, 0 disables it.
	AsyncTimeout time.Duration
	// Trace every transaction.
	Trace bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return (&Options{}).withDefaults()
}

func (o *Options) withDefaults() *Options {
	c := Options{}
	if o != nil {
		c = *o
	}
	if c.DefaultCredits <= 0 {
		c.DefaultCredits = DefaultCredits
	}
	if c.StreamWindow <= 0 {
		c.StreamWindow = 4 * c.DefaultCredits
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.JobQueue <= 0 {
		c.JobQueue = DefaultJobQueue
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return &c
}
