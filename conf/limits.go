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

package conf

const (
	// MaxCredits defines the limit of records a member may push per prepare turn.
	MaxCredits = 4096
	// MaxStreamWindow defines the limit of unconsumed records per query of a streaming
	// transaction.
	MaxStreamWindow = 1 << 16
	// MaxWorkers defines the limit of the dispatch pool size.
	MaxWorkers = 1024
	// MaxCacheSize defines the limit of last known values kept for CACHE registrations.
	MaxCacheSize = 1 << 20
)
