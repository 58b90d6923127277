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

// Package trace forwards protocol trace events to runtime/trace.
package trace

import (
	"context"
	"runtime/trace"
)

// Task is a runtime trace task.
type Task = trace.Task

// NewTask starts a task, usually one per transaction.
func NewTask(pctx context.Context, taskType string) (ctx context.Context, task *Task) {
	return trace.NewTask(pctx, taskType)
}

// WithRegion runs fn inside a named region.
func WithRegion(ctx context.Context, regionType string, fn func()) {
	trace.WithRegion(ctx, regionType, fn)
}

// IsEnabled reports whether runtime tracing is active.
func IsEnabled() bool {
	return trace.IsEnabled()
}

// Logf emits a trace log event in the task of ctx.
func Logf(ctx context.Context, category, message string, args ...interface{}) {
	trace.Logf(ctx, category, message, args...)
}
