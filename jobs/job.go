// job.go - Retryable units of work.
// Copyright (C) 2026  The Aenigma Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package jobs schedules the client's background work: connecting the
// session, dispatching messages and refreshing the relay graph.
package jobs

import (
	"context"
	"fmt"
)

// Result is the outcome of one run of a Job.
type Result int

const (
	// Success completes the job.
	Success Result = iota

	// Retry reschedules the job after a backoff.
	Retry

	// Failure completes the job unsuccessfully.
	Failure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Failure:
		return "failure"
	}
	return fmt.Sprintf("[Unknown Result: %d]", int(r))
}

// Job is a unit of work.  Run must be idempotent: a retried job starts
// again from scratch, with attempt counting the previous runs.
type Job interface {
	Run(ctx context.Context, attempt int) Result
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, attempt int) Result

// Run implements Job.
func (f JobFunc) Run(ctx context.Context, attempt int) Result {
	return f(ctx, attempt)
}
