// scheduler_test.go - Job scheduler tests.
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

package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/core/log"
)

func testLogger(t *testing.T, module string) *logging.Logger {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return logBackend.GetLogger(module)
}

type result struct {
	name string
	r    Result
}

func newTestScheduler(t *testing.T, backoff time.Duration) (*Scheduler, chan result) {
	s := NewScheduler(backoff, testLogger(t, "jobs"))
	results := make(chan result, 16)
	s.OnResult(func(name string, r Result) { results <- result{name, r} })
	t.Cleanup(s.Halt)
	return s, results
}

func waitResult(t *testing.T, results chan result) result {
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a job result")
	}
	return result{}
}

func TestSchedulerRetryBackoff(t *testing.T) {
	require := require.New(t)
	const backoff = 20 * time.Millisecond
	s, results := newTestScheduler(t, backoff)

	var mu sync.Mutex
	var attempts []int
	var times []time.Time
	s.Enqueue("flaky", JobFunc(func(ctx context.Context, attempt int) Result {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, attempt)
		times = append(times, time.Now())
		if attempt < 2 {
			return Retry
		}
		return Success
	}))
	s.Start()

	require.Equal(result{"flaky", Success}, waitResult(t, results))
	mu.Lock()
	defer mu.Unlock()
	require.Equal([]int{0, 1, 2}, attempts)
	require.GreaterOrEqual(times[1].Sub(times[0]), backoff)
	require.GreaterOrEqual(times[2].Sub(times[1]), 2*backoff)
	require.Zero(s.Pending())
}

func TestSchedulerFailureIsTerminal(t *testing.T) {
	require := require.New(t)
	s, results := newTestScheduler(t, time.Millisecond)

	var runs int32
	s.Enqueue("doomed", JobFunc(func(ctx context.Context, attempt int) Result {
		atomic.AddInt32(&runs, 1)
		if attempt >= 3 {
			return Failure
		}
		return Retry
	}))
	s.Start()

	require.Equal(result{"doomed", Failure}, waitResult(t, results))
	require.Equal(int32(4), atomic.LoadInt32(&runs))
	require.False(s.IsScheduled("doomed"))
}

func TestSchedulerReplace(t *testing.T) {
	require := require.New(t)
	s, results := newTestScheduler(t, time.Millisecond)

	ran := make(chan string, 4)
	job := func(tag string) Job {
		return JobFunc(func(ctx context.Context, attempt int) Result {
			ran <- tag
			return Success
		})
	}
	s.EnqueueAfter("unique", job("first"), time.Hour)
	s.Enqueue("unique", job("second"))
	require.Equal(1, s.Pending())
	require.True(s.IsScheduled("unique"))

	s.Enqueue("other", job("other"))
	require.True(s.Cancel("other"))
	require.False(s.Cancel("other"))
	require.Equal(1, s.Pending())

	s.Start()
	require.Equal(result{"unique", Success}, waitResult(t, results))
	require.Equal("second", <-ran)
	select {
	case tag := <-ran:
		t.Fatalf("unexpected run of %v", tag)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerSerializesName(t *testing.T) {
	require := require.New(t)
	s, results := newTestScheduler(t, time.Millisecond)

	var running, maxRunning int32
	release := make(chan struct{})
	job := JobFunc(func(ctx context.Context, attempt int) Result {
		n := atomic.AddInt32(&running, 1)
		if n > atomic.LoadInt32(&maxRunning) {
			atomic.StoreInt32(&maxRunning, n)
		}
		<-release
		atomic.AddInt32(&running, -1)
		return Success
	})
	s.Start()
	s.Enqueue("serial", job)
	require.Eventually(func() bool { return atomic.LoadInt32(&running) == 1 }, 5*time.Second, time.Millisecond)

	// Enqueued while running: waits for the first run.
	s.Enqueue("serial", job)
	time.Sleep(20 * time.Millisecond)
	require.Equal(int32(1), atomic.LoadInt32(&running))

	close(release)
	require.Equal(result{"serial", Success}, waitResult(t, results))
	require.Equal(result{"serial", Success}, waitResult(t, results))
	require.Equal(int32(1), atomic.LoadInt32(&maxRunning))
}

func TestSchedulerEvery(t *testing.T) {
	s, results := newTestScheduler(t, time.Millisecond)

	s.Every("tick", JobFunc(func(ctx context.Context, attempt int) Result {
		return Success
	}), 0, 5*time.Millisecond)
	s.Start()
	for i := 0; i < 3; i++ {
		require.Equal(t, result{"tick", Success}, waitResult(t, results))
	}
	require.True(t, s.IsScheduled("tick"))
}
