// scheduler.go - Job scheduler.
// Copyright (C) 2017  Yawning Angel.
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
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/core/retry"
	"github.com/aenigma/aenigma/core/worker"
)

type entry struct {
	name     string
	job      Job
	attempt  int
	eta      time.Time
	seq      uint64
	interval time.Duration

	etaNode *avl.Node
}

// Scheduler runs named jobs.  At most one job is pending per name, and a
// job is never run concurrently with another run of the same name.
// Retried jobs back off linearly.
type Scheduler struct {
	worker.Worker
	sync.Mutex

	log     *logging.Logger
	backoff time.Duration

	etas    *avl.Tree
	pending map[string]*entry
	running map[string]bool
	seq     uint64
	wakeCh  chan struct{}

	onResult func(name string, r Result)
}

// NewScheduler returns a stopped Scheduler whose retries back off by
// backoff per attempt.
func NewScheduler(backoff time.Duration, log *logging.Logger) *Scheduler {
	if backoff <= 0 {
		backoff = retry.DefaultBackoff
	}
	return &Scheduler{
		log:     log,
		backoff: backoff,
		etas: avl.New(func(a, b interface{}) int {
			entA, entB := a.(*entry), b.(*entry)
			switch {
			case entB.eta.After(entA.eta):
				return -1
			case entA.eta.After(entB.eta):
				return 1
			case entA.seq < entB.seq:
				return -1
			case entA.seq > entB.seq:
				return 1
			default:
				return 0
			}
		}),
		pending: make(map[string]*entry),
		running: make(map[string]bool),
		wakeCh:  make(chan struct{}, 1),
	}
}

// OnResult registers fn to be called with the final result of each job
// run.  It must be called before Start.
func (s *Scheduler) OnResult(fn func(name string, r Result)) {
	s.onResult = fn
}

// Start starts the scheduler worker.
func (s *Scheduler) Start() {
	s.Go(s.worker)
}

// Enqueue schedules job to run now under name, replacing any job pending
// under the same name.
func (s *Scheduler) Enqueue(name string, job Job) {
	s.schedule(name, job, 0, 0)
}

// EnqueueAfter schedules job to run after delay under name, replacing any
// job pending under the same name.
func (s *Scheduler) EnqueueAfter(name string, job Job, delay time.Duration) {
	s.schedule(name, job, delay, 0)
}

// Every schedules job to run after initial, and then every interval after
// each run completes.
func (s *Scheduler) Every(name string, job Job, initial, interval time.Duration) {
	s.schedule(name, job, initial, interval)
}

func (s *Scheduler) schedule(name string, job Job, delay, interval time.Duration) {
	s.Lock()
	if old, ok := s.pending[name]; ok {
		s.etas.Remove(old.etaNode)
		old.etaNode = nil
	}
	s.insert(&entry{
		name:     name,
		job:      job,
		eta:      time.Now().Add(delay),
		interval: interval,
	})
	s.Unlock()
	s.wake()
}

// insert must be called with the lock held.
func (s *Scheduler) insert(e *entry) {
	s.seq++
	e.seq = s.seq
	e.etaNode = s.etas.Insert(e)
	if e.etaNode.Value.(*entry) != e {
		panic("BUG: jobs: inserting entry failed, duplicate eta+seq?")
	}
	s.pending[e.name] = e
}

// Cancel removes the job pending under name.  A running job is not
// interrupted.
func (s *Scheduler) Cancel(name string) bool {
	s.Lock()
	defer s.Unlock()

	e, ok := s.pending[name]
	if !ok {
		return false
	}
	s.etas.Remove(e.etaNode)
	e.etaNode = nil
	delete(s.pending, name)
	return true
}

// Pending returns the number of jobs waiting to run.
func (s *Scheduler) Pending() int {
	s.Lock()
	defer s.Unlock()
	return s.etas.Len()
}

// IsScheduled returns true if a job is pending or running under name.
func (s *Scheduler) IsScheduled(name string) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.pending[name]
	return ok || s.running[name]
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// dispatchDue starts every due job whose name is not running, and returns
// the delay until the next pending job, or 0 if none is waiting on time.
func (s *Scheduler) dispatchDue() time.Duration {
	s.Lock()
	defer s.Unlock()

	now := time.Now()
	iter := s.etas.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		e := node.Value.(*entry)
		if e.eta.After(now) {
			return e.eta.Sub(now)
		}
		if s.running[e.name] {
			continue
		}

		// Removing the current node is the only modification supported
		// while iterating.
		s.etas.Remove(node)
		e.etaNode = nil
		delete(s.pending, e.name)
		s.running[e.name] = true
		s.Go(func() { s.run(e) })
	}
	return 0
}

func (s *Scheduler) run(e *entry) {
	r := e.job.Run(s.HaltContext(), e.attempt)

	s.Lock()
	delete(s.running, e.name)
	_, superseded := s.pending[e.name]
	select {
	case <-s.HaltCh():
		s.Unlock()
		return
	default:
	}
	switch {
	case r == Retry && !superseded:
		e.attempt++
		e.eta = time.Now().Add(retry.Linear(s.backoff, e.attempt))
		s.log.Debugf("Job %v: retry %d at %v.", e.name, e.attempt, e.eta)
		s.insert(e)
	case r != Retry && e.interval > 0 && !superseded:
		e.attempt = 0
		e.eta = time.Now().Add(e.interval)
		s.insert(e)
	}
	s.Unlock()

	if r != Retry {
		if r == Failure {
			s.log.Warningf("Job %v failed after %d attempts.", e.name, e.attempt+1)
		} else {
			s.log.Debugf("Job %v done.", e.name)
		}
		if s.onResult != nil {
			s.onResult(e.name, r)
		}
	}
	s.wake()
}

func (s *Scheduler) worker() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.HaltCh():
			s.log.Debugf("Terminating gracefully.")
			return
		case <-timer.C:
		case <-s.wakeCh:
		}

		next := s.dispatchDue()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next > 0 {
			timer.Reset(next)
		}
	}
}
