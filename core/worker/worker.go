// worker.go - Background worker tasks.
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

// Package worker provides background worker tasks.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background go routines.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Go executes fn in a new go routine.  It is the function's responsibility
// to monitor HaltCh (or HaltContext) and to return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all go routines started under the Worker to terminate, and
// waits till they have returned.  Halt may be called more than once.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() {
		close(w.haltCh)
		w.cancel()
	})
	w.Wait()
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// HaltContext returns a context that is cancelled on a call to Halt, for use
// with blocking network operations.
func (w *Worker) HaltContext() context.Context {
	w.initOnce.Do(w.init)
	return w.ctx
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
	w.ctx, w.cancel = context.WithCancel(context.Background())
}
