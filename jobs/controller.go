// controller.go - Connection controller.
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
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/core/worker"
	"github.com/aenigma/aenigma/session"
)

// Job names.
const (
	JobSession       = "session"
	JobGraphSync     = "graph-sync"
	JobPeriodicSync  = "periodic-sync"
	JobPurge         = "purge"
	JobPeriodicPurge = "periodic-purge"
)

const (
	defaultPeriodicDelay    = 10 * time.Minute
	defaultPeriodicInterval = 15 * time.Minute
	defaultPurgeInterval    = 72 * time.Hour
)

// Chain runs Then after First succeeds.
type Chain struct {
	First Job
	Then  func()
}

// Run implements Job.
func (c *Chain) Run(ctx context.Context, attempt int) Result {
	r := c.First.Run(ctx, attempt)
	if r == Success {
		c.Then()
	}
	return r
}

// ControllerConfig is the Controller configuration.
type ControllerConfig struct {
	Scheduler *Scheduler
	Session   Session
	Guards    session.GuardSource

	// GraphSync refreshes the relay graph before each fresh start.
	GraphSync Job

	// Purge removes deleted messages after each synchronization.
	Purge Job

	MaxAttempts int

	PeriodicDelay    time.Duration
	PeriodicInterval time.Duration
	PurgeInterval    time.Duration

	Log *logging.Logger
}

// Controller keeps the session connected by reacting to its status.
type Controller struct {
	worker.Worker

	cfg ControllerConfig
	log *logging.Logger
}

// NewController returns a stopped Controller.
func NewController(cfg *ControllerConfig) *Controller {
	c := &Controller{cfg: *cfg, log: cfg.Log}
	if c.cfg.PeriodicDelay <= 0 {
		c.cfg.PeriodicDelay = defaultPeriodicDelay
	}
	if c.cfg.PeriodicInterval <= 0 {
		c.cfg.PeriodicInterval = defaultPeriodicInterval
	}
	if c.cfg.PurgeInterval <= 0 {
		c.cfg.PurgeInterval = defaultPurgeInterval
	}
	return c
}

// Start reacts to the current status, schedules the periodic jobs and
// follows the session status until Halt.
func (c *Controller) Start() {
	ch, unsubscribe := c.cfg.Session.Subscribe()
	c.cfg.Scheduler.Every(JobPeriodicSync, c.sessionJob(ActionConnect|ActionPull), c.cfg.PeriodicDelay, c.cfg.PeriodicInterval)
	c.cfg.Scheduler.Every(JobPeriodicPurge, c.cfg.Purge, c.cfg.PurgeInterval, c.cfg.PurgeInterval)

	c.Go(func() {
		defer unsubscribe()

		last := c.cfg.Session.Status()
		c.React(last)
		for {
			select {
			case <-c.HaltCh():
				return
			case st := <-ch:
				if st == last {
					continue
				}
				last = st
				c.React(st)
			}
		}
	})
}

func (c *Controller) sessionJob(actions Action) Job {
	return &SessionJob{
		Session:     c.cfg.Session,
		Guards:      c.cfg.Guards,
		Actions:     actions,
		MaxAttempts: c.cfg.MaxAttempts,
		Log:         c.log,
	}
}

// React schedules the work that follows the status st.
func (c *Controller) React(st session.Status) {
	switch {
	case st.Is(session.Reset),
		st.IsError() && st.ErrorKind() != session.ErrGeneric:
		c.log.Debugf("%v: reconnecting.", st)
		c.cfg.Scheduler.Enqueue(JobSession, c.sessionJob(ConnectPullCleanup))
	case st.IsError():
		c.log.Debugf("%v: disconnecting and reconnecting.", st)
		c.cfg.Scheduler.Enqueue(JobSession, c.sessionJob(ActionDisconnect|ConnectPullCleanup))
	case st.Is(session.Synchronized):
		c.cfg.Scheduler.Enqueue(JobPurge, c.cfg.Purge)
	case st.Is(session.NotConnected):
		c.start()
	case st.Is(session.Aborted):
		c.log.Errorf("Connection aborted: %v", st.Message())
	}
}

func (c *Controller) start() {
	c.cfg.Scheduler.Enqueue(JobGraphSync, &Chain{
		First: c.cfg.GraphSync,
		Then: func() {
			c.cfg.Scheduler.Enqueue(JobSession, c.sessionJob(ConnectPullCleanup|ActionBroadcast))
		},
	})
}
