// session_job.go - Session driving job.
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
	"strings"

	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/core/retry"
	"github.com/aenigma/aenigma/session"
)

// Session is the part of session.Session driven by jobs.
type Session interface {
	Status() session.Status
	Subscribe() (<-chan session.Status, func())
	IsConnected() bool
	Connect(ctx context.Context, hostname string)
	Disconnect()
	Pull(ctx context.Context)
	Broadcast(ctx context.Context)
	Cleanup(ctx context.Context)
}

// Action is a set of session operations.
type Action uint8

const (
	ActionConnect Action = 1 << iota
	ActionPull
	ActionBroadcast
	ActionCleanup
	ActionDisconnect
)

// ConnectPullCleanup is the default reconnection sequence.
const ConnectPullCleanup = ActionConnect | ActionPull | ActionCleanup

// Has returns true if a contains every operation of b.
func (a Action) Has(b Action) bool {
	return a&b == b
}

func (a Action) String() string {
	var names []string
	for _, v := range []struct {
		a    Action
		name string
	}{
		{ActionDisconnect, "Disconnect"},
		{ActionConnect, "Connect"},
		{ActionPull, "Pull"},
		{ActionBroadcast, "Broadcast"},
		{ActionCleanup, "Cleanup"},
	} {
		if a.Has(v.a) {
			names = append(names, v.name)
		}
	}
	return strings.Join(names, "|")
}

// SessionJob runs session operations in a fixed order: Disconnect,
// Connect, Pull, Broadcast, Cleanup.  Every operation after Disconnect
// only runs while connected.
type SessionJob struct {
	Session     Session
	Guards      session.GuardSource
	Actions     Action
	MaxAttempts int
	Log         *logging.Logger
}

// Run implements Job.
func (j *SessionJob) Run(ctx context.Context, attempt int) Result {
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = retry.DefaultMaxAttempts
	}
	if attempt >= maxAttempts {
		return Failure
	}
	guard, err := j.Guards.Guard()
	if err != nil || guard == nil {
		j.Log.Warningf("Session job %v: no guard: %v", j.Actions, err)
		return Failure
	}
	j.Log.Debugf("Session job %v (attempt %d).", j.Actions, attempt)

	if j.Actions.Has(ActionDisconnect) && j.Session.IsConnected() {
		j.Session.Disconnect()
	}
	if j.Actions.Has(ActionConnect) && !j.Session.IsConnected() {
		j.Session.Connect(ctx, guard.Hostname)
	}
	if j.Actions.Has(ActionPull) && j.Session.IsConnected() {
		j.Session.Pull(ctx)
	}
	if j.Actions.Has(ActionBroadcast) && j.Session.IsConnected() {
		j.Session.Broadcast(ctx)
	}
	if j.Actions.Has(ActionCleanup) && j.Session.IsConnected() {
		j.Session.Cleanup(ctx)
	}
	return Success
}
