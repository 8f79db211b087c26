// message_sender.go - Message dispatch job.
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
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/core/retry"
	"github.com/aenigma/aenigma/internal/instrument"
)

// Sender seals and transmits a stored message, see dispatch.Orchestrator.
type Sender interface {
	Send(ctx context.Context, messageID uint64, userName string) (Result, error)
}

// Loader rebuilds the relay graph, see circuit.Builder.
type Loader interface {
	Load() bool
}

// MessageJobName returns the job name of the dispatch of a message.
func MessageJobName(messageID uint64) string {
	return fmt.Sprintf("send-%d", messageID)
}

// MessageSender dispatches one stored message.
type MessageSender struct {
	Sender    Sender
	Connected func() bool
	Builder   Loader

	MessageID   uint64
	UserName    string
	MaxAttempts int
	Log         *logging.Logger
}

// Run implements Job.
func (j *MessageSender) Run(ctx context.Context, attempt int) Result {
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = retry.DefaultMaxAttempts
	}
	if attempt >= maxAttempts {
		instrument.DispatchResult(Failure.String())
		return Failure
	}
	if !j.Connected() {
		j.Log.Debugf("Message %d: not connected.", j.MessageID)
		instrument.DispatchResult(Retry.String())
		return Retry
	}
	if !j.Builder.Load() {
		j.Log.Debugf("Message %d: relay graph not available.", j.MessageID)
		instrument.DispatchResult(Retry.String())
		return Retry
	}
	r, err := j.Sender.Send(ctx, j.MessageID, j.UserName)
	if err != nil {
		j.Log.Errorf("Message %d: %v", j.MessageID, err)
	}
	instrument.DispatchResult(r.String())
	return r
}
