// purge.go - Deleted message purge job.
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

	"gopkg.in/op/go-logging.v1"
)

// Purger removes deleted messages, see store.Store.
type Purger interface {
	PurgeDeleted() (int, error)
}

// Purge removes the messages marked as deleted.
type Purge struct {
	Store Purger
	Log   *logging.Logger
}

// Run implements Job.
func (j *Purge) Run(ctx context.Context, attempt int) Result {
	n, err := j.Store.PurgeDeleted()
	if err != nil {
		j.Log.Errorf("Purge: %v", err)
		return Failure
	}
	if n > 0 {
		j.Log.Debugf("Purged %d deleted messages.", n)
	}
	return Success
}
