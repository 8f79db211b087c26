// retry.go - Shared retry and backoff logic.
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

// Package retry provides the backoff policy used by the job scheduler and
// classification of network errors.
package retry

import (
	"errors"
	"net"
	"strings"
	"time"
)

const (
	// DefaultMaxAttempts is the number of attempts a job gets before it
	// is reported as a terminal failure.
	DefaultMaxAttempts = 5

	// DefaultBackoff is the linear backoff step between attempts.
	DefaultBackoff = 5 * time.Second
)

// Linear returns the delay before the given retry attempt, which grows by
// step for every attempt already made.  The first attempt (0) is not
// delayed.
func Linear(step time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return step * time.Duration(attempt)
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"timeout",
	"temporary failure",
	"no route to host",
	"network is unreachable",
	"i/o timeout",
	"eof",
	"broken pipe",
	"connection closed",
}

// IsTransientError returns true if the error is likely transient and worth
// retrying, such as network timeouts or a refused connection.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}
