// retry_test.go - Retry policy tests.
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

package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinear(t *testing.T) {
	require := require.New(t)

	require.Equal(time.Duration(0), Linear(DefaultBackoff, 0))
	require.Equal(time.Duration(0), Linear(DefaultBackoff, -3))
	require.Equal(5*time.Second, Linear(DefaultBackoff, 1))
	require.Equal(20*time.Second, Linear(DefaultBackoff, 4))
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.False(IsTransientError(errors.New("invalid signature")))
	require.True(IsTransientError(errors.New("dial tcp 127.0.0.1:1: connect: connection refused")))
	require.True(IsTransientError(fmt.Errorf("hub: %w", errors.New("unexpected EOF"))))
}
