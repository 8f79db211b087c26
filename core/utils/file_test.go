// file_test.go - Filesystem helper tests.
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

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMkDataDir(t *testing.T) {
	require := require.New(t)
	d := filepath.Join(t.TempDir(), "a", "b")

	ok, err := Exists(d)
	require.NoError(err)
	require.False(ok)

	require.NoError(MkDataDir(d))
	require.NoError(os.Chmod(d, 0700))
	require.NoError(MkDataDir(d))
	ok, err = Exists(d)
	require.NoError(err)
	require.True(ok)

	require.NoError(os.Chmod(d, 0755))
	require.Error(MkDataDir(d))

	f := filepath.Join(d, "file")
	require.NoError(os.WriteFile(f, nil, 0600))
	require.Error(MkDataDir(f))
}
