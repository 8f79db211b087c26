// file.go - Filesystem helpers.
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

// Package utils provides filesystem helpers.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// DataDirMode is the mode of a data directory.
const DataDirMode = os.ModeDir | 0700

// Exists returns true if f exists.
func Exists(f string) (bool, error) {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// MkDataDir ensures that the directory d exists (or can be created), and
// that it has the appropriate permissions.
func MkDataDir(d string) error {
	fi, err := os.Lstat(d)
	if err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("utils: failed to stat() DataDir: %v", err)
		}
		if err = os.MkdirAll(d, DataDirMode); err != nil {
			return fmt.Errorf("utils: failed to create DataDir: %v", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("utils: DataDir '%v' is not a directory", d)
	}
	if fi.Mode() != DataDirMode {
		return fmt.Errorf("utils: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
	}
	return nil
}
