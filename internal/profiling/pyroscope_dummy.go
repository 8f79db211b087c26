// pyroscope_dummy.go - Profiling stub.
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

//go:build !pyroscope
// +build !pyroscope

package profiling

import "gopkg.in/op/go-logging.v1"

// Start is a dummy function that does nothing.
func Start(serverAddress string, log *logging.Logger) (func(), error) {
	if serverAddress != "" {
		log.Warning("Pyroscope is not compiled in, ignoring PyroscopeAddress.")
	}
	return func() {}, nil
}
