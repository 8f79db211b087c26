// pyroscope.go - Continuous profiling.
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

//go:build pyroscope
// +build pyroscope

// Package profiling starts the Pyroscope profiler in builds with the
// pyroscope tag.
package profiling

import (
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

const defaultAppName = "aenigma"

// Start initializes Pyroscope profiling.  serverAddress falls back to
// PYROSCOPE_SERVER_ADDRESS, and profiling is disabled if both are empty.
func Start(serverAddress string, log *logging.Logger) (func(), error) {
	if serverAddress == "" {
		serverAddress = os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	}
	if serverAddress == "" {
		log.Info("Pyroscope is disabled")
		return func() {}, nil
	}
	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = defaultAppName
	}

	log.Info("Starting Pyroscope")
	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": "client",
		},
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Pyroscope started successfully at %s, app name: %s", serverAddress, appName)
	return func() {
		if err := p.Stop(); err != nil {
			log.Warningf("Failed to stop Pyroscope: %v", err)
		}
	}, nil
}
