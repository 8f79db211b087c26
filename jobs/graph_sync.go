// graph_sync.go - Relay graph synchronization job.
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
	"bytes"
	"context"
	mRand "math/rand"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/core/retry"
	"github.com/aenigma/aenigma/graph"
)

// Directory is the relay directory, see graph.Directory.
type Directory interface {
	Info(ctx context.Context) (*graph.Info, error)
	Vertices(ctx context.Context) ([]graph.Resolved, error)
}

// GraphStore persists the relay graph, see store.Store.
type GraphStore interface {
	Guard() (*graph.Guard, error)
	SetGuard(g *graph.Guard) error
	GraphVersion() (string, error)
	SetGraphVersion(v string) error
	ReplaceGraph(vertices []graph.Vertex, edges []graph.Edge) error
}

// GraphSync refreshes the cached relay graph when the directory
// publishes a new version, and selects a guard if the current one is
// gone.
type GraphSync struct {
	Directory   Directory
	Store       GraphStore
	Rand        *mRand.Rand
	MaxAttempts int
	Log         *logging.Logger

	// Preferred is the hostname of the guard picked when the directory
	// lists it.
	Preferred string
}

// Run implements Job.
func (j *GraphSync) Run(ctx context.Context, attempt int) Result {
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = retry.DefaultMaxAttempts
	}
	if attempt >= maxAttempts {
		return Failure
	}

	info, err := j.Directory.Info(ctx)
	if err != nil {
		return j.fetchFailed("directory info", err)
	}
	version, err := j.Store.GraphVersion()
	if err != nil {
		j.Log.Errorf("Graph sync: %v", err)
		return Retry
	}
	guard, err := j.Store.Guard()
	if err != nil {
		j.Log.Errorf("Graph sync: %v", err)
		return Retry
	}
	if guard != nil && version != "" && info.GraphVersion == version {
		j.Log.Debugf("Graph sync: version %v is current.", version)
		return Success
	}

	resolved, err := j.Directory.Vertices(ctx)
	if err != nil {
		return j.fetchFailed("vertices", err)
	}
	if len(resolved) == 0 {
		j.Log.Warning("Graph sync: directory returned an empty graph.")
		return Retry
	}

	vertices := make([]graph.Vertex, 0, len(resolved))
	var edges []graph.Edge
	for _, r := range resolved {
		vertices = append(vertices, r.Vertex)
		for _, n := range r.Neighbors {
			edges = append(edges, graph.Edge{Source: r.Vertex.Address, Target: n})
		}
	}
	if err = j.Store.ReplaceGraph(vertices, edges); err != nil {
		j.Log.Errorf("Graph sync: %v", err)
		return Retry
	}

	if guardSelectionRequired(resolved, guard) {
		if chosen, ok := j.selectGuard(resolved); ok {
			if err = j.Store.SetGuard(chosen); err != nil {
				j.Log.Errorf("Graph sync: %v", err)
				return Retry
			}
			j.Log.Noticef("Selected guard %v.", chosen.Hostname)
		} else {
			j.Log.Warning("Graph sync: no guard available.")
		}
	}
	if info.GraphVersion != "" {
		if err = j.Store.SetGraphVersion(info.GraphVersion); err != nil {
			j.Log.Errorf("Graph sync: %v", err)
			return Retry
		}
	}
	j.Log.Debugf("Graph sync: %d vertices, %d edges, version %v.", len(vertices), len(edges), info.GraphVersion)
	return Success
}

// fetchFailed logs a failed directory request.  Network failures are
// expected while offline, anything else points at the directory itself.
func (j *GraphSync) fetchFailed(what string, err error) Result {
	if retry.IsTransientError(err) {
		j.Log.Debugf("Graph sync: %v: %v", what, err)
	} else {
		j.Log.Warningf("Graph sync: %v: %v", what, err)
	}
	return Retry
}

func guardSelectionRequired(resolved []graph.Resolved, guard *graph.Guard) bool {
	if guard == nil {
		return true
	}
	for _, r := range resolved {
		if r.Vertex.Address == guard.Address &&
			bytes.Equal(r.Vertex.PublicKey, guard.PublicKey) &&
			r.Vertex.Hostname == guard.Hostname {
			return false
		}
	}
	return true
}

func (j *GraphSync) selectGuard(resolved []graph.Resolved) (*graph.Guard, bool) {
	var candidates []graph.Vertex
	for _, r := range resolved {
		if r.Vertex.Hostname != "" {
			candidates = append(candidates, r.Vertex)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	v := candidates[j.Rand.Intn(len(candidates))]
	for _, c := range candidates {
		if j.Preferred != "" && c.Hostname == j.Preferred {
			v = c
			break
		}
	}
	return &graph.Guard{
		Address:   v.Address,
		PublicKey: v.PublicKey,
		Hostname:  v.Hostname,
		CreatedAt: time.Now(),
	}, true
}
