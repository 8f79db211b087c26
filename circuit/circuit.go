// circuit.go - Circuit construction.
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

// Package circuit provides routines for circuit selection through the
// relay graph.
package circuit

import (
	mRand "math/rand"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/graph"
)

// MaxHops is the maximum number of edges in a circuit, counting the hop
// into the destination.
const MaxHops = 6

// Identity is the local node as known to the circuit builder.
type Identity interface {
	PublicKey() []byte
	Address() graph.Address
}

// Destination is the final vertex of a circuit, attached to the relay
// graph through its own guard.
type Destination struct {
	Address      graph.Address
	PublicKey    []byte
	GuardAddress graph.Address
}

// Circuit is an ordered list of vertices starting at the local node and
// ending at the destination.
type Circuit []graph.Vertex

// Hops returns the vertices a message traverses after leaving the local
// node, the local guard first and the destination last.
func (c Circuit) Hops() []graph.Vertex {
	if len(c) == 0 {
		return nil
	}
	return c[1:]
}

type digraph struct {
	vertices map[graph.Address]graph.Vertex
	adj      map[graph.Address][]graph.Address
}

func newDigraph() *digraph {
	return &digraph{
		vertices: make(map[graph.Address]graph.Vertex),
		adj:      make(map[graph.Address][]graph.Address),
	}
}

func (g *digraph) addVertex(v graph.Vertex) {
	g.vertices[v.Address] = v
}

func (g *digraph) addEdge(src, dst graph.Address) bool {
	if src == dst {
		return false
	}
	if _, ok := g.vertices[src]; !ok {
		return false
	}
	if _, ok := g.vertices[dst]; !ok {
		return false
	}
	for _, a := range g.adj[src] {
		if a == dst {
			return true
		}
	}
	g.adj[src] = append(g.adj[src], dst)
	return true
}

func (g *digraph) clone() *digraph {
	c := newDigraph()
	for k, v := range g.vertices {
		c.vertices[k] = v
	}
	for k, v := range g.adj {
		c.adj[k] = append([]graph.Address(nil), v...)
	}
	return c
}

// allPaths enumerates every simple path from src to dst with at most
// maxEdges edges.
func (g *digraph) allPaths(src, dst graph.Address, maxEdges int) []Circuit {
	var paths []Circuit
	onPath := make(map[graph.Address]bool)
	stack := []graph.Address{src}
	onPath[src] = true

	var walk func(cur graph.Address)
	walk = func(cur graph.Address) {
		if cur == dst {
			c := make(Circuit, 0, len(stack))
			for _, a := range stack {
				c = append(c, g.vertices[a])
			}
			paths = append(paths, c)
			return
		}
		if len(stack)-1 >= maxEdges {
			return
		}
		for _, next := range g.adj[cur] {
			if onPath[next] {
				continue
			}
			onPath[next] = true
			stack = append(stack, next)
			walk(next)
			stack = stack[:len(stack)-1]
			onPath[next] = false
		}
	}
	walk(src)
	return paths
}

// Builder builds circuits from the local node to a destination.  Load
// must succeed before CalculatePaths returns anything.
type Builder struct {
	sync.Mutex

	snapshot graph.Snapshot
	id       Identity
	log      *logging.Logger

	g     *digraph
	local graph.Address
}

// New returns a Builder over the given relay graph snapshot.
func New(snapshot graph.Snapshot, id Identity, log *logging.Logger) *Builder {
	return &Builder{
		snapshot: snapshot,
		id:       id,
		log:      log,
	}
}

// Load rebuilds the graph from the snapshot, the local node and its guard.
// It returns false if the local identity or the guard is not available or
// if reading the snapshot fails.
func (b *Builder) Load() bool {
	b.Lock()
	defer b.Unlock()

	b.g = nil
	if b.id == nil || len(b.id.PublicKey()) == 0 {
		b.log.Warning("Load: local identity not available.")
		return false
	}
	guard, err := b.snapshot.Guard()
	if err != nil {
		b.log.Errorf("Load: failed to read guard: %v", err)
		return false
	}
	if guard == nil {
		b.log.Debug("Load: no guard selected yet.")
		return false
	}
	vertices, err := b.snapshot.Vertices()
	if err != nil {
		b.log.Errorf("Load: failed to read vertices: %v", err)
		return false
	}
	edges, err := b.snapshot.Edges()
	if err != nil {
		b.log.Errorf("Load: failed to read edges: %v", err)
		return false
	}

	g := newDigraph()
	for _, v := range vertices {
		g.addVertex(v)
	}
	g.addVertex(guard.Vertex())
	local := graph.Vertex{
		Address:   b.id.Address(),
		PublicKey: b.id.PublicKey(),
	}
	g.addVertex(local)
	for _, e := range edges {
		// The only way out of the local node is its current guard.
		// Published neighborhoods can still list a previous one.
		if e.Source == local.Address {
			continue
		}
		g.addEdge(e.Source, e.Target)
	}
	g.addEdge(local.Address, guard.Address)

	b.g = g
	b.local = local.Address
	b.log.Debugf("Load: %d vertices, %d edges, guard %v.", len(vertices), len(edges), guard.Address)
	return true
}

// CalculatePaths enumerates every circuit from the local node to dest of
// at most MaxHops hops.  An empty result means no circuit is currently
// possible, for example because the destination's guard is unknown.
func (b *Builder) CalculatePaths(dest *Destination) []Circuit {
	b.Lock()
	if b.g == nil {
		b.Unlock()
		return nil
	}
	g := b.g.clone()
	local := b.local
	b.Unlock()

	if dest.Address == local {
		return nil
	}
	if _, ok := g.vertices[dest.GuardAddress]; !ok {
		return nil
	}
	if _, ok := g.vertices[dest.Address]; !ok {
		g.addVertex(graph.Vertex{
			Address:   dest.Address,
			PublicKey: dest.PublicKey,
		})
	}
	if !g.addEdge(dest.GuardAddress, dest.Address) {
		return nil
	}
	return g.allPaths(local, dest.Address, MaxHops)
}

// Select picks one of paths uniformly at random.
func Select(rng *mRand.Rand, paths []Circuit) (Circuit, bool) {
	if len(paths) == 0 {
		return nil, false
	}
	return paths[rng.Intn(len(paths))], true
}
