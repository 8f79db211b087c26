// dispatch_test.go - Outgoing message dispatch tests.
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

package dispatch

import (
	"context"
	"errors"
	mRand "math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aenigma/aenigma/circuit"
	"github.com/aenigma/aenigma/core/log"
	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/jobs"
	"github.com/aenigma/aenigma/message"
	"github.com/aenigma/aenigma/onion"
	"github.com/aenigma/aenigma/store"
)

type fakeResolver struct {
	guards map[graph.Address]graph.Address
}

func (r *fakeResolver) Vertex(ctx context.Context, addr graph.Address, leafKey []byte) (*graph.Resolved, error) {
	g, ok := r.guards[addr]
	if !ok {
		return nil, errors.New("vertex not found")
	}
	return &graph.Resolved{
		Vertex:    graph.Vertex{Address: addr, PublicKey: leafKey},
		Neighbors: []graph.Address{g},
	}, nil
}

type fakeTransmitter struct {
	accept  bool
	batches [][][]byte
}

func (t *fakeTransmitter) SendMessages(ctx context.Context, batch [][]byte) bool {
	t.batches = append(t.batches, batch)
	return t.accept
}

type testNet struct {
	local, guard, r1, destGuard, bob, carol *onion.Identity

	db          *store.Store
	builder     *circuit.Builder
	transmitter *fakeTransmitter
	o           *Orchestrator
	group       graph.Address
}

func newIdentity(t *testing.T) *onion.Identity {
	id, err := onion.NewIdentity()
	require.NoError(t, err)
	return id
}

func vertexOf(id *onion.Identity) graph.Vertex {
	return graph.Vertex{Address: id.Address(), PublicKey: id.PublicKey()}
}

func newTestNet(t *testing.T) *testNet {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	n := &testNet{
		local:       newIdentity(t),
		guard:       newIdentity(t),
		r1:          newIdentity(t),
		destGuard:   newIdentity(t),
		bob:         newIdentity(t),
		carol:       newIdentity(t),
		transmitter: &fakeTransmitter{accept: true},
		group:       graph.AddressFromKey([]byte("group")),
	}
	n.db, err = store.Open(filepath.Join(t.TempDir(), "aenigma.db"), logBackend.GetLogger("store"))
	require.NoError(err)
	t.Cleanup(func() { n.db.Close() })

	require.NoError(n.db.SetGuard(&graph.Guard{
		Address:   n.guard.Address(),
		PublicKey: n.guard.PublicKey(),
		Hostname:  "guard.example:7900",
		CreatedAt: time.Now(),
	}))
	require.NoError(n.db.ReplaceGraph(
		[]graph.Vertex{vertexOf(n.r1), vertexOf(n.destGuard)},
		[]graph.Edge{
			{Source: n.guard.Address(), Target: n.r1.Address()},
			{Source: n.r1.Address(), Target: n.destGuard.Address()},
		},
	))
	for _, c := range []*store.Contact{
		{Address: n.bob.Address(), Name: "bob", PublicKey: n.bob.PublicKey()},
		{Address: n.carol.Address(), Name: "carol", PublicKey: n.carol.PublicKey()},
		{
			Address: n.group,
			Name:    "group",
			Kind:    store.KindGroup,
			Members: []graph.Address{n.local.Address(), n.bob.Address(), n.carol.Address()},
		},
	} {
		require.NoError(n.db.PutContact(c))
	}

	n.builder = circuit.New(n.db, n.local, logBackend.GetLogger("circuit"))
	require.True(n.builder.Load())

	n.o = New(&Config{
		Store: n.db,
		Resolver: &fakeResolver{guards: map[graph.Address]graph.Address{
			n.bob.Address(): n.destGuard.Address(),
		}},
		Paths:       n.builder,
		Codec:       onion.NewLayered(n.local),
		Transmitter: n.transmitter,
		Identity:    n.local,
		Rand:        mRand.New(mRand.NewSource(1)),
		Log:         logBackend.GetLogger("dispatch"),
	})
	return n
}

func (n *testNet) peel(t *testing.T, b []byte, hops ...*onion.Identity) (graph.Address, []byte) {
	var next graph.Address
	for i, hop := range hops {
		var err error
		next, b, err = onion.NewLayered(hop).Unseal(b)
		require.NoError(t, err)
		if i+1 < len(hops) {
			require.Equal(t, hops[i+1].Address(), next)
		}
	}
	return next, b
}

func TestSendGroupSkipsUnreachable(t *testing.T) {
	require := require.New(t)
	n := newTestNet(t)

	id, err := n.db.AddMessage(&store.Message{ChatID: n.group, Text: "hello group", DateCreated: time.Now()})
	require.NoError(err)

	res, err := n.o.Send(context.Background(), id, " Alice ")
	require.NoError(err)
	require.Equal(jobs.Success, res)
	require.Len(n.transmitter.batches, 1)
	require.Len(n.transmitter.batches[0], 1)

	m, err := n.db.Message(id)
	require.NoError(err)
	require.True(m.Sent)

	bob, err := n.db.Contact(n.bob.Address())
	require.NoError(err)
	require.Equal(n.destGuard.Address(), bob.GuardAddress)
	carol, err := n.db.Contact(n.carol.Address())
	require.NoError(err)
	require.False(carol.HasGuard())

	chatID, content := n.peel(t, n.transmitter.batches[0][0], n.guard, n.r1, n.destGuard, n.bob)
	require.Equal(n.group, chatID)
	p, err := message.Open(content, onion.Verify)
	require.NoError(err)
	require.Equal("hello group", p.Text)
	require.Equal("Alice", p.SenderName)
	require.Equal(n.local.PublicKey(), p.SenderPublicKey)
	require.Equal(n.guard.Address().String(), p.SenderGuardAddress)
	require.Equal("guard.example:7900", p.SenderGuardHostname)
	require.Equal(m.UUID, p.RefID)

	// The group card lets bob reach carol too.
	require.NotNil(p.Group)
	require.Equal("group", p.Group.Name)
	require.Len(p.Group.Members, 3)
	require.Equal(message.Member{
		Name:          "Alice",
		PublicKey:     n.local.PublicKey(),
		GuardAddress:  n.guard.Address().String(),
		GuardHostname: "guard.example:7900",
	}, p.Group.Members[0])
	require.Equal(n.bob.PublicKey(), p.Group.Members[1].PublicKey)
	require.Equal("carol", p.Group.Members[2].Name)
	require.Equal(n.carol.PublicKey(), p.Group.Members[2].PublicKey)
}

func TestSendDirect(t *testing.T) {
	require := require.New(t)
	n := newTestNet(t)

	id, err := n.db.AddMessage(&store.Message{ChatID: n.bob.Address(), Text: "hi bob"})
	require.NoError(err)

	n.transmitter.accept = false
	res, err := n.o.Send(context.Background(), id, "alice")
	require.NoError(err)
	require.Equal(jobs.Retry, res)
	m, err := n.db.Message(id)
	require.NoError(err)
	require.False(m.Sent)

	n.transmitter.accept = true
	res, err = n.o.Send(context.Background(), id, "alice")
	require.NoError(err)
	require.Equal(jobs.Success, res)
	require.Len(n.transmitter.batches, 2)

	chatID, content := n.peel(t, n.transmitter.batches[1][0], n.guard, n.r1, n.destGuard, n.bob)
	require.Equal(n.local.Address(), chatID)
	p, err := message.Open(content, onion.Verify)
	require.NoError(err)
	require.Nil(p.Group)
}

func TestSendNoRecipients(t *testing.T) {
	require := require.New(t)
	n := newTestNet(t)

	id, err := n.db.AddMessage(&store.Message{ChatID: n.carol.Address(), Text: "hi carol"})
	require.NoError(err)
	res, err := n.o.Send(context.Background(), id, "alice")
	require.NoError(err)
	require.Equal(jobs.Success, res)
	require.Empty(n.transmitter.batches)

	res, err = n.o.Send(context.Background(), 1000, "alice")
	require.ErrorIs(err, store.ErrNotFound)
	require.Equal(jobs.Failure, res)
}

func TestNewPanicsOnMissingCollaborator(t *testing.T) {
	require.Panics(t, func() { New(&Config{}) })
}
