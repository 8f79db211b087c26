// store_test.go - Client database tests.
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

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aenigma/aenigma/core/log"
	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/message"
)

func openTestStore(t *testing.T, f string) *Store {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	s, err := Open(f, logBackend.GetLogger("store"))
	require.NoError(t, err)
	return s
}

func addr(s string) graph.Address {
	return graph.AddressFromKey([]byte(s))
}

func TestGraphRoundTrip(t *testing.T) {
	require := require.New(t)
	f := filepath.Join(t.TempDir(), "aenigma.db")
	s := openTestStore(t, f)

	g, err := s.Guard()
	require.NoError(err)
	require.Nil(g)

	guard := &graph.Guard{
		Address:   addr("guard"),
		PublicKey: []byte("guard key"),
		Hostname:  "guard.example:7900",
		CreatedAt: time.Unix(1700000000, 0),
	}
	require.NoError(s.SetGuard(guard))

	vertices := []graph.Vertex{
		{Address: addr("r1"), PublicKey: []byte("r1 key")},
		{Address: addr("r2"), PublicKey: []byte("r2 key"), Hostname: "r2.example:7900"},
	}
	edges := []graph.Edge{
		{Source: addr("guard"), Target: addr("r1")},
		{Source: addr("r1"), Target: addr("r2")},
	}
	require.NoError(s.ReplaceGraph(vertices, edges))
	require.NoError(s.Close())

	s = openTestStore(t, f)
	defer s.Close()

	g, err = s.Guard()
	require.NoError(err)
	require.Equal(guard.Address, g.Address)
	require.Equal(guard.Hostname, g.Hostname)
	require.True(guard.CreatedAt.Equal(g.CreatedAt))

	gotVertices, err := s.Vertices()
	require.NoError(err)
	require.ElementsMatch(vertices, gotVertices)
	gotEdges, err := s.Edges()
	require.NoError(err)
	require.ElementsMatch(edges, gotEdges)

	v, err := s.GraphVersion()
	require.NoError(err)
	require.Empty(v)
	require.NoError(s.SetGraphVersion("42"))
	v, err = s.GraphVersion()
	require.NoError(err)
	require.Equal("42", v)

	require.NoError(s.ReplaceGraph(vertices[:1], nil))
	gotVertices, err = s.Vertices()
	require.NoError(err)
	require.Len(gotVertices, 1)
	gotEdges, err = s.Edges()
	require.NoError(err)
	require.Empty(gotEdges)
}

func TestContacts(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, filepath.Join(t.TempDir(), "aenigma.db"))
	defer s.Close()

	_, err := s.Contact(addr("bob"))
	require.ErrorIs(err, ErrNotFound)

	bob := &Contact{Address: addr("bob"), Name: "bob", PublicKey: []byte("bob key")}
	require.False(bob.HasGuard())
	require.NoError(s.PutContact(bob))
	require.NoError(s.PutContact(&Contact{
		Address: addr("group"),
		Name:    "alpha group",
		Kind:    KindGroup,
		Members: []graph.Address{addr("bob"), addr("carol")},
	}))

	bob.GuardAddress = addr("bob guard")
	require.NoError(s.PutContact(bob))
	got, err := s.Contact(addr("bob"))
	require.NoError(err)
	require.True(got.HasGuard())
	require.Equal(addr("bob guard"), got.GuardAddress)

	all, err := s.Contacts()
	require.NoError(err)
	require.Len(all, 2)
	require.Equal("alpha group", all[0].Name)
	require.Equal(KindGroup, all[0].Kind)
	require.Len(all[0].Members, 2)
}

func TestMessages(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, filepath.Join(t.TempDir(), "aenigma.db"))
	defer s.Close()

	chat := addr("bob")
	other := addr("carol")

	out := &Message{ChatID: chat, Text: "hello", DateCreated: time.Now()}
	id, err := s.AddMessage(out)
	require.NoError(err)
	require.NotEmpty(out.UUID)
	require.True(s.HasMessage(out.UUID))

	_, err = s.AddMessage(&Message{UUID: out.UUID, ChatID: chat})
	require.ErrorIs(err, ErrDuplicate)

	in1 := &Message{UUID: "in-1", ChatID: chat, Text: "hi", Incoming: true}
	_, err = s.AddMessage(in1)
	require.NoError(err)
	_, err = s.AddMessage(&Message{UUID: "in-2", ChatID: other, Text: "yo", Incoming: true})
	require.NoError(err)

	unsent, err := s.Unsent()
	require.NoError(err)
	require.Len(unsent, 1)
	require.Equal(id, unsent[0].ID)

	require.NoError(s.MarkSent(id))
	m, err := s.Message(id)
	require.NoError(err)
	require.True(m.Sent)
	unsent, err = s.Unsent()
	require.NoError(err)
	require.Empty(unsent)
	require.ErrorIs(s.MarkSent(1000), ErrNotFound)

	require.NoError(s.DeleteByUUID(chat, "in-1"))
	msgs, err := s.Messages(chat)
	require.NoError(err)
	require.Len(msgs, 2)
	require.True(msgs[1].Deleted)
	require.Empty(msgs[1].Text)
	require.False(msgs[0].Deleted)

	// A UUID from another conversation is left alone.
	require.NoError(s.DeleteByUUID(other, out.UUID))
	m, err = s.Message(id)
	require.NoError(err)
	require.False(m.Deleted)

	n, err := s.PurgeDeleted()
	require.NoError(err)
	require.Equal(1, n)
	require.False(s.HasMessage("in-1"))
	msgs, err = s.Messages(chat)
	require.NoError(err)
	require.Len(msgs, 1)

	require.NoError(s.DeleteAll(chat))
	msgs, err = s.Messages(chat)
	require.NoError(err)
	require.Empty(msgs)
	require.False(s.HasMessage("in-1"))
	msgs, err = s.Messages(other)
	require.NoError(err)
	require.Len(msgs, 1)

	_, err = s.AddMessage(&Message{UUID: "in-1", ChatID: chat, Action: message.Action{Kind: message.ActionNone}})
	require.NoError(err)
}
