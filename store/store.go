// store.go - Client database.
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

// Package store implements the client database with a simple boltdb based
// backend: the cached relay graph, the guard, contacts and messages.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/message"
)

const (
	metadataBucket = "metadata"
	graphBucket    = "graph"
	verticesBucket = "vertices"
	edgesBucket    = "edges"
	contactsBucket = "contacts"
	messagesBucket = "messages"
	uuidsBucket    = "uuids"

	versionKey      = "version"
	guardKey        = "guard"
	graphVersionKey = "graphVersion"

	dbVersion = 0
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when adding a message whose UUID is
	// already stored.
	ErrDuplicate = errors.New("store: duplicate message")
)

// ContactKind distinguishes single contacts from groups.
type ContactKind uint8

const (
	KindContact ContactKind = iota
	KindGroup
)

// Contact is a conversation partner, or a group.
type Contact struct {
	Address          graph.Address   `cbor:"address"`
	Name             string          `cbor:"name"`
	PublicKey        []byte          `cbor:"publicKey,omitempty"`
	GuardAddress     graph.Address   `cbor:"guardAddress"`
	GuardHostname    string          `cbor:"guardHostname,omitempty"`
	Kind             ContactKind     `cbor:"kind"`
	Members          []graph.Address `cbor:"members,omitempty"`
	LastSynchronized time.Time       `cbor:"lastSynchronized"`
}

// HasGuard returns true if the contact's guard is known.
func (c *Contact) HasGuard() bool {
	return !c.GuardAddress.IsZero()
}

// Message is a stored chat message.  ChatID is the contact or group
// address of the conversation.
type Message struct {
	ID                   uint64         `cbor:"id"`
	UUID                 string         `cbor:"uuid"`
	ChatID               graph.Address  `cbor:"chatId"`
	Text                 string         `cbor:"text,omitempty"`
	Action               message.Action `cbor:"action"`
	SenderAddress        graph.Address  `cbor:"senderAddress"`
	Incoming             bool           `cbor:"incoming"`
	Sent                 bool           `cbor:"sent"`
	Deleted              bool           `cbor:"deleted"`
	DateCreated          time.Time      `cbor:"dateCreated"`
	DateReceivedOnServer time.Time      `cbor:"dateReceivedOnServer"`
}

type storedGuard struct {
	Address   graph.Address `cbor:"address"`
	PublicKey []byte        `cbor:"publicKey"`
	Hostname  string        `cbor:"hostname"`
	CreatedAt time.Time     `cbor:"createdAt"`
}

type storedVertex struct {
	PublicKey []byte `cbor:"publicKey"`
	Hostname  string `cbor:"hostname,omitempty"`
}

// Store is the client database.  It is safe for concurrent use.
type Store struct {
	db  *bolt.DB
	log *logging.Logger
}

// Open creates (or loads) the database in the file f.
func Open(f string, log *logging.Logger) (*Store, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, log: log}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{graphBucket, verticesBucket, edgesBucket, contactsBucket, messagesBucket, uuidsBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("store: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.db.Sync()
	return s.db.Close()
}

// Guard returns the selected guard, or nil if none is selected.
func (s *Store) Guard() (*graph.Guard, error) {
	var g *graph.Guard
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(graphBucket)).Get([]byte(guardKey))
		if raw == nil {
			return nil
		}
		sg := new(storedGuard)
		if err := cbor.Unmarshal(raw, sg); err != nil {
			return err
		}
		g = &graph.Guard{
			Address:   sg.Address,
			PublicKey: sg.PublicKey,
			Hostname:  sg.Hostname,
			CreatedAt: sg.CreatedAt,
		}
		return nil
	})
	return g, err
}

// SetGuard replaces the selected guard.
func (s *Store) SetGuard(g *graph.Guard) error {
	raw, err := cbor.Marshal(&storedGuard{
		Address:   g.Address,
		PublicKey: g.PublicKey,
		Hostname:  g.Hostname,
		CreatedAt: g.CreatedAt,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(graphBucket)).Put([]byte(guardKey), raw)
	})
}

// GraphVersion returns the directory graph version of the cached graph,
// or "" if the graph was never synchronized.
func (s *Store) GraphVersion() (string, error) {
	var v string
	err := s.db.View(func(tx *bolt.Tx) error {
		v = string(tx.Bucket([]byte(graphBucket)).Get([]byte(graphVersionKey)))
		return nil
	})
	return v, err
}

// SetGraphVersion records the directory graph version of the cached
// graph.
func (s *Store) SetGraphVersion(v string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(graphBucket)).Put([]byte(graphVersionKey), []byte(v))
	})
}

// Vertices returns every cached vertex.
func (s *Store) Vertices() ([]graph.Vertex, error) {
	var out []graph.Vertex
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(verticesBucket)).ForEach(func(k, v []byte) error {
			sv := new(storedVertex)
			if err := cbor.Unmarshal(v, sv); err != nil {
				return err
			}
			vx := graph.Vertex{PublicKey: sv.PublicKey, Hostname: sv.Hostname}
			copy(vx.Address[:], k)
			out = append(out, vx)
			return nil
		})
	})
	return out, err
}

// Edges returns every cached edge.
func (s *Store) Edges() ([]graph.Edge, error) {
	var out []graph.Edge
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(edgesBucket)).ForEach(func(k, _ []byte) error {
			if len(k) != 2*graph.AddressSize {
				return fmt.Errorf("store: corrupted edge key")
			}
			var e graph.Edge
			copy(e.Source[:], k[:graph.AddressSize])
			copy(e.Target[:], k[graph.AddressSize:])
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// ReplaceGraph atomically replaces the cached relay graph.
func (s *Store) ReplaceGraph(vertices []graph.Vertex, edges []graph.Edge) error {
	s.log.Debugf("Replacing graph: %d vertices, %d edges.", len(vertices), len(edges))
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{verticesBucket, edgesBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
		}
		vBkt, err := tx.CreateBucket([]byte(verticesBucket))
		if err != nil {
			return err
		}
		eBkt, err := tx.CreateBucket([]byte(edgesBucket))
		if err != nil {
			return err
		}
		for _, v := range vertices {
			raw, err := cbor.Marshal(&storedVertex{PublicKey: v.PublicKey, Hostname: v.Hostname})
			if err != nil {
				return err
			}
			if err = vBkt.Put(v.Address[:], raw); err != nil {
				return err
			}
		}
		for _, e := range edges {
			k := make([]byte, 0, 2*graph.AddressSize)
			k = append(k, e.Source[:]...)
			k = append(k, e.Target[:]...)
			if err := eBkt.Put(k, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Contact returns the contact or group at addr.
func (s *Store) Contact(addr graph.Address) (*Contact, error) {
	c := new(Contact)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(contactsBucket)).Get(addr[:])
		if raw == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(raw, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PutContact creates or replaces a contact.
func (s *Store) PutContact(c *Contact) error {
	raw, err := cbor.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(contactsBucket)).Put(c.Address[:], raw)
	})
}

// Contacts returns every contact, sorted by name.
func (s *Store) Contacts() ([]Contact, error) {
	var out []Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(contactsBucket)).ForEach(func(_, v []byte) error {
			var c Contact
			if err := cbor.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func idKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// AddMessage stores a new message and returns its ID.  A missing UUID is
// generated.  Adding a UUID twice fails with ErrDuplicate.
func (s *Store) AddMessage(m *Message) (uint64, error) {
	if m.UUID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return 0, err
		}
		m.UUID = id.String()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		uBkt := tx.Bucket([]byte(uuidsBucket))
		if uBkt.Get([]byte(m.UUID)) != nil {
			return ErrDuplicate
		}
		mBkt := tx.Bucket([]byte(messagesBucket))
		seq, err := mBkt.NextSequence()
		if err != nil {
			return err
		}
		m.ID = seq
		raw, err := cbor.Marshal(m)
		if err != nil {
			return err
		}
		if err = mBkt.Put(idKey(seq), raw); err != nil {
			return err
		}
		return uBkt.Put([]byte(m.UUID), idKey(seq))
	})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// HasMessage returns true if a message with the UUID is stored.
func (s *Store) HasMessage(id string) bool {
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(uuidsBucket)).Get([]byte(id)) != nil
		return nil
	})
	return found
}

// Message returns the message with the given ID.
func (s *Store) Message(id uint64) (*Message, error) {
	m := new(Message)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(messagesBucket)).Get(idKey(id))
		if raw == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(raw, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) updateMessages(fn func(m *Message) (keep, changed bool)) error {
	type change struct {
		key  []byte
		m    *Message
		keep bool
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		mBkt := tx.Bucket([]byte(messagesBucket))
		uBkt := tx.Bucket([]byte(uuidsBucket))

		// Buckets must not be modified from within ForEach.
		var changes []change
		if err := mBkt.ForEach(func(k, v []byte) error {
			m := new(Message)
			if err := cbor.Unmarshal(v, m); err != nil {
				return err
			}
			if keep, changed := fn(m); !keep || changed {
				changes = append(changes, change{key: append([]byte{}, k...), m: m, keep: keep})
			}
			return nil
		}); err != nil {
			return err
		}

		for _, c := range changes {
			if !c.keep {
				if err := mBkt.Delete(c.key); err != nil {
					return err
				}
				if err := uBkt.Delete([]byte(c.m.UUID)); err != nil {
					return err
				}
				continue
			}
			raw, err := cbor.Marshal(c.m)
			if err != nil {
				return err
			}
			if err = mBkt.Put(c.key, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkSent flags the message as delivered to the guard.
func (s *Store) MarkSent(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(messagesBucket))
		raw := bkt.Get(idKey(id))
		if raw == nil {
			return ErrNotFound
		}
		m := new(Message)
		if err := cbor.Unmarshal(raw, m); err != nil {
			return err
		}
		m.Sent = true
		raw, err := cbor.Marshal(m)
		if err != nil {
			return err
		}
		return bkt.Put(idKey(id), raw)
	})
}

// DeleteByUUID marks the message with the UUID in chat as deleted, and
// drops its text.  Unknown messages are ignored.
func (s *Store) DeleteByUUID(chat graph.Address, id string) error {
	return s.updateMessages(func(m *Message) (bool, bool) {
		if m.ChatID != chat || m.UUID != id || m.Deleted {
			return true, false
		}
		m.Deleted = true
		m.Text = ""
		return true, true
	})
}

// DeleteAll removes every message of chat.
func (s *Store) DeleteAll(chat graph.Address) error {
	return s.updateMessages(func(m *Message) (bool, bool) {
		return m.ChatID != chat, false
	})
}

// PurgeDeleted removes the messages marked as deleted and returns how
// many were removed.
func (s *Store) PurgeDeleted() (int, error) {
	n := 0
	err := s.updateMessages(func(m *Message) (bool, bool) {
		if m.Deleted {
			n++
			return false, false
		}
		return true, false
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Messages returns the messages of chat in insertion order.
func (s *Store) Messages(chat graph.Address) ([]Message, error) {
	return s.filterMessages(func(m *Message) bool { return m.ChatID == chat })
}

// Unsent returns the outgoing messages not yet delivered to the guard.
func (s *Store) Unsent() ([]Message, error) {
	return s.filterMessages(func(m *Message) bool { return !m.Incoming && !m.Sent && !m.Deleted })
}

func (s *Store) filterMessages(pred func(m *Message) bool) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(messagesBucket)).ForEach(func(_, v []byte) error {
			var m Message
			if err := cbor.Unmarshal(v, &m); err != nil {
				return err
			}
			if pred(&m) {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}
