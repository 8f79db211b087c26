// dispatch.go - Outgoing message dispatch.
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

// Package dispatch turns a stored outgoing message into one onion per
// recipient and hands the batch to the session.
package dispatch

import (
	"context"
	"fmt"
	mRand "math/rand"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/circuit"
	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/internal/instrument"
	"github.com/aenigma/aenigma/jobs"
	"github.com/aenigma/aenigma/message"
	"github.com/aenigma/aenigma/onion"
	"github.com/aenigma/aenigma/store"
)

// Store is the part of the database used for dispatch.
type Store interface {
	Message(id uint64) (*store.Message, error)
	MarkSent(id uint64) error
	Contact(addr graph.Address) (*store.Contact, error)
	PutContact(c *store.Contact) error
	Guard() (*graph.Guard, error)
}

// Resolver looks up a vertex in the directory, see graph.Directory.
type Resolver interface {
	Vertex(ctx context.Context, addr graph.Address, leafKey []byte) (*graph.Resolved, error)
}

// PathFinder enumerates circuits, see circuit.Builder.
type PathFinder interface {
	CalculatePaths(dest *circuit.Destination) []circuit.Circuit
}

// Transmitter routes a batch of onions, see session.Session.
type Transmitter interface {
	SendMessages(ctx context.Context, batch [][]byte) bool
}

// Identity is the local signing identity.
type Identity interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() []byte
	Address() graph.Address
}

// Config is the Orchestrator configuration.
type Config struct {
	Store       Store
	Resolver    Resolver
	Paths       PathFinder
	Codec       onion.Codec
	Transmitter Transmitter
	Identity    Identity

	// Rand selects circuits.
	Rand *mRand.Rand

	Log *logging.Logger
}

// Orchestrator sends stored messages.
type Orchestrator struct {
	cfg Config
	log *logging.Logger

	rngLock sync.Mutex
}

// New returns an Orchestrator.  It panics if a collaborator is missing.
func New(cfg *Config) *Orchestrator {
	if cfg.Store == nil || cfg.Resolver == nil || cfg.Paths == nil || cfg.Codec == nil ||
		cfg.Transmitter == nil || cfg.Identity == nil || cfg.Rand == nil || cfg.Log == nil {
		panic("BUG: dispatch: incomplete Config")
	}
	return &Orchestrator{cfg: *cfg, log: cfg.Log}
}

// Send seals the message with the given ID for each of its recipients
// and transmits the onions in a single batch.  Recipients that cannot be
// reached right now are skipped.  userName is the sender name shown to
// recipients.
func (o *Orchestrator) Send(ctx context.Context, messageID uint64, userName string) (jobs.Result, error) {
	m, err := o.cfg.Store.Message(messageID)
	if err != nil {
		return jobs.Failure, fmt.Errorf("dispatch: message %d: %w", messageID, err)
	}
	chat, err := o.cfg.Store.Contact(m.ChatID)
	if err != nil {
		return jobs.Failure, fmt.Errorf("dispatch: chat %v: %w", m.ChatID, err)
	}

	self := o.cfg.Identity.Address()
	chatID := self
	recipients := []*store.Contact{chat}
	if chat.Kind == store.KindGroup {
		chatID = chat.Address
		recipients = recipients[:0]
		for _, member := range chat.Members {
			if member == self {
				continue
			}
			c, err := o.cfg.Store.Contact(member)
			if err != nil {
				o.log.Warningf("Send: group %v member %v: %v", chat.Address, member, err)
				instrument.RecipientSkipped()
				continue
			}
			recipients = append(recipients, c)
		}
	}

	plaintext, err := o.plaintext(m, chat, userName)
	if err != nil {
		return jobs.Failure, err
	}

	var batch [][]byte
	for _, c := range recipients {
		b, err := o.sealFor(ctx, c, chatID, plaintext)
		if err != nil {
			o.log.Warningf("Send: skipping %v: %v", c.Address, err)
			instrument.RecipientSkipped()
			continue
		}
		instrument.OnionSealed()
		batch = append(batch, b)
	}
	if len(batch) == 0 {
		o.log.Noticef("Send: message %d has no reachable recipient, nothing sent.", messageID)
		return jobs.Success, nil
	}

	if !o.cfg.Transmitter.SendMessages(ctx, batch) {
		return jobs.Retry, nil
	}
	if err = o.cfg.Store.MarkSent(messageID); err != nil {
		o.log.Errorf("Send: failed to mark message %d as sent: %v", messageID, err)
	}
	instrument.MessageSent()
	o.log.Debugf("Send: message %d sent to %d recipients.", messageID, len(batch))
	return jobs.Success, nil
}

func (o *Orchestrator) plaintext(m *store.Message, chat *store.Contact, userName string) ([]byte, error) {
	name, err := message.NormalizeName(userName)
	if err != nil {
		o.log.Warningf("Send: unusable sender name: %v", err)
		name = ""
	}
	p := &message.Payload{
		Text:            m.Text,
		Action:          m.Action,
		SenderName:      name,
		SenderPublicKey: o.cfg.Identity.PublicKey(),
		RefID:           m.UUID,
		DateCreated:     m.DateCreated,
	}
	guard, err := o.cfg.Store.Guard()
	if err != nil {
		return nil, err
	}
	if guard != nil {
		p.SenderGuardAddress = guard.Address.String()
		p.SenderGuardHostname = guard.Hostname
	}
	if chat.Kind == store.KindGroup {
		p.Group = o.groupCard(chat, p)
	}
	return message.Seal(p, o.cfg.Identity)
}

// groupCard lists the members of chat that can be contacted, the sender
// included.
func (o *Orchestrator) groupCard(chat *store.Contact, p *message.Payload) *message.Group {
	g := &message.Group{Name: chat.Name}
	self := o.cfg.Identity.Address()
	for _, member := range chat.Members {
		if len(g.Members) == message.MaxGroupMembers {
			o.log.Warningf("Send: group %v has more than %d members.", chat.Address, message.MaxGroupMembers)
			break
		}
		if member == self {
			g.Members = append(g.Members, message.Member{
				Name:          p.SenderName,
				PublicKey:     p.SenderPublicKey,
				GuardAddress:  p.SenderGuardAddress,
				GuardHostname: p.SenderGuardHostname,
			})
			continue
		}
		c, err := o.cfg.Store.Contact(member)
		if err != nil || len(c.PublicKey) == 0 {
			continue
		}
		card := message.Member{Name: c.Name, PublicKey: c.PublicKey}
		if c.HasGuard() {
			card.GuardAddress = c.GuardAddress.String()
			card.GuardHostname = c.GuardHostname
		}
		g.Members = append(g.Members, card)
	}
	return g
}

func (o *Orchestrator) selectCircuit(paths []circuit.Circuit) (circuit.Circuit, bool) {
	o.rngLock.Lock()
	defer o.rngLock.Unlock()
	return circuit.Select(o.cfg.Rand, paths)
}

// sealFor builds the onion for one recipient.  A failure only affects
// this recipient, panics included.
func (o *Orchestrator) sealFor(ctx context.Context, c *store.Contact, chatID graph.Address, plaintext []byte) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: panic: %v", r)
		}
	}()

	if !c.HasGuard() {
		if err = o.resolveGuard(ctx, c); err != nil {
			return nil, err
		}
	}
	paths := o.cfg.Paths.CalculatePaths(&circuit.Destination{
		Address:      c.Address,
		PublicKey:    c.PublicKey,
		GuardAddress: c.GuardAddress,
	})
	circ, ok := o.selectCircuit(paths)
	if !ok {
		return nil, fmt.Errorf("dispatch: no circuit")
	}

	hops := circ.Hops()
	keys := make([][]byte, 0, len(hops))
	addresses := make([]graph.Address, 0, len(hops))
	addresses = append(addresses, chatID)
	for i := len(hops) - 1; i >= 0; i-- {
		keys = append(keys, hops[i].PublicKey)
		if i > 0 {
			addresses = append(addresses, hops[i].Address)
		}
	}
	return o.cfg.Codec.Seal(plaintext, keys, addresses)
}

func (o *Orchestrator) resolveGuard(ctx context.Context, c *store.Contact) error {
	resolved, err := o.cfg.Resolver.Vertex(ctx, c.Address, c.PublicKey)
	if err != nil {
		return err
	}
	if len(resolved.Neighbors) != 1 {
		return fmt.Errorf("dispatch: %v has %d neighbors", c.Address, len(resolved.Neighbors))
	}
	c.GuardAddress = resolved.Neighbors[0]
	if err = o.cfg.Store.PutContact(c); err != nil {
		return err
	}
	o.log.Debugf("Resolved guard %v for %v.", c.GuardAddress, c.Address)
	return nil
}
