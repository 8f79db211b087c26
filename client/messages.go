// messages.go - Contacts and outgoing messages.
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

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/jobs"
	"github.com/aenigma/aenigma/message"
	"github.com/aenigma/aenigma/onion"
	"github.com/aenigma/aenigma/store"
)

const sentPollInterval = 500 * time.Millisecond

var (
	// ErrSelf is returned when adding the local identity as a contact.
	ErrSelf = errors.New("client: can not add self as a contact")

	// ErrNotDelivered is returned by WaitSent when the dispatch finished
	// without reaching the guard, because no recipient was reachable or
	// the attempts ran out.
	ErrNotDelivered = errors.New("client: message not delivered")
)

// AddContact stores the contact owning publicKey under name.  An
// existing contact is renamed.
func (c *Client) AddContact(name string, publicKey []byte) (*store.Contact, error) {
	if _, _, err := onion.SplitPublicKey(publicKey); err != nil {
		return nil, err
	}
	name, err := message.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	addr := graph.AddressFromKey(publicKey)
	if addr == c.identity.Address() {
		return nil, ErrSelf
	}

	ct, err := c.store.Contact(addr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ct = &store.Contact{
			Address:   addr,
			PublicKey: publicKey,
			Kind:      store.KindContact,
		}
	case err != nil:
		return nil, err
	case ct.Kind != store.KindContact:
		return nil, fmt.Errorf("client: %v is a group", addr)
	}
	ct.Name = name
	if err = c.store.PutContact(ct); err != nil {
		return nil, err
	}
	c.log.Debugf("Added contact %v (%v).", name, addr)
	return ct, nil
}

// CreateGroup creates a group with the given members.  Every member must
// be a known contact.
func (c *Client) CreateGroup(name string, members []graph.Address) (*store.Contact, error) {
	name, err := message.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if _, err := c.store.Contact(m); err != nil {
			return nil, fmt.Errorf("client: member %v: %w", m, err)
		}
	}

	var seed [graph.AddressSize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, err
	}
	g := &store.Contact{
		Address:          graph.AddressFromKey(seed[:]),
		Name:             name,
		Kind:             store.KindGroup,
		Members:          append([]graph.Address{c.identity.Address()}, members...),
		LastSynchronized: time.Now(),
	}
	if err = c.store.PutContact(g); err != nil {
		return nil, err
	}
	return g, nil
}

// Contacts returns the contacts and groups, sorted by name.
func (c *Client) Contacts() ([]store.Contact, error) {
	return c.store.Contacts()
}

// Messages returns the messages of a conversation.
func (c *Client) Messages(chat graph.Address) ([]store.Message, error) {
	return c.store.Messages(chat)
}

// Send queues text for the conversation chat and returns the message ID.
// The message is dispatched as soon as the session allows.
func (c *Client) Send(chat graph.Address, text string) (uint64, error) {
	if text == "" {
		return 0, errors.New("client: empty message")
	}
	return c.post(chat, text, message.Action{Kind: message.ActionNone})
}

// Delete removes the message with the UUID from the conversation, locally
// and for the other participants.
func (c *Client) Delete(chat graph.Address, uuid string) (uint64, error) {
	if err := c.store.DeleteByUUID(chat, uuid); err != nil {
		return 0, err
	}
	return c.post(chat, "", message.Action{Kind: message.ActionDelete, RefID: uuid})
}

// DeleteAll clears the conversation, locally and for the other
// participants.
func (c *Client) DeleteAll(chat graph.Address) (uint64, error) {
	if err := c.store.DeleteAll(chat); err != nil {
		return 0, err
	}
	return c.post(chat, "", message.Action{Kind: message.ActionDeleteAll})
}

func (c *Client) post(chat graph.Address, text string, action message.Action) (uint64, error) {
	if _, err := c.store.Contact(chat); err != nil {
		return 0, fmt.Errorf("client: chat %v: %w", chat, err)
	}
	m := &store.Message{
		ChatID:        chat,
		Text:          text,
		Action:        action,
		SenderAddress: c.identity.Address(),
		DateCreated:   time.Now(),
	}
	id, err := c.store.AddMessage(m)
	if err != nil {
		return 0, err
	}
	c.enqueue(id)
	return id, nil
}

// WaitSent blocks until the message with the given ID reached the guard,
// or ctx is done.  ErrNotDelivered is returned once no dispatch of the
// message is scheduled anymore.
func (c *Client) WaitSent(ctx context.Context, id uint64) error {
	t := time.NewTicker(sentPollInterval)
	defer t.Stop()
	name := jobs.MessageJobName(id)
	for {
		// Checked before reading the message: a dispatch that is over
		// has already marked it.
		pending := c.scheduler.IsScheduled(name)
		m, err := c.store.Message(id)
		if err != nil {
			return err
		}
		if m.Sent {
			return nil
		}
		if !pending {
			return ErrNotDelivered
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.HaltCh():
			return errors.New("client: shutting down")
		case <-t.C:
		}
	}
}

func (c *Client) enqueue(id uint64) {
	c.scheduler.Enqueue(jobs.MessageJobName(id), &jobs.MessageSender{
		Sender:      c.orchestrator,
		Connected:   c.session.IsConnected,
		Builder:     c.builder,
		MessageID:   id,
		UserName:    c.cfg.Identity.UserName,
		MaxAttempts: c.cfg.Debug.MaxRetryCount,
		Log:         c.logBackend.GetLogger("jobs"),
	})
}
