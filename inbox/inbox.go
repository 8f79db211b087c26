// inbox.go - Incoming onion interpretation.
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

// Package inbox interprets the onions delivered by the guard and stores
// the messages they carry.
package inbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/internal/instrument"
	"github.com/aenigma/aenigma/message"
	"github.com/aenigma/aenigma/onion"
	"github.com/aenigma/aenigma/session"
	"github.com/aenigma/aenigma/store"
)

const (
	// DefaultReplayFilterEntries is the default log2 size of the replay
	// filter in bits.
	DefaultReplayFilterEntries = 23 // 1 MiB, ~582k entries.

	unknownName = "unknown"
	groupName   = "group"

	outcomeReplay    = "replay"
	outcomeUnseal    = "unseal"
	outcomeInvalid   = "invalid"
	outcomeDuplicate = "duplicate"
	outcomeAction    = "action"
	outcomeStored    = "stored"
	outcomeError     = "error"
)

var (
	// ErrReplay is returned for an onion that was already interpreted.
	ErrReplay = errors.New("inbox: replayed onion")

	// ErrDuplicate is returned for a message that is already stored.
	ErrDuplicate = errors.New("inbox: duplicate message")

	// ErrInvalidChat is returned when an onion names a chat the sender
	// cannot post to.
	ErrInvalidChat = errors.New("inbox: invalid chat")
)

// Store is the part of the database written by the inbox.
type Store interface {
	Contact(addr graph.Address) (*store.Contact, error)
	PutContact(c *store.Contact) error
	HasMessage(id string) bool
	AddMessage(m *store.Message) (uint64, error)
	DeleteByUUID(chat graph.Address, id string) error
	DeleteAll(chat graph.Address) error
}

// Config is the Inbox configuration.
type Config struct {
	Store  Store
	Codec  onion.Codec
	Verify message.VerifyFunc

	// Self is the local address.
	Self graph.Address

	// ReplayFilterEntries is the log2 size of the replay filter in bits.
	ReplayFilterEntries int

	Log *logging.Logger
}

// Inbox implements session.Interpreter.
type Inbox struct {
	sync.Mutex

	cfg Config
	log *logging.Logger

	filter    *bloom.Filter
	onMessage func(m *store.Message)
}

var _ session.Interpreter = (*Inbox)(nil)

// New returns an Inbox.
func New(cfg *Config) (*Inbox, error) {
	if cfg.Store == nil || cfg.Codec == nil || cfg.Verify == nil || cfg.Log == nil {
		panic("BUG: inbox: incomplete Config")
	}
	in := &Inbox{cfg: *cfg, log: cfg.Log}
	if in.cfg.ReplayFilterEntries <= 0 {
		in.cfg.ReplayFilterEntries = DefaultReplayFilterEntries
	}
	if err := in.resetFilter(); err != nil {
		return nil, err
	}
	return in, nil
}

// OnMessage registers fn to be called with every stored message.  It must
// be called before the inbox is handed to the session.
func (in *Inbox) OnMessage(fn func(m *store.Message)) {
	in.onMessage = fn
}

func (in *Inbox) resetFilter() error {
	f, err := bloom.New(rand.Reader, in.cfg.ReplayFilterEntries, 0.001)
	if err != nil {
		return err
	}
	in.filter = f
	return nil
}

// isReplay marks the onion as seen, and returns true iff it has been seen
// before.
func (in *Inbox) isReplay(content []byte) bool {
	tag := hash.Sum256(content)

	in.Lock()
	defer in.Unlock()

	// A saturated filter reports false replays, start over.
	if in.filter.Entries() >= in.filter.MaxEntries() {
		in.log.Warningf("Replay filter saturated after %d entries, resetting.", in.filter.Entries())
		if err := in.resetFilter(); err != nil {
			in.log.Errorf("Failed to reset the replay filter: %v", err)
		}
	}
	return in.filter.TestAndSet(tag[:])
}

// HandleRoutingRequest implements session.Interpreter.
func (in *Inbox) HandleRoutingRequest(req *session.RoutingRequest) {
	now := time.Now()
	for _, b := range req.Payloads {
		in.handle(b, "", now)
	}
}

// HandlePendingMessages implements session.Interpreter.
func (in *Inbox) HandlePendingMessages(msgs []session.PendingMessage) {
	for i := range msgs {
		in.handle(msgs[i].Content, msgs[i].UUID, msgs[i].DateReceived)
	}
}

func (in *Inbox) handle(content []byte, id string, received time.Time) {
	m, err := in.Interpret(content, id, received)
	switch {
	case err == nil:
	case errors.Is(err, ErrReplay), errors.Is(err, ErrDuplicate):
		in.log.Debugf("Dropped onion: %v", err)
		return
	default:
		in.log.Warningf("Dropped onion: %v", err)
		return
	}
	if m != nil && in.onMessage != nil {
		in.onMessage(m)
	}
}

// Interpret unseals one onion and applies it to the store.  id is the
// guard's identifier of the onion, if any, and received when the guard
// got it.  The stored message is returned, or nil for actions.
func (in *Inbox) Interpret(content []byte, id string, received time.Time) (*store.Message, error) {
	if len(content) == 0 {
		instrument.IncomingMessage(outcomeInvalid)
		return nil, fmt.Errorf("inbox: empty onion")
	}
	if in.isReplay(content) {
		instrument.IncomingMessage(outcomeReplay)
		return nil, ErrReplay
	}

	next, inner, err := in.cfg.Codec.Unseal(content)
	if err != nil {
		instrument.IncomingMessage(outcomeUnseal)
		return nil, err
	}
	p, err := message.Open(inner, in.cfg.Verify)
	if err != nil {
		instrument.IncomingMessage(outcomeInvalid)
		return nil, err
	}

	uuid := p.RefID
	if uuid == "" {
		uuid = id
	}
	if uuid != "" && in.cfg.Store.HasMessage(uuid) {
		instrument.IncomingMessage(outcomeDuplicate)
		return nil, ErrDuplicate
	}

	sender := graph.AddressFromKey(p.SenderPublicKey)
	if err = in.upsertSender(sender, p); err != nil {
		instrument.IncomingMessage(outcomeError)
		return nil, err
	}
	chat, err := in.chatOf(next, sender, p.Group)
	if err != nil {
		instrument.IncomingMessage(outcomeInvalid)
		return nil, err
	}

	m := &store.Message{
		UUID:                 uuid,
		ChatID:               chat,
		Text:                 p.Text,
		Action:               p.Action,
		SenderAddress:        sender,
		Incoming:             true,
		DateCreated:          p.DateCreated,
		DateReceivedOnServer: received,
	}

	switch p.Action.Kind {
	case message.ActionNone:
	case message.ActionDelete:
		err = in.cfg.Store.DeleteByUUID(chat, p.Action.RefID)
	case message.ActionDeleteAll:
		err = in.cfg.Store.DeleteAll(chat)
	default:
		err = fmt.Errorf("inbox: unsupported action %v", p.Action.Kind)
	}
	if err != nil {
		instrument.IncomingMessage(outcomeError)
		return nil, err
	}
	if p.Action.Kind != message.ActionNone {
		// Kept only so that a redelivery is recognized, the purge drops it.
		m.Text = ""
		m.Deleted = true
	}

	if _, err = in.cfg.Store.AddMessage(m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			instrument.IncomingMessage(outcomeDuplicate)
			return nil, ErrDuplicate
		}
		instrument.IncomingMessage(outcomeError)
		return nil, err
	}

	if p.Action.Kind != message.ActionNone {
		in.log.Debugf("Applied %v from %v in %v.", p.Action.Kind, sender, chat)
		instrument.IncomingMessage(outcomeAction)
		return nil, nil
	}
	in.log.Debugf("Stored message %v from %v in %v.", m.UUID, sender, chat)
	instrument.IncomingMessage(outcomeStored)
	return m, nil
}

// upsertSender creates the sender's contact, or refreshes its guard.
func (in *Inbox) upsertSender(sender graph.Address, p *message.Payload) error {
	c, err := in.cfg.Store.Contact(sender)
	switch {
	case errors.Is(err, store.ErrNotFound):
		name, err := message.NormalizeName(p.SenderName)
		if err != nil {
			name = unknownName
		}
		c = &store.Contact{
			Address: sender,
			Name:    name,
			Kind:    store.KindContact,
		}
	case err != nil:
		return err
	case c.Kind != store.KindContact:
		return ErrInvalidChat
	}

	c.PublicKey = p.SenderPublicKey
	if guard, err := graph.ParseAddress(p.SenderGuardAddress); err == nil {
		c.GuardAddress = guard
		c.GuardHostname = p.SenderGuardHostname
	}
	c.LastSynchronized = time.Now()
	return in.cfg.Store.PutContact(c)
}

// chatOf returns the conversation of an onion whose innermost next
// address is next.  Direct messages name the sender, group messages the
// group.  The group card of a group message is merged into the group.
func (in *Inbox) chatOf(next, sender graph.Address, card *message.Group) (graph.Address, error) {
	if next == sender || next == in.cfg.Self {
		return sender, nil
	}
	if next.IsZero() {
		return next, ErrInvalidChat
	}

	g, err := in.cfg.Store.Contact(next)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g = &store.Contact{
			Address: next,
			Name:    groupName,
			Kind:    store.KindGroup,
		}
		if card != nil {
			if name, err := message.NormalizeName(card.Name); err == nil {
				g.Name = name
			}
		}
	case err != nil:
		return next, err
	case g.Kind != store.KindGroup:
		return next, ErrInvalidChat
	}

	members := make(map[graph.Address]bool, len(g.Members))
	for _, m := range g.Members {
		members[m] = true
	}
	changed := !members[sender]
	if changed {
		g.Members = append(g.Members, sender)
		members[sender] = true
	}
	if card != nil {
		if len(card.Members) > message.MaxGroupMembers {
			in.log.Warningf("Ignoring the card of group %v: %d members.", next, len(card.Members))
		} else {
			for i := range card.Members {
				addr, ok := in.learnMember(&card.Members[i])
				if !ok || members[addr] {
					continue
				}
				g.Members = append(g.Members, addr)
				members[addr] = true
				changed = true
			}
		}
	}
	if !changed {
		return next, nil
	}
	g.LastSynchronized = time.Now()
	return next, in.cfg.Store.PutContact(g)
}

// learnMember makes sure a group member from a group card is a known
// contact, and returns its address.  Members that are groups or carry an
// unusable key are refused.
func (in *Inbox) learnMember(m *message.Member) (graph.Address, bool) {
	if _, _, err := onion.SplitPublicKey(m.PublicKey); err != nil {
		return graph.Address{}, false
	}
	addr := graph.AddressFromKey(m.PublicKey)
	if addr == in.cfg.Self {
		return addr, true
	}

	c, err := in.cfg.Store.Contact(addr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		name, err := message.NormalizeName(m.Name)
		if err != nil {
			name = unknownName
		}
		c = &store.Contact{
			Address: addr,
			Name:    name,
			Kind:    store.KindContact,
		}
	case err != nil:
		in.log.Warningf("Group member %v: %v", addr, err)
		return addr, false
	case c.Kind != store.KindContact:
		return addr, false
	case len(c.PublicKey) != 0 && c.HasGuard():
		return addr, true
	}

	c.PublicKey = m.PublicKey
	if !c.HasGuard() {
		if guard, err := graph.ParseAddress(m.GuardAddress); err == nil {
			c.GuardAddress = guard
			c.GuardHostname = m.GuardHostname
		}
	}
	if err = in.cfg.Store.PutContact(c); err != nil {
		in.log.Warningf("Group member %v: %v", addr, err)
		return addr, false
	}
	return addr, true
}
