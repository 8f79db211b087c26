// client.go - Aenigma client.
// Copyright (C) 2017  Yawning Angel.
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

// Package client wires the circuit builder, the session, the dispatch
// orchestrator and the inbox into one Aenigma client.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/circuit"
	"github.com/aenigma/aenigma/config"
	"github.com/aenigma/aenigma/core/log"
	"github.com/aenigma/aenigma/core/utils"
	"github.com/aenigma/aenigma/core/worker"
	"github.com/aenigma/aenigma/dispatch"
	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/hub"
	"github.com/aenigma/aenigma/inbox"
	"github.com/aenigma/aenigma/internal/instrument"
	"github.com/aenigma/aenigma/internal/profiling"
	"github.com/aenigma/aenigma/jobs"
	"github.com/aenigma/aenigma/onion"
	"github.com/aenigma/aenigma/session"
	"github.com/aenigma/aenigma/store"
)

// Client is an Aenigma client.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger
	haltOnce   sync.Once

	identity     *onion.Identity
	store        *store.Store
	directory    *graph.Directory
	inbox        *inbox.Inbox
	session      *session.Session
	builder      *circuit.Builder
	orchestrator *dispatch.Orchestrator
	scheduler    *jobs.Scheduler
	controller   *jobs.Controller

	metrics       net.Listener
	stopProfiling func()
}

// LoadIdentity loads the identity from the data directory, creating it if
// it does not exist yet.  created is true for a new identity.
func LoadIdentity(cfg *config.Config) (id *onion.Identity, created bool, err error) {
	if err = utils.MkDataDir(cfg.Identity.DataDir); err != nil {
		return nil, false, err
	}
	return onion.LoadOrCreateIdentity(cfg.IdentityPath(), nil)
}

// New creates a new Client with the provided configuration.  The client
// does not touch the network until Start.
func New(cfg *config.Config) (*Client, error) {
	c := &Client{cfg: cfg}
	if err := c.initLogging(); err != nil {
		return nil, err
	}

	var err error
	if err = c.init(); err != nil {
		c.closeStores()
		return nil, err
	}
	return c, nil
}

func (c *Client) initLogging() error {
	f := c.cfg.Logging.File
	if !c.cfg.Logging.Disable && c.cfg.Logging.File != "" {
		if !filepath.IsAbs(f) {
			return errors.New("log file path must be absolute path")
		}
	}

	var err error
	c.logBackend, err = log.New(f, c.cfg.Logging.Level, c.cfg.Logging.Disable)
	if err == nil {
		c.log = c.logBackend.GetLogger("client")
	}
	return err
}

func (c *Client) init() error {
	var (
		err     error
		created bool
	)
	if c.identity, created, err = LoadIdentity(c.cfg); err != nil {
		return fmt.Errorf("client: identity: %w", err)
	}
	if created {
		c.log.Noticef("Created a new identity: %v", c.identity.Address())
	} else {
		c.log.Noticef("Identity: %v", c.identity.Address())
	}

	if c.stopProfiling, err = profiling.Start(c.cfg.Profiling.PyroscopeAddress, c.logBackend.GetLogger("profiling")); err != nil {
		return err
	}
	if c.store, err = store.Open(c.cfg.DBPath(), c.logBackend.GetLogger("store")); err != nil {
		return fmt.Errorf("client: store: %w", err)
	}

	var dial hub.DialContextFunc
	if c.cfg.Network.UseTor {
		if dial, err = hub.SOCKS5("tcp", c.cfg.Network.SocksProxy); err != nil {
			return err
		}
		c.log.Noticef("Connecting through the SOCKS5 proxy at %v.", c.cfg.Network.SocksProxy)
	}
	var dirDial graph.DialContextFunc
	if dial != nil {
		dirDial = graph.DialContextFunc(dial)
	}
	if c.directory, err = graph.NewDirectory(c.cfg.Network.Directory, dirDial, c.identity, c.logBackend.GetLogger("directory")); err != nil {
		return err
	}

	if c.inbox, err = inbox.New(&inbox.Config{
		Store:               c.store,
		Codec:               onion.NewLayered(c.identity),
		Verify:              onion.Verify,
		Self:                c.identity.Address(),
		ReplayFilterEntries: c.cfg.Debug.ReplayFilterEntries,
		Log:                 c.logBackend.GetLogger("inbox"),
	}); err != nil {
		return err
	}

	dialer := &hub.Dialer{
		DialContext: dial,
		Timeout:     c.cfg.DialTimeout(),
		Log:         c.logBackend.GetLogger("hub"),
	}
	c.session = session.New(&session.Config{
		Signer: c.identity,
		Dialer: func(ctx context.Context, url string) (session.Transport, error) {
			conn, err := dialer.Dial(ctx, url)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Interpreter:       c.inbox,
		Guards:            c.store,
		Scheme:            c.cfg.Network.Transport,
		RetryLimit:        c.cfg.Debug.RetryLimit,
		InvocationTimeout: c.cfg.InvocationTimeout(),
		Log:               c.logBackend.GetLogger("session"),
	})

	c.builder = circuit.New(c.store, c.identity, c.logBackend.GetLogger("circuit"))
	c.orchestrator = dispatch.New(&dispatch.Config{
		Store:       c.store,
		Resolver:    c.directory,
		Paths:       c.builder,
		Codec:       onion.NewLayered(c.identity),
		Transmitter: c.session,
		Identity:    c.identity,
		Rand:        rand.NewMath(),
		Log:         c.logBackend.GetLogger("dispatch"),
	})

	jobsLog := c.logBackend.GetLogger("jobs")
	c.scheduler = jobs.NewScheduler(c.cfg.Backoff(), jobsLog)
	c.controller = jobs.NewController(&jobs.ControllerConfig{
		Scheduler: c.scheduler,
		Session:   c.session,
		Guards:    c.store,
		GraphSync: &jobs.GraphSync{
			Directory:   c.directory,
			Store:       c.store,
			Rand:        rand.NewMath(),
			MaxAttempts: c.cfg.Debug.MaxRetryCount,
			Log:         jobsLog,
			Preferred:   c.cfg.Network.Guard,
		},
		Purge:            &jobs.Purge{Store: c.store, Log: jobsLog},
		MaxAttempts:      c.cfg.Debug.MaxRetryCount,
		PeriodicInterval: c.cfg.PollInterval(),
		Log:              c.logBackend.GetLogger("controller"),
	})
	return nil
}

// Start connects to the guard and keeps the session alive.  Unsent
// messages from a previous run are queued again.
func (c *Client) Start() error {
	if addr := c.cfg.Metrics.Address; addr != "" {
		l, err := instrument.Serve(addr)
		if err != nil {
			return fmt.Errorf("client: metrics: %w", err)
		}
		c.metrics = l
		c.log.Noticef("Serving metrics on %v.", l.Addr())
	}

	c.Go(c.statusLogger)
	c.scheduler.OnResult(c.onJobResult)
	c.scheduler.Start()
	c.controller.Start()

	unsent, err := c.store.Unsent()
	if err != nil {
		return err
	}
	for i := range unsent {
		c.enqueue(unsent[i].ID)
	}
	if len(unsent) > 0 {
		c.log.Noticef("Queued %d unsent messages.", len(unsent))
	}
	return nil
}

func (c *Client) statusLogger() {
	ch, unsubscribe := c.session.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-c.HaltCh():
			return
		case st := <-ch:
			if st.IsError() {
				c.log.Warningf("Session: %v", st)
			} else {
				c.log.Noticef("Session: %v", st)
			}
		}
	}
}

func (c *Client) onJobResult(name string, r jobs.Result) {
	if r == jobs.Failure {
		c.log.Warningf("Job %v failed.", name)
	}
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *config.Config {
	return c.cfg
}

// GetBackendLog returns the logging backend.
func (c *Client) GetBackendLog() *log.Backend {
	return c.logBackend
}

// GetLogger returns a new logger with the given name.
func (c *Client) GetLogger(name string) *logging.Logger {
	return c.logBackend.GetLogger(name)
}

// Identity returns the local identity.
func (c *Client) Identity() *onion.Identity {
	return c.identity
}

// Status returns the session status.
func (c *Client) Status() session.Status {
	return c.session.Status()
}

// Subscribe returns a channel of session status changes.  The returned
// function cancels the subscription.
func (c *Client) Subscribe() (<-chan session.Status, func()) {
	return c.session.Subscribe()
}

// ResetAborted restarts an aborted session.
func (c *Client) ResetAborted() bool {
	return c.session.ResetAborted()
}

// OnMessage registers fn to be called with every incoming message.  It
// must be called before Start.
func (c *Client) OnMessage(fn func(m *store.Message)) {
	c.inbox.OnMessage(fn)
}

// Shutdown cleanly shuts down a given Client instance.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() { c.halt() })
}

func (c *Client) halt() {
	c.log.Noticef("Starting graceful shutdown.")
	if c.controller != nil {
		c.controller.Halt()
	}
	if c.scheduler != nil {
		c.scheduler.Halt()
	}
	if c.session != nil {
		c.session.Disconnect()
	}
	if c.metrics != nil {
		c.metrics.Close()
	}
	c.closeStores()
	c.Halt()
	c.log.Noticef("Shutdown complete.")
}

func (c *Client) closeStores() {
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.log.Warningf("Failed to close the store: %v", err)
		}
		c.store = nil
	}
	if c.stopProfiling != nil {
		c.stopProfiling()
		c.stopProfiling = nil
	}
}
