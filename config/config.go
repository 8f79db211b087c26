// config.go - Aenigma client configuration.
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

// Package config provides the Aenigma client configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/aenigma/aenigma/hub"
	"github.com/aenigma/aenigma/message"
)

const (
	defaultLogLevel            = "NOTICE"
	defaultTransport           = hub.SchemeTLS
	defaultSocksProxy          = "127.0.0.1:9050"
	defaultDialTimeout         = 30  // 30 sec.
	defaultInvocationTimeout   = 30  // 30 sec.
	defaultRetryLimit          = 3   // Consecutive session errors.
	defaultMaxRetryCount       = 5   // Job attempts.
	defaultBackoffSeconds      = 5   // 5 sec.
	defaultPollInterval        = 900 // 15 min.
	defaultReplayFilterEntries = 23  // 1 MiB.

	dbFile       = "aenigma.db"
	identityFile = "identity.key"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Identity is the local identity configuration.
type Identity struct {
	// DataDir is the absolute path to the client's state files.
	DataDir string

	// UserName is the name shown to contacts.
	UserName string
}

func (iCfg *Identity) validate() error {
	if !filepath.IsAbs(iCfg.DataDir) {
		return fmt.Errorf("config: Identity: DataDir '%v' is not an absolute path", iCfg.DataDir)
	}
	if iCfg.UserName != "" {
		name, err := message.NormalizeName(iCfg.UserName)
		if err != nil {
			return fmt.Errorf("config: Identity: UserName '%v' is invalid", iCfg.UserName)
		}
		iCfg.UserName = name
	}
	return nil
}

// Network is the network configuration.
type Network struct {
	// Guard is the hostname of the guard used until the relay graph has
	// been synchronized, with an optional scheme.
	Guard string

	// Directory is the base URL of the relay directory.
	Directory string

	// Transport is the default guard scheme (`tcp`, `tls`, `quic`).
	Transport string

	// UseTor routes every connection through SocksProxy.
	UseTor bool

	// SocksProxy is the SOCKS5 proxy address.
	SocksProxy string

	// DialTimeout is the number of seconds a guard connection may take.
	DialTimeout int

	// InvocationTimeout is the number of seconds a hub invocation may
	// take.
	InvocationTimeout int
}

func (nCfg *Network) fixup() {
	if nCfg.Transport == "" {
		nCfg.Transport = defaultTransport
	}
	if nCfg.SocksProxy == "" {
		nCfg.SocksProxy = defaultSocksProxy
	}
	if nCfg.DialTimeout <= 0 {
		nCfg.DialTimeout = defaultDialTimeout
	}
	if nCfg.InvocationTimeout <= 0 {
		nCfg.InvocationTimeout = defaultInvocationTimeout
	}
}

func (nCfg *Network) validate() error {
	nCfg.Transport = strings.ToLower(nCfg.Transport)
	switch nCfg.Transport {
	case hub.SchemeTCP, hub.SchemeTLS:
	case hub.SchemeQUIC:
		if nCfg.UseTor {
			return fmt.Errorf("config: Network: Transport '%v' can not be used with UseTor", nCfg.Transport)
		}
	default:
		return fmt.Errorf("config: Network: Transport '%v' is invalid", nCfg.Transport)
	}

	if nCfg.Guard != "" {
		guard, err := normalizeHostname(nCfg.Guard)
		if err != nil {
			return fmt.Errorf("config: Network: Guard '%v' is invalid: %v", nCfg.Guard, err)
		}
		nCfg.Guard = guard
	}

	if nCfg.Directory == "" {
		return errors.New("config: Network: Directory is not set")
	}
	u, err := url.Parse(nCfg.Directory)
	if err != nil {
		return fmt.Errorf("config: Network: Directory '%v' is invalid: %v", nCfg.Directory, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: Network: Directory '%v' is not an HTTP URL", nCfg.Directory)
	}
	host, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil {
		return fmt.Errorf("config: Network: Directory '%v' is invalid: %v", nCfg.Directory, err)
	}
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	}
	u.Host = host
	nCfg.Directory = u.String()

	if nCfg.UseTor {
		if _, _, err := net.SplitHostPort(nCfg.SocksProxy); err != nil {
			return fmt.Errorf("config: Network: SocksProxy '%v' is invalid: %v", nCfg.SocksProxy, err)
		}
	}
	return nil
}

// normalizeHostname converts the host of a `[scheme://]host:port` guard
// hostname to its ASCII form.
func normalizeHostname(s string) (string, error) {
	scheme, hostport := "", s
	if i := strings.Index(s, "://"); i >= 0 {
		scheme, hostport = s[:i+3], s[i+3:]
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", err
	}
	if host, err = idna.Lookup.ToASCII(host); err != nil {
		return "", err
	}
	return scheme + net.JoinHostPort(host, port), nil
}

// Debug is the debug configuration.
type Debug struct {
	// RetryLimit is the number of consecutive session errors before the
	// session is aborted.
	RetryLimit int

	// MaxRetryCount is the number of attempts of a job.
	MaxRetryCount int

	// BackoffSeconds is the linear retry backoff step.
	BackoffSeconds int

	// PollInterval is the interval in seconds between the periodic
	// connect and pull of the pending messages.
	PollInterval int

	// ReplayFilterEntries is the log2 size of the incoming onion replay
	// filter in bits.
	ReplayFilterEntries int
}

func (d *Debug) fixup() {
	if d.RetryLimit <= 0 {
		d.RetryLimit = defaultRetryLimit
	}
	if d.MaxRetryCount <= 0 {
		d.MaxRetryCount = defaultMaxRetryCount
	}
	if d.BackoffSeconds <= 0 {
		d.BackoffSeconds = defaultBackoffSeconds
	}
	if d.PollInterval <= 0 {
		d.PollInterval = defaultPollInterval
	}
	if d.ReplayFilterEntries <= 0 {
		d.ReplayFilterEntries = defaultReplayFilterEntries
	}
}

// Metrics is the metrics configuration.
type Metrics struct {
	// Address is the listen address of the Prometheus endpoint, empty to
	// disable it.
	Address string
}

// Profiling is the profiling configuration.
type Profiling struct {
	// PyroscopeAddress is the Pyroscope server URL, empty to disable.
	// Only used by builds with the pyroscope tag.
	PyroscopeAddress string
}

// Config is the top level client configuration.
type Config struct {
	Logging   *Logging
	Identity  *Identity
	Network   *Network
	Debug     *Debug
	Metrics   *Metrics
	Profiling *Profiling
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Identity == nil {
		return errors.New("config: No Identity block was present")
	}
	if c.Network == nil {
		return errors.New("config: No Network block was present")
	}

	// Handle missing sections if possible.
	if c.Logging == nil {
		logging := defaultLogging
		c.Logging = &logging
	}
	if c.Debug == nil {
		c.Debug = new(Debug)
	}
	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}
	if c.Profiling == nil {
		c.Profiling = new(Profiling)
	}
	c.Network.fixup()
	c.Debug.fixup()

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Identity.validate(); err != nil {
		return err
	}
	return c.Network.validate()
}

// DBPath returns the path of the client database.
func (c *Config) DBPath() string {
	return filepath.Join(c.Identity.DataDir, dbFile)
}

// IdentityPath returns the path of the identity key file.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.Identity.DataDir, identityFile)
}

// DialTimeout returns the guard dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Network.DialTimeout) * time.Second
}

// InvocationTimeout returns the hub invocation timeout.
func (c *Config) InvocationTimeout() time.Duration {
	return time.Duration(c.Network.InvocationTimeout) * time.Second
}

// Backoff returns the job retry backoff step.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Debug.BackoffSeconds) * time.Second
}

// PollInterval returns the periodic synchronization interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Debug.PollInterval) * time.Second
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
