// config_test.go - Aenigma client configuration tests.
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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const basicConfig = `# A basic configuration example.
[Identity]
DataDir = "/var/lib/aenigma"
UserName = "Alice"

[Network]
Guard = "relay.bücher.example:7900"
Directory = "https://directory.example.org/api"

[Logging]
Level = "debug"
`

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("Alice", cfg.Identity.UserName)
	require.Equal("relay.xn--bcher-kva.example:7900", cfg.Network.Guard)
	require.Equal("https://directory.example.org/api", cfg.Network.Directory)
	require.Equal("tls", cfg.Network.Transport)
	require.Equal("127.0.0.1:9050", cfg.Network.SocksProxy)
	require.Equal(30*time.Second, cfg.DialTimeout())
	require.Equal(30*time.Second, cfg.InvocationTimeout())

	require.Equal(3, cfg.Debug.RetryLimit)
	require.Equal(5, cfg.Debug.MaxRetryCount)
	require.Equal(5*time.Second, cfg.Backoff())
	require.Equal(15*time.Minute, cfg.PollInterval())
	require.Equal(23, cfg.Debug.ReplayFilterEntries)
	require.Empty(cfg.Metrics.Address)
	require.Empty(cfg.Profiling.PyroscopeAddress)

	require.Equal("/var/lib/aenigma/aenigma.db", cfg.DBPath())
	require.Equal("/var/lib/aenigma/identity.key", cfg.IdentityPath())
}

func TestConfigInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"no identity": `
[Network]
Directory = "https://directory.example.org"
`,
		"no network": `
[Identity]
DataDir = "/var/lib/aenigma"
`,
		"relative data dir": `
[Identity]
DataDir = "aenigma"
[Network]
Directory = "https://directory.example.org"
`,
		"bad transport": `
[Identity]
DataDir = "/var/lib/aenigma"
[Network]
Directory = "https://directory.example.org"
Transport = "udp"
`,
		"quic over tor": `
[Identity]
DataDir = "/var/lib/aenigma"
[Network]
Directory = "https://directory.example.org"
Transport = "quic"
UseTor = true
`,
		"guard without port": `
[Identity]
DataDir = "/var/lib/aenigma"
[Network]
Guard = "relay.example.org"
Directory = "https://directory.example.org"
`,
		"directory scheme": `
[Identity]
DataDir = "/var/lib/aenigma"
[Network]
Directory = "ftp://directory.example.org"
`,
		"log level": `
[Identity]
DataDir = "/var/lib/aenigma"
[Network]
Directory = "https://directory.example.org"
[Logging]
Level = "LOUD"
`,
		"unknown key": `
[Identity]
DataDir = "/var/lib/aenigma"
Passphrase = "hunter2"
[Network]
Directory = "https://directory.example.org"
`,
	} {
		_, err := Load([]byte(body))
		require.Error(t, err, name)
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)
	f := filepath.Join(t.TempDir(), "aenigma.toml")
	require.NoError(os.WriteFile(f, []byte(`
[Identity]
DataDir = "/var/lib/aenigma"
[Network]
Guard = "quic://relay.example.org:443"
Directory = "http://directory.example.org:8080"
Transport = "QUIC"
[Debug]
RetryLimit = 7
[Metrics]
Address = "127.0.0.1:9100"
`), 0600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal("quic://relay.example.org:443", cfg.Network.Guard)
	require.Equal("quic", cfg.Network.Transport)
	require.Equal(7, cfg.Debug.RetryLimit)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal("127.0.0.1:9100", cfg.Metrics.Address)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(err)
}
