// main_test.go - Aenigma command tests.
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

package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aenigma/aenigma/onion"
)

func writeTestConfig(t *testing.T) string {
	dir := t.TempDir()
	body := fmt.Sprintf(`[Logging]
Disable = true

[Identity]
DataDir = %q
UserName = "Alice"

[Network]
Directory = "http://127.0.0.1:1"
`, filepath.Join(dir, "data"))
	f := filepath.Join(dir, "client.toml")
	require.NoError(t, os.WriteFile(f, []byte(body), 0600))
	return f
}

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestOptionsLoad(t *testing.T) {
	require := require.New(t)

	_, err := (&options{}).load()
	require.Error(err)
	_, err = (&options{configFile: "/nonexistent/client.toml"}).load()
	require.Error(err)

	cfg, err := (&options{configFile: writeTestConfig(t)}).load()
	require.NoError(err)
	require.Equal("Alice", cfg.Identity.UserName)
}

func TestGenkeyAndIdentity(t *testing.T) {
	require := require.New(t)
	f := writeTestConfig(t)

	out, err := run(t, "-c", f, "genkey")
	require.NoError(err)
	require.Contains(out, "Address: ")

	_, err = run(t, "-c", f, "genkey")
	require.ErrorContains(err, "already exists")

	out, err = run(t, "-c", f, "identity")
	require.NoError(err)
	require.Contains(out, "Public key: "+keyURIPrefix)
}

func TestContactsCommands(t *testing.T) {
	require := require.New(t)
	f := writeTestConfig(t)

	bob, err := onion.NewIdentity()
	require.NoError(err)

	_, err = run(t, "-c", f, "contacts", "add", "--name", "Bob", "--key", "zz")
	require.ErrorContains(err, "invalid argument")

	key := keyURIPrefix + hex.EncodeToString(bob.PublicKey())
	out, err := run(t, "-c", f, "contacts", "add", "--name", "Bob", "--key", key)
	require.NoError(err)
	require.Contains(out, bob.Address().String())

	out, err = run(t, "-c", f, "contacts", "group", "--name", "friends", "--member", bob.Address().String())
	require.NoError(err)
	require.Contains(out, "friends")

	out, err = run(t, "-c", f, "contacts", "list")
	require.NoError(err)
	require.Contains(out, "Bob")
	require.Contains(out, "group")

	out, err = run(t, "-c", f, "messages", "--chat", bob.Address().String())
	require.NoError(err)
	require.Empty(out)
}
