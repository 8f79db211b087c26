// main.go - Aenigma client command line.
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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aenigma/aenigma/common"
	"github.com/aenigma/aenigma/config"
)

type options struct {
	configFile string
}

func (o *options) load() (*config.Config, error) {
	if o.configFile == "" {
		return nil, fmt.Errorf("config file must be specified")
	}
	cfg, err := config.LoadFile(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return cfg, nil
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	opts := new(options)

	cmd := &cobra.Command{
		Use:   "aenigma",
		Short: "Aenigma onion messaging client",
		Long: `Aenigma is an end-to-end encrypted messaging client.  Every message is
wrapped in one encryption layer per relay and routed over a random circuit
through the relay graph, from the local guard to the recipient's guard.

The client keeps a session with its guard: it authenticates with the local
identity, publishes its neighborhood, pulls the messages held while it was
away and receives new ones as they arrive.`,
		Example: `
  # Create an identity and print its address
  aenigma -c /etc/aenigma/client.toml genkey

  # Stay connected and print incoming messages
  aenigma -c /etc/aenigma/client.toml run

  # Add a contact and send it a message
  aenigma -c client.toml contacts add --name Bob --key <public key>
  aenigma -c client.toml send --to <address> --text "hello"`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"path to the client configuration file (TOML format)")
	cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(
		newRunCommand(opts),
		newGenkeyCommand(opts),
		newIdentityCommand(opts),
		newSendCommand(opts),
		newMessagesCommand(opts),
		newContactsCommand(opts),
	)
	return cmd
}

func main() {
	rootCmd := newRootCommand()
	common.ExecuteWithFang(rootCmd)
}
