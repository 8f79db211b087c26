// commands.go - Aenigma client subcommands.
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
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/aenigma/aenigma/client"
	"github.com/aenigma/aenigma/common"
	"github.com/aenigma/aenigma/core/utils"
	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/store"
)

const keyURIPrefix = "aenigma:"

func newClient(opts *options) (*client.Client, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %v", err)
	}
	return c, nil
}

func printMessage(w io.Writer, m *store.Message) {
	fmt.Fprintf(w, "[%s] %s %s: %s\n",
		m.DateCreated.Local().Format(time.DateTime), m.ChatID, m.SenderAddress, m.Text)
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay connected to the guard and print incoming messages",
		Long: `Connect to the guard, publish the local neighborhood, pull the pending
messages and print every incoming message until interrupted.  SIGHUP reopens
the log file and SIGUSR1 restarts an aborted session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			out := cmd.OutOrStdout()
			c.OnMessage(func(m *store.Message) { printMessage(out, m) })
			if err = c.Start(); err != nil {
				return fmt.Errorf("failed to start client: %v", err)
			}

			usr1Ch := make(chan os.Signal, 1)
			signal.Notify(usr1Ch, syscall.SIGUSR1)
			defer signal.Stop(usr1Ch)
			go func() {
				for {
					select {
					case <-cmd.Context().Done():
						return
					case <-usr1Ch:
						if c.ResetAborted() {
							fmt.Fprintln(out, "Session restarted.")
						}
					}
				}
			}()

			log := c.GetLogger("main")
			common.WaitForSignal(cmd.Context(), c.GetBackendLog(), func(err error) {
				log.Errorf("Failed to rotate the log: %v", err)
			})
			return nil
		},
	}
}

func newGenkeyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Create the local identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			exists, err := utils.Exists(cfg.IdentityPath())
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("identity '%v' already exists", cfg.IdentityPath())
			}
			id, _, err := client.LoadIdentity(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Address: %v\n", id.Address())
			return nil
		},
	}
}

func newIdentityCommand(opts *options) *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the local address and public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			id, _, err := client.LoadIdentity(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			key := keyURIPrefix + hex.EncodeToString(id.PublicKey())
			fmt.Fprintf(out, "Address:    %v\nPublic key: %v\n", id.Address(), key)
			if qr {
				qrterminal.GenerateWithConfig(key, qrterminal.Config{
					Level:      qrterminal.L,
					Writer:     out,
					HalfBlocks: true,
					QuietZone:  1,
				})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the public key as a QR code")
	return cmd
}

func newSendCommand(opts *options) *cobra.Command {
	var (
		to      string
		text    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message and wait until the guard accepted it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := graph.ParseAddress(to)
			if err != nil {
				return err
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			if err = c.Start(); err != nil {
				return fmt.Errorf("failed to start client: %v", err)
			}
			id, err := c.Send(chat, text)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			switch err = c.WaitSent(ctx, id); {
			case err == nil:
			case errors.Is(err, client.ErrNotDelivered):
				return fmt.Errorf("message %d was not sent: no reachable recipient", id)
			default:
				return fmt.Errorf("message %d queued but not sent: %v", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message %d sent.\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "address of the contact or group")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the dispatch")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("text")
	return cmd
}

func newMessagesCommand(opts *options) *cobra.Command {
	var chatFlag string
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Print the stored messages of a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := graph.ParseAddress(chatFlag)
			if err != nil {
				return err
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			msgs, err := c.Messages(chat)
			if err != nil {
				return err
			}
			for i := range msgs {
				if !msgs[i].Deleted {
					printMessage(cmd.OutOrStdout(), &msgs[i])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chatFlag, "chat", "", "address of the contact or group")
	cmd.MarkFlagRequired("chat")
	return cmd
}

func newContactsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage contacts",
	}

	var name, key string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or rename a contact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := hex.DecodeString(strings.TrimPrefix(key, keyURIPrefix))
			if err != nil {
				return fmt.Errorf("invalid argument: public key: %v", err)
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			ct, err := c.AddContact(name, pub)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v %v\n", ct.Address, ct.Name)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "contact name")
	add.Flags().StringVar(&key, "key", "", "contact public key, as printed by the identity command")
	add.MarkFlagRequired("name")
	add.MarkFlagRequired("key")

	list := &cobra.Command{
		Use:   "list",
		Short: "List contacts and groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			contacts, err := c.Contacts()
			if err != nil {
				return err
			}
			for _, ct := range contacts {
				kind := "contact"
				if ct.Kind == store.KindGroup {
					kind = "group"
				}
				guard := "-"
				if ct.HasGuard() {
					guard = ct.GuardAddress.String()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v %-7s %-20s guard %v\n", ct.Address, kind, ct.Name, guard)
			}
			return nil
		},
	}

	var members []string
	group := &cobra.Command{
		Use:   "group",
		Short: "Create a group of contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := make([]graph.Address, 0, len(members))
			for _, m := range members {
				a, err := graph.ParseAddress(m)
				if err != nil {
					return err
				}
				addrs = append(addrs, a)
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			g, err := c.CreateGroup(name, addrs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v %v\n", g.Address, g.Name)
			return nil
		},
	}
	group.Flags().StringVar(&name, "name", "", "group name")
	group.Flags().StringSliceVar(&members, "member", nil, "member address, repeatable")
	group.MarkFlagRequired("name")
	group.MarkFlagRequired("member")

	cmd.AddCommand(add, list, group)
	return cmd
}
