// session.go - Session commands.
// Copyright (C) 2026  The fscore authors.
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
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/charmbracelet/colorprofile"
	"github.com/spf13/cobra"

	"github.com/fscore/fscore/config"
	"github.com/fscore/fscore/core/crypto/nacl"
	"github.com/fscore/fscore/fs"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	fourDHStyle = cellStyle.Foreground(lipgloss.Color("10"))
)

func sessionTable(infos []fs.SessionInfo) *table.Table {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PEER", "SESSION", "STATE", "VERSION", "MY COUNTER", "PEER COUNTER", "LAST OUTGOING")
	for _, info := range infos {
		last := "never"
		if !info.LastOutgoingMessageTimestamp.IsZero() {
			last = info.LastOutgoingMessageTimestamp.Format(time.RFC3339)
		}
		version := "-"
		if info.Versions != nil {
			version = info.Versions.Local.String()
		}
		t.Row(info.Peer, info.ID.String(), info.State, version,
			strconv.FormatUint(info.MyCounter, 10), strconv.FormatUint(info.PeerCounter, 10), last)
	}
	return t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case col == 2 && infos[row].State == fs.StateRL44.String():
			return fourDHStyle
		default:
			return cellStyle
		}
	})
}

func parseSessionID(s string) (fs.SessionID, error) {
	var id fs.SessionID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("invalid session id '%v'", s)
	}
	copy(id[:], b)
	return id, nil
}

func newSessionCommand(loadConfig func() (*config.Config, error), storageKey func() (*[nacl.SymmetricKeySize]byte, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and terminate forward security sessions",
	}

	withStore := func(fn func(*cobra.Command, []string, string, *fs.BoltSessionStore) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := storageKey()
			if err != nil {
				return err
			}
			defer clear(key[:])
			s, err := fs.NewBoltSessionStore(cfg.SessionDB(), key)
			if err != nil {
				return err
			}
			defer s.Close()
			return fn(cmd, args, cfg.Identity.Identity, s)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [PEER]",
		Short: "List the sessions with PEER, or with every peer",
		Args:  cobra.MaximumNArgs(1),
		RunE: withStore(func(cmd *cobra.Command, args []string, identity string, s *fs.BoltSessionStore) error {
			peers := args
			if len(peers) == 0 {
				var err error
				if peers, err = s.Peers(identity); err != nil {
					return err
				}
			}

			var infos []fs.SessionInfo
			for _, peer := range peers {
				sessions, err := s.GetAll(identity, peer)
				if err != nil {
					return err
				}
				for _, session := range sessions {
					infos = append(infos, session.Info())
					session.Wipe()
				}
			}
			w := colorprofile.NewWriter(cmd.OutOrStdout(), os.Environ())
			_, err := fmt.Fprintln(w, sessionTable(infos).String())
			return err
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "terminate PEER [SESSION]",
		Short: "Delete the sessions with PEER",
		Long: `Delete the session SESSION with PEER, or every session with PEER.  No
Terminate is sent, the peer learns of the deletion the next time it uses
the session.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: withStore(func(cmd *cobra.Command, args []string, identity string, s *fs.BoltSessionStore) error {
			peer := args[0]
			var ids []fs.SessionID
			if len(args) == 2 {
				id, err := parseSessionID(args[1])
				if err != nil {
					return err
				}
				ids = append(ids, id)
			} else {
				sessions, err := s.GetAll(identity, peer)
				if err != nil {
					return err
				}
				for _, session := range sessions {
					ids = append(ids, session.ID)
					session.Wipe()
				}
			}

			n := 0
			for _, id := range ids {
				deleted, err := s.Delete(identity, peer, id)
				if err != nil {
					return err
				}
				if deleted {
					n++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sessions with %v\n", n, peer)
			return nil
		}),
	})
	return cmd
}
