// main.go - fscore control utility.
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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/fscore/fscore/config"
	"github.com/fscore/fscore/core/crypto/nacl"
	"github.com/fscore/fscore/node"
)

const passphraseEnv = "FSCORE_PASSPHRASE"

var errNoPassphrase = errors.New("storage passphrase required: use --passphrase-file or " + passphraseEnv)

func readPassphrase(file string) ([]byte, error) {
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		b = bytes.TrimRight(b, "\r\n")
		if len(b) == 0 {
			return nil, errNoPassphrase
		}
		return b, nil
	}
	if p := os.Getenv(passphraseEnv); p != "" {
		return []byte(p), nil
	}
	return nil, errNoPassphrase
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var configFile, passphraseFile string

	cmd := &cobra.Command{
		Use:   "fsctl",
		Short: "fscore control utility",
		Long: `fsctl manages the local state of a fscore node: the identity key pair,
the nonce store used for replay protection, and the forward security
sessions held with each peer.

The nonce and session commands operate on the stores directly, and must
not be run while the node is running.  The identity key file and the
session store are sealed under a key derived from the storage passphrase,
read from --passphrase-file or the FSCORE_PASSPHRASE environment variable.`,
		Example: `  # Generate an identity key pair sealed under $FSCORE_PASSPHRASE
  fsctl genkeypair --out /var/lib/fscore/identity.key

  # Count the stored nonces
  fsctl -f /etc/fscore/fscore.toml nonce count

  # List the sessions with every peer
  fsctl -f /etc/fscore/fscore.toml session list`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", "fscore.toml",
		"path to the fscore configuration file (TOML format)")
	cmd.PersistentFlags().StringVar(&passphraseFile, "passphrase-file", "",
		"file holding the storage passphrase")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.LoadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
		}
		return cfg, nil
	}
	storageKey := func() (*[nacl.SymmetricKeySize]byte, error) {
		p, err := readPassphrase(passphraseFile)
		if err != nil {
			return nil, err
		}
		defer clear(p)
		return node.StorageKey(p), nil
	}

	cmd.AddCommand(
		newGenKeypairCommand(storageKey),
		newEncryptFileCommand(),
		newDecryptFileCommand(),
		newNonceCommand(loadConfig),
		newSessionCommand(loadConfig, storageKey),
	)
	return cmd
}

// errorHandlerWithUsage prints the error, followed by the usage of cmd for
// command line errors or a --help hint otherwise.
func errorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if isUsageError(err) {
			_, _ = fmt.Fprint(colorprofile.NewWriter(w, os.Environ()), cmd.UsageString())
			return
		}
		_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
			lipgloss.Left,
			styles.ErrorText.UnsetWidth().Render("Try"),
			styles.Program.Flag.Render("--help"),
			styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
		))
		_, _ = fmt.Fprintln(w)
	}
}

func isUsageError(err error) bool {
	if errors.Is(err, errNoPassphrase) {
		return true
	}
	s := err.Error()
	for _, prefix := range []string{
		"flag needs an argument:",
		"unknown flag:",
		"unknown shorthand flag:",
		"unknown command",
		"invalid argument",
		"required flag",
		"accepts",
		"arg(s), received",
		"failed to load config file",
	} {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(errorHandlerWithUsage(rootCmd)),
	); err != nil {
		os.Exit(1)
	}
}
