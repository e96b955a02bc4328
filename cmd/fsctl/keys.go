// keys.go - Key generation command.
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

	"github.com/spf13/cobra"

	"github.com/fscore/fscore/core/crypto/nacl"
	"github.com/fscore/fscore/node"
)

func newGenKeypairCommand(storageKey func() (*[nacl.SymmetricKeySize]byte, error)) *cobra.Command {
	var seedHex, out string

	cmd := &cobra.Command{
		Use:   "genkeypair",
		Short: "Generate an identity key pair",
		Long: `Generate a X25519 identity key pair.  The private key is written to the
--out file sealed under the storage passphrase, or printed hex encoded if
no file is given.  A seed, if supplied, is mixed into the random private
key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var seed []byte
			if seedHex != "" {
				var err error
				if seed, err = hex.DecodeString(seedHex); err != nil {
					return fmt.Errorf("invalid seed: %v", err)
				}
				defer clear(seed)
			}

			kp, err := nacl.GenerateKeypair(seed)
			if err != nil {
				return err
			}
			defer kp.Reset()

			w := cmd.OutOrStdout()
			if out != "" {
				key, err := storageKey()
				if err != nil {
					return err
				}
				defer clear(key[:])
				if err = node.SaveKeyPair(out, kp, key); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(w, "private: %x\n", kp.PrivateKey[:])
			}
			fmt.Fprintf(w, "public: %x\n", kp.PublicKey[:])
			return nil
		},
	}

	cmd.Flags().StringVar(&seedHex, "seed-hex", "", "hex encoded 32 byte seed")
	cmd.Flags().StringVarP(&out, "out", "o", "", "private key file to create")
	return cmd
}
