// file.go - File encryption commands.
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
	"io"
	"os"

	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/fscore/fscore/core/crypto/nacl"
)

// An encrypted file is the random nonce followed by the authentication tag
// and the ciphertext.

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %v", err)
	}
	if len(key) != nacl.SymmetricKeySize {
		return nil, fmt.Errorf("invalid key: length %d", len(key))
	}
	return key, nil
}

func readInto(path string, reserve int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, reserve+int(fi.Size()))
	if _, err = io.ReadFull(f, buf[reserve:]); err != nil {
		return nil, err
	}
	return buf, nil
}

func newEncryptFileCommand() *cobra.Command {
	var keyHex string
	var chunkSize int

	cmd := &cobra.Command{
		Use:   "encrypt-file IN OUT",
		Short: "Encrypt a file with a symmetric key",
		Long: `Encrypt the file IN to OUT in place, chunk by chunk.  A random key is
generated and printed unless one is given with --key.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key []byte
			var err error
			if keyHex != "" {
				if key, err = decodeKey(keyHex); err != nil {
					return err
				}
			} else {
				key = make([]byte, nacl.SymmetricKeySize)
				if _, err = io.ReadFull(rand.Reader, key); err != nil {
					return err
				}
			}

			buf, err := readInto(args[0], nacl.NonceSize+nacl.Overhead)
			if err != nil {
				return err
			}
			n := buf[:nacl.NonceSize]
			if _, err = io.ReadFull(rand.Reader, n); err != nil {
				return err
			}
			if err = nacl.EncryptInPlace(buf[nacl.NonceSize:], key, n, chunkSize); err != nil {
				return err
			}
			if err = os.WriteFile(args[1], buf, 0600); err != nil {
				return err
			}
			if keyHex == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "key: %x\n", key)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "hex encoded 32 byte key")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", nacl.DefaultChunkSize, "processing chunk size in bytes")
	return cmd
}

func newDecryptFileCommand() *cobra.Command {
	var keyHex string
	var chunkSize int

	cmd := &cobra.Command{
		Use:   "decrypt-file IN OUT",
		Short: "Decrypt a file encrypted by encrypt-file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := decodeKey(keyHex)
			if err != nil {
				return err
			}
			defer clear(key)

			buf, err := readInto(args[0], 0)
			if err != nil {
				return err
			}
			if len(buf) < nacl.NonceSize+nacl.Overhead {
				return fmt.Errorf("'%v' is truncated", args[0])
			}
			box := buf[nacl.NonceSize:]
			if err = nacl.DecryptInPlace(box, key, buf[:nacl.NonceSize], chunkSize); err != nil {
				return err
			}
			return os.WriteFile(args[1], box[:len(box)-nacl.Overhead], 0600)
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "hex encoded 32 byte key")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", nacl.DefaultChunkSize, "processing chunk size in bytes")
	cmd.MarkFlagRequired("key")
	return cmd
}
