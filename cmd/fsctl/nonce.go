// nonce.go - Nonce store commands.
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
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"github.com/fscore/fscore/config"
	"github.com/fscore/fscore/nonce"
)

// exportChunk is one record of a nonce export file, which is a sequence of
// CBOR encoded chunks.
type exportChunk struct {
	Identity string              `cbor:"identity"`
	Scope    string              `cbor:"scope"`
	Nonces   []nonce.HashedNonce `cbor:"nonces"`
}

func openNonceStore(cfg *config.Config) (*nonce.Store, error) {
	return nonce.New(cfg.NonceDB(), cfg.Identity.Identity, &nonce.Options{
		BloomEntries:           cfg.Nonce.BloomEntries,
		BloomFalsePositiveRate: cfg.Nonce.BloomFalsePositiveRate,
	})
}

func scopesOf(s string) ([]nonce.Scope, error) {
	if s == "" {
		return nonce.Scopes, nil
	}
	scope, err := nonce.ParseScope(s)
	if err != nil {
		return nil, err
	}
	return []nonce.Scope{scope}, nil
}

func newNonceCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	var scopeName string

	cmd := &cobra.Command{
		Use:   "nonce",
		Short: "Inspect, export and import the nonce store",
	}
	cmd.PersistentFlags().StringVar(&scopeName, "scope", "", "nonce scope (csp or d2d), every scope if omitted")

	withStore := func(fn func(*cobra.Command, []string, *config.Config, *nonce.Store, []nonce.Scope) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			scopes, err := scopesOf(scopeName)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openNonceStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return fn(cmd, args, cfg, s, scopes)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of stored nonces",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, _ []string, _ *config.Config, s *nonce.Store, scopes []nonce.Scope) error {
			for _, scope := range scopes {
				n, err := s.Count(scope)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v: %d\n", scope, n)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export FILE",
		Short: "Export the hashed nonces",
		Long: `Export the hashed nonces to FILE.  The export can only be imported into
a store of the same identity.`,
		Args: cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, s *nonce.Store, scopes []nonce.Scope) error {
			f, err := os.OpenFile(args[0], os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
			if err != nil {
				return err
			}
			total, err := exportNonces(f, s, cfg.Identity.Identity, scopes, cfg.Nonce.ExportChunkSize)
			if cErr := f.Close(); err == nil {
				err = cErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d nonces\n", total)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Import hashed nonces exported by nonce export",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, s *nonce.Store, scopes []nonce.Scope) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			total, err := importNonces(f, s, cfg.Identity.Identity, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d nonces\n", total)
			return nil
		}),
	})
	return cmd
}

func exportNonces(w io.Writer, s *nonce.Store, identity string, scopes []nonce.Scope, chunkSize int) (int, error) {
	enc := cbor.NewEncoder(w)
	total := 0
	for _, scope := range scopes {
		for offset := 0; ; {
			var chunk []nonce.HashedNonce
			if err := s.AddHashedNoncesChunk(scope, chunkSize, offset, &chunk); err != nil {
				return total, err
			}
			if len(chunk) == 0 {
				break
			}
			if err := enc.Encode(&exportChunk{Identity: identity, Scope: scope.String(), Nonces: chunk}); err != nil {
				return total, err
			}
			offset += len(chunk)
			total += len(chunk)
		}
	}
	return total, nil
}

func importNonces(r io.Reader, s *nonce.Store, identity string, scopes []nonce.Scope) (int, error) {
	dec := cbor.NewDecoder(r)
	total := 0
	for {
		var chunk exportChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
		if chunk.Identity != identity {
			return total, fmt.Errorf("%w: export of %v", nonce.ErrIdentityMismatch, chunk.Identity)
		}
		scope, err := nonce.ParseScope(chunk.Scope)
		if err != nil {
			return total, err
		}
		if !slices.Contains(scopes, scope) {
			continue
		}
		if _, err = s.InsertHashedNonces(scope, chunk.Nonces); err != nil {
			return total, err
		}
		total += len(chunk.Nonces)
	}
}
