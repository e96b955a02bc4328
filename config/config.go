// config.go - fscore configuration.
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

// Package config provides the fscore configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/secure/precis"
)

const (
	defaultLogLevel           = "NOTICE"
	defaultPrivateKeyFile     = "identity.key"
	defaultNonceDB            = "nonce.db"
	defaultSessionDB          = "sessions.db"
	defaultTerminateRateLimit = 0.1
	defaultTerminateBurst     = 5
	defaultExportChunkSize    = 1000
	defaultSyncInterval       = 60 * 1000 // 60 sec.

	// IdentityLength is the length of an identity string.
	IdentityLength = 8
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
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Identity is the local identity configuration.
type Identity struct {
	// Identity is the local identity string.
	Identity string

	// PrivateKeyFile is the file holding the sealed private key, relative
	// to the DataDir unless absolute.
	PrivateKeyFile string

	// Nickname is announced to peers when a session is started.
	Nickname string
}

func (iCfg *Identity) validate() error {
	if len(iCfg.Identity) != IdentityLength {
		return fmt.Errorf("config: Identity: Identity '%v' is not %d characters", iCfg.Identity, IdentityLength)
	}
	for _, c := range iCfg.Identity {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '*' {
			return fmt.Errorf("config: Identity: Identity '%v' has invalid character '%c'", iCfg.Identity, c)
		}
	}
	if iCfg.PrivateKeyFile == "" {
		iCfg.PrivateKeyFile = defaultPrivateKeyFile
	}
	if iCfg.Nickname != "" {
		n, err := precis.Nickname.String(iCfg.Nickname)
		if err != nil {
			return fmt.Errorf("config: Identity: invalid Nickname '%v': %v", iCfg.Nickname, err)
		}
		iCfg.Nickname = n
	}
	return nil
}

// Storage is the persistent state configuration.
type Storage struct {
	// DataDir is the absolute path to the state files.
	DataDir string
}

func (sCfg *Storage) validate() error {
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Storage: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// ForwardSecurity is the forward security configuration.
type ForwardSecurity struct {
	// Disable disables forward security.
	Disable bool

	// TerminateRateLimit is the number of Terminates per second that may
	// be sent to a single peer.
	TerminateRateLimit float64

	// TerminateBurst is the per peer Terminate burst size.
	TerminateBurst int
}

func (fCfg *ForwardSecurity) applyDefaults() {
	if fCfg.TerminateRateLimit <= 0 {
		fCfg.TerminateRateLimit = defaultTerminateRateLimit
	}
	if fCfg.TerminateBurst <= 0 {
		fCfg.TerminateBurst = defaultTerminateBurst
	}
}

// Nonce is the nonce store configuration.
type Nonce struct {
	// BloomEntries is the number of nonces the bloom filters are sized
	// for, 0 selects the store default.
	BloomEntries int

	// BloomFalsePositiveRate is the bloom filter false positive rate, 0
	// selects the store default.
	BloomFalsePositiveRate float64

	// ExportChunkSize is the number of hashed nonces per export chunk.
	ExportChunkSize int

	// SyncInterval is the interval between forced syncs of the store to
	// disk in milliseconds.  Commits are not synced individually.
	SyncInterval int
}

func (nCfg *Nonce) applyDefaults() {
	if nCfg.ExportChunkSize <= 0 {
		nCfg.ExportChunkSize = defaultExportChunkSize
	}
	if nCfg.SyncInterval <= 0 {
		nCfg.SyncInterval = defaultSyncInterval
	}
}

func (nCfg *Nonce) validate() error {
	if nCfg.BloomEntries < 0 {
		return fmt.Errorf("config: Nonce: BloomEntries %v is negative", nCfg.BloomEntries)
	}
	if nCfg.BloomFalsePositiveRate < 0 || nCfg.BloomFalsePositiveRate >= 1 {
		return fmt.Errorf("config: Nonce: BloomFalsePositiveRate %v is invalid", nCfg.BloomFalsePositiveRate)
	}
	return nil
}

// Metrics is the prometheus metrics configuration.
type Metrics struct {
	// Address is the address/port to bind the metrics endpoint to, if
	// omitted metrics are not served.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if _, err := netip.ParseAddrPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Config is the top level fscore configuration.
type Config struct {
	Logging         *Logging
	Identity        *Identity
	Storage         *Storage
	ForwardSecurity *ForwardSecurity
	Nonce           *Nonce
	Metrics         *Metrics
}

// Path returns the path of the state file name.
func (cfg *Config) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.Storage.DataDir, name)
}

// NonceDB returns the path of the nonce store.
func (cfg *Config) NonceDB() string {
	return cfg.Path(defaultNonceDB)
}

// SessionDB returns the path of the session store.
func (cfg *Config) SessionDB() string {
	return cfg.Path(defaultSessionDB)
}

// PrivateKeyFile returns the path of the private key file.
func (cfg *Config) PrivateKeyFile() string {
	return cfg.Path(cfg.Identity.PrivateKeyFile)
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Identity and Storage sections are mandatory, everything else is
	// optional.
	if cfg.Identity == nil {
		return errors.New("config: No Identity block was present")
	}
	if cfg.Storage == nil {
		return errors.New("config: No Storage block was present")
	}
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if cfg.ForwardSecurity == nil {
		cfg.ForwardSecurity = &ForwardSecurity{}
	}
	if cfg.Nonce == nil {
		cfg.Nonce = &Nonce{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Identity.validate(); err != nil {
		return err
	}
	if err := cfg.Storage.validate(); err != nil {
		return err
	}
	if err := cfg.Nonce.validate(); err != nil {
		return err
	}
	if err := cfg.Metrics.validate(); err != nil {
		return err
	}
	cfg.ForwardSecurity.applyDefaults()
	cfg.Nonce.applyDefaults()
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No nil buffer as config file")
	}

	cfg := new(Config)
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
