// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/mobpoly/securenetdisk/internal/store"
)

// Log configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Database configuration
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

func (dc *DatabaseConfig) openState() (*store.State, error) {
	if dc.DSN == "" {
		return nil, errors.New("database configuration error: dsn is required")
	}

	dc.Type = strings.ToLower(dc.Type)
	if dc.Type != "sqlite" && dc.Type != "postgres" {
		return nil, fmt.Errorf("unsupported database type: %s (must be 'sqlite' or 'postgres')", dc.Type)
	}

	return store.InitDB(dc.Type, dc.DSN)
}

// SecurityConfig holds the secure-transport and session-manager knobs
// spec.md §4.3-§5 leave as server policy rather than wire constants:
// identity key location, the session LRU's bounds, and the
// handshake's per-connection acceptance rate.
type SecurityConfig struct {
	IdentityKeyPath     string        `mapstructure:"identity_key"`
	MaxSessions         int           `mapstructure:"max_sessions"`
	SessionTimeout      time.Duration `mapstructure:"session_timeout"`
	SessionSweep        time.Duration `mapstructure:"session_sweep_interval"`
	HandshakeRatePerSec float64       `mapstructure:"handshake_rate_per_sec"`
	HandshakeBurst      int           `mapstructure:"handshake_burst"`
}

func (sc *SecurityConfig) applyDefaults() {
	if sc.MaxSessions <= 0 {
		sc.MaxSessions = 10_000
	}
	if sc.SessionTimeout <= 0 {
		sc.SessionTimeout = 3600 * time.Second
	}
	if sc.SessionSweep <= 0 {
		sc.SessionSweep = 60 * time.Second
	}
	if sc.HandshakeRatePerSec <= 0 {
		sc.HandshakeRatePerSec = 50
	}
	if sc.HandshakeBurst <= 0 {
		sc.HandshakeBurst = 100
	}
}

func (sc *SecurityConfig) validate() error {
	if sc.IdentityKeyPath == "" {
		return errors.New("security.identity_key is required")
	}
	return nil
}

// FSBlobParams are the parameters of the filesystem blob backend.
type FSBlobParams struct {
	Dir string `mapstructure:"dir"`
}

// BlobConfig configures the ciphertext blob store. Unmarshalling is
// two-step: the backend name is decoded first, then RawParams is
// decoded into the backend-specific parameter struct. See
// UnmarshalParams() below.
type BlobConfig struct {
	Backend   string                 `mapstructure:"backend"`
	RawParams map[string]interface{} `mapstructure:"params"`
	// Dir is shorthand for backend "fs" with params.dir, the form the
	// --blobs.dir flag sets.
	Dir string `mapstructure:"dir"`

	FS *FSBlobParams
}

// UnmarshalParams converts RawParams to the typed parameter field for
// the configured backend. This must be called after Viper
// unmarshaling.
func (bc *BlobConfig) UnmarshalParams() error {
	if bc.Backend == "" {
		bc.Backend = "fs"
	}
	switch bc.Backend {
	case "fs":
		params := FSBlobParams{Dir: bc.Dir}
		if bc.RawParams != nil {
			if err := mapstructure.Decode(bc.RawParams, &params); err != nil {
				return fmt.Errorf("failed to decode params for fs blob backend: %w", err)
			}
		}
		if params.Dir == "" {
			return errors.New("blobs.dir is required")
		}
		bc.FS = &params
	default:
		return fmt.Errorf("unsupported blob backend %q", bc.Backend)
	}
	bc.RawParams = nil
	return nil
}

// ServerConfig holds the common contents of the configuration file:
// the listen address plus one section per subsystem (logging,
// database, security, blob storage).
type ServerConfig struct {
	Listen   string         `mapstructure:"listen"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DatabaseConfig `mapstructure:"db"`
	Security SecurityConfig `mapstructure:"security"`
	Blobs    BlobConfig     `mapstructure:"blobs"`
}

func (c *ServerConfig) validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	c.Security.applyDefaults()
	if err := c.Security.validate(); err != nil {
		return err
	}
	return c.Blobs.UnmarshalParams()
}
