// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"

	"github.com/mobpoly/securenetdisk/internal/blobstore"
	"github.com/mobpoly/securenetdisk/internal/email"
	"github.com/mobpoly/securenetdisk/internal/groups"
	"github.com/mobpoly/securenetdisk/internal/server"
	"github.com/mobpoly/securenetdisk/internal/session"
	"github.com/mobpoly/securenetdisk/internal/upload"
)

// serveCmd boots the full server: metadata store, blob store, group
// and email services, the session manager, and the TCP accept loop
// over the raw framed transport of spec.md §4.2-§4.5.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the secure network disk protocol",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return rootCmdLoadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":9443", "TCP address to listen on")
	serveCmd.Flags().String("db.type", "sqlite", "Database driver (sqlite or postgres)")
	serveCmd.Flags().String("db.dsn", "", "Database DSN")
	serveCmd.Flags().String("security.identity_key", "", "Path to the server's persisted RSA identity key (generated on first run if absent)")
	serveCmd.Flags().String("blobs.dir", "", "Directory backing the blob store")
}

// loadServerConfig decodes the merged viper state (config file with
// command-line flags taking precedence per viper's own binding
// rules) into a ServerConfig.
func loadServerConfig(cmd *cobra.Command) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := validateDBPassword(dsnSecret(cfg.DB.DSN)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}

	st, err := cfg.DB.openState()
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}

	blobs, err := blobstore.New(cfg.Blobs.FS.Dir)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	identityKey, identityPubPEM, err := loadOrCreateIdentityKey(cfg.Security.IdentityKeyPath)
	if err != nil {
		return fmt.Errorf("loading server identity key: %w", err)
	}
	slog.Info("server: identity key ready", "fingerprint", appcrypto.Fingerprint(identityPubPEM))

	sessions := session.NewManager(cfg.Security.MaxSessions, cfg.Security.SessionTimeout, cfg.Security.SessionSweep)
	defer sessions.Close()

	srv := server.New(server.Config{
		ListenAddr:     cfg.Listen,
		IdentityKey:    identityKey,
		IdentityPubPEM: identityPubPEM,
		Store:          st,
		Blobs:          blobs,
		Groups:         groups.New(st),
		Email:          email.New(st, email.LoggingSender{}),
		Uploads:        upload.New(blobs, st),
		Sessions:       sessions,
		HandshakeRate:  rate.Limit(cfg.Security.HandshakeRatePerSec),
		HandshakeBurst: cfg.Security.HandshakeBurst,
	})

	return srv.Run(context.Background())
}

// loadOrCreateIdentityKey reads the server's persisted RSA identity
// key from path, generating and persisting a fresh RSA-2048 keypair
// on first start if the file does not exist (spec.md §6 "A single
// RSA-2048 keypair persisted to disk on first start").
func loadOrCreateIdentityKey(path string) (*rsa.PrivateKey, []byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		priv, err := appcrypto.ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing identity key at %s: %w", path, err)
		}
		pubPEM, err := appcrypto.MarshalPublicKeyPEM(&priv.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		return priv, pubPEM, nil
	} else if !os.IsNotExist(err) {
		return nil, nil, err
	}

	priv, err := appcrypto.GenerateRSAKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, err
		}
	}
	if err := os.WriteFile(path, appcrypto.MarshalPrivateKeyPEM(priv), 0o600); err != nil {
		return nil, nil, err
	}
	pubPEM, err := appcrypto.MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("server: generated new identity key", "path", path)
	return priv, pubPEM, nil
}

// dsnSecret extracts the password component out of a postgres:// DSN
// worth strength-checking; unparsed or non-credentialed DSNs (e.g. a
// bare SQLite file path) are left unchecked.
func dsnSecret(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return ""
	}
	pass, _ := u.User.Password()
	return pass
}
