// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
)

var keygenOutPath string

// keygenCmd generates the server's long-lived RSA-2048 identity
// keypair ahead of time, for operators who want to provision and
// distribute the fingerprint before the first `serve` run generates
// one implicitly.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new server identity key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenOutPath == "" {
			return fmt.Errorf("--out is required")
		}
		if _, err := os.Stat(keygenOutPath); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite an existing identity key", keygenOutPath)
		}
		priv, pubPEM, err := loadOrCreateIdentityKey(keygenOutPath)
		if err != nil {
			return err
		}
		_ = priv
		fmt.Printf("identity key written to %s\nfingerprint: %s\n", keygenOutPath, appcrypto.Fingerprint(pubPEM))
		return nil
	},
}

var printFingerprintKeyPath string

// printFingerprintCmd reports the fingerprint of an existing identity
// key file, the out-of-band verification anchor clients compare
// against on trust-on-first-use (spec.md §6).
var printFingerprintCmd = &cobra.Command{
	Use:   "print-fingerprint",
	Short: "Print the fingerprint of the server's identity key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if printFingerprintKeyPath == "" {
			return fmt.Errorf("--key is required")
		}
		data, err := os.ReadFile(printFingerprintKeyPath)
		if err != nil {
			return err
		}
		priv, err := appcrypto.ParsePrivateKeyPEM(data)
		if err != nil {
			return err
		}
		pubPEM, err := appcrypto.MarshalPublicKeyPEM(&priv.PublicKey)
		if err != nil {
			return err
		}
		fmt.Println(appcrypto.Fingerprint(pubPEM))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenOutPath, "out", "", "Path to write the new identity key to")

	rootCmd.AddCommand(printFingerprintCmd)
	printFingerprintCmd.Flags().StringVar(&printFingerprintKeyPath, "key", "", "Path to the server's identity key")
}
