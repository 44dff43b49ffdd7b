// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2Iterations is the iteration count used for every password- and
// recovery-key-derived wrap key.
const PBKDF2Iterations = 100_000

// SaltSize is the length of the random salts stored alongside
// PBKDF2-derived keys.
const SaltSize = 16

// DeriveKey runs PBKDF2-HMAC-SHA256 over secret and salt, returning a
// 32-byte key suitable for AES-256-CBC wrapping.
func DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, PBKDF2Iterations, KeySize, sha256.New)
}

// SHA256Sum returns the SHA-256 digest of data.
func SHA256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
