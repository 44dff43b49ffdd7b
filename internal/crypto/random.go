// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package crypto implements the primitives used to build the secure
// transport and the end-to-end key hierarchy: AES (CBC/CTR/GCM),
// RSA-2048 (OAEP/PKCS1v15), 2048-bit MODP Diffie-Hellman, PBKDF2, and
// bcrypt-over-SHA256 password hashing.
package crypto

import "crypto/rand"

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
