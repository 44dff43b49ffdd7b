// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package crypto

import "golang.org/x/crypto/bcrypt"

// BcryptCost is applied to the client-supplied SHA-256 prehash of the
// password, never to the raw password itself: the server must never
// see raw passwords on the wire or at rest.
const BcryptCost = 12

// HashPassword bcrypt-hashes a prehash (the raw 32-byte SHA-256 digest
// of the user's raw password, computed client-side; it travels
// hex-encoded on the wire and is decoded before reaching here).
func HashPassword(prehash []byte) (string, error) {
	h, err := bcrypt.GenerateFromPassword(prehash, BcryptCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyPassword reports whether prehash matches the stored bcrypt
// hash.
func VerifyPassword(hash string, prehash []byte) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), prehash) == nil
}
