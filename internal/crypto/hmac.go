// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HMACSize is the output length of HMAC-SHA256.
const HMACSize = sha256.Size

// ComputeHMAC returns HMAC-SHA256(key, data).
func ComputeHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC reports whether tag is a valid HMAC-SHA256 over data
// under key, using a constant-time comparison.
func VerifyHMAC(key, data, tag []byte) bool {
	expected := ComputeHMAC(key, data)
	return hmac.Equal(expected, tag)
}
