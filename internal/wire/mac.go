// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package wire

import (
	"crypto/hmac"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
)

func hmacOver(key, data []byte) [MACSize]byte {
	var out [MACSize]byte
	copy(out[:], appcrypto.ComputeHMAC(key, data))
	return out
}

func ctEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
