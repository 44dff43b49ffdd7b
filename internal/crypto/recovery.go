// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package crypto

import (
	"encoding/base32"
	"strings"
)

// RecoveryKeyBytes is the amount of entropy behind a recovery key.
const RecoveryKeyBytes = 15

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateRecoveryKey draws 15 random bytes, Base32-encodes them, and
// groups the result into dash-separated blocks of four characters for
// human transcription (e.g. "ABCD-EFGH-...").
func GenerateRecoveryKey() (string, error) {
	raw, err := RandomBytes(RecoveryKeyBytes)
	if err != nil {
		return "", err
	}
	encoded := base32NoPad.EncodeToString(raw)
	return groupInFours(encoded), nil
}

func groupInFours(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeRecoveryKey strips the dash separators and uppercases the
// result, the canonical form used to derive K_r and the recovery key
// hash. It is safe to call on user-entered text in any case/spacing.
func NormalizeRecoveryKey(input string) string {
	stripped := strings.ReplaceAll(input, "-", "")
	stripped = strings.ReplaceAll(stripped, " ", "")
	return strings.ToUpper(stripped)
}
