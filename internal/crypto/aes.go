// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrInvalidCiphertext is returned when a blob is too short or its
// padding is malformed.
var ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")

// EncryptCBC encrypts plaintext under key using AES-256-CBC with a
// fresh random IV and PKCS#7 padding. The returned blob is
// IV(16) || ciphertext, matching the on-disk/at-rest wrap format used
// throughout the key hierarchy (master key, private key, file keys).
func EncryptCBC(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	out := make([]byte, len(iv)+len(padded))
	copy(out, iv)
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[len(iv):], padded)
	return out, nil
}

// DecryptCBC reverses EncryptCBC. blob must be IV(16) || ciphertext.
func DecryptCBC(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aes.BlockSize || (len(blob)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}
	iv, ct := blob[:aes.BlockSize], blob[aes.BlockSize:]
	if len(ct) == 0 {
		return nil, ErrInvalidCiphertext
	}
	out := make([]byte, len(ct))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, ct)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, ErrInvalidCiphertext
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > n {
		return nil, ErrInvalidCiphertext
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidCiphertext
		}
	}
	return data[:n-padLen], nil
}

// CTRStream wraps a cipher.Stream so that callers (the streaming
// upload/download engines) can hold a single counter across many
// chunk-sized Encrypt/Decrypt calls, as required by the invariant that
// CTR counter state must span an entire blob.
type CTRStream struct {
	stream cipher.Stream
}

// NewCTRStream constructs a streaming AES-256-CTR cipher. nonce is the
// 8-byte per-file nonce; the low 8 bytes of the 16-byte IV are left
// zero as the initial block counter.
func NewCTRStream(key, nonce []byte) (*CTRStream, error) {
	if len(nonce) != 8 {
		return nil, errors.New("crypto: CTR nonce must be 8 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce)
	return &CTRStream{stream: cipher.NewCTR(block, iv)}, nil
}

// XORKeyStream encrypts or decrypts (AES-CTR is its own inverse) dst
// in place from src, advancing the shared counter.
func (s *CTRStream) XORKeyStream(dst, src []byte) {
	s.stream.XORKeyStream(dst, src)
}

// EncryptGCM is reserved per spec (not currently wired into any wire
// format) but kept available for callers that need authenticated
// encryption without a separate MAC pass.
func EncryptGCM(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, additionalData), nil
}

// DecryptGCM reverses EncryptGCM.
func DecryptGCM(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, additionalData)
}
