// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // OAEP-SHA1 is the wire-pinned mode for wrapping group/master keys.
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
)

// RSAKeyBits is the RSA modulus size used for every user and server
// identity keypair.
const RSAKeyBits = 2048

// MaxOAEPPayload is the largest payload RSA-2048/OAEP-SHA1 can wrap
// (used for 32-byte master/group keys, well under the limit).
const MaxOAEPPayload = 214

// GenerateRSAKeyPair creates a fresh RSA-2048 keypair.
func GenerateRSAKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeyBits)
}

// MarshalPublicKeyPEM encodes a public key as a PKIX PEM block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PKIX PEM-encoded RSA public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("crypto: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("crypto: PEM block is not an RSA public key")
	}
	return rsaPub, nil
}

// MarshalPrivateKeyPEM encodes a private key as a PKCS#1 PEM block
// (the plaintext form that is then itself AES-CBC wrapped under the
// master key before ever touching disk or the wire).
func MarshalPrivateKeyPEM(priv *rsa.PrivateKey) []byte {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

// ParsePrivateKeyPEM decodes a PKCS#1 PEM-encoded RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("crypto: no PEM block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// OAEPEncrypt wraps a short payload (a 32-byte file/group/master key)
// under pub using RSA-OAEP with SHA-1, per the wire-pinned mode.
func OAEPEncrypt(pub *rsa.PublicKey, payload []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, payload, nil) //nolint:gosec
}

// OAEPDecrypt reverses OAEPEncrypt.
func OAEPDecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil) //nolint:gosec
}

// SignTranscript signs a handshake transcript with PKCS1v15-SHA256,
// used for the server's ServerHello signature over
// client_random||server_random||dh_pub_s.
func SignTranscript(priv *rsa.PrivateKey, transcript []byte) ([]byte, error) {
	digest := sha256.Sum256(transcript)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}

// VerifyTranscript verifies a SignTranscript signature.
func VerifyTranscript(pub *rsa.PublicKey, transcript, sig []byte) error {
	digest := sha256.Sum256(transcript)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}

// Fingerprint computes the server identity fingerprint per spec.md
// §6: SHA-256 of the PEM-encoded public key, rendered as the first 16
// hex characters, uppercase. Clients compare this out-of-band before
// trusting a TOFU pin.
func Fingerprint(pubPEM []byte) string {
	sum := sha256.Sum256(pubPEM)
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:16]
}
