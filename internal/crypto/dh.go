// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
)

// group14Hex is the RFC 3526 Group 14 2048-bit MODP prime.
const group14Hex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD" +
	"129024E088A67CC74020BBEA63B139B22514A08798E3404" +
	"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C" +
	"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406" +
	"B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE" +
	"45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD" +
	"24CF5F83655D23DCA3AD961C62F356208552BB9ED529077" +
	"096966D670C354E4ABC9804F1746C08CA18217C32905E46" +
	"2E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF" +
	"06F4C52C9DE2BCBF6955817183995497CEA956AE515D226" +
	"1898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"

// dhGenerator is the standard generator for Group 14.
const dhGenerator = 2

// PrivateExponentBits is the length of the random DH private exponent.
const PrivateExponentBits = 256

var dhPrime *big.Int

func init() {
	p, ok := new(big.Int).SetString(group14Hex, 16)
	if !ok {
		panic("crypto: invalid embedded DH group14 prime")
	}
	dhPrime = p
}

// DHKeyPair is an ephemeral Diffie-Hellman keypair for one handshake.
type DHKeyPair struct {
	Private *big.Int
	Public  *big.Int
}

// GenerateDHKeyPair draws a 256-bit private exponent and computes the
// corresponding public value g^x mod p.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	privBytes := make([]byte, PrivateExponentBits/8)
	if _, err := rand.Read(privBytes); err != nil {
		return nil, err
	}
	priv := new(big.Int).SetBytes(privBytes)
	pub := new(big.Int).Exp(big.NewInt(dhGenerator), priv, dhPrime)
	return &DHKeyPair{Private: priv, Public: pub}, nil
}

// ErrInvalidDHPublic is returned when a peer's public value fails the
// 1 < y < p-1 range check.
var ErrInvalidDHPublic = errors.New("crypto: peer DH public value out of range")

// ValidatePeerPublic enforces 1 < y < p-1.
func ValidatePeerPublic(y *big.Int) error {
	one := big.NewInt(1)
	pMinusOne := new(big.Int).Sub(dhPrime, one)
	if y.Cmp(one) <= 0 || y.Cmp(pMinusOne) >= 0 {
		return ErrInvalidDHPublic
	}
	return nil
}

// SharedSecret computes SHA256(g^(xy) mod p) given our private
// exponent and the peer's validated public value.
func (kp *DHKeyPair) SharedSecret(peerPublic *big.Int) ([]byte, error) {
	if err := ValidatePeerPublic(peerPublic); err != nil {
		return nil, err
	}
	shared := new(big.Int).Exp(peerPublic, kp.Private, dhPrime)
	sum := sha256.Sum256(dhPadded(shared))
	return sum[:], nil
}

// PublicKeyBytes returns the public value as a fixed 256-byte
// big-endian field element, matching the wire's dh_pub(256) field.
func (kp *DHKeyPair) PublicKeyBytes() []byte {
	return dhPadded(kp.Public)
}

// PublicFromBytes parses a 256-byte wire public value back into a
// big.Int for use with SharedSecret.
func PublicFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func dhPadded(v *big.Int) []byte {
	const fieldBytes = 256
	raw := v.Bytes()
	if len(raw) >= fieldBytes {
		return raw[len(raw)-fieldBytes:]
	}
	out := make([]byte, fieldBytes)
	copy(out[fieldBytes-len(raw):], raw)
	return out
}
