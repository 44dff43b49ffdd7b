// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package keys implements the end-to-end key hierarchy: the
// password-wrapped and recovery-wrapped master key bundle, RSA
// private-key wrapping, and the file-key/group-key wrap operations
// that let the server forward ciphertext without ever holding a
// plaintext key (spec.md §4.6, §6).
package keys

import (
	"crypto/rsa"
	"crypto/subtle"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
)

// RegistrationBundle holds everything produced client-side during
// registration, ready to submit to REGISTER.
type RegistrationBundle struct {
	MasterKey []byte // kept only in memory; never sent to the server

	MasterKeySalt        []byte
	EncryptedMasterKey   []byte // IV || AES-CBC(K_p, master_key)
	RecoveryKeySalt      []byte
	RecoveryKeyEncrypted []byte // IV || AES-CBC(K_r, master_key)
	RecoveryKeyHash      []byte // SHA256(normalize(recovery_key))
	RecoveryKeyPlain     string // shown once to the user; never stored

	PublicKeyPEM        []byte
	EncryptedPrivateKey []byte // IV || AES-CBC(master_key, private_key_pem)
	PasswordHash        string // bcrypt(SHA256(password), 12)
}

// PrepareRegistration runs the full client-side registration
// pipeline: generate a master key, wrap it under the password and
// under a freshly generated recovery key, generate an RSA keypair and
// wrap its private half under the master key, and bcrypt-hash the
// password prehash. The password-derived wrap key comes from PBKDF2
// over the raw password; the server-visible hash is bcrypt over
// SHA-256 of it, so the raw password never leaves the client.
func PrepareRegistration(password string) (*RegistrationBundle, error) {
	masterKey, err := appcrypto.RandomBytes(appcrypto.KeySize)
	if err != nil {
		return nil, err
	}

	masterKeySalt, err := appcrypto.RandomBytes(appcrypto.SaltSize)
	if err != nil {
		return nil, err
	}
	kp := appcrypto.DeriveKey([]byte(password), masterKeySalt)
	encryptedMasterKey, err := appcrypto.EncryptCBC(kp, masterKey)
	if err != nil {
		return nil, err
	}

	recoveryKey, err := appcrypto.GenerateRecoveryKey()
	if err != nil {
		return nil, err
	}
	normalizedRecovery := appcrypto.NormalizeRecoveryKey(recoveryKey)
	recoveryKeySalt, err := appcrypto.RandomBytes(appcrypto.SaltSize)
	if err != nil {
		return nil, err
	}
	kr := appcrypto.DeriveKey([]byte(normalizedRecovery), recoveryKeySalt)
	recoveryKeyEncrypted, err := appcrypto.EncryptCBC(kr, masterKey)
	if err != nil {
		return nil, err
	}
	recoveryKeyHash := appcrypto.SHA256Sum([]byte(normalizedRecovery))

	rsaPriv, err := appcrypto.GenerateRSAKeyPair()
	if err != nil {
		return nil, err
	}
	pubPEM, err := appcrypto.MarshalPublicKeyPEM(&rsaPriv.PublicKey)
	if err != nil {
		return nil, err
	}
	privPEM := appcrypto.MarshalPrivateKeyPEM(rsaPriv)
	encryptedPrivateKey, err := appcrypto.EncryptCBC(masterKey, privPEM)
	if err != nil {
		return nil, err
	}

	passwordHash, err := appcrypto.HashPassword(PasswordPrehash(password))
	if err != nil {
		return nil, err
	}

	return &RegistrationBundle{
		MasterKey:            masterKey,
		MasterKeySalt:        masterKeySalt,
		EncryptedMasterKey:   encryptedMasterKey,
		RecoveryKeySalt:      recoveryKeySalt,
		RecoveryKeyEncrypted: recoveryKeyEncrypted,
		RecoveryKeyHash:      recoveryKeyHash,
		RecoveryKeyPlain:     recoveryKey,
		PublicKeyPEM:         pubPEM,
		EncryptedPrivateKey:  encryptedPrivateKey,
		PasswordHash:         passwordHash,
	}, nil
}

// PasswordPrehash computes the client-side SHA-256 prehash of the raw
// password, the only password-derived value the server ever sees.
func PasswordPrehash(password string) []byte {
	return appcrypto.SHA256Sum([]byte(password))
}

// UnwrapMasterKeyWithPassword recovers the master key given the raw
// password and the account's stored salt/ciphertext.
func UnwrapMasterKeyWithPassword(password string, masterKeySalt, encryptedMasterKey []byte) ([]byte, error) {
	kp := appcrypto.DeriveKey([]byte(password), masterKeySalt)
	return appcrypto.DecryptCBC(kp, encryptedMasterKey)
}

// UnwrapMasterKeyWithRecovery recovers the master key given the raw
// recovery key (as transcribed by the user, possibly with dashes and
// mixed case) and the account's stored recovery salt/ciphertext.
func UnwrapMasterKeyWithRecovery(recoveryKeyRaw string, recoveryKeySalt, recoveryKeyEncrypted []byte) ([]byte, error) {
	normalized := appcrypto.NormalizeRecoveryKey(recoveryKeyRaw)
	kr := appcrypto.DeriveKey([]byte(normalized), recoveryKeySalt)
	return appcrypto.DecryptCBC(kr, recoveryKeyEncrypted)
}

// VerifyRecoveryKey checks a raw recovery key against the stored hash
// without needing to decrypt anything, used to validate a
// PASSWORD_RESET request before touching the master key wrap.
func VerifyRecoveryKey(recoveryKeyRaw string, storedHash []byte) bool {
	normalized := appcrypto.NormalizeRecoveryKey(recoveryKeyRaw)
	got := appcrypto.SHA256Sum([]byte(normalized))
	return subtle.ConstantTimeCompare(got, storedHash) == 1
}

// UnwrapPrivateKey decrypts the user's RSA private key PEM under
// their master key.
func UnwrapPrivateKey(masterKey, encryptedPrivateKey []byte) (*rsa.PrivateKey, error) {
	pem, err := appcrypto.DecryptCBC(masterKey, encryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	return appcrypto.ParsePrivateKeyPEM(pem)
}

// PasswordChangeResult holds the new password-path fields that must
// be written atomically; the recovery-path fields are untouched.
type PasswordChangeResult struct {
	NewPasswordHash       string
	NewMasterKeySalt      []byte
	NewEncryptedMasterKey []byte
}

// RotatePassword re-wraps the existing master key under a new
// password-derived key, generating a fresh salt. The recovery branch
// is unaffected.
func RotatePassword(masterKey []byte, newPassword string) (*PasswordChangeResult, error) {
	newSalt, err := appcrypto.RandomBytes(appcrypto.SaltSize)
	if err != nil {
		return nil, err
	}
	kp := appcrypto.DeriveKey([]byte(newPassword), newSalt)
	encryptedMasterKey, err := appcrypto.EncryptCBC(kp, masterKey)
	if err != nil {
		return nil, err
	}
	passwordHash, err := appcrypto.HashPassword(PasswordPrehash(newPassword))
	if err != nil {
		return nil, err
	}
	return &PasswordChangeResult{
		NewPasswordHash:       passwordHash,
		NewMasterKeySalt:      newSalt,
		NewEncryptedMasterKey: encryptedMasterKey,
	}, nil
}

// NewFileKey draws a fresh 32-byte per-file key. Every file gets its
// own key; reusing one across files would make CTR-mode streaming
// catastrophically breakable.
func NewFileKey() ([]byte, error) {
	return appcrypto.RandomBytes(appcrypto.KeySize)
}

// WrapFileKey wraps a file key under the owning namespace's key: the
// uploader's master key for a personal file, or the group key for a
// group file.
func WrapFileKey(wrapKey, fileKey []byte) ([]byte, error) {
	return appcrypto.EncryptCBC(wrapKey, fileKey)
}

// UnwrapFileKey reverses WrapFileKey.
func UnwrapFileKey(wrapKey, encryptedFileKey []byte) ([]byte, error) {
	return appcrypto.DecryptCBC(wrapKey, encryptedFileKey)
}

// NewGroupKey draws a fresh 32-byte group key at group-creation time.
func NewGroupKey() ([]byte, error) {
	return appcrypto.RandomBytes(appcrypto.KeySize)
}

// WrapGroupKeyForMember RSA-OAEP wraps a plaintext group key under a
// member's public key, used both at group creation (for the owner)
// and at invitation time (for the invitee).
func WrapGroupKeyForMember(memberPublicKey *rsa.PublicKey, groupKey []byte) ([]byte, error) {
	return appcrypto.OAEPEncrypt(memberPublicKey, groupKey)
}

// UnwrapGroupKey decrypts a member's wrapped copy of a group key
// using their RSA private key.
func UnwrapGroupKey(memberPrivateKey *rsa.PrivateKey, encryptedGroupKey []byte) ([]byte, error) {
	return appcrypto.OAEPDecrypt(memberPrivateKey, encryptedGroupKey)
}
