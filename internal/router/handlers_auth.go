// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package router

import (
	"encoding/json"
	"errors"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
	"github.com/mobpoly/securenetdisk/internal/email"
	"github.com/mobpoly/securenetdisk/internal/keys"
	"github.com/mobpoly/securenetdisk/internal/store"
)

type registerRequest struct {
	Username             string `json:"username"`
	Email                string `json:"email"`
	PasswordHash         string `json:"password_hash"`
	PublicKey            string `json:"public_key"`
	EncryptedPrivateKey  string `json:"encrypted_private_key"`
	EncryptedMasterKey   string `json:"encrypted_master_key"`
	MasterKeySalt        string `json:"master_key_salt"`
	RecoveryKeyEncrypted string `json:"recovery_key_encrypted"`
	RecoveryKeySalt      string `json:"recovery_key_salt"`
	RecoveryKeyHash      string `json:"recovery_key_hash"`
}

func handleRegister(ctx *Context, payload []byte) (Response, error) {
	var req registerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed register request")
	}
	if req.Username == "" || req.Email == "" || req.PasswordHash == "" {
		return nil, ValidationError("username, email and password_hash are required")
	}

	pub, err := hexDecode(req.PublicKey)
	if err != nil {
		return nil, ValidationError("malformed public_key")
	}
	encPriv, err := hexDecode(req.EncryptedPrivateKey)
	if err != nil {
		return nil, ValidationError("malformed encrypted_private_key")
	}
	encMaster, err := hexDecode(req.EncryptedMasterKey)
	if err != nil {
		return nil, ValidationError("malformed encrypted_master_key")
	}
	masterSalt, err := hexDecode(req.MasterKeySalt)
	if err != nil {
		return nil, ValidationError("malformed master_key_salt")
	}
	recEnc, err := hexDecode(req.RecoveryKeyEncrypted)
	if err != nil {
		return nil, ValidationError("malformed recovery_key_encrypted")
	}
	recSalt, err := hexDecode(req.RecoveryKeySalt)
	if err != nil {
		return nil, ValidationError("malformed recovery_key_salt")
	}
	recHash, err := hexDecode(req.RecoveryKeyHash)
	if err != nil {
		return nil, ValidationError("malformed recovery_key_hash")
	}

	user := &store.User{
		Username:             req.Username,
		Email:                req.Email,
		PasswordHash:         req.PasswordHash,
		PublicKeyPEM:         pub,
		EncryptedPrivateKey:  encPriv,
		EncryptedMasterKey:   encMaster,
		MasterKeySalt:        masterSalt,
		RecoveryKeyEncrypted: recEnc,
		RecoveryKeySalt:      recSalt,
		RecoveryKeyHash:      recHash,
	}
	if err := ctx.Store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ConflictError("username or email already registered")
		}
		return nil, IOError("failed to create user", err)
	}
	return ok(Response{"user_id": user.ID}), nil
}

type authRequest struct {
	LoginType string `json:"login_type"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"` // hex SHA-256 prehash
	Code      string `json:"code"`
}

func userAuthBundle(u *store.User) Response {
	return Response{
		"user_id":               u.ID,
		"username":              u.Username,
		"email":                 u.Email,
		"public_key":            hexEncode(u.PublicKeyPEM),
		"encrypted_private_key": hexEncode(u.EncryptedPrivateKey),
		"encrypted_master_key":  hexEncode(u.EncryptedMasterKey),
		"master_key_salt":       hexEncode(u.MasterKeySalt),
	}
}

func handleAuth(ctx *Context, payload []byte) (Response, error) {
	var req authRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed auth request")
	}

	switch req.LoginType {
	case "password":
		user, err := ctx.Store.GetUserByUsername(req.Username)
		if err != nil {
			return nil, AuthError("invalid credentials")
		}
		prehash, err := hexDecode(req.Password)
		if err != nil {
			return nil, ValidationError("malformed password")
		}
		if !appcrypto.VerifyPassword(user.PasswordHash, prehash) {
			return nil, AuthError("invalid credentials")
		}
		bindSession(ctx, user)
		return ok(userAuthBundle(user)), nil

	case "email":
		if err := ctx.Email.VerifyCode(req.Email, store.PurposeLogin, req.Code); err != nil {
			return nil, AuthError("invalid or expired code")
		}
		user, err := ctx.Store.GetUserByEmail(req.Email)
		if err != nil {
			return nil, AuthError("invalid credentials")
		}
		bindSession(ctx, user)
		return ok(userAuthBundle(user)), nil

	case "recovery_data":
		user, err := ctx.Store.GetUserByUsername(req.Username)
		if err != nil {
			return nil, NotFoundError("user not found")
		}
		resp := userAuthBundle(user)
		resp["recovery_key_encrypted"] = hexEncode(user.RecoveryKeyEncrypted)
		resp["recovery_key_salt"] = hexEncode(user.RecoveryKeySalt)
		resp["recovery_key_hash"] = hexEncode(user.RecoveryKeyHash)
		return ok(resp), nil

	default:
		return nil, ValidationError("unknown login_type")
	}
}

func handleGetRecoveryData(ctx *Context, payload []byte) (Response, error) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	user, err := ctx.Store.GetUserByUsername(req.Username)
	if err != nil {
		return nil, NotFoundError("user not found")
	}
	return ok(Response{
		"recovery_key_encrypted": hexEncode(user.RecoveryKeyEncrypted),
		"recovery_key_salt":      hexEncode(user.RecoveryKeySalt),
		"recovery_key_hash":      hexEncode(user.RecoveryKeyHash),
	}), nil
}

type emailCodeRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

func handleEmailCode(ctx *Context, payload []byte) (Response, error) {
	var req emailCodeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	purpose, err := parsePurpose(req.Purpose)
	if err != nil {
		return nil, ValidationError(err.Error())
	}
	if err := ctx.Email.IssueCode(req.Email, purpose); err != nil {
		if errors.Is(err, email.ErrIssueThrottled) {
			return nil, ConflictError("a code was issued recently; try again later")
		}
		return nil, IOError("failed to issue code", err)
	}
	return ok(Response{"message": "verification code sent"}), nil
}

type passwordResetRequest struct {
	Username              string `json:"username"`
	RecoveryKey           string `json:"recovery_key"`
	Email                 string `json:"email"`
	Code                  string `json:"code"`
	NewPasswordHash       string `json:"new_password_hash"`
	NewEncryptedMasterKey string `json:"new_encrypted_master_key"`
	NewMasterKeySalt      string `json:"new_master_key_salt"`
}

func handlePasswordReset(ctx *Context, payload []byte) (Response, error) {
	var req passwordResetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}

	var user *store.User
	var err error
	switch {
	case req.RecoveryKey != "":
		user, err = ctx.Store.GetUserByUsername(req.Username)
		if err != nil {
			return nil, AuthError("invalid recovery key")
		}
		if !keys.VerifyRecoveryKey(req.RecoveryKey, user.RecoveryKeyHash) {
			return nil, AuthError("invalid recovery key")
		}
	case req.Code != "":
		if err := ctx.Email.VerifyCode(req.Email, store.PurposeReset, req.Code); err != nil {
			return nil, AuthError("invalid or expired code")
		}
		user, err = ctx.Store.GetUserByEmail(req.Email)
		if err != nil {
			return nil, AuthError("invalid credentials")
		}
	default:
		return nil, ValidationError("password_reset requires either a recovery_key or an email code")
	}

	if req.NewPasswordHash == "" {
		return nil, ValidationError("new_password_hash is required")
	}
	newEncMaster, err := hexDecode(req.NewEncryptedMasterKey)
	if err != nil {
		return nil, ValidationError("malformed new_encrypted_master_key")
	}
	newSalt, err := hexDecode(req.NewMasterKeySalt)
	if err != nil {
		return nil, ValidationError("malformed new_master_key_salt")
	}

	if err := ctx.Store.RotatePassword(user.ID, req.NewPasswordHash, newEncMaster, newSalt); err != nil {
		return nil, IOError("failed to rotate password", err)
	}
	return ok(nil), nil
}

func bindSession(ctx *Context, user *store.User) {
	ctx.Session.BindUser(user.ID, user.Username)
}

func parsePurpose(raw string) (store.VerificationCodePurpose, error) {
	switch store.VerificationCodePurpose(raw) {
	case store.PurposeLogin:
		return store.PurposeLogin, nil
	case store.PurposeReset:
		return store.PurposeReset, nil
	default:
		return "", errBadPurpose
	}
}

var errBadPurpose = errors.New("purpose must be 'login' or 'reset'")
