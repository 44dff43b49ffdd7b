// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// CreateUser inserts a new account row. It reports ErrConflict if the
// username or email is already registered.
func (s *State) CreateUser(u *User) error {
	err := s.DB.Create(u).Error
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username or email already registered", ErrConflict)
		}
		return err
	}
	return nil
}

// GetUserByUsername looks up an account by username.
func (s *State) GetUserByUsername(username string) (*User, error) {
	var u User
	if err := s.DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// GetUserByEmail looks up an account by email.
func (s *State) GetUserByEmail(email string) (*User, error) {
	var u User
	if err := s.DB.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// GetUserByID looks up an account by primary key.
func (s *State) GetUserByID(id uint) (*User, error) {
	var u User
	if err := s.DB.First(&u, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// RotatePassword atomically updates the password-path fields
// (password_hash, encrypted_master_key, master_key_salt); the
// recovery fields are left untouched.
func (s *State) RotatePassword(userID uint, passwordHash string, encryptedMasterKey, masterKeySalt []byte) error {
	res := s.DB.Model(&User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"password_hash":        passwordHash,
		"encrypted_master_key": encryptedMasterKey,
		"master_key_salt":      masterKeySalt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation is a best-effort, driver-agnostic sniff of GORM's
// wrapped unique-constraint errors; both the sqlite and postgres
// drivers surface the word "unique" in the underlying message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsFold(msg, "unique") || containsFold(msg, "UNIQUE")
}

func containsFold(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := 0; j < len(needle); j++ {
			a, b := haystack[i+j], needle[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
